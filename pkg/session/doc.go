// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session keeps the set of connected client sessions.
//
// Each session gets a UUID, a liveness timestamp and a probe ticker. Every
// LivenessInterval the registry pings the session; if no liveness response
// (transport pong or Touch) arrives within LivenessTimeout, the session is
// removed. Sessions are also removed when a write fails or the transport is
// found closed. Every removal, whatever the cause, calls
// handler.Handler.OnDisconnect exactly once.
//
// Broadcast iterates a snapshot and removes failed sessions only after the
// pass, so registration and removal never race with an in-flight broadcast.
package session
