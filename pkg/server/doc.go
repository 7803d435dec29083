// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the relay over HTTP.
//
// Routes:
//
//	GET  /ws                     client WebSocket endpoint (path configurable)
//	POST /api/upstream/connect   start the device link
//	POST /api/upstream/disconnect
//	POST /api/upstream/reconnect reconnect with a fresh attempt budget
//	PUT  /api/upstream/config    partial link configuration, durations in ms
//	GET  /api/status             client-facing status and link state
//	GET  /api/stats              sessions and last payload
//	POST /api/command            validate and forward a command
//	GET  /health, /ready, /live  probes
package server
