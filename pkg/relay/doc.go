// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay bridges many client sessions to a single upstream device.
//
// Core listens to the upstream link and fans its events out: every state
// transition becomes a status broadcast, device payloads are forwarded
// verbatim and remembered so that a newly registered session receives the
// current status followed by the last payload. Client frames travel the
// other way: they are parsed, rate limited, validated, passed through the
// handler hooks and written to the device. Failures on that path are
// reported to the originating session only.
package relay
