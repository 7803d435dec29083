// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket adapts gorilla/websocket connections for the relay.
//
// # Conn Adapter
//
// Conn serves both ends of the relay: accepted client sessions and the dialed
// upstream device connection. It provides:
//
//   - ReadMessage(): next text or binary frame, skipping control frames
//   - WriteMessage(): one text frame, serialized and bounded by a write deadline
//   - Ping(): transport-level liveness probe
//   - Close(code, reason): close frame followed by socket close, idempotent
//   - IsOpen(): false once closed or after any read/write failure
//
// gorilla/websocket allows one concurrent reader and one concurrent writer.
// Conn serializes writers; callers must keep a single read loop per Conn.
package websocket
