// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the JSON wire format shared by client sessions and
// the upstream device.
//
// # Messages
//
// Every frame travelling towards a client is a Message:
//
//	{"type": "sensor_data", "data": {...}, "timestamp": 1718000000000}
//
// The type is one of sensor_data, control_response (alias command_response),
// status or error. The data payload is kept as raw JSON; only the structural
// shape is checked. Unknown types decode to ErrUnknownType so callers can route
// them to their protocol error path.
//
// # Commands
//
// Frames travelling towards the device are Commands:
//
//	{"action": "set_relay", "parameters": {"state": true}, "timestamp": 1718000000000}
//
// ParseCommand checks structure, ValidateCommand checks the action against the
// recognized set and its parameters against their ranges.
//
// # Liveness
//
// A liveness probe is the "ping" action. Its acknowledgment is a
// control_response whose data carries "action": "ping". The relay answers
// client probes itself with the same shape the device uses, so a client cannot
// tell the relay apart from a direct device connection.
package protocol
