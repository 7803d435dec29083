// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package upstream maintains the relay's single connection to the device.
//
// A Link moves between three phases driven by a looplab/fsm state machine:
//
//	disconnected --connect--> connecting --open--> connected
//	connecting   --fail-----> disconnected
//	connected    --close----> disconnected
//	any active   --stop-----> disconnected
//
// Abnormal closures (1006, 1011, 1014) and failed connect attempts schedule a
// reconnect after ReconnectDelay, up to MaxReconnectAttempts consecutive
// attempts. Normal and manual closures never reconnect. A successful open
// resets the budget, as do Disconnect and ForceReconnect.
//
// While connected, the link sends {"action":"ping"} every PingInterval and
// records acknowledgments. An acknowledgment overdue by more than
// PingInterval+PingTimeout marks the link stale without closing it.
//
// All timers run on an injected clock.Clock so tests can drive time.
package upstream
