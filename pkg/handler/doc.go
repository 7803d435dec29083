// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the hooks the relay calls around client sessions.
//
// # Data Flow
//
//	Client → Server → Relay (validates) → Handler.BeforeCommand → Upstream
//	Upstream → Relay → Registry (broadcast) → Client
//
// # Handler Methods
//
// BeforeCommand is called before a command is forwarded and may reject it or
// rewrite its parameters. Liveness probes never reach it.
//
// Notification methods (On*) are called after the fact:
//   - OnConnect: session registered and caught up
//   - OnCommand: command written to the device
//   - OnDisconnect: session removed, for any reason
//
// Commands injected through the administrative API are passed with a Context
// whose SessionID is empty.
//
// # Example
//
//	type ReadOnly struct{ handler.NoopHandler }
//
//	func (ReadOnly) BeforeCommand(ctx context.Context, hctx *handler.Context, cmd *protocol.Command) error {
//		if cmd.Action == protocol.ActionRestart {
//			return errors.New("restart is disabled")
//		}
//		return nil
//	}
package handler
