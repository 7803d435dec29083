// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"time"

	"github.com/Jezerwel/floyd-app/pkg/protocol"
)

// Context contains client session metadata.
// It is passed to Handler methods on every hook.
type Context struct {
	// SessionID is the registry-assigned identifier of the client session
	SessionID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// ConnectedAt is the time the session was registered
	ConnectedAt time.Time
}

// Handler defines lifecycle and command hooks for client sessions.
//
// BeforeCommand is called BEFORE a validated command is forwarded to the
// device. It can:
// - Return an error to reject the command; the client receives the error text
// - Rewrite the command parameters via the pointer
//
// Notification methods (OnConnect, OnCommand, OnDisconnect) are called AFTER
// the corresponding action for audit logging or metrics. Their errors are
// logged but never change the outcome.
type Handler interface {
	// OnConnect is called after a session is registered and has received
	// its catch-up messages.
	OnConnect(ctx context.Context, hctx *Context) error

	// BeforeCommand is called for every validated client or injected
	// command except liveness probes.
	BeforeCommand(ctx context.Context, hctx *Context, cmd *protocol.Command) error

	// OnCommand is called after a command was written to the device.
	OnCommand(ctx context.Context, hctx *Context, cmd protocol.Command) error

	// OnDisconnect is called exactly once per session, whatever removed it.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that allows all commands.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) BeforeCommand(ctx context.Context, hctx *Context, cmd *protocol.Command) error {
	return nil
}

func (h *NoopHandler) OnCommand(ctx context.Context, hctx *Context, cmd protocol.Command) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
