// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	perrors "github.com/Jezerwel/floyd-app/pkg/errors"
	"github.com/Jezerwel/floyd-app/pkg/handler"
	"github.com/Jezerwel/floyd-app/pkg/metrics"
	"github.com/Jezerwel/floyd-app/pkg/protocol"
	"github.com/Jezerwel/floyd-app/pkg/ratelimit"
	"github.com/Jezerwel/floyd-app/pkg/session"
	"github.com/Jezerwel/floyd-app/pkg/upstream"
	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

// Texts of relay-synthesized error messages.
const (
	msgInvalidFormat = "Invalid message format"
	msgNotConnected  = "Upstream device not connected"
	msgSendFailed    = "Failed to send command to upstream device"
	msgRateLimited   = "Rate limit exceeded"
	msgExhausted     = "Max reconnection attempts reached"
	msgUpstreamError = "Upstream connection error"
	msgRelayShutdown = "relay shutting down"
)

// unknownAction labels metrics of commands outside the recognized set.
const unknownAction = "unknown"

// Upstream is the device link consumed by the relay.
type Upstream interface {
	Connect()
	Disconnect()
	ForceReconnect()
	UpdateConfig(u upstream.ConfigUpdate) error
	Send(cmd protocol.Command) error
	State() upstream.State
	SetListener(l upstream.Listener)
}

var (
	_ Upstream          = (*upstream.Link)(nil)
	_ upstream.Listener = (*Core)(nil)
)

// Config holds the relay parameters.
type Config struct {
	Session   session.Config
	RateLimit ratelimit.Config
}

// Options carries the collaborators of a Core. Zero values select defaults.
type Options struct {
	Clock   clock.Clock
	Logger  *slog.Logger
	Handler handler.Handler
	Metrics *metrics.Metrics
}

// Stats is an operational snapshot of the relay.
type Stats struct {
	Clients         int                  `json:"clients"`
	Sessions        []session.Descriptor `json:"sessions"`
	Upstream        upstream.State       `json:"upstream"`
	LastPayloadType string               `json:"lastPayloadType,omitempty"`
	LastPayloadAt   *time.Time           `json:"lastPayloadAt,omitempty"`
}

type lastPayload struct {
	data       []byte
	msgType    protocol.MessageType
	receivedAt time.Time
}

// Core fans upstream events out to client sessions and routes client
// commands to the upstream link.
type Core struct {
	link     Upstream
	registry *session.Registry
	limiter  *ratelimit.Limiter
	handler  handler.Handler

	// deliverMu orders registration catch-up against broadcasts so a new
	// session never sees a payload twice or out of order. Shutdown holds it
	// while closing so no session is registered behind CloseAll.
	deliverMu sync.Mutex
	last      atomic.Pointer[lastPayload]
	closed    atomic.Bool

	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a relay over link and registers itself as the link listener.
func New(link Upstream, cfg Config, opts Options) *Core {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Handler == nil {
		opts.Handler = &handler.NoopHandler{}
	}

	c := &Core{
		link:    link,
		limiter: ratelimit.New(cfg.RateLimit, opts.Clock),
		handler: opts.Handler,
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	c.registry = session.NewRegistry(cfg.Session, session.Options{
		Clock:   opts.Clock,
		Logger:  opts.Logger,
		Handler: &sessionHooks{Handler: opts.Handler, limiter: c.limiter},
		Metrics: opts.Metrics,
	})
	link.SetListener(c)

	return c
}

// sessionHooks releases per-session state before notifying the user handler.
type sessionHooks struct {
	handler.Handler
	limiter *ratelimit.Limiter
}

func (h *sessionHooks) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	h.limiter.Remove(hctx.SessionID)
	return h.Handler.OnDisconnect(ctx, hctx)
}

// Register adds a client session and sends it the current status followed
// by the last upstream payload, if any.
func (c *Core) Register(ctx context.Context, conn session.Conn, remoteAddr string) (string, error) {
	c.deliverMu.Lock()
	if c.closed.Load() {
		c.deliverMu.Unlock()
		return "", perrors.ErrConnectionClosed
	}
	id := c.registry.Register(conn, remoteAddr)
	c.sendMessage(id, protocol.NewStatus(c.Status(), c.now()))
	if last := c.last.Load(); last != nil {
		c.registry.Send(id, last.data)
	}
	c.deliverMu.Unlock()

	if hctx, ok := c.registry.Lookup(id); ok {
		if err := c.handler.OnConnect(ctx, hctx); err != nil {
			c.logger.Error("connect handler error",
				slog.String("session", id),
				slog.String("error", err.Error()))
		}
	}
	return id, nil
}

// Unregister removes a client session. Unknown ids are ignored.
func (c *Core) Unregister(id string) {
	c.registry.Unregister(id)
}

// Touch records a transport-level liveness response from a session.
func (c *Core) Touch(id string) {
	c.registry.Touch(id)
}

// HandleMessage processes one inbound client frame. Every failure is
// reported to the originating session only.
func (c *Core) HandleMessage(ctx context.Context, id string, data []byte) {
	if c.closed.Load() {
		return
	}

	cmd, err := protocol.ParseCommand(data)
	if err != nil {
		c.logger.Debug("invalid client message",
			slog.String("session", id),
			slog.String("error", err.Error()))
		c.metrics.Command("", "invalid")
		c.sendMessage(id, protocol.NewError(msgInvalidFormat, "", c.now()))
		return
	}

	if cmd.Action == protocol.ActionPing {
		c.registry.Touch(id)
		c.sendMessage(id, protocol.NewPong(c.now()))
		return
	}

	hctx, ok := c.registry.Lookup(id)
	if !ok {
		return
	}
	if !c.limiter.Allow(id) {
		c.metrics.RateLimitedMessage()
		err := perrors.New("handle", id, perrors.ErrRateLimited)
		c.logger.Debug("client message rate limited", slog.String("error", err.Error()))
		c.sendMessage(id, protocol.NewError(clientError(err), cmd.Action, c.now()))
		return
	}

	if err := c.dispatch(ctx, hctx, cmd); err != nil {
		c.sendMessage(id, protocol.NewError(clientError(err), cmd.Action, c.now()))
	}
}

// InjectCommand validates cmd exactly like a client command and forwards it
// to the device.
func (c *Core) InjectCommand(ctx context.Context, cmd protocol.Command) error {
	if c.closed.Load() {
		return perrors.ErrConnectionClosed
	}
	if cmd.Action == protocol.ActionPing {
		return perrors.New("inject", "", &protocol.ValidationError{Action: cmd.Action, Reason: "liveness probes are answered by the relay"})
	}
	if err := c.dispatch(ctx, &handler.Context{}, cmd); err != nil {
		return perrors.New("inject", "", err)
	}
	return nil
}

func (c *Core) dispatch(ctx context.Context, hctx *handler.Context, cmd protocol.Command) error {
	action := actionLabel(cmd.Action)
	if err := protocol.ValidateCommand(cmd); err != nil {
		c.metrics.Command(action, "invalid")
		return err
	}
	if err := c.handler.BeforeCommand(ctx, hctx, &cmd); err != nil {
		c.metrics.Command(action, "rejected")
		return fmt.Errorf("%w: %w", perrors.ErrRejected, err)
	}
	if err := c.link.Send(cmd); err != nil {
		c.logger.Warn("failed to forward command",
			slog.String("session", hctx.SessionID),
			slog.String("action", action),
			slog.String("error", err.Error()))
		c.metrics.Command(action, "failed")
		return err
	}
	c.metrics.Command(action, "forwarded")

	if err := c.handler.OnCommand(ctx, hctx, cmd); err != nil {
		c.logger.Error("command handler error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}
	return nil
}

// clientError maps a dispatch failure to the text sent to the session.
func clientError(err error) string {
	var verr *protocol.ValidationError
	switch {
	case errors.As(err, &verr):
		return verr.Error()
	case errors.Is(err, perrors.ErrNotConnected):
		return msgNotConnected
	case errors.Is(err, perrors.ErrRateLimited):
		return msgRateLimited
	case errors.Is(err, perrors.ErrRejected):
		return err.Error()
	default:
		return msgSendFailed
	}
}

func actionLabel(a protocol.Action) string {
	if protocol.Known(a) {
		return string(a)
	}
	return unknownAction
}

// OnConnected broadcasts the new status.
func (c *Core) OnConnected() {
	if c.closed.Load() {
		return
	}
	c.broadcastStatus()
}

// OnDisconnected broadcasts the new status.
func (c *Core) OnDisconnected(cause upstream.Cause) {
	if c.closed.Load() {
		return
	}
	c.logger.Debug("relaying upstream disconnect",
		slog.Int("code", cause.Code),
		slog.Bool("manual", cause.Manual))
	c.broadcastStatus()
}

// OnError broadcasts an error notice to every session.
func (c *Core) OnError(err error) {
	if c.closed.Load() {
		return
	}
	text := msgUpstreamError
	if err != nil {
		text = fmt.Sprintf("%s: %s", msgUpstreamError, err)
	}
	c.broadcast(protocol.NewError(text, "", c.now()))
}

// OnReconnectExhausted broadcasts a terminal notice and the final status.
func (c *Core) OnReconnectExhausted(attempts int) {
	if c.closed.Load() {
		return
	}
	c.logger.Warn("upstream unavailable, waiting for a forced reconnect", slog.Int("attempts", attempts))
	c.broadcast(protocol.NewError(msgExhausted, "", c.now()))
	c.broadcastStatus()
}

// OnMessage stores and broadcasts a device payload verbatim. Liveness
// acknowledgments are consumed and malformed payloads dropped.
func (c *Core) OnMessage(payload []byte) {
	if c.closed.Load() {
		return
	}

	msg, err := protocol.ParseMessage(payload)
	if err != nil {
		c.logger.Warn("dropping upstream payload", slog.String("error", err.Error()))
		return
	}
	if protocol.IsLivenessAck(msg) {
		return
	}

	data := append([]byte(nil), payload...)
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.last.Store(&lastPayload{data: data, msgType: msg.Type, receivedAt: c.clock.Now()})
	c.registry.Broadcast(data)
}

// Status synthesizes the client-facing status from the link state.
func (c *Core) Status() protocol.StatusData {
	st := c.link.State()
	return protocol.StatusData{
		UpstreamConnected:         st.Phase == upstream.PhaseConnected,
		UpstreamConnecting:        st.Phase == upstream.PhaseConnecting,
		UpstreamReconnectAttempts: st.ReconnectAttempts,
		MaxReconnectAttempts:      st.MaxReconnectAttempts,
		ReconnectExhausted:        st.ReconnectExhausted,
		RelayConnected:            !c.closed.Load(),
	}
}

// Stats returns an operational snapshot.
func (c *Core) Stats() Stats {
	sessions := c.registry.Snapshot()
	st := Stats{
		Clients:  len(sessions),
		Sessions: sessions,
		Upstream: c.link.State(),
	}
	if last := c.last.Load(); last != nil {
		at := last.receivedAt
		st.LastPayloadType = string(last.msgType)
		st.LastPayloadAt = &at
	}
	return st
}

// ClientCount returns the number of connected sessions.
func (c *Core) ClientCount() int {
	return c.registry.Count()
}

// UpstreamState returns the link snapshot.
func (c *Core) UpstreamState() upstream.State {
	return c.link.State()
}

// ConnectUpstream starts connecting to the device.
func (c *Core) ConnectUpstream() {
	c.link.Connect()
}

// DisconnectUpstream closes the device link.
func (c *Core) DisconnectUpstream() {
	c.link.Disconnect()
}

// ForceUpstreamReconnect reconnects with a fresh reconnect budget.
func (c *Core) ForceUpstreamReconnect() {
	c.link.ForceReconnect()
}

// UpdateUpstreamConfig applies a partial link configuration.
func (c *Core) UpdateUpstreamConfig(u upstream.ConfigUpdate) error {
	return c.link.UpdateConfig(u)
}

// Shutdown closes every client session, then the upstream link. Upstream
// events arriving afterwards are not forwarded.
func (c *Core) Shutdown() error {
	c.deliverMu.Lock()
	if !c.closed.CompareAndSwap(false, true) {
		c.deliverMu.Unlock()
		return nil
	}
	c.logger.Info("shutting down relay", slog.Int("sessions", c.registry.Count()))
	err := c.registry.CloseAll(websocket.CloseGoingAway, msgRelayShutdown)
	c.deliverMu.Unlock()

	c.link.Disconnect()
	return err
}

func (c *Core) broadcastStatus() {
	c.broadcast(protocol.NewStatus(c.Status(), c.now()))
}

func (c *Core) broadcast(msg protocol.Message) {
	data, err := msg.Encode()
	if err != nil {
		c.logger.Error("failed to encode relay message", slog.String("error", err.Error()))
		return
	}
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.registry.Broadcast(data)
}

func (c *Core) sendMessage(id string, msg protocol.Message) {
	data, err := msg.Encode()
	if err != nil {
		c.logger.Error("failed to encode relay message", slog.String("error", err.Error()))
		return
	}
	c.registry.Send(id, data)
}

func (c *Core) now() int64 {
	return c.clock.Now().UnixMilli()
}
