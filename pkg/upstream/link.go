// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	perrors "github.com/Jezerwel/floyd-app/pkg/errors"
	"github.com/Jezerwel/floyd-app/pkg/metrics"
	"github.com/Jezerwel/floyd-app/pkg/protocol"
	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"
)

// Phase is the lifecycle phase of the link.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
)

const (
	eventConnect = "connect"
	eventOpen    = "open"
	eventFail    = "fail"
	eventClose   = "close"
	eventStop    = "stop"
)

// CloseBadGateway is the close code a gateway sends when its own upstream failed.
const CloseBadGateway = 1014

// Cause describes why the link left the connected phase.
type Cause struct {
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`
	// Manual is set for disconnects requested through Disconnect.
	Manual bool `json:"manual"`
}

// Reconnectable reports whether the closure is eligible for automatic reconnect.
func (c Cause) Reconnectable() bool {
	if c.Manual {
		return false
	}
	switch c.Code {
	case websocket.CloseAbnormalClosure, websocket.CloseInternalServerErr, CloseBadGateway:
		return true
	default:
		return false
	}
}

// Listener receives link events. Calls are serialized and never overlap.
// Callbacks may read State and Config but must not drive the link.
type Listener interface {
	OnConnected()
	OnDisconnected(cause Cause)
	OnMessage(payload []byte)
	OnError(err error)
	OnReconnectExhausted(attempts int)
}

// State is a point-in-time snapshot of the link.
type State struct {
	Phase                Phase     `json:"phase"`
	URL                  string    `json:"url"`
	ReconnectAttempts    int       `json:"reconnectAttempts"`
	MaxReconnectAttempts int       `json:"maxReconnectAttempts"`
	ReconnectExhausted   bool      `json:"reconnectExhausted"`
	LastPingSentAt       time.Time `json:"lastPingSentAt"`
	LastPingAckAt        time.Time `json:"lastPingAckAt"`
	LivenessStale        bool      `json:"livenessStale"`
}

// Options carries the collaborators of a Link. Zero values select defaults.
type Options struct {
	Dialer  Dialer
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type eventKind int

const (
	evConnected eventKind = iota
	evDisconnected
	evMessage
	evError
	evExhausted
)

type event struct {
	kind     eventKind
	gen      uint64
	cause    Cause
	payload  []byte
	err      error
	attempts int
}

// Link maintains the single connection to the upstream device.
//
// Every connect attempt runs under a generation number. Callbacks of dials,
// timers, read loops and keepalives carry the generation they were started
// with and are ignored once it is superseded, so a late callback of an
// abandoned attempt never changes the phase or emits events.
type Link struct {
	mu           sync.Mutex
	cfg          Config
	machine      *fsm.FSM
	gen          uint64
	attempts     int
	exhausted    bool
	conn         Transport
	cancelDial   context.CancelFunc
	connectTimer *clock.Timer
	retryTimer   *clock.Timer
	pingTicker   *clock.Ticker
	stopPing     chan struct{}
	lastPingSent time.Time
	lastPingAck  time.Time
	stale        bool

	emitMu   sync.Mutex
	listener Listener

	dialer  Dialer
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New returns a disconnected Link. It does not dial until Connect is called.
func New(cfg Config, opts Options) (*Link, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Dialer == nil {
		opts.Dialer = &WebSocketDialer{
			WriteTimeout: cfg.WriteTimeout,
			ReadLimit:    cfg.ReadLimit,
		}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	l := &Link{
		cfg:     cfg,
		dialer:  opts.Dialer,
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	l.machine = fsm.NewFSM(
		string(PhaseDisconnected),
		fsm.Events{
			{Name: eventConnect, Src: []string{string(PhaseDisconnected)}, Dst: string(PhaseConnecting)},
			{Name: eventOpen, Src: []string{string(PhaseConnecting)}, Dst: string(PhaseConnected)},
			{Name: eventFail, Src: []string{string(PhaseConnecting)}, Dst: string(PhaseDisconnected)},
			{Name: eventClose, Src: []string{string(PhaseConnected)}, Dst: string(PhaseDisconnected)},
			{Name: eventStop, Src: []string{string(PhaseConnecting), string(PhaseConnected)}, Dst: string(PhaseDisconnected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				l.logger.Debug("upstream phase changed",
					slog.String("event", e.Event),
					slog.String("from", e.Src),
					slog.String("to", e.Dst))
				l.metrics.SetUpstreamPhase(e.Dst)
			},
		},
	)
	l.metrics.SetUpstreamPhase(string(PhaseDisconnected))

	return l, nil
}

// SetListener registers the receiver of link events.
func (l *Link) SetListener(listener Listener) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	l.listener = listener
}

// Connect starts a connect attempt. It is a no-op unless the link is
// disconnected, so at most one attempt is ever in flight.
func (l *Link) Connect() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.phaseLocked() != PhaseDisconnected {
		return
	}
	stopTimer(&l.retryTimer)
	l.startConnectLocked()
}

// Disconnect closes the link with a normal closure and cancels any pending
// connect or reconnect. The reconnect budget is reset.
func (l *Link) Disconnect() {
	l.mu.Lock()
	conn := l.resetLocked()
	l.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.CloseNormalClosure, "relay disconnect")
	}
	l.logger.Info("upstream disconnected on request")
	l.emit(event{
		kind:  evDisconnected,
		cause: Cause{Code: websocket.CloseNormalClosure, Reason: "manual disconnect", Manual: true},
	})
}

// ForceReconnect drops the current connection and connects again with a
// fresh reconnect budget.
func (l *Link) ForceReconnect() {
	l.Disconnect()
	l.Connect()
}

// UpdateConfig applies u. When the link is connected or connecting it is
// disconnected and reconnected with the new parameters after SettleDelay.
func (l *Link) UpdateConfig(u ConfigUpdate) error {
	l.mu.Lock()
	next := l.cfg.Apply(u)
	if err := next.Validate(); err != nil {
		l.mu.Unlock()
		return err
	}
	l.cfg = next
	active := l.phaseLocked() != PhaseDisconnected
	l.mu.Unlock()

	l.logger.Info("upstream config updated", slog.String("url", next.URL()), slog.Bool("reconnect", active))
	if !active {
		return nil
	}

	l.Disconnect()

	l.mu.Lock()
	defer l.mu.Unlock()
	gen := l.gen
	l.retryTimer = l.clock.AfterFunc(next.SettleDelay, func() { l.retry(gen) })
	return nil
}

// Send writes cmd to the device. It fails with ErrNotConnected unless the
// link is connected. A write failure tears the connection down.
func (l *Link) Send(cmd protocol.Command) error {
	l.mu.Lock()
	if l.phaseLocked() != PhaseConnected || l.conn == nil {
		exhausted := l.exhausted
		l.mu.Unlock()
		if exhausted {
			return fmt.Errorf("%w: %w", perrors.ErrNotConnected, perrors.ErrReconnectExhausted)
		}
		return perrors.ErrNotConnected
	}
	conn, gen := l.conn, l.gen
	cmd.Timestamp = l.clock.Now().UnixMilli()
	l.mu.Unlock()

	data, err := cmd.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	if err := conn.WriteMessage(data); err != nil {
		l.writeFailed(gen, err)
		return fmt.Errorf("%w: %w", perrors.ErrConnectionClosed, err)
	}
	l.metrics.UpstreamMessage("out")
	return nil
}

// State returns a snapshot of the link.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	return State{
		Phase:                l.phaseLocked(),
		URL:                  l.cfg.URL(),
		ReconnectAttempts:    l.attempts,
		MaxReconnectAttempts: l.cfg.MaxReconnectAttempts,
		ReconnectExhausted:   l.exhausted,
		LastPingSentAt:       l.lastPingSent,
		LastPingAckAt:        l.lastPingAck,
		LivenessStale:        l.stale,
	}
}

// Config returns the current connection parameters.
func (l *Link) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

func (l *Link) phaseLocked() Phase {
	return Phase(l.machine.Current())
}

func (l *Link) fire(name string) {
	if err := l.machine.Event(context.Background(), name); err != nil {
		l.logger.Error("invalid upstream phase transition",
			slog.String("event", name),
			slog.String("phase", l.machine.Current()),
			slog.Any("error", err))
	}
}

func (l *Link) startConnectLocked() {
	l.gen++
	gen := l.gen
	url := l.cfg.URL()

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ConnectTimeout)
	l.cancelDial = cancel
	l.fire(eventConnect)
	l.connectTimer = l.clock.AfterFunc(l.cfg.ConnectTimeout, func() { l.connectTimedOut(gen) })

	l.logger.Info("connecting to upstream", slog.String("url", url), slog.Int("attempt", l.attempts))
	go l.dial(ctx, gen, url)
}

func (l *Link) dial(ctx context.Context, gen uint64, url string) {
	conn, err := l.dialer.Dial(ctx, url)

	l.mu.Lock()
	if gen != l.gen || l.phaseLocked() != PhaseConnecting {
		l.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.CloseNormalClosure, "superseded")
		}
		return
	}
	if err != nil {
		l.logger.Warn("upstream connect failed", slog.String("url", url), slog.Any("error", err))
		l.metrics.UpstreamConnect("failure")
		evs := l.failConnectLocked(err)
		l.mu.Unlock()
		l.dispatch(evs)
		return
	}

	stopTimer(&l.connectTimer)
	l.cancelDial()
	l.cancelDial = nil
	l.fire(eventOpen)
	l.conn = conn
	l.attempts = 0
	l.exhausted = false
	l.lastPingAck = l.clock.Now()
	l.lastPingSent = time.Time{}
	l.stale = false
	l.startKeepaliveLocked(gen, conn)
	l.mu.Unlock()

	l.logger.Info("upstream connected", slog.String("url", url))
	l.metrics.UpstreamConnect("success")
	l.metrics.SetUpstreamStale(false)
	l.emit(event{kind: evConnected, gen: gen})
	go l.readLoop(gen, conn)
}

func (l *Link) connectTimedOut(gen uint64) {
	l.mu.Lock()
	if gen != l.gen || l.phaseLocked() != PhaseConnecting {
		l.mu.Unlock()
		return
	}
	l.connectTimer = nil
	l.logger.Warn("upstream connect timed out", slog.Duration("timeout", l.cfg.ConnectTimeout))
	l.metrics.UpstreamConnect("timeout")
	evs := l.failConnectLocked(perrors.ErrConnectTimeout)
	l.mu.Unlock()

	l.dispatch(evs)
}

// failConnectLocked abandons the in-flight attempt and evaluates a reconnect.
func (l *Link) failConnectLocked(err error) []event {
	stopTimer(&l.connectTimer)
	if l.cancelDial != nil {
		l.cancelDial()
		l.cancelDial = nil
	}
	l.gen++
	l.fire(eventFail)

	evs := []event{{kind: evError, err: fmt.Errorf("upstream connect failed: %w", err)}}
	return append(evs, l.scheduleReconnectLocked()...)
}

func (l *Link) scheduleReconnectLocked() []event {
	limit := l.cfg.MaxReconnectAttempts
	if l.attempts >= limit {
		l.exhausted = true
		l.logger.Warn("upstream reconnect attempts exhausted", slog.Int("attempts", l.attempts))
		l.metrics.ReconnectExhausted()
		return []event{{kind: evExhausted, attempts: l.attempts}}
	}

	l.attempts++
	gen := l.gen
	delay := l.cfg.ReconnectDelay
	l.retryTimer = l.clock.AfterFunc(delay, func() { l.retry(gen) })

	l.logger.Info("scheduling upstream reconnect",
		slog.Int("attempt", l.attempts),
		slog.Int("max_attempts", limit),
		slog.Duration("delay", delay))
	l.metrics.ReconnectScheduled()
	return nil
}

func (l *Link) retry(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if gen != l.gen || l.phaseLocked() != PhaseDisconnected {
		return
	}
	l.retryTimer = nil
	l.startConnectLocked()
}

func (l *Link) readLoop(gen uint64, conn Transport) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			l.transportClosed(gen, err)
			return
		}
		l.metrics.UpstreamMessage("in")
		l.noteInbound(gen, data)
		l.emit(event{kind: evMessage, gen: gen, payload: data})
	}
}

func (l *Link) transportClosed(gen uint64, err error) {
	l.mu.Lock()
	if gen != l.gen || l.phaseLocked() != PhaseConnected {
		l.mu.Unlock()
		return
	}
	cause := causeOf(err)
	conn := l.conn
	l.conn = nil
	l.stopKeepaliveLocked()
	l.gen++
	l.fire(eventClose)

	l.logger.Warn("upstream connection closed",
		slog.Int("code", cause.Code),
		slog.String("reason", cause.Reason))

	evs := []event{{kind: evDisconnected, cause: cause}}
	if cause.Reconnectable() {
		evs = append(evs, l.scheduleReconnectLocked()...)
	}
	l.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.CloseNormalClosure, "")
	}
	l.dispatch(evs)
}

func (l *Link) writeFailed(gen uint64, err error) {
	l.mu.Lock()
	if gen != l.gen || l.phaseLocked() != PhaseConnected {
		l.mu.Unlock()
		return
	}
	conn := l.conn
	l.conn = nil
	l.stopKeepaliveLocked()
	l.gen++
	l.fire(eventClose)

	l.logger.Error("upstream write failed", slog.Any("error", err))

	evs := []event{
		{kind: evError, err: fmt.Errorf("upstream write failed: %w", err)},
		{kind: evDisconnected, cause: Cause{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}},
	}
	evs = append(evs, l.scheduleReconnectLocked()...)
	l.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.CloseGoingAway, "write failed")
	}
	l.dispatch(evs)
}

// resetLocked cancels all pending work and returns the connection to close.
func (l *Link) resetLocked() Transport {
	l.gen++
	stopTimer(&l.connectTimer)
	stopTimer(&l.retryTimer)
	if l.cancelDial != nil {
		l.cancelDial()
		l.cancelDial = nil
	}
	l.stopKeepaliveLocked()

	conn := l.conn
	l.conn = nil
	if l.phaseLocked() != PhaseDisconnected {
		l.fire(eventStop)
	}
	l.attempts = 0
	l.exhausted = false
	l.stale = false
	l.metrics.SetUpstreamStale(false)
	return conn
}

func (l *Link) startKeepaliveLocked(gen uint64, conn Transport) {
	ticker := l.clock.Ticker(l.cfg.PingInterval)
	stop := make(chan struct{})
	l.pingTicker = ticker
	l.stopPing = stop

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.ping(gen, conn)
			}
		}
	}()
}

func (l *Link) stopKeepaliveLocked() {
	if l.stopPing != nil {
		close(l.stopPing)
		l.stopPing = nil
	}
	if l.pingTicker != nil {
		l.pingTicker.Stop()
		l.pingTicker = nil
	}
}

// ping sends the application-level liveness probe. An overdue acknowledgment
// only flags the link as stale; the connection is kept.
func (l *Link) ping(gen uint64, conn Transport) {
	l.mu.Lock()
	if gen != l.gen || l.phaseLocked() != PhaseConnected {
		l.mu.Unlock()
		return
	}
	now := l.clock.Now()
	if overdue := now.Sub(l.lastPingAck); overdue > l.cfg.PingInterval+l.cfg.PingTimeout && !l.stale {
		l.stale = true
		l.logger.Warn("upstream liveness acknowledgment overdue",
			slog.Duration("since_last_ack", overdue))
		l.metrics.SetUpstreamStale(true)
	}
	l.lastPingSent = now
	l.mu.Unlock()

	data, err := protocol.Command{Action: protocol.ActionPing, Timestamp: now.UnixMilli()}.Encode()
	if err != nil {
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		l.writeFailed(gen, err)
	}
}

func (l *Link) noteInbound(gen uint64, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil || !protocol.IsLivenessAck(msg) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		return
	}
	l.lastPingAck = l.clock.Now()
	if l.stale {
		l.stale = false
		l.logger.Info("upstream liveness restored")
		l.metrics.SetUpstreamStale(false)
	}
}

func (l *Link) isCurrent(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return gen == l.gen
}

func (l *Link) dispatch(evs []event) {
	for _, ev := range evs {
		l.emit(ev)
	}
}

func (l *Link) emit(ev event) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()

	if l.listener == nil {
		return
	}
	switch ev.kind {
	case evConnected:
		if l.isCurrent(ev.gen) {
			l.listener.OnConnected()
		}
	case evMessage:
		if l.isCurrent(ev.gen) {
			l.listener.OnMessage(ev.payload)
		}
	case evDisconnected:
		l.listener.OnDisconnected(ev.cause)
	case evError:
		l.listener.OnError(ev.err)
	case evExhausted:
		l.listener.OnReconnectExhausted(ev.attempts)
	}
}

func causeOf(err error) Cause {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return Cause{Code: ce.Code, Reason: ce.Text}
	}
	return Cause{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
}

func stopTimer(t **clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
