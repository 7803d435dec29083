// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Jezerwel/floyd-app/pkg/handler"
	"github.com/Jezerwel/floyd-app/pkg/metrics"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
)

const (
	// DefaultLivenessInterval is the period between liveness probes.
	DefaultLivenessInterval = 30 * time.Second

	// DefaultLivenessTimeout is how long a probed session may stay silent.
	DefaultLivenessTimeout = 10 * time.Second

	// DefaultSendQueueSize is the number of outbound frames a session may
	// have pending before it is dropped as too slow.
	DefaultSendQueueSize = 64
)

// Reason records why a session was removed.
type Reason string

const (
	ReasonClosed       Reason = "closed"
	ReasonWriteFailed  Reason = "write_failed"
	ReasonNotOpen      Reason = "not_open"
	ReasonUnresponsive Reason = "unresponsive"
	ReasonQueueFull    Reason = "queue_full"
	ReasonShutdown     Reason = "shutdown"
)

// Conn is the transport of one client session.
type Conn interface {
	WriteMessage(data []byte) error
	Ping() error
	IsOpen() bool
	Close(code int, reason string) error
}

// Config holds the liveness and outbound queue parameters.
type Config struct {
	LivenessInterval time.Duration
	LivenessTimeout  time.Duration
	SendQueueSize    int
}

// Options carries the collaborators of a Registry. Zero values select defaults.
type Options struct {
	Clock   clock.Clock
	Logger  *slog.Logger
	Handler handler.Handler
	Metrics *metrics.Metrics
}

// Descriptor is a read-only view of a session.
type Descriptor struct {
	ID             string    `json:"id"`
	RemoteAddr     string    `json:"remoteAddr"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastLivenessAt time.Time `json:"lastLivenessAt"`
}

type session struct {
	id          string
	remoteAddr  string
	connectedAt time.Time
	conn        Conn
	send        chan []byte
	ticker      *clock.Ticker
	stop        chan struct{}

	mu           sync.Mutex
	lastLiveness time.Time
	probe        *clock.Timer
}

func (s *session) lastLivenessAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLiveness
}

func (s *session) context() *handler.Context {
	return &handler.Context{
		SessionID:   s.id,
		RemoteAddr:  s.remoteAddr,
		ConnectedAt: s.connectedAt,
	}
}

// Registry tracks connected client sessions and their liveness.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session

	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	handler handler.Handler
	metrics *metrics.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, opts Options) *Registry {
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = DefaultLivenessInterval
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = DefaultLivenessTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultSendQueueSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Handler == nil {
		opts.Handler = &handler.NoopHandler{}
	}

	return &Registry{
		sessions: make(map[string]*session),
		cfg:      cfg,
		clock:    opts.Clock,
		logger:   opts.Logger,
		handler:  opts.Handler,
		metrics:  opts.Metrics,
	}
}

// Register adds conn as a new session and starts its writer and liveness
// probe.
func (r *Registry) Register(conn Conn, remoteAddr string) string {
	now := r.clock.Now()
	s := &session{
		id:           uuid.New().String(),
		remoteAddr:   remoteAddr,
		connectedAt:  now,
		conn:         conn,
		send:         make(chan []byte, r.cfg.SendQueueSize),
		ticker:       r.clock.Ticker(r.cfg.LivenessInterval),
		stop:         make(chan struct{}),
		lastLiveness: now,
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	count := len(r.sessions)
	r.mu.Unlock()

	go r.write(s)
	go r.watch(s)

	r.metrics.SessionAdded()
	r.logger.Info("client session registered",
		slog.String("session", s.id),
		slog.String("remote", remoteAddr),
		slog.Int("sessions", count))

	return s.id
}

// Unregister removes a session. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.remove(id, ReasonClosed)
}

// Send queues data for one session. It returns false and removes the
// session when it is not open or its send queue is full. Write failures
// are detected by the session writer, which removes the session.
func (r *Registry) Send(id string, data []byte) bool {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if !s.conn.IsOpen() {
		r.remove(id, ReasonNotOpen)
		return false
	}
	if !s.enqueue(data) {
		r.logger.Warn("client session send queue full",
			slog.String("session", id),
			slog.Int("size", r.cfg.SendQueueSize))
		r.remove(id, ReasonQueueFull)
		return false
	}
	return true
}

// Broadcast queues data for every open session and returns the number of
// sessions it was queued for. It never waits on a session transport.
// Sessions that are not open or whose queue is full are removed after the
// pass.
func (r *Registry) Broadcast(data []byte) int {
	r.mu.RLock()
	targets := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	type failure struct {
		id     string
		reason Reason
	}
	var failed []failure
	queued := 0
	for _, s := range targets {
		if !s.conn.IsOpen() {
			failed = append(failed, failure{s.id, ReasonNotOpen})
			continue
		}
		if !s.enqueue(data) {
			r.logger.Warn("client session send queue full, dropping session",
				slog.String("session", s.id),
				slog.Int("size", r.cfg.SendQueueSize))
			failed = append(failed, failure{s.id, ReasonQueueFull})
			continue
		}
		queued++
	}

	for _, f := range failed {
		r.remove(f.id, f.reason)
	}
	r.metrics.Broadcast(queued)

	return queued
}

// Touch records a liveness response from the session.
func (r *Registry) Touch(id string) bool {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	s.lastLiveness = r.clock.Now()
	s.mu.Unlock()
	return true
}

// Lookup returns the handler context of a session.
func (r *Registry) Lookup(id string) (*handler.Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return s.context(), true
}

// Snapshot returns descriptors of all sessions ordered by connect time.
func (r *Registry) Snapshot() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, Descriptor{
			ID:             s.id,
			RemoteAddr:     s.remoteAddr,
			ConnectedAt:    s.connectedAt,
			LastLivenessAt: s.lastLivenessAt(),
		})
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Descriptor) int {
		if c := a.ConnectedAt.Compare(b.ConnectedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every session with code and reason and empties the registry.
func (r *Registry) CloseAll(code int, reason string) error {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	var err error
	for _, s := range all {
		s.halt()
		err = multierr.Append(err, s.conn.Close(code, reason))
		r.finish(s, ReasonShutdown)
	}
	if len(all) > 0 {
		r.logger.Info("closed all client sessions", slog.Int("count", len(all)))
	}
	return err
}

func (r *Registry) remove(id string, reason Reason) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	s.halt()
	code := websocket.CloseNormalClosure
	switch reason {
	case ReasonUnresponsive:
		code = websocket.CloseGoingAway
	case ReasonQueueFull:
		code = websocket.CloseTryAgainLater
	}
	if err := s.conn.Close(code, string(reason)); err != nil {
		r.logger.Debug("client session close error",
			slog.String("session", id),
			slog.String("error", err.Error()))
	}
	r.finish(s, reason)
}

// finish runs the removal notifications of a session already taken out of the map.
func (r *Registry) finish(s *session, reason Reason) {
	r.metrics.SessionRemoved(string(reason))
	r.logger.Info("client session removed",
		slog.String("session", s.id),
		slog.String("reason", string(reason)),
		slog.Int("sessions", r.Count()))

	if err := r.handler.OnDisconnect(context.Background(), s.context()); err != nil {
		r.logger.Error("disconnect handler error",
			slog.String("session", s.id),
			slog.String("error", err.Error()))
	}
}

func (s *session) halt() {
	close(s.stop)
	s.ticker.Stop()
	s.mu.Lock()
	if s.probe != nil {
		s.probe.Stop()
		s.probe = nil
	}
	s.mu.Unlock()
}

func (s *session) enqueue(data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// write drains the session queue onto its transport in order.
func (r *Registry) write(s *session) {
	for {
		select {
		case <-s.stop:
			return
		case data := <-s.send:
			if err := s.conn.WriteMessage(data); err != nil {
				r.logger.Warn("failed to write to client session",
					slog.String("session", s.id),
					slog.String("error", err.Error()))
				r.remove(s.id, ReasonWriteFailed)
				return
			}
		}
	}
}

func (r *Registry) watch(s *session) {
	for {
		select {
		case <-s.stop:
			return
		case <-s.ticker.C:
			r.probe(s)
		}
	}
}

// probe pings the session and removes it if no liveness response arrives
// within the timeout.
func (r *Registry) probe(s *session) {
	if !s.conn.IsOpen() {
		r.remove(s.id, ReasonNotOpen)
		return
	}

	sent := r.clock.Now()
	s.mu.Lock()
	if s.probe != nil {
		s.probe.Stop()
	}
	s.probe = r.clock.AfterFunc(r.cfg.LivenessTimeout, func() {
		if s.lastLivenessAt().Before(sent) {
			r.logger.Warn("client session unresponsive",
				slog.String("session", s.id),
				slog.Duration("timeout", r.cfg.LivenessTimeout))
			r.remove(s.id, ReasonUnresponsive)
		}
	})
	s.mu.Unlock()

	if err := s.conn.Ping(); err != nil {
		r.remove(s.id, ReasonWriteFailed)
	}
}
