// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	perrors "github.com/Jezerwel/floyd-app/pkg/errors"
	"github.com/Jezerwel/floyd-app/pkg/health"
	"github.com/Jezerwel/floyd-app/pkg/protocol"
	"github.com/Jezerwel/floyd-app/pkg/relay"
	"github.com/Jezerwel/floyd-app/pkg/session"
	"github.com/Jezerwel/floyd-app/pkg/upstream"
	"github.com/gorilla/mux"
)

// Defaults for Config fields left zero.
const (
	DefaultWSPath          = "/ws"
	DefaultReadLimit       = 64 * 1024
	DefaultShutdownTimeout = 30 * time.Second
)

// Relay is the relay surface served over HTTP.
type Relay interface {
	Register(ctx context.Context, conn session.Conn, remoteAddr string) (string, error)
	Unregister(id string)
	Touch(id string)
	HandleMessage(ctx context.Context, id string, data []byte)
	InjectCommand(ctx context.Context, cmd protocol.Command) error
	Status() protocol.StatusData
	Stats() relay.Stats
	UpstreamState() upstream.State
	ConnectUpstream()
	DisconnectUpstream()
	ForceUpstreamReconnect()
	UpdateUpstreamConfig(u upstream.ConfigUpdate) error
}

var _ Relay = (*relay.Core)(nil)

// Config holds configuration for the HTTP server.
type Config struct {
	Host            string
	Port            string
	WSPath          string
	AllowedOrigins  []string
	ReadLimit       int64
	WriteTimeout    time.Duration
	TLSConfig       *tls.Config
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Server serves the client WebSocket endpoint, the admin API and the
// health probes.
type Server struct {
	server          *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// New creates a server. A nil checker leaves the health routes unmounted.
func New(cfg Config, r Relay, checker *health.Checker) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WSPath == "" {
		cfg.WSPath = DefaultWSPath
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	router := mux.NewRouter()
	router.Handle(cfg.WSPath, newWSHandler(cfg, r)).Methods(http.MethodGet)

	a := &admin{relay: r, logger: cfg.Logger}
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/upstream/connect", a.connect).Methods(http.MethodPost)
	api.HandleFunc("/upstream/disconnect", a.disconnect).Methods(http.MethodPost)
	api.HandleFunc("/upstream/reconnect", a.reconnect).Methods(http.MethodPost)
	api.HandleFunc("/upstream/config", a.updateConfig).Methods(http.MethodPut)
	api.HandleFunc("/status", a.status).Methods(http.MethodGet)
	api.HandleFunc("/stats", a.stats).Methods(http.MethodGet)
	api.HandleFunc("/command", a.command).Methods(http.MethodPost)

	if checker != nil {
		router.HandleFunc("/health", checker.HTTPHandler()).Methods(http.MethodGet)
		router.HandleFunc("/ready", checker.ReadinessHandler()).Methods(http.MethodGet)
		router.HandleFunc("/live", health.LivenessHandler()).Methods(http.MethodGet)
	}

	return &Server{
		server: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, cfg.Port),
			Handler:           router,
			TLSConfig:         cfg.TLSConfig,
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          cfg.Logger,
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Listen starts the server and blocks until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("relay server started",
		slog.String("address", s.server.Addr),
		slog.Bool("tls", s.server.TLSConfig != nil))

	errCh := make(chan error, 1)
	go func() {
		if s.server.TLSConfig != nil {
			errCh <- s.server.ListenAndServeTLS("", "")
		} else {
			errCh <- s.server.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, closing relay server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error during shutdown", slog.String("error", err.Error()))
			if errors.Is(err, context.DeadlineExceeded) {
				return perrors.ErrShutdownTimeout
			}
			return err
		}

		s.logger.Info("relay server shutdown complete")
		return nil

	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
