// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package floyd holds the process-level configuration of the relay.
package floyd

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	perrors "github.com/Jezerwel/floyd-app/pkg/errors"
	"github.com/Jezerwel/floyd-app/pkg/ratelimit"
	"github.com/Jezerwel/floyd-app/pkg/relay"
	"github.com/Jezerwel/floyd-app/pkg/server"
	"github.com/Jezerwel/floyd-app/pkg/session"
	"github.com/Jezerwel/floyd-app/pkg/upstream"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable read by NewConfig.
const EnvPrefix = "FLOYD_"

// Config is the relay configuration loaded from the environment.
type Config struct {
	// Client-facing server
	Host            string        `env:"HOST"             envDefault:""`
	Port            string        `env:"PORT"             envDefault:"8080"`
	WSPath          string        `env:"WS_PATH"          envDefault:"/ws"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS"  envSeparator:","`
	ReadLimit       int64         `env:"READ_LIMIT"       envDefault:"65536"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT"    envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	CertFile        string        `env:"CERT_FILE"        envDefault:""`
	KeyFile         string        `env:"KEY_FILE"         envDefault:""`

	// Upstream device
	UpstreamScheme       string        `env:"UPSTREAM_SCHEME"         envDefault:"ws"`
	UpstreamHost         string        `env:"UPSTREAM_HOST"           envDefault:"192.168.4.1"`
	UpstreamPort         int           `env:"UPSTREAM_PORT"           envDefault:"81"`
	UpstreamPath         string        `env:"UPSTREAM_PATH"           envDefault:"/"`
	ReconnectDelay       time.Duration `env:"RECONNECT_DELAY"         envDefault:"5s"`
	MaxReconnectAttempts int           `env:"MAX_RECONNECT_ATTEMPTS"  envDefault:"10"`
	ConnectTimeout       time.Duration `env:"CONNECT_TIMEOUT"         envDefault:"10s"`
	PingInterval         time.Duration `env:"PING_INTERVAL"           envDefault:"45s"`
	PingTimeout          time.Duration `env:"PING_TIMEOUT"            envDefault:"15s"`
	SettleDelay          time.Duration `env:"SETTLE_DELAY"            envDefault:"1s"`
	UpstreamReadLimit    int64         `env:"UPSTREAM_READ_LIMIT"     envDefault:"65536"`
	AutoConnect          bool          `env:"UPSTREAM_AUTO_CONNECT"   envDefault:"true"`

	// Client sessions
	LivenessInterval time.Duration `env:"LIVENESS_INTERVAL" envDefault:"30s"`
	LivenessTimeout  time.Duration `env:"LIVENESS_TIMEOUT"  envDefault:"10s"`
	MaxSessions      int           `env:"MAX_SESSIONS"      envDefault:"0"`
	SendQueueSize    int           `env:"SEND_QUEUE_SIZE"   envDefault:"64"`
	RateLimit        float64       `env:"RATE_LIMIT"        envDefault:"0"`
	RateBurst        int           `env:"RATE_BURST"        envDefault:"10"`

	// Observability
	MetricsPort    string        `env:"METRICS_PORT"     envDefault:"9090"`
	HealthCacheTTL time.Duration `env:"HEALTH_CACHE_TTL" envDefault:"5s"`
	LogLevel       string        `env:"LOG_LEVEL"        envDefault:"info"`
	LogFormat      string        `env:"LOG_FORMAT"       envDefault:"json"`
}

// NewConfig parses the environment into a Config and validates the
// upstream parameters. An empty opts.Prefix selects EnvPrefix.
func NewConfig(opts env.Options) (Config, error) {
	if opts.Prefix == "" {
		opts.Prefix = EnvPrefix
	}
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, err
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return Config{}, perrors.Wrap(perrors.ErrInvalidInput, "CERT_FILE and KEY_FILE must be set together")
	}
	if err := cfg.Upstream().Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Upstream returns the device link configuration.
func (c Config) Upstream() upstream.Config {
	return upstream.Config{
		Scheme:               c.UpstreamScheme,
		Host:                 c.UpstreamHost,
		Port:                 c.UpstreamPort,
		Path:                 c.UpstreamPath,
		ReconnectDelay:       c.ReconnectDelay,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		ConnectTimeout:       c.ConnectTimeout,
		PingInterval:         c.PingInterval,
		PingTimeout:          c.PingTimeout,
		SettleDelay:          c.SettleDelay,
		WriteTimeout:         c.WriteTimeout,
		ReadLimit:            c.UpstreamReadLimit,
	}
}

// Relay returns the session and rate limit configuration.
func (c Config) Relay() relay.Config {
	return relay.Config{
		Session: session.Config{
			LivenessInterval: c.LivenessInterval,
			LivenessTimeout:  c.LivenessTimeout,
			SendQueueSize:    c.SendQueueSize,
		},
		RateLimit: ratelimit.Config{
			Rate:  c.RateLimit,
			Burst: c.RateBurst,
		},
	}
}

// Server returns the HTTP server configuration, loading TLS material when
// a certificate is configured.
func (c Config) Server(logger *slog.Logger) (server.Config, error) {
	tlsCfg, err := c.TLS()
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Host:            c.Host,
		Port:            c.Port,
		WSPath:          c.WSPath,
		AllowedOrigins:  c.AllowedOrigins,
		ReadLimit:       c.ReadLimit,
		WriteTimeout:    c.WriteTimeout,
		TLSConfig:       tlsCfg,
		ShutdownTimeout: c.ShutdownTimeout,
		Logger:          logger,
	}, nil
}

// TLS loads the server certificate. It returns nil when TLS is disabled.
func (c Config) TLS() (*tls.Config, error) {
	if c.CertFile == "" && c.KeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, errors.Join(perrors.ErrInvalidInput, fmt.Errorf("failed to load server certificate: %w", err))
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
