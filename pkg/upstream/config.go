// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	perrors "github.com/Jezerwel/floyd-app/pkg/errors"
)

const (
	// DefaultReconnectDelay is the wait before each automatic reconnect attempt.
	DefaultReconnectDelay = 5 * time.Second

	// DefaultMaxReconnectAttempts bounds consecutive automatic reconnects.
	DefaultMaxReconnectAttempts = 10

	// DefaultConnectTimeout bounds a single connect attempt.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultPingInterval is the keepalive period. It is longer than the
	// client-facing liveness interval.
	DefaultPingInterval = 45 * time.Second

	// DefaultPingTimeout is the grace added to the ping interval before the
	// link is flagged as stale.
	DefaultPingTimeout = 15 * time.Second

	// DefaultSettleDelay separates the forced disconnect of a config update
	// from the reconnect with the new parameters.
	DefaultSettleDelay = time.Second

	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultReadLimit caps the size of a device frame.
	DefaultReadLimit = 64 * 1024
)

// Config holds the upstream device connection parameters.
type Config struct {
	// Scheme is ws or wss.
	Scheme string

	// Host and Port address the device.
	Host string
	Port int

	// Path is the WebSocket endpoint path on the device.
	Path string

	// ReconnectDelay is the wait before each automatic reconnect attempt.
	ReconnectDelay time.Duration

	// MaxReconnectAttempts is the number of consecutive automatic attempts
	// after which the link stops retrying until forced.
	MaxReconnectAttempts int

	// ConnectTimeout bounds a single connect attempt.
	ConnectTimeout time.Duration

	// PingInterval and PingTimeout drive the keepalive monitor.
	PingInterval time.Duration
	PingTimeout  time.Duration

	// SettleDelay separates a config-triggered disconnect from the reconnect.
	SettleDelay time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// ReadLimit caps the size of a device frame in bytes. Zero disables
	// the cap.
	ReadLimit int64
}

// DefaultConfig returns the parameters of a device on its access-point address.
func DefaultConfig() Config {
	return Config{
		Scheme:               "ws",
		Host:                 "192.168.4.1",
		Port:                 81,
		Path:                 "/",
		ReconnectDelay:       DefaultReconnectDelay,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ConnectTimeout:       DefaultConnectTimeout,
		PingInterval:         DefaultPingInterval,
		PingTimeout:          DefaultPingTimeout,
		SettleDelay:          DefaultSettleDelay,
		WriteTimeout:         DefaultWriteTimeout,
		ReadLimit:            DefaultReadLimit,
	}
}

// URL returns the device WebSocket URL.
func (c Config) URL() string {
	u := url.URL{
		Scheme: c.Scheme,
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   c.Path,
	}
	return u.String()
}

// Validate checks that the parameters describe a usable connection.
func (c Config) Validate() error {
	switch {
	case c.Scheme != "ws" && c.Scheme != "wss":
		return fmt.Errorf("%w: scheme must be ws or wss, got %q", perrors.ErrInvalidInput, c.Scheme)
	case c.Host == "":
		return fmt.Errorf("%w: host is required", perrors.ErrInvalidInput)
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", perrors.ErrInvalidInput, c.Port)
	case c.ReconnectDelay <= 0:
		return fmt.Errorf("%w: reconnect delay must be positive", perrors.ErrInvalidInput)
	case c.MaxReconnectAttempts < 0:
		return fmt.Errorf("%w: max reconnect attempts must not be negative", perrors.ErrInvalidInput)
	case c.ConnectTimeout <= 0:
		return fmt.Errorf("%w: connect timeout must be positive", perrors.ErrInvalidInput)
	case c.PingInterval <= 0 || c.PingTimeout <= 0:
		return fmt.Errorf("%w: ping interval and timeout must be positive", perrors.ErrInvalidInput)
	case c.SettleDelay < 0:
		return fmt.Errorf("%w: settle delay must not be negative", perrors.ErrInvalidInput)
	case c.WriteTimeout <= 0:
		return fmt.Errorf("%w: write timeout must be positive", perrors.ErrInvalidInput)
	case c.ReadLimit < 0:
		return fmt.Errorf("%w: read limit must not be negative", perrors.ErrInvalidInput)
	}
	return nil
}

// ConfigUpdate is a partial Config; nil fields keep their current value.
type ConfigUpdate struct {
	Host                 *string
	Port                 *int
	Path                 *string
	ReconnectDelay       *time.Duration
	MaxReconnectAttempts *int
	ConnectTimeout       *time.Duration
	PingInterval         *time.Duration
	PingTimeout          *time.Duration
}

// Apply returns a copy of c with the non-nil fields of u applied.
func (c Config) Apply(u ConfigUpdate) Config {
	if u.Host != nil {
		c.Host = *u.Host
	}
	if u.Port != nil {
		c.Port = *u.Port
	}
	if u.Path != nil {
		c.Path = *u.Path
	}
	if u.ReconnectDelay != nil {
		c.ReconnectDelay = *u.ReconnectDelay
	}
	if u.MaxReconnectAttempts != nil {
		c.MaxReconnectAttempts = *u.MaxReconnectAttempts
	}
	if u.ConnectTimeout != nil {
		c.ConnectTimeout = *u.ConnectTimeout
	}
	if u.PingInterval != nil {
		c.PingInterval = *u.PingInterval
	}
	if u.PingTimeout != nil {
		c.PingTimeout = *u.PingTimeout
	}
	return c
}
