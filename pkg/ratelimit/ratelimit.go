// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-session token bucket rate limiting.
package ratelimit

import (
	"sync"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// DefaultMaxKeys bounds the number of tracked sessions.
const DefaultMaxKeys = 10000

// Config holds the bucket parameters shared by every session.
type Config struct {
	// Rate is the sustained number of messages per second. Zero or less
	// disables limiting.
	Rate float64

	// Burst is the bucket capacity.
	Burst int

	// MaxKeys bounds the number of tracked sessions. New keys beyond it
	// are rejected.
	MaxKeys int
}

// Limiter manages one token bucket per session.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	maxKeys  int
	clock    clock.Clock
}

// New creates a limiter. A nil clock uses wall time.
func New(cfg Config, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(cfg.Rate),
		burst:    cfg.Burst,
		maxKeys:  cfg.MaxKeys,
		clock:    clk,
	}
}

// Enabled reports whether the limiter rejects anything at all.
func (l *Limiter) Enabled() bool {
	return l != nil && l.limit > 0
}

// Allow reports whether one message from key may proceed now.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}

	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= l.maxKeys {
			l.mu.Unlock()
			return false
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	return lim.AllowN(l.clock.Now(), 1)
}

// Remove forgets the bucket of key.
func (l *Limiter) Remove(key string) {
	if !l.Enabled() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// Len returns the number of tracked sessions.
func (l *Limiter) Len() int {
	if !l.Enabled() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
