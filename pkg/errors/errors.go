// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the relay.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrInvalidInput indicates a client message that is not a structured command.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidCommand indicates a command that failed validation.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrNotConnected indicates the upstream device link is not connected.
	ErrNotConnected = errors.New("upstream not connected")

	// ErrConnectTimeout indicates the upstream connect attempt timed out.
	ErrConnectTimeout = errors.New("upstream connect timeout")

	// ErrReconnectExhausted indicates automatic reconnection gave up.
	ErrReconnectExhausted = errors.New("max reconnect attempts reached")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrRejected indicates a hook refused a command.
	ErrRejected = errors.New("command rejected")

	// ErrShutdownTimeout is returned when graceful shutdown exceeds its deadline.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// RelayError wraps an error with the operation and session it belongs to.
type RelayError struct {
	Op        string // Operation that failed
	SessionID string // Session identifier, empty for upstream operations
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.SessionID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *RelayError) Unwrap() error {
	return e.Err
}

// New creates a new RelayError.
func New(op, sessionID string, err error) error {
	if err == nil {
		return nil
	}
	return &RelayError{
		Op:        op,
		SessionID: sessionID,
		Err:       err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
