// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWriteTimeout bounds every frame write.
const DefaultWriteTimeout = 10 * time.Second

// ErrClosed is returned by writes on a closed Conn.
var ErrClosed = errors.New("websocket connection closed")

// Conn wraps a websocket.Conn with serialized writes, write deadlines and
// open-state tracking. It is used for both client sessions and the upstream link.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	wio          sync.Mutex
	open         atomic.Bool
	closeOnce    sync.Once
}

// NewConn wraps ws. A zero writeTimeout uses DefaultWriteTimeout.
func NewConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	c := &Conn{
		ws:           ws,
		writeTimeout: writeTimeout,
	}
	c.open.Store(true)
	return c
}

// ReadMessage blocks for the next data frame. Control frames are handled by
// the underlying connection. Any read error marks the Conn as not open.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.open.Store(false)
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteMessage writes data as a single text frame.
func (c *Conn) WriteMessage(data []byte) error {
	if !c.open.Load() {
		return ErrClosed
	}

	c.wio.Lock()
	defer c.wio.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.open.Store(false)
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.open.Store(false)
		return err
	}
	return nil
}

// Ping sends a transport-level ping frame.
func (c *Conn) Ping() error {
	if !c.open.Load() {
		return ErrClosed
	}
	if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.writeTimeout)); err != nil {
		c.open.Store(false)
		return err
	}
	return nil
}

// OnPong registers fn to run on every pong frame.
func (c *Conn) OnPong(fn func()) {
	c.ws.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

// SetReadLimit caps the size of inbound frames.
func (c *Conn) SetReadLimit(limit int64) {
	c.ws.SetReadLimit(limit)
}

// IsOpen reports whether the connection has neither been closed nor failed.
func (c *Conn) IsOpen() bool {
	return c.open.Load()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Close sends a close frame with code and reason, then closes the socket.
// Subsequent calls are no-ops.
func (c *Conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		wasOpen := c.open.Swap(false)
		if wasOpen {
			msg := websocket.FormatCloseMessage(code, reason)
			// The peer may already be gone; the socket is closed regardless.
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
		}
		err = c.ws.Close()
	})
	return err
}
