// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	pws "github.com/Jezerwel/floyd-app/pkg/websocket"
	"github.com/gorilla/websocket"
)

// Transport is a duplex message channel to the device.
type Transport interface {
	// ReadMessage blocks for the next frame. A *websocket.CloseError carries
	// the close code; any other error is treated as an abnormal closure.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Dialer opens transports to the device.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

var _ Dialer = (*WebSocketDialer)(nil)

// WebSocketDialer dials the device with gorilla/websocket. The handshake is
// bounded only by the context passed to Dial.
type WebSocketDialer struct {
	WriteTimeout time.Duration
	ReadLimit    int64
	TLSConfig    *tls.Config
}

// Dial opens a WebSocket to url. The handshake is aborted when ctx is done.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := websocket.Dialer{
		TLSClientConfig: d.TLSConfig,
	}

	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("failed to dial upstream %s: %w", url, err)
	}
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}

	return pws.NewConn(ws, d.WriteTimeout), nil
}
