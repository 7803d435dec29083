// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newDeviceServer accepts one WebSocket and writes frames to it.
func newDeviceServer(t *testing.T, frames ...string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for _, f := range frames {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the socket until the client goes away.
		_, _, _ = ws.ReadMessage()
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestWebSocketDialerReadsFrames(t *testing.T) {
	url := newDeviceServer(t, `{"type":"sensor_data","data":{}}`)
	d := &WebSocketDialer{WriteTimeout: time.Second, ReadLimit: DefaultReadLimit}

	tr, err := d.Dial(context.Background(), url)
	require.NoError(t, err)
	defer tr.Close(websocket.CloseNormalClosure, "")

	data, err := tr.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"sensor_data","data":{}}`, string(data))
}

func TestWebSocketDialerEnforcesReadLimit(t *testing.T) {
	url := newDeviceServer(t, strings.Repeat("x", 1024))
	d := &WebSocketDialer{WriteTimeout: time.Second, ReadLimit: 64}

	tr, err := d.Dial(context.Background(), url)
	require.NoError(t, err)
	defer tr.Close(websocket.CloseNormalClosure, "")

	_, err = tr.ReadMessage()
	assert.ErrorIs(t, err, websocket.ErrReadLimit)
}

func TestWebSocketDialerHonorsContext(t *testing.T) {
	d := &WebSocketDialer{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Dial(ctx, newDeviceServer(t))
	assert.Error(t, err)
}
