// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades every request and echoes data frames back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return NewConn(ws, time.Second)
}

func TestConnRoundTrip(t *testing.T) {
	conn := dial(t, echoServer(t))
	defer conn.Close(websocket.CloseNormalClosure, "")

	require.True(t, conn.IsOpen())
	require.NoError(t, conn.WriteMessage([]byte(`{"action":"ping"}`)))

	got, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"ping"}`, string(got))
	assert.NotEmpty(t, conn.RemoteAddr())
}

func TestConnPong(t *testing.T) {
	conn := dial(t, echoServer(t))
	defer conn.Close(websocket.CloseNormalClosure, "")

	pongs := make(chan struct{}, 1)
	conn.OnPong(func() { pongs <- struct{}{} })

	go func() {
		// Pong frames are only processed while a read is in progress.
		_, _ = conn.ReadMessage()
	}()

	require.NoError(t, conn.Ping())
	select {
	case <-pongs:
	case <-time.After(2 * time.Second):
		t.Fatal("pong not received")
	}
}

func TestConnCloseIdempotent(t *testing.T) {
	conn := dial(t, echoServer(t))

	require.NoError(t, conn.Close(websocket.CloseNormalClosure, "bye"))
	assert.False(t, conn.IsOpen())
	assert.NoError(t, conn.Close(websocket.CloseNormalClosure, "bye"))

	assert.ErrorIs(t, conn.WriteMessage([]byte("x")), ErrClosed)
	assert.ErrorIs(t, conn.Ping(), ErrClosed)
}

func TestConnReadAfterPeerClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "restarting")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		ws.Close()
	}))
	defer srv.Close()

	conn := dial(t, srv)
	_, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
	assert.False(t, conn.IsOpen())
}
