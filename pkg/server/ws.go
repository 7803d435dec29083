// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"log/slog"
	"net/http"
	"time"

	pws "github.com/Jezerwel/floyd-app/pkg/websocket"
	"github.com/gorilla/websocket"
)

// wsHandler upgrades client requests and pumps their frames into the relay.
type wsHandler struct {
	upgrader     websocket.Upgrader
	relay        Relay
	readLimit    int64
	writeTimeout time.Duration
	logger       *slog.Logger
}

var _ http.Handler = (*wsHandler)(nil)

func newWSHandler(cfg Config, r Relay) *wsHandler {
	return &wsHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin(cfg.AllowedOrigins),
		},
		relay:        r,
		readLimit:    cfg.ReadLimit,
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger,
	}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade client connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	conn := pws.NewConn(ws, h.writeTimeout)
	conn.SetReadLimit(h.readLimit)

	ctx := r.Context()
	id, err := h.relay.Register(ctx, conn, r.RemoteAddr)
	if err != nil {
		h.logger.Warn("rejected client connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		_ = conn.Close(websocket.CloseTryAgainLater, "relay unavailable")
		return
	}
	defer h.relay.Unregister(id)
	conn.OnPong(func() { h.relay.Touch(id) })

	h.logger.Debug("websocket connection upgraded",
		slog.String("session", id),
		slog.String("remote", r.RemoteAddr))

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("client read error",
					slog.String("session", id),
					slog.String("error", err.Error()))
			}
			return
		}
		h.relay.HandleMessage(ctx, id, data)
	}
}

// checkOrigin accepts every origin when allowed is empty. Requests without
// an Origin header come from non-browser clients and are always accepted.
func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	if _, ok := set["*"]; ok {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
