// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	perrors "github.com/Jezerwel/floyd-app/pkg/errors"
	"github.com/Jezerwel/floyd-app/pkg/protocol"
	"github.com/Jezerwel/floyd-app/pkg/upstream"
)

const maxBodySize = 64 * 1024

// admin serves the operator REST API.
type admin struct {
	relay  Relay
	logger *slog.Logger
}

type result struct {
	Success bool                 `json:"success"`
	Message string               `json:"message,omitempty"`
	Error   string               `json:"error,omitempty"`
	Status  *protocol.StatusData `json:"status,omitempty"`
}

// configRequest is a partial upstream configuration. Durations are in
// milliseconds.
type configRequest struct {
	Host                 *string `json:"host"`
	Port                 *int    `json:"port"`
	Path                 *string `json:"path"`
	ReconnectDelay       *int64  `json:"reconnectDelay"`
	MaxReconnectAttempts *int    `json:"maxReconnectAttempts"`
	ConnectTimeout       *int64  `json:"connectTimeout"`
	PingInterval         *int64  `json:"pingInterval"`
	PingTimeout          *int64  `json:"pingTimeout"`
}

func (req configRequest) update() upstream.ConfigUpdate {
	return upstream.ConfigUpdate{
		Host:                 req.Host,
		Port:                 req.Port,
		Path:                 req.Path,
		ReconnectDelay:       millis(req.ReconnectDelay),
		MaxReconnectAttempts: req.MaxReconnectAttempts,
		ConnectTimeout:       millis(req.ConnectTimeout),
		PingInterval:         millis(req.PingInterval),
		PingTimeout:          millis(req.PingTimeout),
	}
}

func millis(ms *int64) *time.Duration {
	if ms == nil {
		return nil
	}
	d := time.Duration(*ms) * time.Millisecond
	return &d
}

func (a *admin) connect(w http.ResponseWriter, r *http.Request) {
	a.relay.ConnectUpstream()
	a.accepted(w, "upstream connection initiated")
}

func (a *admin) disconnect(w http.ResponseWriter, r *http.Request) {
	a.relay.DisconnectUpstream()
	a.accepted(w, "upstream disconnected")
}

func (a *admin) reconnect(w http.ResponseWriter, r *http.Request) {
	a.relay.ForceUpstreamReconnect()
	a.accepted(w, "upstream reconnection initiated")
}

func (a *admin) accepted(w http.ResponseWriter, msg string) {
	st := a.relay.Status()
	writeJSON(w, http.StatusAccepted, result{Success: true, Message: msg, Status: &st})
}

func (a *admin) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid configuration body: %s", err))
		return
	}

	if err := a.relay.UpdateUpstreamConfig(req.update()); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, perrors.ErrInvalidInput) {
			code = http.StatusBadRequest
		}
		writeError(w, code, err.Error())
		return
	}

	a.logger.Info("upstream configuration updated", slog.String("url", a.relay.UpstreamState().URL))
	st := a.relay.Status()
	writeJSON(w, http.StatusOK, result{Success: true, Message: "upstream configuration updated", Status: &st})
}

func (a *admin) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   a.relay.Status(),
		"upstream": a.relay.UpstreamState(),
	})
}

func (a *admin) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.relay.Stats())
}

func (a *admin) command(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cmd, err := protocol.ParseCommand(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.relay.InjectCommand(r.Context(), cmd); err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result{Success: true, Message: fmt.Sprintf("command %s forwarded", cmd.Action)})
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, perrors.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, perrors.ErrRejected):
		return http.StatusForbidden
	case errors.Is(err, perrors.ErrNotConnected), errors.Is(err, perrors.ErrConnectionClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, result{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
