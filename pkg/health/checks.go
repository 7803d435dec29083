// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"fmt"

	perrors "github.com/Jezerwel/floyd-app/pkg/errors"
	"github.com/Jezerwel/floyd-app/pkg/upstream"
)

// UpstreamCheck reports the device link: healthy when connected, degraded
// while connecting or waiting to reconnect, unhealthy once the reconnect
// budget is exhausted.
func UpstreamCheck(state func() upstream.State) CheckFunc {
	return func(context.Context) error {
		st := state()
		switch {
		case st.ReconnectExhausted:
			return fmt.Errorf("upstream %s: %w after %d attempts", st.URL, perrors.ErrReconnectExhausted, st.ReconnectAttempts)
		case st.Phase == upstream.PhaseConnected && st.LivenessStale:
			return degraded("upstream %s liveness acknowledgment overdue", st.URL)
		case st.Phase == upstream.PhaseConnected:
			return nil
		case st.Phase == upstream.PhaseConnecting:
			return degraded("upstream %s connecting", st.URL)
		default:
			return degraded("upstream %s disconnected (attempt %d/%d)", st.URL, st.ReconnectAttempts, st.MaxReconnectAttempts)
		}
	}
}

// SessionsCheck reports degraded once the session count reaches limit.
// A zero limit never degrades.
func SessionsCheck(count func() int, limit int) CheckFunc {
	return func(context.Context) error {
		n := count()
		if limit > 0 && n >= limit {
			return degraded("%d client sessions, limit %d", n, limit)
		}
		return nil
	}
}
