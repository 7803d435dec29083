// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	perrors "github.com/Jezerwel/floyd-app/pkg/errors"
	"github.com/Jezerwel/floyd-app/pkg/handler"
	"github.com/Jezerwel/floyd-app/pkg/metrics"
	"github.com/Jezerwel/floyd-app/pkg/protocol"
	"github.com/Jezerwel/floyd-app/pkg/ratelimit"
	"github.com/Jezerwel/floyd-app/pkg/upstream"
	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type fakeLink struct {
	mu          sync.Mutex
	listener    upstream.Listener
	state       upstream.State
	sent        []protocol.Command
	sendErr     error
	connects    int
	disconnects int
	reconnects  int
	updates     []upstream.ConfigUpdate
}

func newFakeLink() *fakeLink {
	return &fakeLink{state: upstream.State{
		Phase:                upstream.PhaseDisconnected,
		MaxReconnectAttempts: 10,
	}}
}

func (l *fakeLink) Connect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects++
}

func (l *fakeLink) Disconnect() {
	l.mu.Lock()
	l.disconnects++
	l.state.Phase = upstream.PhaseDisconnected
	listener := l.listener
	l.mu.Unlock()
	listener.OnDisconnected(upstream.Cause{Code: websocket.CloseNormalClosure, Manual: true})
}

func (l *fakeLink) ForceReconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reconnects++
}

func (l *fakeLink) UpdateConfig(u upstream.ConfigUpdate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, u)
	return nil
}

func (l *fakeLink) Send(cmd protocol.Command) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, cmd)
	return nil
}

func (l *fakeLink) State() upstream.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) SetListener(listener upstream.Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listener = listener
}

func (l *fakeLink) setPhase(p upstream.Phase) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.Phase = p
}

func (l *fakeLink) sentCommands() []protocol.Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Command(nil), l.sent...)
}

type fakeConn struct {
	mu        sync.Mutex
	open      bool
	written   [][]byte
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{open: true}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Ping() error { return nil }

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		c.closeCode = code
	}
	c.open = false
	return nil
}

func (c *fakeConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, w := range c.written {
		out[i] = string(w)
	}
	return out
}

// waitFrames waits until n frames were written and returns them.
func (c *fakeConn) waitFrames(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.frames()) == n }, waitFor, tick)
	return c.frames()
}

func (c *fakeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = nil
}

func decode(t *testing.T, frame string) protocol.Message {
	t.Helper()
	msg, err := protocol.ParseMessage([]byte(frame))
	require.NoError(t, err)
	return msg
}

func decodeStatus(t *testing.T, frame string) protocol.StatusData {
	t.Helper()
	msg := decode(t, frame)
	require.Equal(t, protocol.TypeStatus, msg.Type)
	var st protocol.StatusData
	require.NoError(t, json.Unmarshal(msg.Data, &st))
	return st
}

func decodeError(t *testing.T, frame string) protocol.ErrorData {
	t.Helper()
	msg := decode(t, frame)
	require.Equal(t, protocol.TypeError, msg.Type)
	var data protocol.ErrorData
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	return data
}

func newTestCore(t *testing.T, cfg Config, h handler.Handler) (*Core, *fakeLink) {
	t.Helper()
	link := newFakeLink()
	core := New(link, cfg, Options{
		Clock:   clock.NewMock(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Handler: h,
	})
	t.Cleanup(func() { _ = core.Shutdown() })
	return core, link
}

func register(t *testing.T, core *Core) (string, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	id, err := core.Register(context.Background(), conn, "127.0.0.1:5000")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(conn.frames()) > 0 }, waitFor, tick)
	return id, conn
}

func TestRegisterSendsStatusOnly(t *testing.T) {
	core, _ := newTestCore(t, Config{}, nil)

	_, conn := register(t, core)

	frames := conn.waitFrames(t, 1)
	st := decodeStatus(t, frames[0])
	assert.False(t, st.UpstreamConnected)
	assert.True(t, st.RelayConnected)
	assert.Equal(t, 10, st.MaxReconnectAttempts)
}

func TestRegisterCatchesUpWithLastPayload(t *testing.T) {
	core, link := newTestCore(t, Config{}, nil)
	link.setPhase(upstream.PhaseConnected)
	payload := `{"type":"sensor_data","data":{"temperature":24.5},"timestamp":1700000000000}`
	core.OnMessage([]byte(payload))

	_, conn := register(t, core)

	frames := conn.waitFrames(t, 2)
	assert.True(t, decodeStatus(t, frames[0]).UpstreamConnected)
	assert.Equal(t, payload, frames[1])
}

func TestUpstreamPayloadBroadcastVerbatim(t *testing.T) {
	core, _ := newTestCore(t, Config{}, nil)
	_, a := register(t, core)
	_, b := register(t, core)
	a.reset()
	b.reset()

	payloads := []string{
		`{"type":"sensor_data","data":{"seq":1},"timestamp":1}`,
		`{"type":"status","data":{"relay":true},"timestamp":2}`,
		`{"type":"sensor_data","data":{"seq":3},"timestamp":3}`,
	}
	for _, p := range payloads {
		core.OnMessage([]byte(p))
	}

	assert.Equal(t, payloads, a.waitFrames(t, len(payloads)))
	assert.Equal(t, payloads, b.waitFrames(t, len(payloads)))

	stats := core.Stats()
	assert.Equal(t, "sensor_data", stats.LastPayloadType)
	require.NotNil(t, stats.LastPayloadAt)
}

func TestLivenessAckConsumed(t *testing.T) {
	core, _ := newTestCore(t, Config{}, nil)
	_, conn := register(t, core)
	conn.reset()

	core.OnMessage([]byte(`{"type":"control_response","data":{"action":"ping","success":true}}`))
	core.OnMessage([]byte(`{"type":"command_response","data":{"action":"ping"}}`))

	assert.Empty(t, conn.frames())
	assert.Empty(t, core.Stats().LastPayloadType)
}

func TestMalformedUpstreamPayloadDropped(t *testing.T) {
	core, _ := newTestCore(t, Config{}, nil)
	_, conn := register(t, core)
	conn.reset()

	core.OnMessage([]byte(`not json`))
	core.OnMessage([]byte(`{"data":{}}`))
	core.OnMessage([]byte(`{"type":"telemetry","data":{}}`))

	assert.Empty(t, conn.frames())
}

func TestStatusBroadcastOnTransitions(t *testing.T) {
	core, link := newTestCore(t, Config{}, nil)
	_, conn := register(t, core)
	conn.reset()

	link.setPhase(upstream.PhaseConnected)
	core.OnConnected()
	link.setPhase(upstream.PhaseDisconnected)
	core.OnDisconnected(upstream.Cause{Code: websocket.CloseAbnormalClosure})

	frames := conn.waitFrames(t, 2)
	assert.True(t, decodeStatus(t, frames[0]).UpstreamConnected)
	assert.False(t, decodeStatus(t, frames[1]).UpstreamConnected)
}

func TestErrorAndExhaustionBroadcast(t *testing.T) {
	core, link := newTestCore(t, Config{}, nil)
	_, a := register(t, core)
	_, b := register(t, core)
	a.reset()
	b.reset()

	core.OnError(perrors.ErrConnectTimeout)
	link.mu.Lock()
	link.state.ReconnectAttempts = 10
	link.state.ReconnectExhausted = true
	link.mu.Unlock()
	core.OnReconnectExhausted(10)

	for _, conn := range []*fakeConn{a, b} {
		frames := conn.waitFrames(t, 3)
		first := decodeError(t, frames[0])
		assert.Contains(t, first.Message, "Upstream connection error")
		assert.Equal(t, protocol.SourceRelay, first.Source)
		assert.Equal(t, "Max reconnection attempts reached", decodeError(t, frames[1]).Message)
		st := decodeStatus(t, frames[2])
		assert.True(t, st.ReconnectExhausted)
		assert.Equal(t, 10, st.UpstreamReconnectAttempts)
	}
}

func TestClientErrorsStayWithSender(t *testing.T) {
	cases := []struct {
		desc    string
		frame   string
		message string
	}{
		{desc: "not json", frame: `hello`, message: "Invalid message format"},
		{desc: "missing action", frame: `{"parameters":{}}`, message: "Invalid message format"},
		{desc: "unknown action", frame: `{"action":"fly"}`, message: "invalid action: fly"},
		{desc: "bad relay state", frame: `{"action":"set_relay","parameters":{"state":"on"}}`, message: "invalid parameters for set_relay"},
		{desc: "interval too small", frame: `{"action":"set_interval","parameters":{"interval":10}}`, message: "invalid parameters for set_interval"},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			core, link := newTestCore(t, Config{}, nil)
			link.setPhase(upstream.PhaseConnected)
			a, connA := register(t, core)
			_, connB := register(t, core)
			connA.reset()
			connB.reset()

			core.HandleMessage(context.Background(), a, []byte(tc.frame))

			frames := connA.waitFrames(t, 1)
			assert.Contains(t, decodeError(t, frames[0]).Message, tc.message)
			assert.Empty(t, connB.frames())
			assert.Empty(t, link.sentCommands())
		})
	}
}

func TestPingAnsweredLocally(t *testing.T) {
	core, link := newTestCore(t, Config{}, nil)
	link.setPhase(upstream.PhaseConnected)
	id, conn := register(t, core)
	conn.reset()

	core.HandleMessage(context.Background(), id, []byte(`{"action":"ping"}`))

	frames := conn.waitFrames(t, 1)
	msg := decode(t, frames[0])
	assert.Equal(t, protocol.TypeControlResponse, msg.Type)
	assert.True(t, protocol.IsLivenessAck(msg))
	assert.Empty(t, link.sentCommands())
}

func TestCommandForwarded(t *testing.T) {
	core, link := newTestCore(t, Config{}, nil)
	link.setPhase(upstream.PhaseConnected)
	id, conn := register(t, core)
	conn.reset()

	core.HandleMessage(context.Background(), id, []byte(`{"action":"set_interval","parameters":{"interval":5000}}`))

	sent := link.sentCommands()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.ActionSetInterval, sent[0].Action)
	assert.Equal(t, float64(5000), sent[0].Parameters["interval"])
	assert.Empty(t, conn.frames())
}

func TestCommandWhileDisconnected(t *testing.T) {
	cases := []struct {
		desc    string
		err     error
		message string
	}{
		{desc: "not connected", err: perrors.ErrNotConnected, message: "Upstream device not connected"},
		{desc: "write failure", err: errors.New("broken pipe"), message: "Failed to send command to upstream device"},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			core, link := newTestCore(t, Config{}, nil)
			link.sendErr = tc.err
			a, connA := register(t, core)
			_, connB := register(t, core)
			connA.reset()
			connB.reset()

			core.HandleMessage(context.Background(), a, []byte(`{"action":"toggle_relay"}`))

			frames := connA.waitFrames(t, 1)
			data := decodeError(t, frames[0])
			assert.Equal(t, tc.message, data.Message)
			assert.Equal(t, "toggle_relay", data.Action)
			assert.Empty(t, connB.frames())
		})
	}
}

func TestRateLimitPerSession(t *testing.T) {
	core, link := newTestCore(t, Config{RateLimit: ratelimit.Config{Rate: 1, Burst: 1}}, nil)
	link.setPhase(upstream.PhaseConnected)
	a, connA := register(t, core)
	b, _ := register(t, core)
	connA.reset()
	ctx := context.Background()

	core.HandleMessage(ctx, a, []byte(`{"action":"get_status"}`))
	core.HandleMessage(ctx, a, []byte(`{"action":"get_status"}`))
	core.HandleMessage(ctx, a, []byte(`{"action":"ping"}`))
	core.HandleMessage(ctx, b, []byte(`{"action":"get_status"}`))

	assert.Len(t, link.sentCommands(), 2)
	frames := connA.waitFrames(t, 2)
	assert.Equal(t, "Rate limit exceeded", decodeError(t, frames[0]).Message)
	assert.True(t, protocol.IsLivenessAck(decode(t, frames[1])))
}

type recordingHandler struct {
	handler.NoopHandler
	mu          sync.Mutex
	connected   []string
	commands    []protocol.Action
	disconnects []string
}

func (h *recordingHandler) OnConnect(_ context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = append(h.connected, hctx.SessionID)
	return nil
}

func (h *recordingHandler) BeforeCommand(_ context.Context, _ *handler.Context, cmd *protocol.Command) error {
	switch cmd.Action {
	case protocol.ActionRestart:
		return errors.New("restart disabled")
	case protocol.ActionSetRelay:
		cmd.Parameters["state"] = false
	}
	return nil
}

func (h *recordingHandler) OnCommand(_ context.Context, _ *handler.Context, cmd protocol.Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, cmd.Action)
	return nil
}

func (h *recordingHandler) OnDisconnect(_ context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, hctx.SessionID)
	return nil
}

func TestHandlerHooks(t *testing.T) {
	h := &recordingHandler{}
	core, link := newTestCore(t, Config{}, h)
	link.setPhase(upstream.PhaseConnected)
	id, conn := register(t, core)
	conn.reset()
	ctx := context.Background()

	core.HandleMessage(ctx, id, []byte(`{"action":"restart"}`))
	core.HandleMessage(ctx, id, []byte(`{"action":"set_relay","parameters":{"state":true}}`))
	frames := conn.waitFrames(t, 1)
	core.Unregister(id)
	core.Unregister(id)

	assert.Equal(t, "command rejected: restart disabled", decodeError(t, frames[0]).Message)

	sent := link.sentCommands()
	require.Len(t, sent, 1)
	assert.Equal(t, false, sent[0].Parameters["state"])

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{id}, h.connected)
	assert.Equal(t, []protocol.Action{protocol.ActionSetRelay}, h.commands)
	assert.Equal(t, []string{id}, h.disconnects)
}

func TestInjectCommand(t *testing.T) {
	core, link := newTestCore(t, Config{}, nil)
	ctx := context.Background()

	err := core.InjectCommand(ctx, protocol.Command{Action: "fly"})
	assert.ErrorIs(t, err, perrors.ErrInvalidCommand)

	err = core.InjectCommand(ctx, protocol.Command{Action: protocol.ActionPing})
	assert.ErrorIs(t, err, perrors.ErrInvalidCommand)

	link.sendErr = perrors.ErrNotConnected
	err = core.InjectCommand(ctx, protocol.Command{Action: protocol.ActionRestart})
	assert.ErrorIs(t, err, perrors.ErrNotConnected)

	link.sendErr = nil
	require.NoError(t, core.InjectCommand(ctx, protocol.Command{Action: protocol.ActionRestart}))
	assert.Len(t, link.sentCommands(), 1)
}

func TestPassThroughs(t *testing.T) {
	core, link := newTestCore(t, Config{}, nil)

	core.ConnectUpstream()
	core.ForceUpstreamReconnect()
	port := 82
	require.NoError(t, core.UpdateUpstreamConfig(upstream.ConfigUpdate{Port: &port}))
	core.DisconnectUpstream()

	link.mu.Lock()
	defer link.mu.Unlock()
	assert.Equal(t, 1, link.connects)
	assert.Equal(t, 1, link.reconnects)
	assert.Equal(t, 1, link.disconnects)
	require.Len(t, link.updates, 1)
	assert.Equal(t, 82, *link.updates[0].Port)
}

func TestShutdown(t *testing.T) {
	core, link := newTestCore(t, Config{}, nil)
	_, a := register(t, core)
	_, b := register(t, core)
	a.reset()
	b.reset()

	require.NoError(t, core.Shutdown())
	require.NoError(t, core.Shutdown())

	assert.Equal(t, 0, core.ClientCount())
	assert.Equal(t, websocket.CloseGoingAway, a.code())
	assert.Equal(t, websocket.CloseGoingAway, b.code())
	assert.Empty(t, a.frames())
	link.mu.Lock()
	assert.Equal(t, 1, link.disconnects)
	link.mu.Unlock()

	_, err := core.Register(context.Background(), newFakeConn(), "late")
	assert.ErrorIs(t, err, perrors.ErrConnectionClosed)
	core.OnMessage([]byte(`{"type":"sensor_data","data":{}}`))
	assert.False(t, core.Status().RelayConnected)
}

func TestRegisterRacingShutdownLeavesNoSession(t *testing.T) {
	core, _ := newTestCore(t, Config{}, nil)

	const n = 32
	conns := make([]*fakeConn, n)
	registered := make([]bool, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range conns {
		conns[i] = newFakeConn()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := core.Register(context.Background(), conns[i], "racer")
			if err == nil {
				registered[i] = true
				return
			}
			assert.ErrorIs(t, err, perrors.ErrConnectionClosed)
		}()
	}

	close(start)
	require.NoError(t, core.Shutdown())
	wg.Wait()

	assert.Equal(t, 0, core.ClientCount())
	for i, conn := range conns {
		if registered[i] {
			assert.False(t, conn.IsOpen(), "session %d registered but never closed", i)
			assert.Equal(t, websocket.CloseGoingAway, conn.code())
		}
	}
}

func TestClientError(t *testing.T) {
	cases := []struct {
		desc string
		err  error
		want string
	}{
		{desc: "rate limited", err: perrors.New("handle", "s1", perrors.ErrRateLimited), want: "Rate limit exceeded"},
		{desc: "not connected", err: perrors.ErrNotConnected, want: "Upstream device not connected"},
		{desc: "validation", err: &protocol.ValidationError{Action: "fly"}, want: "invalid action: fly"},
		{desc: "other", err: errors.New("broken pipe"), want: "Failed to send command to upstream device"},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, clientError(tc.err))
		})
	}
}

func TestCommandMetricsUseKnownActions(t *testing.T) {
	m := metrics.New("floyd", prometheus.NewRegistry())
	link := newFakeLink()
	core := New(link, Config{}, Options{
		Clock:   clock.NewMock(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: m,
	})
	t.Cleanup(func() { _ = core.Shutdown() })
	link.setPhase(upstream.PhaseConnected)
	id, _ := register(t, core)
	ctx := context.Background()

	core.HandleMessage(ctx, id, []byte(`{"action":"fly"}`))
	core.HandleMessage(ctx, id, []byte(`{"action":"get_status"}`))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("unknown", "invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("get_status", "forwarded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Commands.WithLabelValues("fly", "invalid")))
}
