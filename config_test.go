// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package floyd

import (
	"testing"
	"time"

	perrors "github.com/Jezerwel/floyd-app/pkg/errors"
	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(env.Options{Environment: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "/ws", cfg.WSPath)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.True(t, cfg.AutoConnect)

	up := cfg.Upstream()
	assert.Equal(t, "ws://192.168.4.1:81/", up.URL())
	assert.Equal(t, 5*time.Second, up.ReconnectDelay)
	assert.Equal(t, 10, up.MaxReconnectAttempts)
	assert.Equal(t, 45*time.Second, up.PingInterval)
	assert.Equal(t, int64(65536), up.ReadLimit)

	rc := cfg.Relay()
	assert.Equal(t, 30*time.Second, rc.Session.LivenessInterval)
	assert.Equal(t, 10*time.Second, rc.Session.LivenessTimeout)
	assert.Equal(t, 64, rc.Session.SendQueueSize)
	assert.Zero(t, rc.RateLimit.Rate)

	sc, err := cfg.Server(nil)
	require.NoError(t, err)
	assert.Nil(t, sc.TLSConfig)
}

func TestNewConfigOverrides(t *testing.T) {
	cfg, err := NewConfig(env.Options{Environment: map[string]string{
		"FLOYD_PORT":                   "9000",
		"FLOYD_ALLOWED_ORIGINS":        "http://a.local,http://b.local",
		"FLOYD_UPSTREAM_HOST":          "10.0.0.5",
		"FLOYD_UPSTREAM_PORT":          "8181",
		"FLOYD_UPSTREAM_PATH":          "/device",
		"FLOYD_RECONNECT_DELAY":        "2s",
		"FLOYD_MAX_RECONNECT_ATTEMPTS": "3",
		"FLOYD_UPSTREAM_AUTO_CONNECT":  "false",
		"FLOYD_RATE_LIMIT":             "5",
		"FLOYD_RATE_BURST":             "7",
		"FLOYD_UPSTREAM_READ_LIMIT":    "1024",
		"FLOYD_SEND_QUEUE_SIZE":        "16",
	}})
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, []string{"http://a.local", "http://b.local"}, cfg.AllowedOrigins)
	assert.False(t, cfg.AutoConnect)
	assert.Equal(t, "ws://10.0.0.5:8181/device", cfg.Upstream().URL())
	assert.Equal(t, 2*time.Second, cfg.Upstream().ReconnectDelay)
	assert.Equal(t, 3, cfg.Upstream().MaxReconnectAttempts)
	assert.Equal(t, 5.0, cfg.Relay().RateLimit.Rate)
	assert.Equal(t, 7, cfg.Relay().RateLimit.Burst)
	assert.Equal(t, int64(1024), cfg.Upstream().ReadLimit)
	assert.Equal(t, 16, cfg.Relay().Session.SendQueueSize)
}

func TestNewConfigInvalid(t *testing.T) {
	cases := []struct {
		desc string
		env  map[string]string
	}{
		{
			desc: "port out of range",
			env:  map[string]string{"FLOYD_UPSTREAM_PORT": "70000"},
		},
		{
			desc: "unsupported scheme",
			env:  map[string]string{"FLOYD_UPSTREAM_SCHEME": "http"},
		},
		{
			desc: "negative upstream read limit",
			env:  map[string]string{"FLOYD_UPSTREAM_READ_LIMIT": "-1"},
		},
		{
			desc: "certificate without key",
			env:  map[string]string{"FLOYD_CERT_FILE": "server.crt"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := NewConfig(env.Options{Environment: tc.env})
			assert.ErrorIs(t, err, perrors.ErrInvalidInput)
		})
	}

	_, err := NewConfig(env.Options{Environment: map[string]string{"FLOYD_PING_INTERVAL": "soon"}})
	assert.Error(t, err)
}

func TestTLSMissingFiles(t *testing.T) {
	cfg := Config{CertFile: "missing.crt", KeyFile: "missing.key"}
	_, err := cfg.TLS()
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)
}
