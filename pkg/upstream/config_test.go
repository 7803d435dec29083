// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"testing"
	"time"

	perrors "github.com/Jezerwel/floyd-app/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestConfigURL(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "ws://192.168.4.1:81/", cfg.URL())

	cfg.Scheme = "wss"
	cfg.Host = "device.local"
	cfg.Port = 443
	cfg.Path = "/ws"
	assert.Equal(t, "wss://device.local:443/ws", cfg.URL())
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		desc   string
		modify func(*Config)
		valid  bool
	}{
		{desc: "defaults", modify: func(*Config) {}, valid: true},
		{desc: "bad scheme", modify: func(c *Config) { c.Scheme = "http" }},
		{desc: "empty host", modify: func(c *Config) { c.Host = "" }},
		{desc: "port zero", modify: func(c *Config) { c.Port = 0 }},
		{desc: "port too large", modify: func(c *Config) { c.Port = 65536 }},
		{desc: "zero reconnect delay", modify: func(c *Config) { c.ReconnectDelay = 0 }},
		{desc: "negative attempts", modify: func(c *Config) { c.MaxReconnectAttempts = -1 }},
		{desc: "zero attempts", modify: func(c *Config) { c.MaxReconnectAttempts = 0 }, valid: true},
		{desc: "zero connect timeout", modify: func(c *Config) { c.ConnectTimeout = 0 }},
		{desc: "zero ping interval", modify: func(c *Config) { c.PingInterval = 0 }},
		{desc: "zero settle delay", modify: func(c *Config) { c.SettleDelay = 0 }, valid: true},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(&cfg)
			err := cfg.Validate()
			if tc.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, perrors.ErrInvalidInput)
		})
	}
}

func TestConfigApply(t *testing.T) {
	host := "10.1.1.1"
	delay := 2 * time.Second
	attempts := 0

	got := DefaultConfig().Apply(ConfigUpdate{
		Host:                 &host,
		ReconnectDelay:       &delay,
		MaxReconnectAttempts: &attempts,
	})

	assert.Equal(t, host, got.Host)
	assert.Equal(t, delay, got.ReconnectDelay)
	assert.Equal(t, 0, got.MaxReconnectAttempts)
	assert.Equal(t, 81, got.Port)
	assert.Equal(t, DefaultConnectTimeout, got.ConnectTimeout)
}
