// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	cases := []*Limiter{
		nil,
		New(Config{Rate: 0, Burst: 1}, nil),
		New(Config{Rate: -1}, nil),
	}
	for i, l := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			for n := 0; n < 100; n++ {
				assert.True(t, l.Allow("s1"))
			}
			assert.False(t, l.Enabled())
			assert.Equal(t, 0, l.Len())
		})
	}
}

func TestBurstThenRefill(t *testing.T) {
	mock := clock.NewMock()
	l := New(Config{Rate: 2, Burst: 3}, mock)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("s1"), "message %d within burst", i)
	}
	assert.False(t, l.Allow("s1"))

	mock.Add(500 * time.Millisecond)
	assert.True(t, l.Allow("s1"))
	assert.False(t, l.Allow("s1"))
}

func TestKeysAreIndependent(t *testing.T) {
	mock := clock.NewMock()
	l := New(Config{Rate: 1, Burst: 1}, mock)

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.Equal(t, 2, l.Len())

	l.Remove("a")
	assert.Equal(t, 1, l.Len())
	assert.True(t, l.Allow("a"))
}

func TestMaxKeys(t *testing.T) {
	l := New(Config{Rate: 10, Burst: 10, MaxKeys: 2}, clock.NewMock())

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.False(t, l.Allow("c"))

	l.Remove("a")
	assert.True(t, l.Allow("c"))
}
