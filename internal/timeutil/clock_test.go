// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUtimeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC)
	us := Utime(ts)
	assert.True(t, FromUtime(us).Equal(ts))
}

func TestMockClockAfter(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	ch := c.After(100 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	c.Advance(50 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	c.Advance(50 * time.Millisecond)
	select {
	case got := <-ch:
		assert.Equal(t, start.Add(100*time.Millisecond), got)
	default:
		t.Fatal("expected waiter to fire")
	}

	require.Equal(t, 100*time.Millisecond, c.Since(start))
}

func TestMockClockAfterZero(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}
}
