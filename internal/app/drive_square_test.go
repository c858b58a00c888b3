// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/mbot_sim/internal/messages"
	"github.com/relabs-tech/mbot_sim/internal/timeutil"
)

func TestSquarePlan(t *testing.T) {
	plan := SquarePlan(1_000_000, 1.0, 0.5, math.Pi/2, 1)
	require.Len(t, plan, 9)

	want := []messages.MotorCommand{
		{Timestamp: 1_000_000, TransV: 0.5},
		{Timestamp: 3_000_000, AngularV: math.Pi / 2},
		{Timestamp: 4_000_000, TransV: 0.5},
		{Timestamp: 6_000_000, AngularV: math.Pi / 2},
	}
	assert.Equal(t, want, plan[:4])
	assert.Equal(t, messages.MotorCommand{Timestamp: 13_000_000}, plan[8])
}

func TestSquarePlanClosesTheLoop(t *testing.T) {
	cfg := testConfig(t)
	cfg.CommandUseSimTime = false
	sim, _, clock := newTestSimulator(t, cfg)

	start := timeutil.Utime(t0)
	for _, cmd := range SquarePlan(start, 2.0, 0.5, math.Pi/4, 1) {
		sim.Submit(cmd)
	}
	require.NoError(t, sim.ingest(context.Background(), clock.Now()))

	// 4 x (4 s straight + 2 s turn), then stopped.
	clock.Advance(25 * time.Second)
	st, err := sim.Pose()
	require.NoError(t, err)
	assert.InDelta(t, 2.0, st.Pose.X, 1e-3)
	assert.InDelta(t, 5.0, st.Pose.Y, 1e-3)
	assert.InDelta(t, 0.0, st.Pose.Theta, 1e-3)
	assert.False(t, sim.Status().Moving)
}

func TestExecutePlanWaitsForClock(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	start := timeutil.Utime(t0)
	plan := []messages.MotorCommand{
		{Timestamp: start, TransV: 0.1},
		{Timestamp: start + 1_000_000, TransV: 0.2},
	}

	published := make(chan messages.MotorCommand, len(plan))
	done := make(chan error, 1)
	go func() {
		done <- ExecutePlan(context.Background(), clock, plan, func(cmd messages.MotorCommand) error {
			published <- cmd
			return nil
		})
	}()

	assert.Equal(t, plan[0], <-published)
	select {
	case <-published:
		t.Fatal("second command published before its time")
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(time.Second)
	assert.Equal(t, plan[1], <-published)
	assert.NoError(t, <-done)
}

func TestExecutePlanStopsOnError(t *testing.T) {
	boom := errors.New("broker down")
	plan := SquarePlan(0, 1, 1, 1, 1)
	calls := 0
	err := ExecutePlan(context.Background(), timeutil.NewMockClock(t0), plan, func(messages.MotorCommand) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestExecutePlanCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	plan := []messages.MotorCommand{{Timestamp: timeutil.Utime(t0.Add(time.Hour))}}
	err := ExecutePlan(ctx, timeutil.NewMockClock(t0), plan, func(messages.MotorCommand) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConsolePrintsBusTraffic(t *testing.T) {
	cfg := testConfig(t)
	bus := NewMemoryBus()
	var out bytes.Buffer
	require.NoError(t, subscribeConsole(bus, cfg, &out))

	require.NoError(t, bus.Publish(cfg.TopicOdometry, messages.Odometry{Timestamp: 7, X: 1.5, Y: -2, Theta: 0.25}))
	require.NoError(t, bus.Publish(cfg.TopicLidar, messages.Lidar{
		NumRanges:   2,
		Angles:      []float64{0, math.Pi / 2},
		Ranges:      []float64{3, 1.25},
		Timestamps:  []int64{9, 8},
		Intensities: []float64{0, 0},
	}))
	require.NoError(t, bus.Publish(cfg.TopicLidar, "garbage"))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "[ODOM]  t=7  X=  1.500  Y= -2.000  TH= 0.250", lines[0])
	assert.Equal(t, "[SCAN]  t=9  beams=2  nearest= 1.250 m @   90.0°", lines[1])
}

func TestFormatEmptyScan(t *testing.T) {
	assert.Equal(t, "[SCAN]  empty", formatScan(messages.Lidar{}))
}
