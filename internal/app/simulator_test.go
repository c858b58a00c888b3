// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/mbot_sim/internal/config"
	"github.com/relabs-tech/mbot_sim/internal/messages"
	"github.com/relabs-tech/mbot_sim/internal/render"
	"github.com/relabs-tech/mbot_sim/internal/timeutil"
)

var t0 = time.Unix(1_700_000_000, 0)

// corridorMap is a 10 x 10 m room of 1 m cells with a wall along x = 9..10.
func corridorMap(t *testing.T) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("0 0 10 10 1.0\n")
	for range 10 {
		b.WriteString("0 0 0 0 0 0 0 0 0 1\n")
	}
	path := filepath.Join(t.TempDir(), "corridor.map")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

// inbox records every payload published on a MemoryBus.
type inbox struct {
	mu       sync.Mutex
	payloads map[string][][]byte
}

func listen(t *testing.T, bus Bus, topics ...string) *inbox {
	t.Helper()
	in := &inbox{payloads: make(map[string][][]byte)}
	for _, topic := range topics {
		require.NoError(t, bus.Subscribe(topic, func(p []byte) {
			in.mu.Lock()
			defer in.mu.Unlock()
			in.payloads[topic] = append(in.payloads[topic], p)
		}))
	}
	return in
}

func (in *inbox) last(t *testing.T, topic string, v any) {
	t.Helper()
	in.mu.Lock()
	defer in.mu.Unlock()
	got := in.payloads[topic]
	require.NotEmpty(t, got, "nothing published on %s", topic)
	require.NoError(t, json.Unmarshal(got[len(got)-1], v))
}

func (in *inbox) count(topic string) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.payloads[topic])
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.MapFile = corridorMap(t)
	cfg.StartX, cfg.StartY = 2, 5
	cfg.LidarMaxRange = 10
	cfg.LidarNumRanges = 8
	cfg.LidarSeed = 1
	return cfg
}

func newTestSimulator(t *testing.T, cfg *config.Config) (*Simulator, *MemoryBus, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(t0)
	bus := NewMemoryBus()
	sim, err := NewSimulator(cfg, clock, bus)
	require.NoError(t, err)
	return sim, bus, clock
}

func TestNewSimulatorErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.MapFile = filepath.Join(t.TempDir(), "missing.map")
	_, err := NewSimulator(cfg, timeutil.NewMockClock(t0), NewMemoryBus())
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.TrajectoryStepMs = 0
	_, err = NewSimulator(cfg, timeutil.NewMockClock(t0), NewMemoryBus())
	assert.Error(t, err)
}

func TestStepPublishesOdometryAndFrame(t *testing.T) {
	cfg := testConfig(t)
	sim, bus, clock := newTestSimulator(t, cfg)
	in := listen(t, bus, cfg.TopicOdometry)

	var frames int
	sim.OnFrame(func(*render.Frame) { frames++ })

	require.NoError(t, sim.step(context.Background(), clock.Now()))

	var odo messages.Odometry
	in.last(t, cfg.TopicOdometry, &odo)
	assert.Equal(t, timeutil.Utime(t0), odo.Timestamp)
	assert.InDelta(t, 2.0, odo.X, 1e-9)
	assert.InDelta(t, 5.0, odo.Y, 1e-9)

	frame := sim.Frame()
	require.NotNil(t, frame)
	assert.Equal(t, 1, frames)
	require.NotNil(t, frame.Map())
	require.NotNil(t, frame.Robot())
	assert.InDelta(t, 2.0, frame.Robot().Pose.X, 1e-9)
}

func TestSubmittedCommandDrivesRobot(t *testing.T) {
	cfg := testConfig(t)
	sim, bus, clock := newTestSimulator(t, cfg)
	in := listen(t, bus, cfg.TopicOdometry)
	ctx := context.Background()

	sim.Submit(messages.MotorCommand{TransV: 0.5})
	require.NoError(t, sim.ingest(ctx, clock.Now()))
	assert.True(t, sim.Status().Moving)

	clock.Advance(time.Second)
	require.NoError(t, sim.step(ctx, clock.Now()))

	var odo messages.Odometry
	in.last(t, cfg.TopicOdometry, &odo)
	assert.InDelta(t, 2.5, odo.X, 1e-6)
	assert.InDelta(t, 5.0, odo.Y, 1e-6)

	st, err := sim.Pose()
	require.NoError(t, err)
	assert.InDelta(t, 2.5, st.Pose.X, 1e-6)
}

func TestReceiveDecodesBusPayload(t *testing.T) {
	cfg := testConfig(t)
	sim, _, clock := newTestSimulator(t, cfg)

	sim.receive([]byte(`{"timestamp": 1, "trans_v": 0.25, "angular_v": 0}`))
	sim.receive([]byte(`not json`))
	require.NoError(t, sim.ingest(context.Background(), clock.Now()))

	clock.Advance(2 * time.Second)
	st, err := sim.Pose()
	require.NoError(t, err)
	assert.InDelta(t, 2.5, st.Pose.X, 1e-6)
	assert.Equal(t, uint64(1), sim.Status().CommandsReceived)
}

func TestCommandTimestampsKeptWithoutSimTime(t *testing.T) {
	cfg := testConfig(t)
	cfg.CommandUseSimTime = false
	sim, _, clock := newTestSimulator(t, cfg)

	start := timeutil.Utime(t0.Add(time.Second))
	sim.Submit(messages.MotorCommand{Timestamp: start, TransV: 0.5})
	require.NoError(t, sim.ingest(context.Background(), clock.Now()))

	clock.Advance(2 * time.Second)
	st, err := sim.Pose()
	require.NoError(t, err)
	assert.InDelta(t, 2.5, st.Pose.X, 1e-6)
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.CommandQueueSize = 1
	sim, _, _ := newTestSimulator(t, cfg)

	sim.Submit(messages.MotorCommand{TransV: 0.1})
	sim.Submit(messages.MotorCommand{TransV: 0.2})

	st := sim.Status()
	assert.Equal(t, uint64(2), st.CommandsReceived)
	assert.Equal(t, uint64(1), st.CommandsDropped)
}

func TestScanPublishesLidar(t *testing.T) {
	cfg := testConfig(t)
	sim, bus, clock := newTestSimulator(t, cfg)
	in := listen(t, bus, cfg.TopicLidar)

	require.NoError(t, sim.scan(context.Background(), clock.Now()))

	var l messages.Lidar
	in.last(t, cfg.TopicLidar, &l)
	require.NoError(t, l.Validate())
	assert.Equal(t, int32(8), l.NumRanges)
	// Beam 0 looks along +x from (2, 5) at the wall starting at x = 9.
	assert.InDelta(t, 7.0, l.Ranges[0], 1e-3)
	assert.Equal(t, timeutil.Utime(t0), l.Timestamps[0])

	require.NotNil(t, sim.LatestScan())
	assert.Equal(t, uint64(1), sim.Status().Scans)
}

func TestTimesyncPublishesClock(t *testing.T) {
	cfg := testConfig(t)
	sim, bus, clock := newTestSimulator(t, cfg)
	in := listen(t, bus, cfg.TopicTimesync)

	clock.Advance(250 * time.Millisecond)
	require.NoError(t, sim.timesync(context.Background(), clock.Now()))

	var ts messages.Timestamp
	in.last(t, cfg.TopicTimesync, &ts)
	assert.Equal(t, timeutil.Utime(t0.Add(250*time.Millisecond)), ts.Timestamp)
	assert.Equal(t, 1, in.count(cfg.TopicTimesync))
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	sim, bus, _ := newTestSimulator(t, cfg)
	in := listen(t, bus, cfg.TopicOdometry)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()

	// Every task runs its first cycle immediately.
	require.Eventually(t, func() bool { return in.count(cfg.TopicOdometry) > 0 }, time.Second, 5*time.Millisecond)

	// The motor command subscription is live once Run started.
	require.NoError(t, bus.Publish(cfg.TopicMotorCommand, messages.MotorCommand{TransV: 0.1}))
	assert.Equal(t, uint64(1), sim.Status().CommandsReceived)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
