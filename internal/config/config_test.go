package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/mbot_sim/internal/timing"
)

func writeConfig(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mbot_sim_config.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func noEnv(string) (string, bool) { return "", false }

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "# minimal", "", "MAP_FILE=maps/empty.map"))
	require.NoError(t, err)

	want := Default()
	want.MapFile = "maps/empty.map"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, math.Pi, cfg.MaxAngularSpeed)
	assert.Equal(t, 2*time.Second, cfg.TrajectoryWindow())
	assert.Equal(t, 10*time.Millisecond, cfg.TrajectoryStep())

	p, err := cfg.Periods()
	require.NoError(t, err)
	assert.Equal(t, Periods{
		Ingest:   20 * time.Millisecond,
		Render:   20 * time.Millisecond,
		Scan:     100 * time.Millisecond,
		Timesync: 500 * time.Millisecond,
	}, p)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t,
		"MAP_FILE = maps/maze.map",
		"START_X=1.5",
		"START_THETA=-0.5",
		"LIDAR_NOISE=true",
		"LIDAR_SEED=0x2a",
		"LIDAR_SCAN_PERIOD_MS=200",
		"COMMAND_USE_SIM_TIME=false",
		"RECORD_DB_PATH=/tmp/run.db",
	))
	require.NoError(t, err)

	assert.Equal(t, "maps/maze.map", cfg.MapFile)
	assert.Equal(t, 1.5, cfg.StartX)
	assert.Equal(t, -0.5, cfg.StartTheta)
	assert.True(t, cfg.LidarNoise)
	assert.Equal(t, uint64(42), cfg.LidarSeed)
	assert.False(t, cfg.CommandUseSimTime)
	assert.Equal(t, "/tmp/run.db", cfg.RecordDBPath)

	p, err := cfg.Periods()
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, p.Scan, "a period in the file replaces the default rate")
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		lines   []string
		wantMsg string
	}{
		{"missing map", []string{"ROBOT_RADIUS=0.2"}, "MAP_FILE is required"},
		{"unknown key", []string{"MAP_FILE=a", "WHEELS=3"}, "config line 2"},
		{"bad float", []string{"MAP_FILE=a", "START_X=north"}, "invalid START_X"},
		{"no equals", []string{"MAP_FILE"}, "invalid config line 1"},
		{"window shorter than step", []string{"MAP_FILE=a", "TRAJECTORY_WINDOW_MS=5"}, "TRAJECTORY_WINDOW_MS"},
		{"backoff out of range", []string{"MAP_FILE=a", "COLLISION_BACKOFF_FRACTION=2"}, "COLLISION_BACKOFF_FRACTION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.lines...))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestLoopRateAndPeriodConflicts(t *testing.T) {
	_, err := Load(writeConfig(t, "MAP_FILE=a", "RENDER_RATE_HZ=30", "RENDER_PERIOD_MS=20"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, timing.ErrConfiguration))

	_, err = Load(writeConfig(t, "MAP_FILE=a", "TIMESYNC_RATE_HZ=0"))
	require.Error(t, err)
	var cfgErr *timing.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "TIMESYNC", cfgErr.Name)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MBOT_SIM_MAP_FILE":         "env.map",
		"MBOT_SIM_MAX_TRANS_SPEED":  " 0.8 ",
		"MBOT_SIM_INGEST_PERIOD_MS": "5",
		"UNRELATED":                 "x",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, "env.map", cfg.MapFile)
	assert.Equal(t, 0.8, cfg.MaxTransSpeed)
	assert.Zero(t, cfg.IngestRateHz)
	require.NoError(t, cfg.validate())

	require.NoError(t, Default().ApplyEnv(noEnv))

	env["MBOT_SIM_LIDAR_NUM_RANGES"] = "many"
	err := Default().ApplyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MBOT_SIM_LIDAR_NUM_RANGES")
}

func TestEveryKeyIsSettable(t *testing.T) {
	for _, key := range Keys() {
		t.Run(key, func(t *testing.T) {
			value := "1"
			if key == "COLLISION_BACKOFF_FRACTION" {
				value = "0.5"
			}
			assert.NoError(t, Default().setValue(key, value))
		})
	}
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "mbot_sim_config.txt"))
	require.NoError(t, err)

	assert.Equal(t, "maps/room.map", cfg.MapFile)
	assert.Equal(t, 1.0, cfg.StartX)
	assert.False(t, cfg.LidarNoise)
	assert.Equal(t, "", cfg.RecordDBPath)

	p, err := cfg.Periods()
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, p.Scan)

	_, err = os.Stat(filepath.Join("..", "..", cfg.MapFile))
	assert.NoError(t, err)
}
