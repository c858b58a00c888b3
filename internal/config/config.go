package config

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relabs-tech/mbot_sim/internal/timing"
)

// EnvPrefix is prepended to a key to override it from the environment,
// e.g. MBOT_SIM_MAP_FILE.
const EnvPrefix = "MBOT_SIM_"

// Config holds all application configuration values.
type Config struct {
	// MQTT
	MQTTBroker          string
	MQTTClientIDSim     string
	MQTTClientIDConsole string
	MQTTClientIDDriver  string

	// Topics
	TopicOdometry     string
	TopicLidar        string
	TopicMotorCommand string
	TopicTimesync     string

	// World
	MapFile    string
	StartX     float64
	StartY     float64
	StartTheta float64

	// Robot
	RobotRadius     float64 // meters
	MaxTransSpeed   float64 // m/s
	MaxAngularSpeed float64 // rad/s

	// Trajectory
	TrajectoryWindowMs int
	TrajectoryStepMs   int

	// Collision
	CollisionSamples         int
	CollisionMaxRetries      int
	CollisionBackoffFraction float64

	// Commands
	CommandUseSimTime bool // stamp inbound commands with receive time
	CommandQueueSize  int

	// Loops: exactly one of rate or period per loop
	IngestRateHz      float64
	IngestPeriodMs    int
	RenderRateHz      float64
	RenderPeriodMs    int
	LidarScanRateHz   float64
	LidarScanPeriodMs int
	TimesyncRateHz    float64
	TimesyncPeriodMs  int

	// Lidar
	LidarNumRanges       int
	LidarMaxRange        float64 // meters
	LidarNoise           bool
	LidarRangeStdDev     float64
	LidarBeamCountStdDev float64
	LidarAngleStepStdDev float64
	LidarSeed            uint64 // 0 seeds from the clock

	// Odometry noise, fraction of each integrated delta
	OdometryTransStdDev float64
	OdometryRotStdDev   float64

	// Web Server
	WebServerPort int // 0 disables
	WebRoot       string

	// Recorder
	RecordDBPath string // empty disables
}

// Periods are the resolved loop periods.
type Periods struct {
	Ingest   time.Duration
	Render   time.Duration
	Scan     time.Duration
	Timesync time.Duration
}

// Package-level unexported variables for singleton pattern:
//   - globalConfig: only reachable through InitGlobal and Get.
//   - configOnce: ensures InitGlobal() only runs once.
//   - configMu: write lock for initialization, read lock for Get().
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns a configuration with every optional value filled in.
// MapFile has no default.
func Default() *Config {
	return &Config{
		MQTTBroker:          "tcp://localhost:1883",
		MQTTClientIDSim:     "mbot-sim",
		MQTTClientIDConsole: "mbot-sim-console",
		MQTTClientIDDriver:  "mbot-sim-driver",

		TopicOdometry:     "ODOMETRY",
		TopicLidar:        "LIDAR",
		TopicMotorCommand: "MBOT_MOTOR_COMMAND",
		TopicTimesync:     "MBOT_TIMESYNC",

		RobotRadius:     0.1,
		MaxTransSpeed:   0.5,
		MaxAngularSpeed: math.Pi,

		TrajectoryWindowMs: 2000,
		TrajectoryStepMs:   10,

		CollisionSamples:         30,
		CollisionMaxRetries:      1000,
		CollisionBackoffFraction: 0.05,

		CommandUseSimTime: true,
		CommandQueueSize:  64,

		IngestRateHz:    50,
		RenderRateHz:    50,
		LidarScanRateHz: 10,
		TimesyncRateHz:  2,

		LidarNumRanges:       360,
		LidarMaxRange:        5,
		LidarRangeStdDev:     0.01,
		LidarBeamCountStdDev: 2,
		LidarAngleStepStdDev: 0.0005,

		WebServerPort: 8080,
	}
}

// Load reads the configuration file on top of Default, applies environment
// overrides and validates the result.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := Default()
	if err := cfg.parse(file); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0
	seen := make(map[string]bool)

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		c.overrideLoop(key, seen)
		seen[key] = true
		if err := c.setValue(key, value); err != nil {
			return fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// ApplyEnv overrides keys from EnvPrefix-prefixed variables found by lookup.
// Setting a loop's rate clears its period and vice versa, unless the
// environment sets both.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	seen := make(map[string]bool)
	for _, key := range Keys() {
		if _, ok := lookup(EnvPrefix + key); ok {
			seen[key] = true
		}
	}
	for _, key := range Keys() {
		value, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		c.overrideLoop(key, seen)
		if err := c.setValue(key, strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("env %s%s: %w", EnvPrefix, key, err)
		}
	}
	return nil
}

// Keys lists every recognised configuration key.
func Keys() []string {
	return []string{
		"MQTT_BROKER", "MQTT_CLIENT_ID_SIM", "MQTT_CLIENT_ID_CONSOLE", "MQTT_CLIENT_ID_DRIVER",
		"TOPIC_ODOMETRY", "TOPIC_LIDAR", "TOPIC_MOTOR_COMMAND", "TOPIC_TIMESYNC",
		"MAP_FILE", "START_X", "START_Y", "START_THETA",
		"ROBOT_RADIUS", "MAX_TRANS_SPEED", "MAX_ANGULAR_SPEED",
		"TRAJECTORY_WINDOW_MS", "TRAJECTORY_STEP_MS",
		"COLLISION_SAMPLES", "COLLISION_MAX_RETRIES", "COLLISION_BACKOFF_FRACTION",
		"COMMAND_USE_SIM_TIME", "COMMAND_QUEUE_SIZE",
		"INGEST_RATE_HZ", "INGEST_PERIOD_MS", "RENDER_RATE_HZ", "RENDER_PERIOD_MS",
		"LIDAR_SCAN_RATE_HZ", "LIDAR_SCAN_PERIOD_MS", "TIMESYNC_RATE_HZ", "TIMESYNC_PERIOD_MS",
		"LIDAR_NUM_RANGES", "LIDAR_MAX_RANGE", "LIDAR_NOISE", "LIDAR_RANGE_STDDEV",
		"LIDAR_BEAM_COUNT_STDDEV", "LIDAR_ANGLE_STEP_STDDEV", "LIDAR_SEED",
		"ODOMETRY_TRANS_STDDEV", "ODOMETRY_ROT_STDDEV",
		"WEB_SERVER_PORT", "WEB_ROOT",
		"RECORD_DB_PATH",
	}
}

// loopPairs maps each loop rate key to its period key and back.
var loopPairs = map[string]string{
	"INGEST_RATE_HZ": "INGEST_PERIOD_MS", "INGEST_PERIOD_MS": "INGEST_RATE_HZ",
	"RENDER_RATE_HZ": "RENDER_PERIOD_MS", "RENDER_PERIOD_MS": "RENDER_RATE_HZ",
	"LIDAR_SCAN_RATE_HZ": "LIDAR_SCAN_PERIOD_MS", "LIDAR_SCAN_PERIOD_MS": "LIDAR_SCAN_RATE_HZ",
	"TIMESYNC_RATE_HZ": "TIMESYNC_PERIOD_MS", "TIMESYNC_PERIOD_MS": "TIMESYNC_RATE_HZ",
}

// overrideLoop zeroes the counterpart of a loop rate/period key unless the
// same source set it explicitly, in which case validation reports both.
func (c *Config) overrideLoop(key string, seen map[string]bool) {
	other, ok := loopPairs[key]
	if !ok || seen[other] {
		return
	}
	_ = c.setValue(other, "0")
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_SIM":
		c.MQTTClientIDSim = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value
	case "MQTT_CLIENT_ID_DRIVER":
		c.MQTTClientIDDriver = value

	// Topics
	case "TOPIC_ODOMETRY":
		c.TopicOdometry = value
	case "TOPIC_LIDAR":
		c.TopicLidar = value
	case "TOPIC_MOTOR_COMMAND":
		c.TopicMotorCommand = value
	case "TOPIC_TIMESYNC":
		c.TopicTimesync = value

	// World
	case "MAP_FILE":
		c.MapFile = value
	case "START_X":
		c.StartX, err = parseFloat(key, value)
	case "START_Y":
		c.StartY, err = parseFloat(key, value)
	case "START_THETA":
		c.StartTheta, err = parseFloat(key, value)

	// Robot
	case "ROBOT_RADIUS":
		c.RobotRadius, err = parseFloat(key, value)
	case "MAX_TRANS_SPEED":
		c.MaxTransSpeed, err = parseFloat(key, value)
	case "MAX_ANGULAR_SPEED":
		c.MaxAngularSpeed, err = parseFloat(key, value)

	// Trajectory
	case "TRAJECTORY_WINDOW_MS":
		c.TrajectoryWindowMs, err = parseInt(key, value)
	case "TRAJECTORY_STEP_MS":
		c.TrajectoryStepMs, err = parseInt(key, value)

	// Collision
	case "COLLISION_SAMPLES":
		c.CollisionSamples, err = parseInt(key, value)
	case "COLLISION_MAX_RETRIES":
		c.CollisionMaxRetries, err = parseInt(key, value)
	case "COLLISION_BACKOFF_FRACTION":
		c.CollisionBackoffFraction, err = parseFloat(key, value)
		if err == nil && (c.CollisionBackoffFraction <= 0 || c.CollisionBackoffFraction > 1) {
			return fmt.Errorf("COLLISION_BACKOFF_FRACTION must be in (0, 1], got %v", c.CollisionBackoffFraction)
		}

	// Commands
	case "COMMAND_USE_SIM_TIME":
		c.CommandUseSimTime, err = parseBool(key, value)
	case "COMMAND_QUEUE_SIZE":
		c.CommandQueueSize, err = parseInt(key, value)

	// Loops
	case "INGEST_RATE_HZ":
		c.IngestRateHz, err = parseFloat(key, value)
	case "INGEST_PERIOD_MS":
		c.IngestPeriodMs, err = parseInt(key, value)
	case "RENDER_RATE_HZ":
		c.RenderRateHz, err = parseFloat(key, value)
	case "RENDER_PERIOD_MS":
		c.RenderPeriodMs, err = parseInt(key, value)
	case "LIDAR_SCAN_RATE_HZ":
		c.LidarScanRateHz, err = parseFloat(key, value)
	case "LIDAR_SCAN_PERIOD_MS":
		c.LidarScanPeriodMs, err = parseInt(key, value)
	case "TIMESYNC_RATE_HZ":
		c.TimesyncRateHz, err = parseFloat(key, value)
	case "TIMESYNC_PERIOD_MS":
		c.TimesyncPeriodMs, err = parseInt(key, value)

	// Lidar
	case "LIDAR_NUM_RANGES":
		c.LidarNumRanges, err = parseInt(key, value)
	case "LIDAR_MAX_RANGE":
		c.LidarMaxRange, err = parseFloat(key, value)
	case "LIDAR_NOISE":
		c.LidarNoise, err = parseBool(key, value)
	case "LIDAR_RANGE_STDDEV":
		c.LidarRangeStdDev, err = parseFloat(key, value)
	case "LIDAR_BEAM_COUNT_STDDEV":
		c.LidarBeamCountStdDev, err = parseFloat(key, value)
	case "LIDAR_ANGLE_STEP_STDDEV":
		c.LidarAngleStepStdDev, err = parseFloat(key, value)
	case "LIDAR_SEED":
		c.LidarSeed, err = strconv.ParseUint(value, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid LIDAR_SEED %q: %w", value, err)
		}

	// Odometry
	case "ODOMETRY_TRANS_STDDEV":
		c.OdometryTransStdDev, err = parseFloat(key, value)
	case "ODOMETRY_ROT_STDDEV":
		c.OdometryRotStdDev, err = parseFloat(key, value)

	// Web Server
	case "WEB_SERVER_PORT":
		c.WebServerPort, err = parseInt(key, value)
	case "WEB_ROOT":
		c.WebRoot = value

	// Recorder
	case "RECORD_DB_PATH":
		c.RecordDBPath = value

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

func parseFloat(key, value string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

func parseInt(key, value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

func parseBool(key, value string) (bool, error) {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

// validate checks that all required fields are set.
func (c *Config) validate() error {
	if c.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required")
	}
	if c.MapFile == "" {
		return fmt.Errorf("MAP_FILE is required")
	}
	if c.RobotRadius <= 0 {
		return fmt.Errorf("ROBOT_RADIUS must be positive, got %v", c.RobotRadius)
	}
	if c.TrajectoryStepMs <= 0 {
		return fmt.Errorf("TRAJECTORY_STEP_MS must be positive, got %d", c.TrajectoryStepMs)
	}
	if c.TrajectoryWindowMs < c.TrajectoryStepMs {
		return fmt.Errorf("TRAJECTORY_WINDOW_MS (%d) must be at least TRAJECTORY_STEP_MS (%d)", c.TrajectoryWindowMs, c.TrajectoryStepMs)
	}
	if c.LidarNumRanges <= 0 {
		return fmt.Errorf("LIDAR_NUM_RANGES must be positive, got %d", c.LidarNumRanges)
	}
	if c.LidarMaxRange <= 0 {
		return fmt.Errorf("LIDAR_MAX_RANGE must be positive, got %v", c.LidarMaxRange)
	}
	if c.CommandQueueSize <= 0 {
		return fmt.Errorf("COMMAND_QUEUE_SIZE must be positive, got %d", c.CommandQueueSize)
	}
	if _, err := c.Periods(); err != nil {
		return err
	}
	return nil
}

// Periods resolves every loop's rate or period. It fails with a
// *timing.ConfigurationError when a loop sets both or neither.
func (c *Config) Periods() (Periods, error) {
	var p Periods
	var err error
	if p.Ingest, err = timing.NewPeriod("INGEST", c.IngestRateHz, ms(c.IngestPeriodMs)); err != nil {
		return Periods{}, err
	}
	if p.Render, err = timing.NewPeriod("RENDER", c.RenderRateHz, ms(c.RenderPeriodMs)); err != nil {
		return Periods{}, err
	}
	if p.Scan, err = timing.NewPeriod("LIDAR_SCAN", c.LidarScanRateHz, ms(c.LidarScanPeriodMs)); err != nil {
		return Periods{}, err
	}
	if p.Timesync, err = timing.NewPeriod("TIMESYNC", c.TimesyncRateHz, ms(c.TimesyncPeriodMs)); err != nil {
		return Periods{}, err
	}
	return p, nil
}

// TrajectoryWindow is the rolling history length.
func (c *Config) TrajectoryWindow() time.Duration { return ms(c.TrajectoryWindowMs) }

// TrajectoryStep is the extrapolation step.
func (c *Config) TrajectoryStep() time.Duration { return ms(c.TrajectoryStepMs) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
