// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package lidar models a rotating 2D range finder.
//
// A sweep takes one full scan period, so each beam is cast from the pose the
// robot had at that beam's own timestamp. Beams walk backward in time from the
// scan instant.
package lidar

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/relabs-tech/mbot_sim/internal/geometry"
	"github.com/relabs-tech/mbot_sim/internal/occupancy"
)

const (
	DefaultNumRanges = 360
	DefaultMaxRange  = 5.0

	// bisectIterations refines a hit between the last free and first occupied
	// march sample.
	bisectIterations = 32
)

// PoseSource answers pose queries for beam timestamps. Queries older than the
// source's history are expected to fall back to the oldest known state.
type PoseSource interface {
	StateAtOrOldest(utime int64) (geometry.State, error)
}

// Config describes the sensor. Zero noise deviations disable that channel.
type Config struct {
	NumRanges  int
	MaxRange   float64 // meters
	ScanPeriod time.Duration

	Noise           bool
	RangeStdDev     float64 // meters
	BeamCountStdDev float64 // beams
	AngleStepStdDev float64 // radians per step
	Seed            uint64
}

// Scan is one completed sweep. Angles are in the robot frame in [0, 2π).
type Scan struct {
	Utime       int64         `json:"utime"`
	NumRanges   int           `json:"num_ranges"`
	Angles      []float64     `json:"angles"`
	Ranges      []float64     `json:"ranges"`
	Times       []int64       `json:"times"`
	Intensities []float64     `json:"intensities"`
	Hits        []r2.Point    `json:"-"`
	Origins     []r2.Point    `json:"-"`
	Pose        geometry.Pose `json:"pose"`
}

// Sensor produces scans against a map. Scan is serialized internally; Latest
// is lock-free and may be called from any goroutine.
type Sensor struct {
	cfg Config
	m   *occupancy.Map
	src PoseSource
	// march is the fixed ray-march increment.
	march float64

	mu     sync.Mutex
	rangeN distuv.Normal
	countN distuv.Normal
	stepN  distuv.Normal
	startU distuv.Uniform

	latest atomic.Pointer[Scan]
	scans  atomic.Uint64
}

// New validates cfg and builds a sensor.
func New(cfg Config, m *occupancy.Map, src PoseSource) (*Sensor, error) {
	if m == nil || src == nil {
		return nil, errors.New("lidar: map and pose source are required")
	}
	if cfg.NumRanges <= 0 {
		cfg.NumRanges = DefaultNumRanges
	}
	if cfg.MaxRange <= 0 {
		cfg.MaxRange = DefaultMaxRange
	}
	if cfg.ScanPeriod <= 0 {
		return nil, fmt.Errorf("lidar: scan period must be positive, got %v", cfg.ScanPeriod)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	s := &Sensor{
		cfg:    cfg,
		m:      m,
		src:    src,
		march:  m.MetersPerCell() / 4,
		rangeN: distuv.Normal{Mu: 0, Sigma: cfg.RangeStdDev, Src: rng},
		countN: distuv.Normal{Mu: 0, Sigma: cfg.BeamCountStdDev, Src: rng},
		stepN:  distuv.Normal{Mu: 0, Sigma: cfg.AngleStepStdDev, Src: rng},
		startU: distuv.Uniform{Min: 0, Max: 2 * math.Pi, Src: rng},
	}
	return s, nil
}

// Config returns the sensor configuration with defaults applied.
func (s *Sensor) Config() Config { return s.cfg }

// Latest returns the most recently completed scan, or nil before the first.
func (s *Sensor) Latest() *Scan { return s.latest.Load() }

// Count returns the number of completed scans.
func (s *Sensor) Count() uint64 { return s.scans.Load() }

// Scan performs one sweep ending at now (microseconds) and publishes it as
// the latest scan.
func (s *Sensor) Scan(now int64) (*Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.cfg.NumRanges
	start := 0.0
	if s.cfg.Noise {
		start = s.startU.Rand()
		if s.cfg.BeamCountStdDev > 0 {
			n = max(1, n+int(math.Round(s.countN.Rand())))
		}
	}
	step := 2 * math.Pi / float64(n)
	beamPeriod := float64(s.cfg.ScanPeriod.Microseconds()) / float64(n)

	scan := &Scan{
		Utime:       now,
		NumRanges:   n,
		Angles:      make([]float64, n),
		Ranges:      make([]float64, n),
		Times:       make([]int64, n),
		Intensities: make([]float64, n),
		Hits:        make([]r2.Point, n),
		Origins:     make([]r2.Point, n),
	}

	angle := start
	for i := 0; i < n; i++ {
		t := now - int64(math.Round(float64(i)*beamPeriod))
		st, err := s.src.StateAtOrOldest(t)
		if err != nil {
			return nil, fmt.Errorf("lidar: pose for beam %d at %d: %w", i, t, err)
		}
		if i == 0 {
			scan.Pose = st.Pose
		}

		origin := st.Pose.Translation()
		dir := r2.Point{X: math.Cos(st.Pose.Theta + angle), Y: math.Sin(st.Pose.Theta + angle)}
		dist, hit := s.cast(origin, dir)
		if hit && s.cfg.Noise && s.cfg.RangeStdDev > 0 {
			dist = math.Max(0, math.Min(s.cfg.MaxRange, dist+s.rangeN.Rand()))
		}

		scan.Angles[i] = wrapTwoPi(angle)
		scan.Ranges[i] = dist
		scan.Times[i] = t
		scan.Origins[i] = origin
		scan.Hits[i] = origin.Add(dir.Mul(dist))

		angle += step
		if s.cfg.Noise && s.cfg.AngleStepStdDev > 0 {
			angle += s.stepN.Rand()
		}
	}

	s.latest.Store(scan)
	s.scans.Add(1)
	return scan, nil
}

// cast marches from origin along the unit vector dir and returns the distance
// to the first occupied point, or MaxRange with hit false.
func (s *Sensor) cast(origin, dir r2.Point) (float64, bool) {
	if s.m.AtPoint(origin) {
		return 0, true
	}
	prev := 0.0
	for d := s.march; ; d += s.march {
		if d > s.cfg.MaxRange {
			d = s.cfg.MaxRange
		}
		if s.m.AtPoint(origin.Add(dir.Mul(d))) {
			return s.bisect(origin, dir, prev, d), true
		}
		if d >= s.cfg.MaxRange {
			return s.cfg.MaxRange, false
		}
		prev = d
	}
}

// bisect narrows a free/occupied pair of distances down to the boundary.
func (s *Sensor) bisect(origin, dir r2.Point, free, occupied float64) float64 {
	for i := 0; i < bisectIterations; i++ {
		mid := (free + occupied) / 2
		if s.m.AtPoint(origin.Add(dir.Mul(mid))) {
			occupied = mid
		} else {
			free = mid
		}
	}
	return occupied
}

func wrapTwoPi(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a
}
