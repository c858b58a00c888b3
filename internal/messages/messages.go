// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package messages defines the JSON payloads exchanged with the simulator
// over MQTT. Timestamps are microseconds since the Unix epoch.
package messages

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relabs-tech/mbot_sim/internal/geometry"
	"github.com/relabs-tech/mbot_sim/internal/lidar"
	"github.com/relabs-tech/mbot_sim/internal/motion"
)

// ErrInvalid is returned for payloads that decode but are inconsistent.
var ErrInvalid = errors.New("invalid message")

// MotorCommand is the inbound velocity request.
type MotorCommand struct {
	Timestamp int64   `json:"timestamp"`
	TransV    float64 `json:"trans_v"`   // m/s
	AngularV  float64 `json:"angular_v"` // rad/s
}

// Command converts the payload for the motion controller.
func (m MotorCommand) Command() motion.Command {
	return motion.Command{Utime: m.Timestamp, TransV: m.TransV, AngularV: m.AngularV}
}

// Odometry is the outbound pose report.
type Odometry struct {
	Timestamp int64   `json:"timestamp"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Theta     float64 `json:"theta"` // rad, (-pi, pi]
}

// NewOdometry builds an odometry message for pose at utime.
func NewOdometry(utime int64, p geometry.Pose) Odometry {
	return Odometry{Timestamp: utime, X: p.X, Y: p.Y, Theta: geometry.NormalizeAngle(p.Theta)}
}

// Pose returns the reported pose.
func (o Odometry) Pose() geometry.Pose {
	return geometry.NewPose(o.X, o.Y, o.Theta)
}

// Lidar is one outbound range scan. Intensities are always zero.
type Lidar struct {
	NumRanges   int32     `json:"num_ranges"`
	Angles      []float64 `json:"angles"`
	Ranges      []float64 `json:"ranges"`
	Timestamps  []int64   `json:"timestamps"`
	Intensities []float64 `json:"intensities"`
}

// NewLidar converts a completed scan.
func NewLidar(s *lidar.Scan) Lidar {
	return Lidar{
		NumRanges:   int32(s.NumRanges),
		Angles:      s.Angles,
		Ranges:      s.Ranges,
		Timestamps:  s.Times,
		Intensities: s.Intensities,
	}
}

// Validate checks that every per-beam slice holds NumRanges entries.
func (l Lidar) Validate() error {
	n := int(l.NumRanges)
	if n < 0 {
		return fmt.Errorf("%w: negative num_ranges %d", ErrInvalid, n)
	}
	if len(l.Angles) != n || len(l.Ranges) != n || len(l.Timestamps) != n || len(l.Intensities) != n {
		return fmt.Errorf("%w: num_ranges %d but angles=%d ranges=%d timestamps=%d intensities=%d",
			ErrInvalid, n, len(l.Angles), len(l.Ranges), len(l.Timestamps), len(l.Intensities))
	}
	return nil
}

// Timestamp is the periodic time-sync beacon.
type Timestamp struct {
	Timestamp int64 `json:"timestamp"`
}

// DecodeMotorCommand parses an inbound command payload.
func DecodeMotorCommand(payload []byte) (MotorCommand, error) {
	var m MotorCommand
	if err := json.Unmarshal(payload, &m); err != nil {
		return MotorCommand{}, fmt.Errorf("decode motor command: %w", err)
	}
	return m, nil
}

// DecodeOdometry parses an odometry payload.
func DecodeOdometry(payload []byte) (Odometry, error) {
	var o Odometry
	if err := json.Unmarshal(payload, &o); err != nil {
		return Odometry{}, fmt.Errorf("decode odometry: %w", err)
	}
	return o, nil
}

// DecodeLidar parses and validates a scan payload.
func DecodeLidar(payload []byte) (Lidar, error) {
	var l Lidar
	if err := json.Unmarshal(payload, &l); err != nil {
		return Lidar{}, fmt.Errorf("decode lidar: %w", err)
	}
	if err := l.Validate(); err != nil {
		return Lidar{}, err
	}
	return l, nil
}
