// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package geometry holds the planar pose and velocity types shared by the
// motion model, the collision resolver and the range sensor.
package geometry

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
)

// Pose is a position in metric world coordinates plus a heading in radians.
// Theta is always kept in (-π, π].
type Pose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

// NewPose returns a pose with its heading normalized.
func NewPose(x, y, theta float64) Pose {
	return Pose{X: x, Y: y, Theta: NormalizeAngle(theta)}
}

// NormalizeAngle wraps a into (-π, π].
func NormalizeAngle(a float64) float64 {
	a = math.Remainder(a, 2*math.Pi)
	if a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

// Add applies a delta and normalizes the resulting heading.
func (p Pose) Add(dx, dy, dtheta float64) Pose {
	return NewPose(p.X+dx, p.Y+dy, p.Theta+dtheta)
}

// Translation returns the position component as a point.
func (p Pose) Translation() r2.Point {
	return r2.Point{X: p.X, Y: p.Y}
}

// Heading returns the unit vector the pose faces.
func (p Pose) Heading() r2.Point {
	return r2.Point{X: math.Cos(p.Theta), Y: math.Sin(p.Theta)}
}

func (p Pose) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.3f)", p.X, p.Y, p.Theta)
}

// Twist is an instantaneous velocity: world-frame linear components in m/s
// and angular velocity in rad/s.
type Twist struct {
	VX     float64 `json:"vx"`
	VY     float64 `json:"vy"`
	VTheta float64 `json:"vtheta"`
}

// TwistFromCommand expresses a differential-drive command (forward speed and
// turn rate) as a world-frame twist for a robot heading theta.
func TwistFromCommand(transV, angularV, theta float64) Twist {
	return Twist{
		VX:     transV * math.Cos(theta),
		VY:     transV * math.Sin(theta),
		VTheta: angularV,
	}
}

// Linear returns the linear velocity vector.
func (t Twist) Linear() r2.Point {
	return r2.Point{X: t.VX, Y: t.VY}
}

// IsZero reports whether every component is zero.
func (t Twist) IsZero() bool {
	return t.VX == 0 && t.VY == 0 && t.VTheta == 0
}

// State is one immutable sample of the robot trajectory. Utime is in
// microseconds.
type State struct {
	Utime int64 `json:"utime"`
	Pose  Pose  `json:"pose"`
	Twist Twist `json:"twist"`
}

// Seconds converts a microsecond interval to seconds.
func Seconds(us int64) float64 {
	return float64(us) / 1e6
}

// Micros converts seconds to microseconds, rounding to the nearest tick.
func Micros(s float64) int64 {
	return int64(math.Round(s * 1e6))
}
