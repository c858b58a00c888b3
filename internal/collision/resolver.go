// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package collision keeps the robot's circular footprint out of occupied
// map cells.
package collision

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"

	"github.com/relabs-tech/mbot_sim/internal/geometry"
	"github.com/relabs-tech/mbot_sim/internal/occupancy"
)

// ErrCollisionUnresolved is returned when the back-off loop exhausts its retry
// budget. The accompanying pose is the last candidate tried.
var ErrCollisionUnresolved = errors.New("collision unresolved")

const (
	DefaultSamples         = 30
	DefaultMaxRetries      = 1000
	DefaultBackoffFraction = 0.05
)

// Resolver tests footprints against a map and slides colliding poses back
// along the direction of travel.
type Resolver struct {
	m      *occupancy.Map
	radius float64

	// offsets are the footprint edge samples relative to the robot center.
	offsets []r2.Point

	maxRetries      int
	backoffFraction float64
}

// Option tunes a Resolver.
type Option func(*Resolver)

// WithSamples sets the number of points sampled around the footprint edge.
func WithSamples(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.offsets = footprint(r.radius, n)
		}
	}
}

// WithMaxRetries bounds the back-off loop.
func WithMaxRetries(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxRetries = n
		}
	}
}

// WithBackoffFraction sets the fraction of one integration step the pose is
// moved back per retry.
func WithBackoffFraction(f float64) Option {
	return func(r *Resolver) {
		if f > 0 && f <= 1 {
			r.backoffFraction = f
		}
	}
}

// New returns a resolver for a robot of the given footprint radius.
func New(m *occupancy.Map, radius float64, opts ...Option) *Resolver {
	r := &Resolver{
		m:               m,
		radius:          radius,
		offsets:         footprint(radius, DefaultSamples),
		maxRetries:      DefaultMaxRetries,
		backoffFraction: DefaultBackoffFraction,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func footprint(radius float64, n int) []r2.Point {
	out := make([]r2.Point, n)
	for i := range out {
		a := 2 * math.Pi * float64(i) / float64(n)
		out[i] = r2.Point{X: radius * math.Cos(a), Y: radius * math.Sin(a)}
	}
	return out
}

// Radius is the footprint radius in meters.
func (r *Resolver) Radius() float64 { return r.radius }

// Collides reports whether the footprint centered at p touches an occupied
// cell. The center and every edge sample are tested.
func (r *Resolver) Collides(p geometry.Pose) bool {
	c := p.Translation()
	if r.m.AtPoint(c) {
		return true
	}
	for _, off := range r.offsets {
		if r.m.AtPoint(c.Add(off)) {
			return true
		}
	}
	return false
}

// Resolve returns candidate unchanged when its footprint is clear. Otherwise it
// steps the pose backward along the linear velocity by a fraction of the
// distance covered in dt until the footprint clears.
//
// When the robot has no linear velocity, or the retry budget runs out, the last
// candidate is returned together with ErrCollisionUnresolved.
func (r *Resolver) Resolve(candidate geometry.Pose, twist geometry.Twist, dt float64) (geometry.Pose, error) {
	if !r.Collides(candidate) {
		return candidate, nil
	}

	vel := twist.Linear()
	dist := vel.Norm() * dt
	if dist <= 0 {
		return candidate, fmt.Errorf("%w: stationary footprint at %v overlaps an obstacle", ErrCollisionUnresolved, candidate)
	}
	back := vel.Normalize().Mul(-dist * r.backoffFraction)

	p := candidate
	for i := 0; i < r.maxRetries; i++ {
		p = geometry.Pose{X: p.X + back.X, Y: p.Y + back.Y, Theta: p.Theta}
		if !r.Collides(p) {
			return p, nil
		}
	}
	return p, fmt.Errorf("%w: still overlapping at %v after %d retries", ErrCollisionUnresolved, p, r.maxRetries)
}
