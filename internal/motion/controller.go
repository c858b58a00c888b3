// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package motion turns a stream of timestamped velocity commands into a
// continuous, queryable robot trajectory.
//
// Commands may arrive out of order. A command stamped earlier than already
// computed states discards those states, and they are recomputed on demand
// from the commands in timestamp order.
package motion

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/mbot_sim/internal/geometry"
	"github.com/relabs-tech/mbot_sim/internal/kinematics"
	"github.com/relabs-tech/mbot_sim/internal/monitoring"
	"github.com/relabs-tech/mbot_sim/internal/trajectory"
)

// ErrTimeTooOld matches every *TimeTooOldError.
var ErrTimeTooOld = errors.New("requested time precedes trajectory window")

// TimeTooOldError is returned when a query predates the oldest buffered state.
type TimeTooOldError struct {
	Requested int64
	Oldest    int64
}

func (e *TimeTooOldError) Error() string {
	return fmt.Sprintf("%v: requested %d, oldest %d", ErrTimeTooOld, e.Requested, e.Oldest)
}

func (e *TimeTooOldError) Is(target error) bool { return target == ErrTimeTooOld }

// Resolver adjusts a candidate pose so the robot does not overlap obstacles.
// A non-nil error means the returned pose is best effort.
type Resolver interface {
	Resolve(candidate geometry.Pose, twist geometry.Twist, dt float64) (geometry.Pose, error)
}

// Config holds the static motion limits and trajectory window.
type Config struct {
	MaxTransSpeed   float64 // m/s, <= 0 disables clamping
	MaxAngularSpeed float64 // rad/s, <= 0 disables clamping
	Window          time.Duration
	Step            time.Duration
}

// Stats is a point-in-time summary for status reporting.
type Stats struct {
	States     int    `json:"states"`
	Commands   int    `json:"commands"`
	Revision   uint64 `json:"revision"`
	Unresolved uint64 `json:"unresolved_collisions"`
	Retries    uint64 `json:"extrapolation_retries"`
}

// Controller owns the trajectory buffer and the pending command list. All
// methods are safe for concurrent use.
type Controller struct {
	cfg      Config
	window   int64
	step     int64
	resolver Resolver

	mu       sync.Mutex
	store    *trajectory.Store
	commands commandList
	// cmdRev counts command insertions. Together with the store revision it
	// tells an extrapolation whether its inputs went stale while unlocked.
	cmdRev uint64
	moving bool

	unresolved atomic.Uint64
	retries    atomic.Uint64
}

// NewController seeds the trajectory with a stationary robot at start ending
// at now (microseconds). resolver may be nil to disable collision handling.
func NewController(cfg Config, start geometry.Pose, now int64, resolver Resolver) (*Controller, error) {
	if cfg.Step <= 0 {
		return nil, fmt.Errorf("motion: step must be positive, got %v", cfg.Step)
	}
	if cfg.Window < cfg.Step {
		return nil, fmt.Errorf("motion: window %v shorter than step %v", cfg.Window, cfg.Step)
	}
	c := &Controller{
		cfg:      cfg,
		window:   cfg.Window.Microseconds(),
		step:     cfg.Step.Microseconds(),
		resolver: resolver,
	}
	c.store = trajectory.NewStore(geometry.State{Utime: now, Pose: start}, c.window, c.step)
	return c, nil
}

// AddCommand clamps cmd, discards every state computed after its timestamp
// and queues it. It returns the command as stored.
func (c *Controller) AddCommand(cmd Command) Command {
	cmd = cmd.Clamp(c.cfg.MaxTransSpeed, c.cfg.MaxAngularSpeed)

	c.mu.Lock()
	defer c.mu.Unlock()

	// The state at cmd.Utime itself carries the superseded twist, so it goes too.
	c.store.TruncateAfter(cmd.Utime - 1)
	c.commands = c.commands.insert(cmd)
	c.cmdRev++
	c.moving = !cmd.IsStop()
	return cmd
}

// Moving reports whether the most recently received command asked for motion.
func (c *Controller) Moving() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moving
}

// PoseAt returns the robot pose at utime.
func (c *Controller) PoseAt(utime int64) (geometry.Pose, error) {
	st, err := c.StateAt(utime)
	return st.Pose, err
}

// StateAt returns the robot state at utime. Times inside the buffer are
// interpolated; later times are extrapolated and the new states appended.
// Times before the buffer fail with *TimeTooOldError.
func (c *Controller) StateAt(utime int64) (geometry.State, error) {
	for {
		c.mu.Lock()
		oldest := c.store.Oldest()
		if utime < oldest.Utime {
			c.mu.Unlock()
			return geometry.State{}, &TimeTooOldError{Requested: utime, Oldest: oldest.Utime}
		}
		if prior, next, ok := c.store.Bracket(utime); ok {
			c.mu.Unlock()
			return interpolate(prior, next, utime), nil
		}
		from := c.store.Newest()
		rev, cmdRev := c.store.Revision(), c.cmdRev
		cmds := c.commands.since(from.Utime)
		c.mu.Unlock()

		states := c.extrapolate(from, cmds, utime)

		c.mu.Lock()
		if c.store.Revision() == rev && c.cmdRev == cmdRev {
			err := c.store.Append(states...)
			c.mu.Unlock()
			if err != nil {
				return geometry.State{}, fmt.Errorf("motion: append extrapolated states: %w", err)
			}
			return states[len(states)-1], nil
		}
		c.mu.Unlock()
		c.retries.Add(1)
	}
}

// StateAtOrOldest is StateAt with queries older than the window clamped to the
// oldest buffered state.
func (c *Controller) StateAtOrOldest(utime int64) (geometry.State, error) {
	st, err := c.StateAt(utime)
	if errors.Is(err, ErrTimeTooOld) {
		return c.Oldest(), nil
	}
	return st, err
}

// Tick trims states older than now minus the window and prunes commands
// superseded before the oldest remaining state.
func (c *Controller) Tick(now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store.TrimBefore(now - c.window)
	c.commands = c.commands.prune(c.store.Oldest().Utime)
}

// Oldest returns the earliest buffered state.
func (c *Controller) Oldest() geometry.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Oldest()
}

// Newest returns the latest buffered state.
func (c *Controller) Newest() geometry.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Newest()
}

// Snapshot returns a copy of the buffered trajectory.
func (c *Controller) Snapshot() []geometry.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Snapshot()
}

// Stats summarizes the controller state.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		States:     c.store.Len(),
		Commands:   len(c.commands),
		Revision:   c.store.Revision(),
		Unresolved: c.unresolved.Load(),
		Retries:    c.retries.Load(),
	}
}

// extrapolate walks from state to utime in fixed steps, splitting steps at
// command timestamps so velocity changes apply exactly when commanded. It
// reads only its arguments and immutable configuration.
func (c *Controller) extrapolate(from geometry.State, cmds commandList, utime int64) []geometry.State {
	out := make([]geometry.State, 0, (utime-from.Utime)/c.step+2)
	cur := from
	for cur.Utime < utime {
		stepEnd := min(cur.Utime+c.step, utime)
		for cur.Utime < stepEnd {
			segEnd := stepEnd
			if next, ok := cmds.nextAfter(cur.Utime); ok && next < segEnd {
				segEnd = next
			}

			cmd := c.effective(cmds.activeAt(cur.Utime))
			twist := geometry.TwistFromCommand(cmd.TransV, cmd.AngularV, cur.Pose.Theta)
			dt := geometry.Seconds(segEnd - cur.Utime)

			pose := kinematics.Step(cur.Pose, twist, dt)
			if c.resolver != nil {
				resolved, err := c.resolver.Resolve(pose, twist, dt)
				if err != nil {
					c.unresolved.Add(1)
					monitoring.Logf("motion: accepting best-effort pose at %d: %v", segEnd, err)
				}
				pose = resolved
			}

			endCmd := c.effective(cmds.activeAt(segEnd))
			cur = geometry.State{
				Utime: segEnd,
				Pose:  pose,
				Twist: geometry.TwistFromCommand(endCmd.TransV, endCmd.AngularV, pose.Theta),
			}
			out = append(out, cur)
		}
	}
	return out
}

func (c *Controller) effective(cmd Command) Command {
	return cmd.Clamp(c.cfg.MaxTransSpeed, c.cfg.MaxAngularSpeed)
}

// interpolate estimates the state at utime between two buffered states by
// assuming the twist changes at a constant rate between them.
func interpolate(prior, next geometry.State, utime int64) geometry.State {
	if prior.Utime == utime {
		return prior
	}
	if next.Utime == utime {
		return next
	}
	span := geometry.Seconds(next.Utime - prior.Utime)
	dt := geometry.Seconds(utime - prior.Utime)

	accel := geometry.Twist{
		VX:     (next.Twist.VX - prior.Twist.VX) / span,
		VY:     (next.Twist.VY - prior.Twist.VY) / span,
		VTheta: (next.Twist.VTheta - prior.Twist.VTheta) / span,
	}
	// Holding the mean twist over dt gives ½·a·dt² + v·dt per component.
	mean := geometry.Twist{
		VX:     prior.Twist.VX + 0.5*accel.VX*dt,
		VY:     prior.Twist.VY + 0.5*accel.VY*dt,
		VTheta: prior.Twist.VTheta + 0.5*accel.VTheta*dt,
	}
	return geometry.State{
		Utime: utime,
		Pose:  kinematics.Step(prior.Pose, mean, dt),
		Twist: geometry.Twist{
			VX:     prior.Twist.VX + accel.VX*dt,
			VY:     prior.Twist.VY + accel.VY*dt,
			VTheta: prior.Twist.VTheta + accel.VTheta*dt,
		},
	}
}
