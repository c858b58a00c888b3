// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package timing

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/mbot_sim/internal/monitoring"
	"github.com/relabs-tech/mbot_sim/internal/timeutil"
)

// Task is one periodic loop. Run receives the scheduled start time of the
// cycle. A returned error stops the whole scheduler.
type Task struct {
	Name   string
	Period time.Duration
	Run    func(ctx context.Context, now time.Time) error
}

// Overrun describes a cycle that finished after its next deadline.
type Overrun struct {
	Task    string
	Cycle   uint64
	Elapsed time.Duration
	Period  time.Duration
}

// TaskStats counts cycles for one task.
type TaskStats struct {
	Name     string        `json:"name"`
	Period   time.Duration `json:"period"`
	Cycles   uint64        `json:"cycles"`
	Overruns uint64        `json:"overruns"`
}

type taskState struct {
	Task
	cycles   atomic.Uint64
	overruns atomic.Uint64
}

// Scheduler owns every periodic task and a shared cancellation scope.
type Scheduler struct {
	clock timeutil.Clock
	tasks []*taskState

	// OnOverrun, when set, is called from the overrunning task's goroutine.
	OnOverrun func(Overrun)
}

// NewScheduler creates an empty scheduler. A nil clock uses the wall clock.
func NewScheduler(clock timeutil.Clock) *Scheduler {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Scheduler{clock: clock}
}

// Add registers a task. It must be called before Run.
func (s *Scheduler) Add(t Task) error {
	if t.Period <= 0 {
		return &ConfigurationError{Name: t.Name, Reason: fmt.Sprintf("non-positive period %v", t.Period)}
	}
	if t.Run == nil {
		return &ConfigurationError{Name: t.Name, Reason: "no run function"}
	}
	s.tasks = append(s.tasks, &taskState{Task: t})
	return nil
}

// Stats returns per-task counters in registration order.
func (s *Scheduler) Stats() []TaskStats {
	out := make([]TaskStats, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = TaskStats{
			Name:     t.Name,
			Period:   t.Period,
			Cycles:   t.cycles.Load(),
			Overruns: t.overruns.Load(),
		}
	}
	return out
}

// Run starts every task and blocks until ctx is cancelled or a task fails.
// Cancellation is not an error.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.tasks) == 0 {
		return errors.New("timing: no tasks registered")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		g.Go(func() error { return s.loop(gctx, t) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loop keeps deadlines on a fixed grid from the first cycle so time spent in
// Run does not accumulate as drift. After an overrun the grid restarts at the
// current time instead of firing the missed cycles back to back.
func (s *Scheduler) loop(ctx context.Context, t *taskState) error {
	next := s.clock.Now()
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		start := next
		if err := t.Run(ctx, start); err != nil {
			return fmt.Errorf("timing: task %s: %w", t.Name, err)
		}
		cycle := t.cycles.Add(1)

		next = start.Add(t.Period)
		now := s.clock.Now()
		if now.After(next) {
			t.overruns.Add(1)
			o := Overrun{Task: t.Name, Cycle: cycle, Elapsed: now.Sub(start), Period: t.Period}
			monitoring.Logf("timing: %s cycle %d overran: took %v of %v", o.Task, o.Cycle, o.Elapsed, o.Period)
			if s.OnOverrun != nil {
				s.OnOverrun(o)
			}
			next = now
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(next.Sub(now)):
		}
	}
}
