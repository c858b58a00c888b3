// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/mbot_sim/internal/config"
	"github.com/relabs-tech/mbot_sim/internal/messages"
	"github.com/relabs-tech/mbot_sim/internal/timeutil"
)

// RunMockConsole runs the simulator on an in-process bus without a broker,
// drives a square and prints what a subscriber would see.
func RunMockConsole(ctx context.Context, cfg *config.Config, out io.Writer, side float64, laps int) error {
	bus := NewMemoryBus()
	sim, err := NewSimulator(cfg, nil, bus)
	if err != nil {
		return err
	}
	if err := subscribeConsole(bus, cfg, out); err != nil {
		return err
	}

	clock := timeutil.RealClock{}
	start := timeutil.Utime(clock.Now().Add(100 * time.Millisecond))
	plan := SquarePlan(start, side, cfg.MaxTransSpeed/2, cfg.MaxAngularSpeed/4, laps)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sim.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		err := ExecutePlan(gctx, clock, plan, func(cmd messages.MotorCommand) error {
			return bus.Publish(cfg.TopicMotorCommand, cmd)
		})
		if err != nil {
			return err
		}
		// Let the final stop settle before reporting.
		select {
		case <-gctx.Done():
		case <-time.After(time.Second):
		}
		st := sim.Status()
		fmt.Fprintf(out, "done: %d scans, %d commands, %d trajectory states\n",
			st.Scans, st.CommandsReceived, st.Trajectory.States)
		return nil
	})
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
