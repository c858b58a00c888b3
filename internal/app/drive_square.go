// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/relabs-tech/mbot_sim/internal/config"
	"github.com/relabs-tech/mbot_sim/internal/messages"
	"github.com/relabs-tech/mbot_sim/internal/timeutil"
)

// SquarePlan is an open-loop command schedule that drives a square of the
// given side counter-clockwise, laps times, then stops.
func SquarePlan(start int64, side, speed, turnRate float64, laps int) []messages.MotorCommand {
	straight := int64(math.Round(side / speed * 1e6))
	turn := int64(math.Round(math.Pi / 2 / turnRate * 1e6))

	plan := make([]messages.MotorCommand, 0, laps*8+1)
	t := start
	for i := 0; i < laps*4; i++ {
		plan = append(plan, messages.MotorCommand{Timestamp: t, TransV: speed})
		t += straight
		plan = append(plan, messages.MotorCommand{Timestamp: t, AngularV: turnRate})
		t += turn
	}
	return append(plan, messages.MotorCommand{Timestamp: t})
}

// ExecutePlan publishes each command once the clock reaches its timestamp.
func ExecutePlan(ctx context.Context, clock timeutil.Clock, plan []messages.MotorCommand, publish func(messages.MotorCommand) error) error {
	for _, cmd := range plan {
		wait := timeutil.FromUtime(cmd.Timestamp).Sub(clock.Now())
		if wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clock.After(wait):
			}
		}
		if err := publish(cmd); err != nil {
			return err
		}
	}
	return nil
}

// RunDriveSquare drives the simulated robot around a square over the broker.
func RunDriveSquare(ctx context.Context, cfg *config.Config, side float64, laps int) error {
	bus, err := NewMQTTBus(cfg.MQTTBroker, cfg.MQTTClientIDDriver)
	if err != nil {
		return err
	}
	defer bus.Close()

	speed := math.Min(0.25, cfg.MaxTransSpeed)
	turnRate := math.Min(math.Pi/4, cfg.MaxAngularSpeed)
	if speed <= 0 || turnRate <= 0 {
		return fmt.Errorf("drive_square: non-positive speed limits %v, %v", speed, turnRate)
	}

	clock := timeutil.RealClock{}
	// Half a second of lead time so the first command is not already stale.
	start := timeutil.Utime(clock.Now().Add(500 * time.Millisecond))
	plan := SquarePlan(start, side, speed, turnRate, laps)
	log.Printf("drive_square: %d laps of a %.2f m square, %d commands", laps, side, len(plan))

	return ExecutePlan(ctx, clock, plan, func(cmd messages.MotorCommand) error {
		log.Printf("drive_square: trans_v=%.2f angular_v=%.2f", cmd.TransV, cmd.AngularV)
		return bus.Publish(cfg.TopicMotorCommand, cmd)
	})
}
