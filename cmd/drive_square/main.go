// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/relabs-tech/mbot_sim/internal/app"
	"github.com/relabs-tech/mbot_sim/internal/config"
)

func main() {
	configPath := flag.String("config", "mbot_sim_config.txt", "path to the KEY=VALUE config file")
	side := flag.Float64("side", 1.0, "side of the square in meters")
	laps := flag.Int("laps", 1, "number of laps")
	flag.Parse()

	log.Println("starting mbot drive_square (MQTT publisher)")

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found (using environment variables)")
	}

	// Load configuration
	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunDriveSquare(ctx, config.Get(), *side, *laps); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
