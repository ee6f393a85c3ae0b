// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// ./cmd/calibration/main.go
//
// Guided calibration of one split-flap module from a terminal.
// Walks through finding the flap boundary, naming the showing flap and
// verifying home, a third and two thirds of the way round, then offers to
// save the offsets to the controller.
//
// Run:
//
//	go run ./cmd/calibration -module 3
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/splitflap_panel/internal/app"
	"github.com/relabs-tech/splitflap_panel/internal/config"
)

func main() {
	configPath := flag.String("config", "splitflap_config.txt", "Path to configuration file")
	module := flag.Int("module", 0, "Module index to calibrate")
	flag.Parse()

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *module < 0 {
		log.Fatalf("module must not be negative")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.RunCalibration(ctx, *module); err != nil {
		log.Fatalf("calibration failed: %v", err)
	}
}
