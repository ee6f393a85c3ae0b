// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// ./cmd/hometest/main.go
//
// Prints every home sensor hit reported by the controller. Useful for
// checking magnet placement before calibrating.
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
	flag.Parse()

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.RunHomeTest(ctx, os.Stdout); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
