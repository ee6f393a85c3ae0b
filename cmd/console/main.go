// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"flag"
	"log"

	"github.com/relabs-tech/splitflap_panel/internal/app"
	"github.com/relabs-tech/splitflap_panel/internal/config"
)

func main() {
	modules := flag.Int("modules", config.Default().MockModules, "Number of simulated modules")
	flag.Parse()

	log.Println("starting splitflap (mock console)")

	if err := app.RunMockConsole(*modules); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
