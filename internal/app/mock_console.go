// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relabs-tech/splitflap_panel/internal/panel"
	"github.com/relabs-tech/splitflap_panel/internal/transport"
)

var demoWords = []string{"HELLO", "SPLIT", "FLAP", "12:30", "WORLD"}

// RunMockConsole drives a panel against the simulated controller, cycling
// through a few words and printing the modules every 100ms.
func RunMockConsole(modules int) error {
	p := panel.New(panel.Options{ForceFullRotations: true})
	mock := transport.NewMock(modules, []byte(" ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789.,':"), 20*time.Millisecond, p.HandleMessage)
	if err := p.Connect(mock); err != nil {
		return err
	}
	defer p.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	wordTicker := time.NewTicker(3 * time.Second)
	defer wordTicker.Stop()

	word := 0
	for {
		select {
		case <-sigCh:
			return nil
		case <-wordTicker.C:
			if err := p.SetText(demoWords[word%len(demoWords)]); err != nil {
				return err
			}
			word++
		case <-ticker.C:
			snap := p.Snapshot()
			fmt.Printf("TEXT=%-*q  READY=%t\n", modules+2, snap.Text, snap.Ready)
		}
	}
}
