// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/relabs-tech/splitflap_panel/internal/calibration"
	"github.com/relabs-tech/splitflap_panel/internal/config"
	"github.com/relabs-tech/splitflap_panel/internal/flaps"
	"github.com/relabs-tech/splitflap_panel/internal/panel"
	"github.com/relabs-tech/splitflap_panel/internal/store"
	"github.com/relabs-tech/splitflap_panel/internal/transport"
)

var errQuit = errors.New("quit")

// RunCalibration connects to the controller and runs the terminal wizard
// for one module on stdin/stdout.
func RunCalibration(ctx context.Context, module int) error {
	cfg := config.Get()

	hist, err := store.Open(cfg.CalibrationDBPath)
	if err != nil {
		return err
	}
	defer hist.Close()

	p := panel.New(panelOptions(cfg, hist))
	tr, err := transport.OpenSerial(cfg.SerialPort, cfg.SerialBaudRate, p.HandleMessage)
	if err != nil {
		return err
	}
	if err := p.Connect(tr); err != nil {
		return err
	}
	defer p.Close()

	go p.PollState(ctx, 100*time.Millisecond)

	if err := waitModules(ctx, p, module, 5*time.Second); err != nil {
		return err
	}
	return RunCalibrationWizard(ctx, os.Stdin, os.Stdout, p, module)
}

// waitModules blocks until the panel is ready and reports module.
func waitModules(ctx context.Context, p *panel.Panel, module int, timeout time.Duration) error {
	sub := p.Subscribe()
	defer sub.Cancel()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		snap := p.Snapshot()
		if snap.Ready && module < len(snap.Modules) {
			log.Printf("calibration: controller reports %d modules", len(snap.Modules))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("module %d not reported by controller within %s", module, timeout)
		case <-sub.C():
		}
	}
}

// RunCalibrationWizard walks the operator through calibrating one module
// from a terminal. It returns when the dialog closes or input ends.
func RunCalibrationWizard(ctx context.Context, in io.Reader, out io.Writer, p *panel.Panel, module int) error {
	r := bufio.NewReader(in)

	st, err := p.OpenCalibration(ctx, module)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "=== Calibrating module %d ===\n", module)

	for st.DialogOpen {
		if st.Step == calibration.Calibrating {
			waitStill(ctx, p, module)
		}

		set := flaps.Set([]rune(p.Snapshot().FlapSet))
		fmt.Fprintln(out)
		fmt.Fprint(out, wizardPrompt(st, set))

		line, readErr := r.ReadString('\n')
		if readErr != nil && line == "" {
			// Input ended: leave the module alone rather than half calibrated.
			_, _ = p.CloseCalibration(ctx, module)
			return nil
		}

		ev, err := wizardEvent(st, set, strings.TrimSpace(line))
		if errors.Is(err, errQuit) {
			_, err = p.CloseCalibration(ctx, module)
			return err
		}
		if err != nil {
			fmt.Fprintf(out, "  %v\n", err)
			continue
		}
		if st, err = p.Calibrate(ctx, module, ev); err != nil {
			return err
		}
	}

	if p.Snapshot().UnsavedCalibration {
		fmt.Fprint(out, "\nSave calibration to the controller? [Y/n] ")
		answer, _ := r.ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a == "" || a == "y" || a == "yes" {
			if err := p.SaveCalibration(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "Saving calibration, check the controller log to confirm.")
		}
	}
	fmt.Fprintln(out, "Calibration complete.")
	return nil
}

// waitStill blocks until module reports it is not moving.
func waitStill(ctx context.Context, p *panel.Panel, module int) {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		snap := p.Snapshot()
		if module >= len(snap.Modules) || !snap.Modules[module].Moving {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func wizardPrompt(st calibration.State, set flaps.Set) string {
	switch st.Step {
	case calibration.FindFlapBoundary:
		s := "Step 1: nudge the module until a flap has only just fallen.\n" +
			"  t = nudge a tenth, ENTER = continue, h = verify home directly,\n" +
			fmt.Sprintf("  a = advanced mode (now %s), q = quit\n", onOff(st.Advanced))
		if st.Advanced {
			s += fmt.Sprintf("  r = rumble other modules (now %s), 0-10 = tenths after flip (now %d)\n",
				onOff(st.RumbleEnabled), st.TenthsOffset)
		}
		return s + "> "

	case calibration.AdjustWholeFlapOffset, calibration.AdvancedAdjustFlapOffset:
		return "Step 2: which character is showing now? Type it (or #index), quit = quit\n> "

	case calibration.VerifyHomeAdvanced, calibration.VerifyHome, calibration.VerifyThird,
		calibration.VerifyTwoThirds, calibration.FinalVerify:
		var b strings.Builder
		fmt.Fprintf(&b, "Verify (%s): which flap is showing?\n", st.Step)
		for _, c := range calibration.Choices(st.Step, set) {
			key := "ENTER"
			switch c.Offset {
			case -1:
				key = "-"
			case 1:
				key = "+"
			}
			fmt.Fprintf(&b, "  %-5s %q\n", key, string(c.Flap))
		}
		return b.String() + "> "

	case calibration.Calibrating:
		return "Is the module showing a blank flap? ENTER = done, r = retry, q = quit\n> "

	case calibration.Confirm:
		return "Calibration verified. ENTER = finish, r = retry, q = quit\n> "
	}
	return "> "
}

// wizardEvent maps one line of operator input to an event for st.
func wizardEvent(st calibration.State, set flaps.Set, line string) (calibration.Event, error) {
	selecting := st.Step == calibration.AdjustWholeFlapOffset || st.Step == calibration.AdvancedAdjustFlapOffset
	// "q" is a flap character while selecting.
	if line == "quit" || (line == "q" && !selecting) {
		return nil, errQuit
	}

	switch st.Step {
	case calibration.FindFlapBoundary:
		switch line {
		case "":
			return calibration.EvContinue{}, nil
		case "t":
			return calibration.EvNudgeTenth{}, nil
		case "h":
			return calibration.EvEnterVerifyHome{}, nil
		case "a":
			return calibration.EvSetAdvanced{On: !st.Advanced}, nil
		case "r":
			if !st.Advanced {
				return nil, fmt.Errorf("rumble needs advanced mode")
			}
			return calibration.EvSetRumble{On: !st.RumbleEnabled}, nil
		}
		if n, err := strconv.Atoi(line); err == nil {
			if !st.Advanced {
				return nil, fmt.Errorf("tenths need advanced mode")
			}
			if n < calibration.MinTenths || n > calibration.MaxTenths {
				return nil, fmt.Errorf("tenths must be %d-%d", calibration.MinTenths, calibration.MaxTenths)
			}
			return calibration.EvSetTenths{Tenths: n}, nil
		}

	case calibration.AdjustWholeFlapOffset, calibration.AdvancedAdjustFlapOffset:
		if strings.HasPrefix(line, "#") {
			idx, err := strconv.Atoi(line[1:])
			if err != nil || idx < 0 || idx >= set.Len() {
				return nil, fmt.Errorf("flap index must be 0-%d", set.Len()-1)
			}
			return calibration.EvSelectFlap{Index: idx}, nil
		}
		if line == "" {
			line = " "
		}
		runes := []rune(strings.ToUpper(line))
		if len(runes) != 1 {
			return nil, fmt.Errorf("type a single character")
		}
		idx := set.Index(runes[0])
		if idx < 0 {
			return nil, fmt.Errorf("%q is not on this module", line)
		}
		return calibration.EvSelectFlap{Index: idx}, nil

	case calibration.VerifyHomeAdvanced, calibration.VerifyHome, calibration.VerifyThird,
		calibration.VerifyTwoThirds, calibration.FinalVerify:
		switch line {
		case "":
			return calibration.EvVerify{Offset: 0}, nil
		case "-":
			return calibration.EvVerify{Offset: -1}, nil
		case "+":
			return calibration.EvVerify{Offset: 1}, nil
		}

	case calibration.Calibrating, calibration.Confirm:
		switch line {
		case "":
			return calibration.EvDone{}, nil
		case "r":
			return calibration.EvRetry{}, nil
		}
	}
	return nil, fmt.Errorf("unrecognised input %q", line)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
