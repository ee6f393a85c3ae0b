// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package panel

import (
	"context"
	"log"

	"github.com/relabs-tech/splitflap_panel/internal/calibration"
	"github.com/relabs-tech/splitflap_panel/internal/splitflap"
)

type commit struct {
	module   int
	step     string
	tenths   int
	advanced bool
}

// OpenCalibration opens (or restarts) the calibration dialog for module.
func (p *Panel) OpenCalibration(ctx context.Context, module int) (calibration.State, error) {
	return p.Calibrate(ctx, module, calibration.EvOpen{})
}

// CloseCalibration closes the dialog for module and stops its rumble.
func (p *Panel) CloseCalibration(ctx context.Context, module int) (calibration.State, error) {
	return p.Calibrate(ctx, module, calibration.EvClose{})
}

// Calibrate feeds ev to module's calibration session and carries out the
// resulting commands. It returns the session state after the transition.
func (p *Panel) Calibrate(ctx context.Context, module int, ev calibration.Event) (calibration.State, error) {
	p.mu.Lock()
	if err := p.checkModuleLocked(module); err != nil {
		p.mu.Unlock()
		return calibration.State{}, err
	}

	sess := p.sessionLocked(module)
	env := calibration.Env{FlapCount: p.flaps.Active().Len()}
	if module < len(p.state.Modules) {
		env.Moving = p.state.Modules[module].Moving
	}

	prev := sess.cal
	next, cmds := calibration.Transition(prev, ev, env)
	sess.cal = next
	if next.Step != prev.Step || next.DialogOpen != prev.DialogOpen {
		log.Printf("calibration: module %d %s -> %s (open=%t)", module, prev.Step, next.Step, next.DialogOpen)
	}

	// CommitOffset records the state it was emitted from.
	var commits []commit
	for _, cmd := range cmds {
		if p.execLocked(module, cmd) {
			commits = append(commits, commit{module: module, step: prev.Step.String(), tenths: next.TenthsOffset, advanced: next.Advanced})
		}
	}

	if next.RumbleActive() {
		if sess.rumbler.Start() {
			log.Printf("calibration: module %d rumble on", module)
		}
	} else if sess.rumbler.Stop() {
		log.Printf("calibration: module %d rumble off", module)
	}
	p.notifyLocked()
	p.mu.Unlock()

	if p.opts.Recorder != nil {
		for _, c := range commits {
			if _, err := p.opts.Recorder.RecordCommit(ctx, c.module, c.step, c.tenths, c.advanced); err != nil {
				log.Printf("panel: record commit for module %d: %v", c.module, err)
			}
		}
	}
	return next, nil
}

func (p *Panel) sessionLocked(module int) *session {
	sess, ok := p.sessions[module]
	if !ok {
		sess = &session{cal: calibration.NewState()}
		sess.rumbler = calibration.NewRumbler(p.opts.RumblePeriod, func(ctx context.Context) { p.rumbleTick(ctx, module) })
		p.sessions[module] = sess
	}
	return sess
}

// execLocked carries out one command for module and reports whether it
// committed an offset.
func (p *Panel) execLocked(module int, cmd calibration.Command) bool {
	var err error
	switch c := cmd.(type) {
	case calibration.GoToFlap:
		p.cfg = splitflap.GoToFlap(p.cfg, p.flaps.Active(), module, c.Index)
		p.sendConfigLocked()
		return false
	case calibration.CloseDialog:
		return false
	}

	if p.tr == nil {
		log.Printf("calibration: module %d: %T dropped, not connected", module, cmd)
		return false
	}
	switch c := cmd.(type) {
	case calibration.NudgeTenth:
		err = p.tr.OffsetIncrementTenth(module)
	case calibration.NudgeHalf:
		err = p.tr.OffsetIncrementHalf(module)
	case calibration.NudgeTenths:
		err = p.tr.OffsetIncrementByTenths(module, c.Tenths)
	case calibration.CommitOffset:
		if err = p.tr.OffsetSetToCurrentStep(module); err == nil {
			p.unsaved = true
			return true
		}
	}
	if err != nil {
		log.Printf("calibration: module %d: %T: %v", module, cmd, err)
	}
	return false
}

// rumbleTick runs on the rumbler's goroutine. The loop that fired it may
// have been stopped, and another started, between the tick firing and the
// lock being taken; ctx is done in that case.
func (p *Panel) rumbleTick(ctx context.Context, module int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || ctx.Err() != nil {
		return
	}
	sess, ok := p.sessions[module]
	if !ok || !sess.cal.RumbleActive() {
		return
	}
	cfg, next := calibration.RumbleTick(p.cfg, p.flaps.Active(), module, sess.rumbleIndex)
	sess.rumbleIndex = next
	p.setConfigLocked(cfg)
}
