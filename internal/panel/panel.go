// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package panel owns the live view of a split-flap display: the flap set in
// use, the module config sent to the controller, the last reported state,
// and one calibration session per module.
//
// Every mutation happens under a single mutex and is followed by a
// fire-and-forget SendConfig, so the controller always receives configs in
// the order the panel produced them.
package panel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/relabs-tech/splitflap_panel/internal/calibration"
	"github.com/relabs-tech/splitflap_panel/internal/flaps"
	"github.com/relabs-tech/splitflap_panel/internal/splitflap"
	"github.com/relabs-tech/splitflap_panel/internal/transport"
)

var (
	ErrInvalidModule = errors.New("panel: invalid module")
	ErrIllegalText   = errors.New("panel: illegal text")
	ErrNotConnected  = errors.New("panel: not connected")
	ErrClosed        = errors.New("panel: closed")
)

// Recorder persists calibration history. Failures are logged, never
// returned to the operator.
type Recorder interface {
	RecordCommit(ctx context.Context, module int, step string, tenths int, advanced bool) (int64, error)
	RecordSave(ctx context.Context) (int64, error)
}

// Options configures a Panel. Zero durations fall back to the defaults.
type Options struct {
	ForceFullRotations bool
	RumblePeriod       time.Duration
	SaveDelay          time.Duration
	LegacyTimeout      time.Duration
	Recorder           Recorder
}

const (
	DefaultSaveDelay     = 200 * time.Millisecond
	DefaultLegacyTimeout = 500 * time.Millisecond
)

type session struct {
	cal         calibration.State
	rumbler     *calibration.Rumbler
	rumbleIndex int
}

// Panel is safe for concurrent use.
type Panel struct {
	opts  Options
	flaps *flaps.Resolver

	mu          sync.Mutex
	tr          transport.Transport
	cfg         splitflap.Config
	state       splitflap.State
	general     *splitflap.GeneralState
	ready       bool // general state seen or legacy timeout expired
	outdated    bool
	force       bool
	unsaved     bool
	savePending bool
	saveTimer   *time.Timer
	legacyTimer *time.Timer
	sessions    map[int]*session
	logs        logRing
	subs        map[*Subscription]struct{}
	closed      bool
}

// New returns a panel with no transport attached. Messages may be fed to
// HandleMessage before Connect.
func New(opts Options) *Panel {
	if opts.RumblePeriod <= 0 {
		opts.RumblePeriod = calibration.DefaultRumblePeriod
	}
	if opts.SaveDelay <= 0 {
		opts.SaveDelay = DefaultSaveDelay
	}
	if opts.LegacyTimeout <= 0 {
		opts.LegacyTimeout = DefaultLegacyTimeout
	}
	return &Panel{
		opts:     opts,
		flaps:    flaps.NewResolver(),
		force:    opts.ForceFullRotations,
		sessions: make(map[int]*session),
		subs:     make(map[*Subscription]struct{}),
	}
}

// Connect attaches tr, pushes the current config and asks for a state
// snapshot. If no general state arrives within the legacy timeout the
// controller is assumed to run outdated firmware and the legacy flap set
// stays in use.
func (p *Panel) Connect(tr transport.Transport) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	p.tr = tr
	p.ready = p.general != nil
	if !p.ready {
		if p.legacyTimer != nil {
			p.legacyTimer.Stop()
		}
		p.legacyTimer = time.AfterFunc(p.opts.LegacyTimeout, p.legacyTimeout)
	}

	p.sendConfigLocked()
	if err := tr.RequestState(); err != nil {
		log.Printf("panel: request state: %v", err)
	}
	log.Printf("panel: connected")
	return nil
}

func (p *Panel) legacyTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.general != nil {
		return
	}
	p.outdated = true
	p.ready = true
	p.legacyTimer = nil
	log.Printf("panel: no general state after %v, assuming outdated firmware", p.opts.LegacyTimeout)
	p.notifyLocked()
}

// HandleMessage applies one inbound controller message. It is the
// transport.Handler for the panel.
func (p *Panel) HandleMessage(msg splitflap.Message) {
	switch msg.Payload {
	case splitflap.PayloadAck:
		return
	case splitflap.PayloadState:
		if msg.State != nil {
			p.applyState(*msg.State)
		}
	case splitflap.PayloadGeneralState:
		if msg.GeneralState != nil {
			p.applyGeneralState(*msg.GeneralState)
		}
	case splitflap.PayloadLog:
		if msg.Log != nil {
			p.appendLog(msg.Log.Msg)
		}
	default:
		log.Printf("panel: unhandled message payload %q", msg.Payload)
	}
}

func (p *Panel) applyState(st splitflap.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	p.state = st
	// Resize before anything else touches the config for this snapshot.
	if cfg, resized := splitflap.Resize(p.cfg, len(st.Modules)); resized {
		log.Printf("panel: module count %d -> %d", len(p.cfg.Modules), len(cfg.Modules))
		p.dropSessionsFromLocked(len(cfg.Modules))
		p.setConfigLocked(cfg)
	}
	p.notifyLocked()
}

func (p *Panel) applyGeneralState(gs splitflap.GeneralState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	g := gs
	p.general = &g
	p.ready = true
	p.outdated = false
	if p.legacyTimer != nil {
		p.legacyTimer.Stop()
		p.legacyTimer = nil
	}
	if p.flaps.Update(gs.FlapCharacterSet) {
		log.Printf("panel: flap character set now %q", p.flaps.Active().String())
	}
	p.notifyLocked()
}

// dropSessionsFromLocked stops calibration for modules that no longer exist.
func (p *Panel) dropSessionsFromLocked(n int) {
	for module, sess := range p.sessions {
		if module < n {
			continue
		}
		sess.rumbler.Stop()
		delete(p.sessions, module)
	}
}

// setConfigLocked replaces the config and sends it. Send errors are logged.
func (p *Panel) setConfigLocked(cfg splitflap.Config) {
	p.cfg = cfg
	p.sendConfigLocked()
}

func (p *Panel) sendConfigLocked() {
	if p.tr == nil {
		return
	}
	if err := p.tr.SendConfig(p.cfg.Clone()); err != nil {
		log.Printf("panel: send config: %v", err)
	}
}

func (p *Panel) checkModuleLocked(module int) error {
	if p.closed {
		return ErrClosed
	}
	if module < 0 || module >= len(p.cfg.Modules) {
		return fmt.Errorf("%w: %d (have %d)", ErrInvalidModule, module, len(p.cfg.Modules))
	}
	return nil
}

// SetText shows text on the display, one character per module. Input is
// upper-cased and must only use characters on the wheel.
func (p *Panel) SetText(text string) error {
	upper := strings.ToUpper(text)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	set := p.flaps.Active()
	if !set.Legal(upper) {
		return fmt.Errorf("%w: %q", ErrIllegalText, text)
	}
	p.setConfigLocked(splitflap.SetText(p.cfg, set, upper, p.force))
	return nil
}

// GoToFlap sends a single module to flap idx.
func (p *Panel) GoToFlap(module, idx int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkModuleLocked(module); err != nil {
		return err
	}
	p.setConfigLocked(splitflap.GoToFlap(p.cfg, p.flaps.Active(), module, idx))
	return nil
}

// ResetModule asks module to re-home.
func (p *Panel) ResetModule(module int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkModuleLocked(module); err != nil {
		return err
	}
	p.setConfigLocked(splitflap.ResetModule(p.cfg, module))
	log.Printf("panel: reset module %d", module)
	return nil
}

// SetForceFullRotations toggles whether SetText spins modules a full turn.
func (p *Panel) SetForceFullRotations(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.force = on
	p.notifyLocked()
}

// SaveCalibration clears the unsaved flag and asks the controller to
// persist all offsets after the save delay.
func (p *Panel) SaveCalibration(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.tr == nil {
		p.mu.Unlock()
		return ErrNotConnected
	}
	p.unsaved = false
	if !p.savePending {
		p.savePending = true
		p.saveTimer = time.AfterFunc(p.opts.SaveDelay, p.flushSave)
	}
	p.notifyLocked()
	p.mu.Unlock()

	log.Printf("panel: saving calibration in %v", p.opts.SaveDelay)
	if p.opts.Recorder != nil {
		if _, err := p.opts.Recorder.RecordSave(ctx); err != nil {
			log.Printf("panel: record save: %v", err)
		}
	}
	return nil
}

func (p *Panel) flushSave() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.savePending || p.tr == nil {
		return
	}
	p.savePending = false
	if err := p.tr.SaveAllOffsets(); err != nil {
		log.Printf("panel: save all offsets: %v", err)
	}
}

// Close stops every rumbler, flushes a pending save and closes the
// transport.
func (p *Panel) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	rumblers := make([]*calibration.Rumbler, 0, len(p.sessions))
	for _, sess := range p.sessions {
		sess.rumbler.Stop()
		rumblers = append(rumblers, sess.rumbler)
	}
	if p.legacyTimer != nil {
		p.legacyTimer.Stop()
	}
	flush := p.savePending
	if flush {
		p.saveTimer.Stop()
		p.savePending = false
	}
	for sub := range p.subs {
		close(sub.c)
	}
	p.subs = nil
	tr := p.tr
	p.mu.Unlock()

	for _, r := range rumblers {
		r.Wait()
	}
	if tr == nil {
		return nil
	}
	if flush {
		if err := tr.SaveAllOffsets(); err != nil {
			log.Printf("panel: save all offsets on close: %v", err)
		}
	}
	log.Printf("panel: closed")
	return tr.Close()
}

// PollState asks the controller for a state snapshot every interval until
// ctx is done.
func (p *Panel) PollState(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			tr, closed := p.tr, p.closed
			p.mu.Unlock()
			if closed {
				return
			}
			if tr == nil {
				continue
			}
			if err := tr.RequestState(); err != nil {
				log.Printf("panel: request state: %v", err)
			}
		}
	}
}
