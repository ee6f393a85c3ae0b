// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package panel

import (
	"time"

	"github.com/relabs-tech/splitflap_panel/internal/calibration"
	"github.com/relabs-tech/splitflap_panel/internal/splitflap"
)

// LogCapacity is how many controller log lines the panel keeps.
const LogCapacity = 30

// LogLine is one controller log message, timestamped on arrival.
type LogLine struct {
	Seq uint64    `json:"seq"`
	At  time.Time `json:"at"`
	Msg string    `json:"msg"`
}

type logRing struct {
	lines []LogLine
	seq   uint64
}

func (r *logRing) add(at time.Time, msg string) LogLine {
	r.seq++
	line := LogLine{Seq: r.seq, At: at, Msg: msg}
	if len(r.lines) == LogCapacity {
		copy(r.lines, r.lines[1:])
		r.lines = r.lines[:LogCapacity-1]
	}
	r.lines = append(r.lines, line)
	return line
}

func (p *Panel) appendLog(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.logs.add(time.Now(), msg)
	p.notifyLocked()
}

// Logs returns up to lastN of the most recent log lines received after the
// given time. A zero after returns the most recent lines regardless of age;
// lastN <= 0 returns everything kept.
func (p *Panel) Logs(lastN int, after time.Time) []LogLine {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []LogLine
	for _, l := range p.logs.lines {
		if after.IsZero() || l.At.After(after) {
			out = append(out, l)
		}
	}
	if lastN > 0 && len(out) > lastN {
		out = out[len(out)-lastN:]
	}
	return out
}

// LogsSince returns the kept log lines with a sequence number above seq.
func (p *Panel) LogsSince(seq uint64) []LogLine {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []LogLine
	for _, l := range p.logs.lines {
		if l.Seq > seq {
			out = append(out, l)
		}
	}
	return out
}

// ModuleView is one module as the operator sees it.
type ModuleView struct {
	Index               int    `json:"index"`
	Flap                string `json:"flap"`
	FlapIndex           int    `json:"flap_index"`
	TargetFlapIndex     int    `json:"target_flap_index"`
	State               string `json:"state"`
	Moving              bool   `json:"moving"`
	HomeSensor          bool   `json:"home_sensor"`
	CountMissedHome     int    `json:"count_missed_home"`
	CountUnexpectedHome int    `json:"count_unexpected_home"`

	Calibration *CalibrationView `json:"calibration,omitempty"`
}

// CalibrationView is an open calibration dialog.
type CalibrationView struct {
	calibration.State
	StepName string               `json:"step"`
	Choices  []calibration.Choice `json:"choices,omitempty"`
	Rumbling bool                 `json:"rumbling"`
}

// Snapshot is a consistent copy of everything the panel shows.
type Snapshot struct {
	Text               string                  `json:"text"`
	FlapSet            string                  `json:"flap_set"`
	Modules            []ModuleView            `json:"modules"`
	General            *splitflap.GeneralState `json:"general_state,omitempty"`
	Ready              bool                    `json:"ready"`
	OutdatedFirmware   bool                    `json:"outdated_firmware"`
	UnsavedCalibration bool                    `json:"unsaved_calibration"`
	ForceFullRotations bool                    `json:"force_full_rotations"`
}

// Snapshot returns the current view.
func (p *Panel) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	set := p.flaps.Active()
	snap := Snapshot{
		Text:               splitflap.Text(p.state, set),
		FlapSet:            set.String(),
		Modules:            make([]ModuleView, len(p.state.Modules)),
		Ready:              p.ready,
		OutdatedFirmware:   p.outdated,
		UnsavedCalibration: p.unsaved,
		ForceFullRotations: p.force,
	}
	if p.general != nil {
		g := *p.general
		snap.General = &g
	}

	for i, m := range p.state.Modules {
		v := ModuleView{
			Index:               i,
			Flap:                string(set.At(m.FlapIndex)),
			FlapIndex:           m.FlapIndex,
			State:               m.State.String(),
			Moving:              m.Moving,
			HomeSensor:          m.HomeSensor,
			CountMissedHome:     m.CountMissedHome,
			CountUnexpectedHome: m.CountUnexpectedHome,
		}
		if i < len(p.cfg.Modules) {
			v.TargetFlapIndex = p.cfg.Modules[i].TargetFlapIndex
		}
		if sess, ok := p.sessions[i]; ok && sess.cal.DialogOpen {
			v.Calibration = &CalibrationView{
				State:    sess.cal,
				StepName: sess.cal.Step.String(),
				Choices:  calibration.Choices(sess.cal.Step, set),
				Rumbling: sess.rumbler.Running(),
			}
		}
		snap.Modules[i] = v
	}
	return snap
}

// CalibrationState returns the session for module, open or not.
func (p *Panel) CalibrationState(module int) (calibration.State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkModuleLocked(module); err != nil {
		return calibration.State{}, err
	}
	if sess, ok := p.sessions[module]; ok {
		return sess.cal, nil
	}
	return calibration.NewState(), nil
}

// Config returns a copy of the config last sent to the controller.
func (p *Panel) Config() splitflap.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Clone()
}

// Subscription signals that the panel changed. Signals coalesce; call
// Snapshot or LogsSince to see what changed.
type Subscription struct {
	c chan struct{}
	p *Panel
}

// C is closed when the panel closes.
func (s *Subscription) C() <-chan struct{} { return s.c }

// Cancel stops delivery. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if _, ok := s.p.subs[s]; ok {
		delete(s.p.subs, s)
		close(s.c)
	}
}

// Subscribe registers for change signals.
func (p *Panel) Subscribe() *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub := &Subscription{c: make(chan struct{}, 1), p: p}
	if p.closed {
		close(sub.c)
		return sub
	}
	p.subs[sub] = struct{}{}
	return sub
}

func (p *Panel) notifyLocked() {
	for sub := range p.subs {
		select {
		case sub.c <- struct{}{}:
		default:
		}
	}
}
