// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package calibration walks an operator through aligning a module's home
// offset.
//
// The flow is a pure state machine: Transition takes the current State and
// an operator Event and returns the next State plus the Commands to send to
// the controller. Nothing in this package talks to hardware.
//
//	FIND_FLAP_BOUNDARY --Continue--> ADJUST_WHOLE_FLAP_OFFSET --SelectFlap--> CALIBRATING --Done--> (closed)
//	                   \--Continue (advanced)--> ADVANCED_ADJUST_FLAP_OFFSET --SelectFlap--> VERIFY_HOME_ADVANCED
//	VERIFY_HOME_ADVANCED -> VERIFY_THIRD -> VERIFY_TWO_THIRDS -> FINAL_VERIFY -> CONFIRM
//
// A wrong answer at any verification step nudges the tenths offset and
// restarts from FIND_FLAP_BOUNDARY.
package calibration

import (
	"github.com/relabs-tech/splitflap_panel/internal/flaps"
)

// Step is the current screen of the calibration dialog.
type Step int

const (
	FindFlapBoundary Step = iota
	AdjustWholeFlapOffset
	AdvancedAdjustFlapOffset
	VerifyHomeAdvanced
	VerifyHome // not reached by the default flow, see EvEnterVerifyHome
	VerifyThird
	VerifyTwoThirds
	FinalVerify
	Calibrating
	Confirm
)

func (s Step) String() string {
	switch s {
	case FindFlapBoundary:
		return "FIND_FLAP_BOUNDARY"
	case AdjustWholeFlapOffset:
		return "ADJUST_WHOLE_FLAP_OFFSET"
	case AdvancedAdjustFlapOffset:
		return "ADVANCED_ADJUST_FLAP_OFFSET"
	case VerifyHomeAdvanced:
		return "VERIFY_HOME_ADVANCED"
	case VerifyHome:
		return "VERIFY_HOME"
	case VerifyThird:
		return "VERIFY_THIRD"
	case VerifyTwoThirds:
		return "VERIFY_TWO_THIRDS"
	case FinalVerify:
		return "FINAL_VERIFY"
	case Calibrating:
		return "CALIBRATING"
	case Confirm:
		return "CONFIRM"
	default:
		return "UNKNOWN"
	}
}

const (
	DefaultTenths = 5 // half a step
	MinTenths     = 0
	MaxTenths     = 10
)

// State is one module's calibration session.
type State struct {
	Step          Step `json:"-"`
	TenthsOffset  int  `json:"tenths_offset"`
	Advanced      bool `json:"advanced"`
	RumbleEnabled bool `json:"rumble_enabled"`
	DialogOpen    bool `json:"dialog_open"`
}

// NewState returns a closed session at the first step.
func NewState() State {
	return State{Step: FindFlapBoundary, TenthsOffset: DefaultTenths}
}

// RumbleActive reports whether the other modules should be rumbling.
func (s State) RumbleActive() bool {
	return s.RumbleEnabled && s.DialogOpen
}

// Env is the read-only context a transition may consult.
type Env struct {
	FlapCount int  // length of the active flap set
	Moving    bool // live moving flag of the module being calibrated
}

// Transition applies ev to s. Events that make no sense in the current step
// leave the state unchanged and produce no commands.
func Transition(s State, ev Event, env Env) (State, []Command) {
	if _, ok := ev.(EvOpen); ok {
		s.Step = FindFlapBoundary
		s.DialogOpen = true
		return s, []Command{GoToFlap{Index: 0}}
	}
	if !s.DialogOpen {
		return s, nil
	}
	if _, ok := ev.(EvClose); ok {
		s.DialogOpen = false
		return s, nil
	}

	switch s.Step {
	case FindFlapBoundary:
		return findFlapBoundary(s, ev)
	case AdjustWholeFlapOffset, AdvancedAdjustFlapOffset:
		return adjustOffset(s, ev, env)
	case VerifyHomeAdvanced, VerifyHome, VerifyThird, VerifyTwoThirds, FinalVerify:
		return verify(s, ev, env)
	case Calibrating:
		return calibrating(s, ev, env)
	case Confirm:
		return confirm(s, ev)
	}
	return s, nil
}

func findFlapBoundary(s State, ev Event) (State, []Command) {
	switch e := ev.(type) {
	case EvNudgeTenth:
		return s, []Command{NudgeTenth{}}

	case EvSetAdvanced:
		s.Advanced = e.On
		if !e.On {
			s.RumbleEnabled = false
		}
		return s, nil

	case EvSetRumble:
		if s.Advanced {
			s.RumbleEnabled = e.On
		}
		return s, nil

	case EvSetTenths:
		if s.Advanced && e.Tenths >= MinTenths && e.Tenths <= MaxTenths {
			s.TenthsOffset = e.Tenths
		}
		return s, nil

	case EvContinue:
		if s.Advanced {
			s.Step = AdvancedAdjustFlapOffset
			return s, []Command{NudgeTenths{Tenths: s.TenthsOffset}}
		}
		s.Step = AdjustWholeFlapOffset
		return s, []Command{NudgeHalf{}}

	case EvEnterVerifyHome:
		s.Step = VerifyHome
		return s, []Command{GoToFlap{Index: 0}}
	}
	return s, nil
}

func adjustOffset(s State, ev Event, env Env) (State, []Command) {
	e, ok := ev.(EvSelectFlap)
	if !ok || env.FlapCount <= 0 || e.Index < 0 || e.Index >= env.FlapCount {
		return s, nil
	}
	// The flap showing now is where home currently lands; seeking to its
	// complement brings the wheel round to the real home.
	target := (env.FlapCount - e.Index) % env.FlapCount
	if s.Step == AdvancedAdjustFlapOffset {
		s.Step = VerifyHomeAdvanced
	} else {
		s.Step = Calibrating
	}
	return s, []Command{GoToFlap{Index: target}}
}

func verify(s State, ev Event, env Env) (State, []Command) {
	e, ok := ev.(EvVerify)
	if !ok || env.FlapCount <= 0 {
		return s, nil
	}
	switch e.Offset {
	case 0:
	case -1, 1:
		// Showing the previous flap means home lands early: add a tenth.
		s.TenthsOffset = clampTenths(s.TenthsOffset - e.Offset)
		s.Step = FindFlapBoundary
		return s, []Command{GoToFlap{Index: 0}}
	default:
		return s, nil
	}

	third := env.FlapCount / 3
	twoThirds := 2 * env.FlapCount / 3
	switch s.Step {
	case VerifyHomeAdvanced, VerifyHome:
		s.Step = VerifyThird
		return s, []Command{CommitOffset{}, GoToFlap{Index: third}}
	case VerifyThird:
		s.Step = VerifyTwoThirds
		return s, []Command{GoToFlap{Index: 0}, GoToFlap{Index: twoThirds}}
	case VerifyTwoThirds:
		s.Step = FinalVerify
		return s, []Command{GoToFlap{Index: 0}}
	case FinalVerify:
		s.Step = Confirm
		return s, []Command{CommitOffset{}}
	}
	return s, nil
}

func calibrating(s State, ev Event, env Env) (State, []Command) {
	if env.Moving {
		return s, nil
	}
	switch ev.(type) {
	case EvRetry:
		s.Step = FindFlapBoundary
		return s, []Command{GoToFlap{Index: 0}}
	case EvDone:
		s.DialogOpen = false
		return s, []Command{CommitOffset{}, CloseDialog{}}
	}
	return s, nil
}

func confirm(s State, ev Event) (State, []Command) {
	switch ev.(type) {
	case EvRetry:
		s.Step = FindFlapBoundary
		return s, nil
	case EvDone:
		s.DialogOpen = false
		return s, []Command{CloseDialog{}}
	}
	return s, nil
}

func clampTenths(v int) int {
	if v < MinTenths {
		return MinTenths
	}
	if v > MaxTenths {
		return MaxTenths
	}
	return v
}

// ExpectedFlap returns the flap a verification step expects to see.
func ExpectedFlap(step Step, flapCount int) (int, bool) {
	switch step {
	case VerifyHomeAdvanced, VerifyHome, FinalVerify:
		return 0, true
	case VerifyThird:
		return flapCount / 3, true
	case VerifyTwoThirds:
		return 2 * flapCount / 3, true
	}
	return 0, false
}

// Choice is one button of a verification step.
type Choice struct {
	Offset int  `json:"offset"` // -1 previous, 0 expected, +1 next
	Index  int  `json:"index"`
	Flap   rune `json:"flap"`
}

// Choices returns the previous/expected/next flaps for a verification step,
// or nil for any other step.
func Choices(step Step, set flaps.Set) []Choice {
	expected, ok := ExpectedFlap(step, set.Len())
	if !ok || set.Len() == 0 {
		return nil
	}
	prev, next := set.Neighbours(expected)
	return []Choice{
		{Offset: -1, Index: prev, Flap: set.At(prev)},
		{Offset: 0, Index: expected, Flap: set.At(expected)},
		{Offset: 1, Index: next, Flap: set.At(next)},
	}
}
