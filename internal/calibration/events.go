// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

import "fmt"

// Event is an operator action on the calibration dialog.
type Event interface {
	event()
}

type (
	// EvOpen opens the dialog and restarts at FIND_FLAP_BOUNDARY.
	EvOpen struct{}

	// EvClose closes the dialog at any step. Commands already sent stand.
	EvClose struct{}

	// EvNudgeTenth advances the offset by a tenth of a step.
	EvNudgeTenth struct{}

	EvSetAdvanced struct{ On bool }
	EvSetRumble   struct{ On bool }
	EvSetTenths   struct{ Tenths int }
	EvContinue    struct{}

	// EvSelectFlap reports which flap is physically showing.
	EvSelectFlap struct{ Index int }

	// EvVerify answers a verification step: -1 previous, 0 expected, +1 next.
	EvVerify struct{ Offset int }

	EvRetry struct{}
	EvDone  struct{}

	// EvEnterVerifyHome skips the boundary search and goes straight to
	// verifying home.
	EvEnterVerifyHome struct{}
)

func (EvOpen) event()            {}
func (EvClose) event()           {}
func (EvNudgeTenth) event()      {}
func (EvSetAdvanced) event()     {}
func (EvSetRumble) event()       {}
func (EvSetTenths) event()       {}
func (EvContinue) event()        {}
func (EvSelectFlap) event()      {}
func (EvVerify) event()          {}
func (EvRetry) event()           {}
func (EvDone) event()            {}
func (EvEnterVerifyHome) event() {}

// ParseEvent builds an Event from its wire name, as used by the websocket
// and terminal front ends. value carries the flap index, verification
// offset, tenths or on/off flag (non-zero is on) where the event needs one.
func ParseEvent(name string, value int) (Event, error) {
	switch name {
	case "open":
		return EvOpen{}, nil
	case "close", "quit":
		return EvClose{}, nil
	case "nudge_tenth":
		return EvNudgeTenth{}, nil
	case "set_advanced":
		return EvSetAdvanced{On: value != 0}, nil
	case "set_rumble":
		return EvSetRumble{On: value != 0}, nil
	case "set_tenths":
		return EvSetTenths{Tenths: value}, nil
	case "continue":
		return EvContinue{}, nil
	case "select_flap":
		return EvSelectFlap{Index: value}, nil
	case "verify":
		return EvVerify{Offset: value}, nil
	case "retry":
		return EvRetry{}, nil
	case "done":
		return EvDone{}, nil
	case "verify_home":
		return EvEnterVerifyHome{}, nil
	}
	return nil, fmt.Errorf("unknown calibration event %q", name)
}

// Command is a side effect requested by a transition.
type Command interface {
	command()
}

type (
	// NudgeTenth moves the module's offset forward by a tenth of a step.
	NudgeTenth struct{}

	// NudgeHalf moves the module's offset forward by half a step.
	NudgeHalf struct{}

	// NudgeTenths moves the module's offset forward by Tenths tenths.
	NudgeTenths struct{ Tenths int }

	// GoToFlap targets only the calibrated module.
	GoToFlap struct{ Index int }

	// CommitOffset stores the current position as the module's offset and
	// marks the calibration unsaved.
	CommitOffset struct{}

	// CloseDialog ends the session.
	CloseDialog struct{}
)

func (NudgeTenth) command()   {}
func (NudgeHalf) command()    {}
func (NudgeTenths) command()  {}
func (GoToFlap) command()     {}
func (CommitOffset) command() {}
func (CloseDialog) command()  {}
