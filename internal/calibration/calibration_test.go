package calibration

import (
	"reflect"
	"testing"

	"github.com/relabs-tech/splitflap_panel/internal/flaps"
)

var legacyEnv = Env{FlapCount: flaps.Legacy.Len()}

// run feeds events in order and returns the final state and every command.
func run(t *testing.T, s State, env Env, events ...Event) (State, []Command) {
	t.Helper()
	var all []Command
	for _, ev := range events {
		var cmds []Command
		s, cmds = Transition(s, ev, env)
		all = append(all, cmds...)
	}
	return s, all
}

func open(t *testing.T) State {
	t.Helper()
	s, cmds := Transition(NewState(), EvOpen{}, legacyEnv)
	if !reflect.DeepEqual(cmds, []Command{GoToFlap{Index: 0}}) {
		t.Fatalf("open should home the module, got %#v", cmds)
	}
	return s
}

func TestOpenResetsToBoundary(t *testing.T) {
	s := NewState()
	s.Step = Confirm
	s.TenthsOffset = 8
	s, _ = Transition(s, EvOpen{}, legacyEnv)
	if s.Step != FindFlapBoundary || !s.DialogOpen {
		t.Fatalf("unexpected state after open: %+v", s)
	}
	if s.TenthsOffset != 8 {
		t.Fatalf("open must keep the chosen tenths, got %d", s.TenthsOffset)
	}
}

func TestClosedDialogIgnoresEvents(t *testing.T) {
	s := NewState()
	next, cmds := Transition(s, EvNudgeTenth{}, legacyEnv)
	if next != s || cmds != nil {
		t.Fatalf("closed session should ignore events, got %+v %#v", next, cmds)
	}
}

func TestBasicFlow(t *testing.T) {
	s := open(t)
	n := flaps.Legacy.Len()

	s, cmds := run(t, s, legacyEnv, EvNudgeTenth{}, EvNudgeTenth{}, EvContinue{})
	want := []Command{NudgeTenth{}, NudgeTenth{}, NudgeHalf{}}
	if !reflect.DeepEqual(cmds, want) {
		t.Fatalf("got %#v, want %#v", cmds, want)
	}
	if s.Step != AdjustWholeFlapOffset {
		t.Fatalf("expected ADJUST_WHOLE_FLAP_OFFSET, got %v", s.Step)
	}

	s, cmds = Transition(s, EvSelectFlap{Index: 3}, legacyEnv)
	if s.Step != Calibrating {
		t.Fatalf("expected CALIBRATING, got %v", s.Step)
	}
	if !reflect.DeepEqual(cmds, []Command{GoToFlap{Index: n - 3}}) {
		t.Fatalf("unexpected commands %#v", cmds)
	}

	moving := Env{FlapCount: n, Moving: true}
	if next, cmds := Transition(s, EvDone{}, moving); next != s || cmds != nil {
		t.Fatalf("done must wait for the module to stop moving")
	}

	s, cmds = Transition(s, EvDone{}, legacyEnv)
	if s.DialogOpen {
		t.Fatalf("done should close the dialog")
	}
	if !reflect.DeepEqual(cmds, []Command{CommitOffset{}, CloseDialog{}}) {
		t.Fatalf("unexpected commands %#v", cmds)
	}
}

func TestSelectHomeFlapTargetsHome(t *testing.T) {
	s, _ := run(t, open(t), legacyEnv, EvContinue{})
	_, cmds := Transition(s, EvSelectFlap{Index: 0}, legacyEnv)
	if !reflect.DeepEqual(cmds, []Command{GoToFlap{Index: 0}}) {
		t.Fatalf("selecting home should target 0, got %#v", cmds)
	}
}

func TestSelectFlapOutOfRangeIgnored(t *testing.T) {
	s, _ := run(t, open(t), legacyEnv, EvContinue{})
	for _, idx := range []int{-1, flaps.Legacy.Len()} {
		next, cmds := Transition(s, EvSelectFlap{Index: idx}, legacyEnv)
		if next != s || cmds != nil {
			t.Fatalf("index %d should be ignored", idx)
		}
	}
}

func TestCalibratingRetry(t *testing.T) {
	s, _ := run(t, open(t), legacyEnv, EvContinue{}, EvSelectFlap{Index: 5})
	s, cmds := Transition(s, EvRetry{}, legacyEnv)
	if s.Step != FindFlapBoundary || !s.DialogOpen {
		t.Fatalf("retry should restart, got %+v", s)
	}
	if !reflect.DeepEqual(cmds, []Command{GoToFlap{Index: 0}}) {
		t.Fatalf("unexpected commands %#v", cmds)
	}
}

func TestAdvancedFlow(t *testing.T) {
	n := flaps.Legacy.Len()
	s, cmds := run(t, open(t), legacyEnv,
		EvSetAdvanced{On: true},
		EvSetTenths{Tenths: 7},
		EvContinue{},
	)
	if !reflect.DeepEqual(cmds, []Command{NudgeTenths{Tenths: 7}}) {
		t.Fatalf("unexpected commands %#v", cmds)
	}
	if s.Step != AdvancedAdjustFlapOffset {
		t.Fatalf("expected ADVANCED_ADJUST_FLAP_OFFSET, got %v", s.Step)
	}

	steps := []struct {
		ev   Event
		step Step
		cmds []Command
	}{
		{EvSelectFlap{Index: 2}, VerifyHomeAdvanced, []Command{GoToFlap{Index: n - 2}}},
		{EvVerify{Offset: 0}, VerifyThird, []Command{CommitOffset{}, GoToFlap{Index: n / 3}}},
		{EvVerify{Offset: 0}, VerifyTwoThirds, []Command{GoToFlap{Index: 0}, GoToFlap{Index: 2 * n / 3}}},
		{EvVerify{Offset: 0}, FinalVerify, []Command{GoToFlap{Index: 0}}},
		{EvVerify{Offset: 0}, Confirm, []Command{CommitOffset{}}},
	}
	for _, st := range steps {
		s, cmds = Transition(s, st.ev, legacyEnv)
		if s.Step != st.step {
			t.Fatalf("after %#v: step %v, want %v", st.ev, s.Step, st.step)
		}
		if !reflect.DeepEqual(cmds, st.cmds) {
			t.Fatalf("after %#v: commands %#v, want %#v", st.ev, cmds, st.cmds)
		}
	}

	retried, cmds := Transition(s, EvRetry{}, legacyEnv)
	if retried.Step != FindFlapBoundary || cmds != nil {
		t.Fatalf("confirm retry should restart without commands, got %v %#v", retried.Step, cmds)
	}
	if retried.TenthsOffset != 7 {
		t.Fatalf("retry must not revert the offset")
	}

	s, cmds = Transition(s, EvDone{}, legacyEnv)
	if s.DialogOpen || !reflect.DeepEqual(cmds, []Command{CloseDialog{}}) {
		t.Fatalf("done should close, got %+v %#v", s, cmds)
	}
}

func TestWrongVerificationRestarts(t *testing.T) {
	base, _ := run(t, open(t), legacyEnv, EvSetAdvanced{On: true}, EvContinue{}, EvSelectFlap{Index: 1})
	prefixes := map[Step][]Event{
		VerifyHomeAdvanced: nil,
		VerifyThird:        {EvVerify{Offset: 0}},
		VerifyTwoThirds:    {EvVerify{Offset: 0}, EvVerify{Offset: 0}},
		FinalVerify:        {EvVerify{Offset: 0}, EvVerify{Offset: 0}, EvVerify{Offset: 0}},
	}
	for step, prefix := range prefixes {
		for _, offset := range []int{-1, 1} {
			s, _ := run(t, base, legacyEnv, prefix...)
			if s.Step != step {
				t.Fatalf("setup reached %v, want %v", s.Step, step)
			}
			s, cmds := Transition(s, EvVerify{Offset: offset}, legacyEnv)
			if s.Step != FindFlapBoundary {
				t.Fatalf("%v offset %d: step %v", step, offset, s.Step)
			}
			if !reflect.DeepEqual(cmds, []Command{GoToFlap{Index: 0}}) {
				t.Fatalf("%v offset %d: commands %#v", step, offset, cmds)
			}
			if want := DefaultTenths - offset; s.TenthsOffset != want {
				t.Fatalf("%v offset %d: tenths %d, want %d", step, offset, s.TenthsOffset, want)
			}
		}
	}
}

func TestTenthsClamp(t *testing.T) {
	for start := MinTenths; start <= MaxTenths; start++ {
		for _, offset := range []int{-1, 1} {
			s := NewState()
			s.DialogOpen = true
			s.TenthsOffset = start
			for i := 0; i < 15; i++ {
				s.Step = VerifyHomeAdvanced
				s, _ = Transition(s, EvVerify{Offset: offset}, legacyEnv)
				if s.TenthsOffset < MinTenths || s.TenthsOffset > MaxTenths {
					t.Fatalf("start %d offset %d: tenths escaped to %d", start, offset, s.TenthsOffset)
				}
			}
			want := MaxTenths
			if offset == 1 {
				want = MinTenths
			}
			if s.TenthsOffset != want {
				t.Fatalf("start %d offset %d: settled at %d, want %d", start, offset, s.TenthsOffset, want)
			}
		}
	}
}

func TestAdvancedOnlyToggles(t *testing.T) {
	s := open(t)
	s, _ = run(t, s, legacyEnv, EvSetRumble{On: true}, EvSetTenths{Tenths: 9})
	if s.RumbleEnabled || s.TenthsOffset != DefaultTenths {
		t.Fatalf("rumble and tenths need advanced mode: %+v", s)
	}

	s, _ = run(t, s, legacyEnv, EvSetAdvanced{On: true}, EvSetRumble{On: true}, EvSetTenths{Tenths: 11})
	if !s.RumbleEnabled || !s.RumbleActive() {
		t.Fatalf("expected rumble on: %+v", s)
	}
	if s.TenthsOffset != DefaultTenths {
		t.Fatalf("out-of-range tenths must be rejected, got %d", s.TenthsOffset)
	}

	s, _ = Transition(s, EvSetAdvanced{On: false}, legacyEnv)
	if s.RumbleEnabled {
		t.Fatalf("leaving advanced mode should turn rumble off")
	}
}

func TestCloseStopsRumble(t *testing.T) {
	s, _ := run(t, open(t), legacyEnv, EvSetAdvanced{On: true}, EvSetRumble{On: true})
	s, cmds := Transition(s, EvClose{}, legacyEnv)
	if s.RumbleActive() || cmds != nil {
		t.Fatalf("close should end rumbling without commands: %+v %#v", s, cmds)
	}
	if !s.RumbleEnabled {
		t.Fatalf("the rumble preference survives closing the dialog")
	}
}

func TestVerifyHomeAlternateEntry(t *testing.T) {
	s, cmds := Transition(open(t), EvEnterVerifyHome{}, legacyEnv)
	if s.Step != VerifyHome || !reflect.DeepEqual(cmds, []Command{GoToFlap{Index: 0}}) {
		t.Fatalf("unexpected %v %#v", s.Step, cmds)
	}
	s, cmds = Transition(s, EvVerify{Offset: 0}, legacyEnv)
	if s.Step != VerifyThird {
		t.Fatalf("expected VERIFY_THIRD, got %v", s.Step)
	}
	if !reflect.DeepEqual(cmds, []Command{CommitOffset{}, GoToFlap{Index: flaps.Legacy.Third()}}) {
		t.Fatalf("unexpected commands %#v", cmds)
	}
}

func TestChoices(t *testing.T) {
	set := make(flaps.Set, 38)
	for i := range set {
		set[i] = rune('a' + i%26)
	}
	got := Choices(VerifyHomeAdvanced, set)
	if len(got) != 3 || got[0].Index != 37 || got[1].Index != 0 || got[2].Index != 1 {
		t.Fatalf("unexpected choices %+v", got)
	}
	got = Choices(VerifyTwoThirds, set)
	if got[1].Index != 25 || got[0].Index != 24 || got[2].Index != 26 {
		t.Fatalf("unexpected two-thirds choices %+v", got)
	}
	if Choices(Calibrating, set) != nil {
		t.Fatalf("non-verification steps have no choices")
	}
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent("verify", -1)
	if err != nil || ev != (EvVerify{Offset: -1}) {
		t.Fatalf("got %#v, %v", ev, err)
	}
	ev, err = ParseEvent("set_rumble", 1)
	if err != nil || ev != (EvSetRumble{On: true}) {
		t.Fatalf("got %#v, %v", ev, err)
	}
	if _, err := ParseEvent("jump", 0); err == nil {
		t.Fatalf("expected an error for an unknown event")
	}
}
