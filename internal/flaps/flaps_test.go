package flaps

import "testing"

func TestLegacySet(t *testing.T) {
	if Legacy.Len() != 40 {
		t.Fatalf("unexpected legacy length %d", Legacy.Len())
	}
	if Legacy.At(0) != ' ' {
		t.Fatalf("home flap should be blank, got %q", Legacy.At(0))
	}
	if got := Legacy.Index('A'); got != 1 {
		t.Fatalf("expected A at 1, got %d", got)
	}
	if got := Legacy.Index('#'); got != -1 {
		t.Fatalf("expected -1 for unknown flap, got %d", got)
	}
}

func TestNeighboursWrap(t *testing.T) {
	set := Legacy
	n := set.Len()
	prev, next := set.Neighbours(0)
	if prev != n-1 || next != 1 {
		t.Fatalf("neighbours of 0: got (%d, %d), want (%d, 1)", prev, next, n-1)
	}
	prev, next = set.Neighbours(n - 1)
	if prev != n-2 || next != 0 {
		t.Fatalf("neighbours of %d: got (%d, %d)", n-1, prev, next)
	}
}

func TestNeighboursThirtyEight(t *testing.T) {
	s := make(Set, 38)
	prev, next := s.Neighbours(0)
	if prev != 37 || next != 1 {
		t.Fatalf("got (%d, %d), want (37, 1)", prev, next)
	}
}

func TestThirdsDistinct(t *testing.T) {
	for n := 3; n <= 64; n++ {
		s := make(Set, n)
		third, twoThirds := s.Third(), s.TwoThirds()
		if third == 0 || twoThirds == 0 || third == twoThirds {
			t.Fatalf("n=%d: third=%d twoThirds=%d", n, third, twoThirds)
		}
	}
}

func TestAlphabetic(t *testing.T) {
	s := FromDevice([]byte("  .ABC1"))
	got := s.Alphabetic()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if len(FromDevice([]byte(" 0123")).Alphabetic()) != 0 {
		t.Fatalf("expected no alphabetic flaps")
	}
}

func TestLegal(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"HELLO", true},
		{"A.B,C'", true},
		{"gpr", true},
		{"hello", false},
		{"A#", false},
		{"", true},
	}
	for _, tt := range tests {
		if got := Legacy.Legal(tt.text); got != tt.want {
			t.Errorf("Legal(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestResolverUpdate(t *testing.T) {
	r := NewResolver()
	if r.Active().String() != Legacy.String() {
		t.Fatalf("resolver should start on the legacy set")
	}
	if r.Update(nil) {
		t.Fatalf("empty report must not change the set")
	}
	if !r.Update([]byte(" AB")) {
		t.Fatalf("expected change")
	}
	if r.Active().Len() != 3 || r.Active().Index('B') != 2 {
		t.Fatalf("unexpected active set %q", r.Active().String())
	}
	if r.Update([]byte(" AB")) {
		t.Fatalf("same report should not count as a change")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(-1, 38) != 37 || Wrap(38, 38) != 0 || Wrap(-39, 38) != 37 {
		t.Fatalf("wrap arithmetic broken")
	}
}
