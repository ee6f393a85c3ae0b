// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package flaps resolves the ordered set of characters printed on a module's
// flap wheel. Index 0 is the home position.
package flaps

import (
	"strings"
	"sync"
)

// Set is an ordered flap character set. Treat it as immutable.
type Set []rune

// Legacy is the 40-flap set used by firmware that does not report its own.
var Legacy = Set{
	' ', 'A', 'B', 'C', 'D', 'E', 'F', 'G', 'H', 'I',
	'J', 'K', 'L', 'M', 'N', 'O', 'P', 'Q', 'R', 'S',
	'T', 'U', 'V', 'W', 'X', 'Y', 'Z', '0', '1', '2',
	'3', '4', '5', '6', '7', '8', '9', '.', ',', '\'',
}

// ColorBlocks are the single-letter codes for solid colour flaps.
var ColorBlocks = map[rune]string{
	'g': "#66d7d1",
	'p': "#7a28cb",
	'r': "#e63946",
	'w': "#eeeeee",
	'y': "#ffd639",
}

// FromDevice decodes a device-reported set, one character per byte.
// An empty report yields the legacy set.
func FromDevice(raw []byte) Set {
	if len(raw) == 0 {
		return Legacy
	}
	s := make(Set, len(raw))
	for i, b := range raw {
		s[i] = rune(b)
	}
	return s
}

func (s Set) Len() int { return len(s) }

// Index returns the position of r, or -1 if r is not on the wheel.
func (s Set) Index(r rune) int {
	for i, c := range s {
		if c == r {
			return i
		}
	}
	return -1
}

// At returns the character at i, wrapping in both directions.
func (s Set) At(i int) rune {
	if len(s) == 0 {
		return ' '
	}
	return s[Wrap(i, len(s))]
}

// Alphabetic returns the indices of the A-Z flaps, in wheel order.
func (s Set) Alphabetic() []int {
	var out []int
	for i, c := range s {
		if c >= 'A' && c <= 'Z' {
			out = append(out, i)
		}
	}
	return out
}

// Third is the flap index one third of the way round the wheel.
func (s Set) Third() int { return len(s) / 3 }

// TwoThirds is the flap index two thirds of the way round the wheel.
func (s Set) TwoThirds() int { return 2 * len(s) / 3 }

// Neighbours returns the flaps either side of expected, wrapped.
func (s Set) Neighbours(expected int) (prev, next int) {
	n := len(s)
	if n == 0 {
		return 0, 0
	}
	return Wrap(expected-1, n), Wrap(expected+1, n)
}

// Legal reports whether every character of text can be shown.
func (s Set) Legal(text string) bool {
	for _, r := range text {
		if s.Index(r) >= 0 {
			continue
		}
		if _, ok := ColorBlocks[r]; ok {
			continue
		}
		return false
	}
	return true
}

func (s Set) String() string {
	var b strings.Builder
	for _, r := range s {
		b.WriteRune(r)
	}
	return b.String()
}

// Wrap returns i modulo n in [0, n).
func Wrap(i, n int) int {
	return ((i % n) + n) % n
}

// Resolver holds the set in use for the current connection.
type Resolver struct {
	mu     sync.RWMutex
	active Set
}

func NewResolver() *Resolver {
	return &Resolver{active: Legacy}
}

// Active returns the current set.
func (r *Resolver) Active() Set {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Update replaces the active set with a device report. It returns true if
// the set changed. Empty reports are ignored.
func (r *Resolver) Update(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	next := FromDevice(raw)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active.String() == next.String() {
		return false
	}
	r.active = next
	return true
}
