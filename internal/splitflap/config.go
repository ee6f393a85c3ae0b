// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package splitflap holds the controller message types and the pure config
// operations used to drive modules to their targets.
package splitflap

import "github.com/relabs-tech/splitflap_panel/internal/flaps"

// Resize returns cfg with exactly n modules. Existing entries are kept and
// new ones are zero. It reports whether the length changed.
func Resize(cfg Config, n int) (Config, bool) {
	if len(cfg.Modules) == n {
		return cfg, false
	}
	out := Config{Modules: make([]ModuleConfig, n)}
	copy(out.Modules, cfg.Modules)
	return out, true
}

// SetText targets one character per module. Slots past the end of text, and
// characters not on the wheel, go home (index 0). When forceFullRotation is
// set, every module with a non-zero target gets its movement nonce bumped so
// it spins even if the target is unchanged.
func SetText(cfg Config, set flaps.Set, text string, forceFullRotation bool) Config {
	runes := []rune(text)
	out := Config{Modules: make([]ModuleConfig, len(cfg.Modules))}
	for i, cur := range cfg.Modules {
		target := 0
		if i < len(runes) {
			if idx := set.Index(runes[i]); idx > 0 {
				target = idx
			}
		}
		next := ModuleConfig{
			TargetFlapIndex: target,
			ResetNonce:      cur.ResetNonce,
			MovementNonce:   cur.MovementNonce,
		}
		if forceFullRotation && target != 0 {
			next.MovementNonce++
		}
		out.Modules[i] = next
	}
	return out
}

// GoToFlap targets a single module, leaving every other entry untouched.
// Out-of-range modules are ignored; idx is wrapped onto the wheel.
func GoToFlap(cfg Config, set flaps.Set, module, idx int) Config {
	if module < 0 || module >= len(cfg.Modules) {
		return cfg
	}
	out := cfg.Clone()
	if set.Len() > 0 {
		idx = flaps.Wrap(idx, set.Len())
	}
	out.Modules[module].TargetFlapIndex = idx
	return out
}

// ResetModule asks one module to re-home by bumping its reset nonce.
func ResetModule(cfg Config, module int) Config {
	if module < 0 || module >= len(cfg.Modules) {
		return cfg
	}
	out := cfg.Clone()
	out.Modules[module].ResetNonce++
	return out
}

// Text renders the modules' current flaps as a string. Modules that are
// not in the NORMAL state show as a blank.
func Text(st State, set flaps.Set) string {
	out := make([]rune, len(st.Modules))
	for i, m := range st.Modules {
		if m.State != StateNormal {
			out[i] = ' '
			continue
		}
		out[i] = set.At(m.FlapIndex)
	}
	return string(out)
}
