// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

import (
	"context"
	"sync"
	"time"

	"github.com/relabs-tech/splitflap_panel/internal/flaps"
	"github.com/relabs-tech/splitflap_panel/internal/splitflap"
)

// DefaultRumblePeriod is how often the other modules step to the next letter.
const DefaultRumblePeriod = 100 * time.Millisecond

// RumbleTick points every module except the one being calibrated at the
// index-th letter of the wheel and returns the index for the next tick.
// With no letters on the wheel it returns cfg and index unchanged.
func RumbleTick(cfg splitflap.Config, set flaps.Set, module, index int) (splitflap.Config, int) {
	alpha := set.Alphabetic()
	if len(alpha) == 0 {
		return cfg, index
	}
	index = flaps.Wrap(index, len(alpha))
	target := alpha[index]

	out := cfg.Clone()
	for i := range out.Modules {
		if i != module {
			out.Modules[i].TargetFlapIndex = target
		}
	}
	return out, (index + 1) % len(alpha)
}

// Rumbler calls tick on a fixed period between Start and Stop.
//
// Stop does not wait for an in-flight tick, so it is safe to call while
// holding a lock the tick also takes. Each tick receives the context of the
// loop that fired it, which Stop cancels; a tick must drop itself once that
// context is done, even if a later Start has begun a new loop. Wait blocks
// until the loop has exited.
type Rumbler struct {
	period time.Duration
	tick   func(ctx context.Context)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRumbler(period time.Duration, tick func(ctx context.Context)) *Rumbler {
	if period <= 0 {
		period = DefaultRumblePeriod
	}
	return &Rumbler{period: period, tick: tick}
}

// Start launches the loop. It returns false if it was already running.
func (r *Rumbler) Start() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ctx.Err() != nil {
					return
				}
				r.tick(ctx)
			}
		}
	}()
	return true
}

// Stop cancels the loop. It returns false if it was not running.
func (r *Rumbler) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return false
	}
	r.cancel()
	r.cancel = nil
	return true
}

// Running reports whether Start has been called without a matching Stop.
func (r *Rumbler) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// Wait blocks until the most recently started loop has exited.
func (r *Rumbler) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}
