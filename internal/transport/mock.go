// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/relabs-tech/splitflap_panel/internal/flaps"
	"github.com/relabs-tech/splitflap_panel/internal/splitflap"
)

type mockModule struct {
	flap          int
	target        int
	spin          int // flaps left in a forced full rotation
	homing        bool
	resetNonce    int
	movementNonce int
	offsetTenths  int
	savedTenths   int
}

// Mock simulates a controller for local development. Modules advance one
// flap per step towards their target. Like Serial, it delivers messages on
// its own goroutine, never from inside a Transport method.
type Mock struct {
	handler Handler
	flapSet []byte // nil simulates firmware that does not report its set
	step    time.Duration

	mu      sync.Mutex
	modules []mockModule
	closed  bool

	qmu   sync.Mutex
	queue []splitflap.Message
	wake  chan struct{}

	cancel     context.CancelFunc
	done       chan struct{}
	dispatched chan struct{}
}

// NewMock starts a simulated controller with the given module count.
func NewMock(modules int, flapSet []byte, step time.Duration, h Handler) *Mock {
	if step <= 0 {
		step = 50 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mock{
		handler:    h,
		flapSet:    flapSet,
		step:       step,
		modules:    make([]mockModule, modules),
		wake:       make(chan struct{}, 1),
		cancel:     cancel,
		done:       make(chan struct{}),
		dispatched: make(chan struct{}),
	}
	log.Printf("mock: simulating %d modules", modules)

	go m.dispatch(ctx)
	go m.loop(ctx)
	return m
}

func (m *Mock) flapCount() int {
	if len(m.flapSet) > 0 {
		return len(m.flapSet)
	}
	return flaps.Legacy.Len()
}

func (m *Mock) loop(ctx context.Context) {
	defer close(m.done)

	if m.flapSet != nil {
		m.emit(splitflap.Message{
			Payload:      splitflap.PayloadGeneralState,
			GeneralState: &splitflap.GeneralState{FlapCharacterSet: m.flapSet, MovementEnabled: true},
		})
	}
	m.emitState()

	ticker := time.NewTicker(m.step)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.advance() {
				m.emitState()
			}
		}
	}
}

// advance moves every module one flap and reports whether anything moved.
func (m *Mock) advance() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.flapCount()
	changed := false
	for i := range m.modules {
		mod := &m.modules[i]
		switch {
		case mod.homing:
			mod.flap = 0
			mod.homing = false
		case mod.spin > 0:
			mod.flap = (mod.flap + 1) % n
			mod.spin--
		case mod.flap != mod.target:
			mod.flap = (mod.flap + 1) % n
		default:
			continue
		}
		changed = true
	}
	return changed
}

func (m *Mock) snapshot() splitflap.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := splitflap.State{Modules: make([]splitflap.ModuleState, len(m.modules))}
	for i, mod := range m.modules {
		kind := splitflap.StateNormal
		if mod.homing {
			kind = splitflap.StateLookForHome
		}
		st.Modules[i] = splitflap.ModuleState{
			FlapIndex:  mod.flap,
			State:      kind,
			Moving:     mod.homing || mod.spin > 0 || mod.flap != mod.target,
			HomeSensor: mod.flap == 0,
		}
	}
	return st
}

func (m *Mock) emitState() {
	st := m.snapshot()
	m.emit(splitflap.Message{Payload: splitflap.PayloadState, State: &st})
}

func (m *Mock) emitLog(format string, args ...any) {
	m.emit(splitflap.Message{Payload: splitflap.PayloadLog, Log: &splitflap.Log{Msg: fmt.Sprintf(format, args...)}})
}

// emit queues msg for the dispatch goroutine.
func (m *Mock) emit(msg splitflap.Message) {
	m.qmu.Lock()
	m.queue = append(m.queue, msg)
	m.qmu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mock) dispatch(ctx context.Context) {
	defer close(m.dispatched)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}

		m.qmu.Lock()
		batch := m.queue
		m.queue = nil
		m.qmu.Unlock()

		for _, msg := range batch {
			if ctx.Err() != nil {
				return
			}
			if m.handler != nil {
				m.handler(msg)
			}
		}
	}
}

// withModule runs f on module i under the lock.
func (m *Mock) withModule(i int, f func(mod *mockModule)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if i < 0 || i >= len(m.modules) {
		return fmt.Errorf("mock: module %d out of range", i)
	}
	f(&m.modules[i])
	return nil
}

func (m *Mock) SendConfig(cfg splitflap.Config) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	n := m.flapCount()
	for i := range m.modules {
		if i >= len(cfg.Modules) {
			break
		}
		mod := &m.modules[i]
		want := cfg.Modules[i]
		if want.ResetNonce != mod.resetNonce {
			mod.resetNonce = want.ResetNonce
			mod.homing = true
		}
		if want.MovementNonce != mod.movementNonce {
			mod.movementNonce = want.MovementNonce
			mod.spin = n
		}
		mod.target = flaps.Wrap(want.TargetFlapIndex, n)
	}
	m.mu.Unlock()

	m.emit(splitflap.Message{Payload: splitflap.PayloadAck})
	return nil
}

func (m *Mock) OffsetIncrementTenth(module int) error {
	return m.adjustOffset(module, 1)
}

func (m *Mock) OffsetIncrementHalf(module int) error {
	return m.adjustOffset(module, 5)
}

func (m *Mock) OffsetIncrementByTenths(module, tenths int) error {
	return m.adjustOffset(module, tenths)
}

func (m *Mock) adjustOffset(module, tenths int) error {
	var total int
	err := m.withModule(module, func(mod *mockModule) {
		mod.offsetTenths += tenths
		total = mod.offsetTenths
	})
	if err != nil {
		return err
	}
	m.emitLog("module %d offset now %d tenths", module, total)
	return nil
}

func (m *Mock) OffsetSetToCurrentStep(module int) error {
	var flap int
	err := m.withModule(module, func(mod *mockModule) {
		flap = mod.flap
		mod.flap = 0
		mod.target = 0
	})
	if err != nil {
		return err
	}
	m.emitLog("module %d offset set at flap %d", module, flap)
	return nil
}

func (m *Mock) SaveAllOffsets() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	for i := range m.modules {
		m.modules[i].savedTenths = m.modules[i].offsetTenths
	}
	count := len(m.modules)
	m.mu.Unlock()

	m.emitLog("saved offsets for %d modules", count)
	return nil
}

// SavedOffsets returns the offsets persisted by the last SaveAllOffsets.
func (m *Mock) SavedOffsets() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.modules))
	for i, mod := range m.modules {
		out[i] = mod.savedTenths
	}
	return out
}

func (m *Mock) RequestState() error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	m.emitState()
	return nil
}

// Close stops the simulation and waits for its goroutines to exit. It must
// not be called from a Handler.
func (m *Mock) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	<-m.done
	<-m.dispatched
	log.Println("mock: stopped")
	return nil
}
