// SPDX-License-Identifier: MIT

// Package state implements the small state-machine primitive shared by every
// entity in the supervision tree (ManagedProcess, ProcessSlot, Service,
// Manager). Each entity embeds a *Machine[S] instead of tracking its own
// current-state field, so state transitions, change timestamps and
// wait-for-change notifications are handled identically everywhere.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Machine tracks the current value of a state enum S, the time it last
// changed, and a set of one-shot waiters parked in WaitForStateChange.
//
// The zero value is not ready for use; construct with New.
type Machine[S comparable] struct {
	mu          sync.Mutex
	name        string
	logger      *slog.Logger
	state       S
	hasState    bool
	lastChange  time.Time
	waiters     []chan struct{}
}

// New creates a Machine with no state set yet. name identifies the owning
// entity in log output (e.g. "slot[stream/0]"); logger may be nil.
func New[S comparable](name string, logger *slog.Logger) *Machine[S] {
	return &Machine[S]{name: name, logger: logger}
}

// State returns the current state. Before the first call to SetState, the
// zero value of S is returned along with ok=false.
func (m *Machine[S]) State() (s S, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.hasState
}

// MustState returns the current state, or the zero value of S if unset.
// Convenient for guards and logging where "unknown" and "zero" can be
// treated the same.
func (m *Machine[S]) MustState() S {
	s, _ := m.State()
	return s
}

// SetState transitions to newState, stamping the change time and waking any
// goroutines parked in WaitForStateChange. A no-op if newState equals the
// current state.
func (m *Machine[S]) SetState(ctx context.Context, newState S) {
	m.mu.Lock()
	if m.hasState && m.state == newState {
		m.mu.Unlock()
		return
	}
	old, hadState := m.state, m.hasState
	m.state = newState
	m.hasState = true
	m.lastChange = time.Now()
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	if hadState && m.logger != nil {
		m.logger.DebugContext(ctx, "state changed",
			slog.String("entity", m.name),
			slog.Any("from", old),
			slog.Any("to", newState),
		)
	}

	for _, w := range waiters {
		close(w)
	}
}

// SecondsSinceLatestStateChange reports how long the current state has held,
// or ok=false if no state has ever been set.
func (m *Machine[S]) SecondsSinceLatestStateChange() (seconds float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasState {
		return 0, false
	}
	return time.Since(m.lastChange).Seconds(), true
}

// HumanizedTimeSinceLatestStateChange renders the time since the last
// transition the way status output shows it to an operator (e.g.
// "3 seconds ago"), or ok=false if no state has ever been set.
func (m *Machine[S]) HumanizedTimeSinceLatestStateChange() (s string, ok bool) {
	m.mu.Lock()
	last := m.lastChange
	has := m.hasState
	m.mu.Unlock()
	if !has {
		return "", false
	}
	return humanize.Time(last), true
}

// WaitForStateChange blocks until the state changes, timeout elapses, or ctx
// is done, whichever comes first. It returns false only on a genuine
// timeout; both a state change and context cancellation return true, since
// in the latter case the caller is already unwinding and does not need to
// distinguish "cancelled" from "changed".
func (m *Machine[S]) WaitForStateChange(ctx context.Context, timeout time.Duration) bool {
	ch := make(chan struct{})
	m.mu.Lock()
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	var timer *time.Timer
	var timerCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timerCh = timer.C
		defer timer.Stop()
	}

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return true
	case <-timerCh:
		return false
	}
}

// ErrBadState is wrapped by OnlyStatesOrRaise and NotTheseStatesOrRaise so
// callers can test for it with errors.Is regardless of which states were
// involved.
var ErrBadState = fmt.Errorf("invalid state for this operation")

func contains[S comparable](states []S, s S) bool {
	for _, want := range states {
		if want == s {
			return true
		}
	}
	return false
}

// OnlyStates runs fn only if the machine's current state is one of states;
// otherwise it silently returns nil. Mirrors the OnlyStates guard used
// around operations that are fine to drop on the floor when called from the
// wrong state (e.g. stop() on an already-stopped entity).
func (m *Machine[S]) OnlyStates(states []S, fn func() error) error {
	if !contains(states, m.MustState()) {
		return nil
	}
	return fn()
}

// OnlyStatesOrRaise runs fn only if the machine's current state is one of
// states; otherwise it returns an error wrapping ErrBadState.
func (m *Machine[S]) OnlyStatesOrRaise(states []S, fn func() error) error {
	cur := m.MustState()
	if !contains(states, cur) {
		return fmt.Errorf("%w: state is %v, must be one of %v", ErrBadState, cur, states)
	}
	return fn()
}

// NotTheseStatesOrRaise runs fn unless the machine's current state is one of
// states, in which case it returns an error wrapping ErrBadState.
func (m *Machine[S]) NotTheseStatesOrRaise(states []S, fn func() error) error {
	cur := m.MustState()
	if contains(states, cur) {
		return fmt.Errorf("%w: state is %v", ErrBadState, cur)
	}
	return fn()
}
