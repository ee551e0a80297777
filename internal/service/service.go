// SPDX-License-Identifier: MIT

// Package service implements Service, the owner of a dense 0..N-1 map of
// ProcessSlots that all run the same command.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/tomtom215/alwaysupgo/internal/options"
	"github.com/tomtom215/alwaysupgo/internal/slot"
	"github.com/tomtom215/alwaysupgo/internal/state"
	"github.com/tomtom215/alwaysupgo/internal/status"
)

// State enumerates the lifecycle of a Service.
type State int

const (
	Stopped State = iota + 1
	Running
	Shutdown
	Stopping
	Starting
	ScalingUp
	ScalingDown
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Running:
		return "RUNNING"
	case Shutdown:
		return "SHUTDOWN"
	case Stopping:
		return "STOPPING"
	case Starting:
		return "STARTING"
	case ScalingUp:
		return "SCALING_UP"
	case ScalingDown:
		return "SCALING_DOWN"
	default:
		return "UNKNOWN"
	}
}

// Service owns a dense 0..N-1 map of ProcessSlots all running Cmd.
type Service struct {
	Name string
	Cmd  options.Cmd

	logger  *slog.Logger
	machine *state.Machine[State]
	serial  state.Serializer

	mu         sync.Mutex
	slots      map[int]*slot.ProcessSlot
	slotNumber int
}

// New constructs a Service in the Stopped state with no slots started yet.
func New(ctx context.Context, name string, slotNumber int, cmd options.Cmd, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("service", name))

	svc := &Service{
		Name:       name,
		Cmd:        cmd,
		logger:     logger,
		machine:    state.New[State](name, logger),
		slots:      make(map[int]*slot.ProcessSlot),
		slotNumber: slotNumber,
	}
	svc.machine.SetState(ctx, Stopped)
	return svc
}

// State returns the service's current lifecycle state.
func (svc *Service) State() State { return svc.machine.MustState() }

// SlotNumber returns the configured number of slots (not necessarily the
// number currently started; see NumberOfSlotsRunning).
func (svc *Service) SlotNumber() int {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.slotNumber
}

// NumberOfSlotsRunning counts slots currently in the Running state.
func (svc *Service) NumberOfSlotsRunning() int {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	n := 0
	for _, s := range svc.slots {
		if s.State() == slot.Running {
			n++
		}
	}
	return n
}

// Status rolls up the service's own transitional state with its slots'
// statuses: a settling service (Starting/Stopping/ScalingUp/ScalingDown)
// always contributes at least one Warning to the rollup even if every slot
// looks healthy, since the service itself isn't done settling.
func (svc *Service) Status() status.Status {
	st := svc.State()
	if st == Stopped || st == Shutdown {
		return status.Stopped
	}

	svc.mu.Lock()
	statuses := make([]status.Status, 0, len(svc.slots)+1)
	for _, s := range svc.slots {
		statuses = append(statuses, s.Status())
	}
	svc.mu.Unlock()

	switch st {
	case Stopping, Starting, ScalingUp, ScalingDown:
		statuses = append(statuses, status.Warning)
	}
	return status.Rollup(statuses)
}

// Summary is the point-in-time snapshot of a service reported by the status
// CLI and the HTTP control plane.
type Summary struct {
	Name                  string          `json:"name"`
	CmdLine               string          `json:"cmd_line"`
	State                 string          `json:"state"`
	Status                string          `json:"status"`
	StateSince            float64         `json:"state_since_seconds"`
	StateHumanize         string          `json:"state_since_human"`
	SlotNumber            int             `json:"slot_number"`
	NumberOfSlotsRunning  int             `json:"number_of_slots_running"`
	Slots                 []slot.Summary  `json:"slots"`
}

// Summarize returns the service's current Summary, including every slot's
// own Summary.
func (svc *Service) Summarize() Summary {
	since, _ := svc.machine.SecondsSinceLatestStateChange()
	humanized, _ := svc.machine.HumanizedTimeSinceLatestStateChange()

	svc.mu.Lock()
	slots := make([]slot.Summary, 0, len(svc.slots))
	for i := 0; i < svc.slotNumber; i++ {
		if s, ok := svc.slots[i]; ok {
			slots = append(slots, s.Summarize())
		}
	}
	svc.mu.Unlock()

	return Summary{
		Name:                 svc.Name,
		CmdLine:              svc.Cmd.String(),
		State:                svc.State().String(),
		Status:               svc.Status().String(),
		StateSince:           since,
		StateHumanize:        humanized,
		SlotNumber:           svc.SlotNumber(),
		NumberOfSlotsRunning: svc.NumberOfSlotsRunning(),
		Slots:                slots,
	}
}

// Start transitions Stopped into Running, starting every configured slot in
// order.
func (svc *Service) Start(ctx context.Context) error {
	return svc.serial.Do(func() error {
		return svc.machine.OnlyStates([]State{Stopped}, func() error {
			svc.logger.InfoContext(ctx, "service is starting")
			svc.machine.SetState(ctx, Starting)

			svc.mu.Lock()
			n := svc.slotNumber
			svc.mu.Unlock()
			for i := 0; i < n; i++ {
				if err := svc.startSlot(ctx, i); err != nil {
					return fmt.Errorf("starting slot %d: %w", i, err)
				}
			}

			svc.machine.SetState(ctx, Running)
			svc.logger.InfoContext(ctx, "service started")
			return nil
		})
	})
}

func (svc *Service) startSlot(ctx context.Context, i int) error {
	s := slot.New(ctx, svc.Name, i, svc.Cmd, svc.logger)
	if err := s.Start(ctx); err != nil {
		return err
	}
	svc.mu.Lock()
	svc.slots[i] = s
	svc.mu.Unlock()
	return nil
}

// Stop stops every slot without tearing down their supervisor goroutines,
// returning the service to Stopped so it can be Started again later.
func (svc *Service) Stop(ctx context.Context) error {
	return svc.serial.Do(func() error {
		return svc.machine.OnlyStates([]State{Running}, func() error {
			return svc.stopOrShutdown(ctx, false)
		})
	})
}

func (svc *Service) stopOrShutdown(ctx context.Context, shutdown bool) error {
	svc.logger.InfoContext(ctx, "service is stopping")
	svc.machine.SetState(ctx, Stopping)

	svc.mu.Lock()
	slots := make([]*slot.ProcessSlot, 0, len(svc.slots))
	for _, s := range svc.slots {
		slots = append(slots, s)
	}
	svc.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range slots {
		wg.Add(1)
		go func(s *slot.ProcessSlot) {
			defer wg.Done()
			if shutdown {
				_ = s.Shutdown(ctx)
			} else {
				_ = s.Stop(ctx)
			}
		}(s)
	}
	wg.Wait()

	if shutdown {
		svc.machine.SetState(ctx, Shutdown)
		svc.logger.InfoContext(ctx, "service is shut down")
	} else {
		svc.machine.SetState(ctx, Stopped)
		svc.logger.InfoContext(ctx, "service is stopped")
	}
	return nil
}

// Shutdown is a one-way door: stops/shuts down every slot, marks the
// service terminally Shutdown, then waits for that transition to be
// observed.
func (svc *Service) Shutdown(ctx context.Context) error {
	return svc.serial.Do(func() error {
		return svc.machine.OnlyStates([]State{Running, Stopped}, func() error {
			if err := svc.stopOrShutdown(ctx, true); err != nil {
				return err
			}
			svc.machine.SetState(ctx, Shutdown)
			svc.Wait(ctx)
			return nil
		})
	})
}

// SetSlotNumber scales the service's slot map up or down to n. Scaling up
// starts new slots at the top of the range; scaling down shuts down and
// removes the highest-indexed slots first, so the map stays dense
// 0..n-1. A no-op while Stopped beyond recording the new target size.
func (svc *Service) SetSlotNumber(ctx context.Context, n int) error {
	return svc.serial.Do(func() error {
		return svc.machine.OnlyStates([]State{Running, Stopped}, func() error {
			if svc.State() == Stopped {
				svc.mu.Lock()
				svc.slotNumber = n
				svc.mu.Unlock()
				return nil
			}

			svc.mu.Lock()
			old := svc.slotNumber
			svc.mu.Unlock()

			switch {
			case n > old:
				svc.mu.Lock()
				svc.slotNumber = n
				svc.mu.Unlock()
				svc.logger.InfoContext(ctx, "service is scaling up", slog.Int("from", old), slog.Int("to", n))
				svc.machine.SetState(ctx, ScalingUp)
				for i := old; i < n; i++ {
					if err := svc.startSlot(ctx, i); err != nil {
						return fmt.Errorf("starting slot %d while scaling up: %w", i, err)
					}
				}
				svc.machine.SetState(ctx, Running)
			case n < old:
				svc.mu.Lock()
				svc.slotNumber = n
				svc.mu.Unlock()
				svc.logger.InfoContext(ctx, "service is scaling down", slog.Int("from", old), slog.Int("to", n))
				svc.machine.SetState(ctx, ScalingDown)
				for i := n; i < old; i++ {
					svc.mu.Lock()
					s := svc.slots[i]
					delete(svc.slots, i)
					svc.mu.Unlock()
					if s != nil {
						if err := s.Shutdown(ctx); err != nil {
							return fmt.Errorf("shutting down slot %d while scaling down: %w", i, err)
						}
					}
				}
				svc.machine.SetState(ctx, Running)
			}
			return nil
		})
	})
}

// Wait blocks until the service reaches Shutdown.
func (svc *Service) Wait(ctx context.Context) {
	for svc.State() != Shutdown {
		if ctx.Err() != nil {
			return
		}
		svc.machine.WaitForStateChange(ctx, time.Second)
	}
}

// Kill sends sig to every slot directly, bypassing smart-stop.
func (svc *Service) Kill(sig syscall.Signal) {
	_ = svc.machine.OnlyStates([]State{Running, ScalingDown, Stopping}, func() error {
		svc.mu.Lock()
		slots := make([]*slot.ProcessSlot, 0, len(svc.slots))
		for _, s := range svc.slots {
			slots = append(slots, s)
		}
		svc.mu.Unlock()
		for _, s := range slots {
			s.Kill(sig)
		}
		return nil
	})
}

// KillSlot sends sig to a single slot by index, used by the HTTP control
// plane's per-slot kill route.
func (svc *Service) KillSlot(i int, sig syscall.Signal) error {
	s, err := svc.slotByIndex(i)
	if err != nil {
		return err
	}
	s.Kill(sig)
	return nil
}

// StartSlot starts a single slot by index, used by the HTTP control plane's
// per-slot start route.
func (svc *Service) StartSlot(ctx context.Context, i int) error {
	s, err := svc.slotByIndex(i)
	if err != nil {
		return err
	}
	return s.Start(ctx)
}

// StopSlot stops a single slot by index, used by the HTTP control plane's
// per-slot stop route.
func (svc *Service) StopSlot(ctx context.Context, i int) error {
	s, err := svc.slotByIndex(i)
	if err != nil {
		return err
	}
	return s.Stop(ctx)
}

// Slot returns the slot at index i for read-only inspection (e.g. a
// single-slot status lookup), or ok=false if it doesn't exist.
func (svc *Service) Slot(i int) (*slot.ProcessSlot, bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	s, ok := svc.slots[i]
	return s, ok
}

func (svc *Service) slotByIndex(i int) (*slot.ProcessSlot, error) {
	svc.mu.Lock()
	s, ok := svc.slots[i]
	svc.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no such slot: %d", i)
	}
	return s, nil
}
