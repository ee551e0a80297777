// SPDX-License-Identifier: MIT

// Package slot implements ProcessSlot, the owner of one replica position
// within a Service: it holds at most one ManagedProcess at a time and
// restarts it on crash per Options.Autorespawn.
package slot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/tomtom215/alwaysupgo/internal/options"
	"github.com/tomtom215/alwaysupgo/internal/process"
	"github.com/tomtom215/alwaysupgo/internal/safego"
	"github.com/tomtom215/alwaysupgo/internal/state"
	"github.com/tomtom215/alwaysupgo/internal/status"
)

// State enumerates the lifecycle of a ProcessSlot.
type State int

const (
	Stopped State = iota + 1
	Running
	Stopping
	Starting
	Shutdown
	WaitingForRestart
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Starting:
		return "STARTING"
	case Shutdown:
		return "SHUTDOWN"
	case WaitingForRestart:
		return "WAITING_FOR_RESTART"
	default:
		return "UNKNOWN"
	}
}

// ProcessSlot owns one replica position in a Service's slot map. Its
// supervisor goroutine runs for the slot's entire non-terminal life,
// restarting the ManagedProcess automatically on a self-exit when
// Options.Autorespawn is set.
type ProcessSlot struct {
	NamePrefix string
	SlotNumber int
	Name       string

	cmdTemplate options.Cmd
	logger      *slog.Logger

	machine *state.Machine[State]
	serial  state.Serializer

	mu              sync.Mutex
	proc            *process.ManagedProcess
	restartCancelCh chan struct{}

	manageDone chan struct{}
}

// New constructs a ProcessSlot in the Stopped state and launches its
// supervisor goroutine. cmd is the Service-level template Cmd; New stamps
// it with SLOT=<slotNumber> so every slot's process sees its own index.
func New(ctx context.Context, namePrefix string, slotNumber int, cmd options.Cmd, logger *slog.Logger) *ProcessSlot {
	name := fmt.Sprintf("%s.%d", namePrefix, slotNumber)
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("slot", name))

	s := &ProcessSlot{
		NamePrefix:  namePrefix,
		SlotNumber:  slotNumber,
		Name:        name,
		cmdTemplate: cmd.CopyWithContext(map[string]string{"SLOT": strconv.Itoa(slotNumber)}),
		logger:      logger,
		machine:     state.New[State](name, logger),
		manageDone:  make(chan struct{}),
	}
	s.machine.SetState(ctx, Stopped)
	safego.Go(ctx, name+".manage", logger, func() {
		s.manage(ctx)
	})
	return s
}

// State returns the slot's current lifecycle state.
func (s *ProcessSlot) State() State { return s.machine.MustState() }

// PID returns the current ManagedProcess's pid, or 0 if none is running.
func (s *ProcessSlot) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

// CmdLine returns the fully resolved command line of the current
// ManagedProcess, or "" if none is running.
func (s *ProcessSlot) CmdLine() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return ""
	}
	return s.proc.CmdLine
}

// Status rolls the slot's state and time-in-state into the coarse
// OK/NOK/WARNING/STOPPED status shown to operators.
func (s *ProcessSlot) Status() status.Status {
	seconds, ok := s.machine.SecondsSinceLatestStateChange()
	st := s.State()
	if !ok {
		return status.NOK
	}
	switch {
	case st == Running && seconds >= 10:
		return status.OK
	case st == Stopped || st == Shutdown:
		return status.Stopped
	case st == WaitingForRestart:
		return status.NOK
	case (st == Starting || st == Running) && seconds <= 5:
		return status.NOK
	default:
		return status.Warning
	}
}

// Summary is the point-in-time snapshot of a slot reported by the status
// CLI and the HTTP control plane.
type Summary struct {
	SlotNumber    int           `json:"slot_number"`
	State         string        `json:"state"`
	Status        string        `json:"status"`
	StateSince    float64       `json:"state_since_seconds"`
	StateHumanize string        `json:"state_since_human"`
	PID           int           `json:"pid,omitempty"`
	CmdLine       string        `json:"cmd_line,omitempty"`
}

// Summarize returns the slot's current Summary.
func (s *ProcessSlot) Summarize() Summary {
	since, _ := s.machine.SecondsSinceLatestStateChange()
	humanized, _ := s.machine.HumanizedTimeSinceLatestStateChange()
	return Summary{
		SlotNumber:    s.SlotNumber,
		State:         s.State().String(),
		Status:        s.Status().String(),
		StateSince:    since,
		StateHumanize: humanized,
		PID:           s.PID(),
		CmdLine:       s.CmdLine(),
	}
}

func (s *ProcessSlot) manage(ctx context.Context) {
	defer close(s.manageDone)
	for s.State() != Shutdown {
		if s.State() != Running {
			s.machine.WaitForStateChange(ctx, time.Second)
			continue
		}

		s.mu.Lock()
		proc := s.proc
		s.mu.Unlock()
		if proc != nil {
			proc.Wait(ctx)
		}

		s.mu.Lock()
		s.proc = nil
		s.mu.Unlock()

		if s.State() != Running {
			continue
		}

		if s.cmdTemplate.Options.Autorespawn {
			s.machine.SetState(ctx, WaitingForRestart)
			s.waitForRestartDelay(ctx, s.cmdTemplate.Options.WaitingForRestartDelay)
			s.autorestart(ctx)
		} else {
			s.machine.SetState(ctx, Stopped)
		}
	}
}

// waitForRestartDelay sleeps for delay, or returns immediately if
// cancelRestart is invoked concurrently (a start() or stop() arriving mid
// backoff collapses the wait).
func (s *ProcessSlot) waitForRestartDelay(ctx context.Context, delay time.Duration) {
	cancel := make(chan struct{})
	s.mu.Lock()
	s.restartCancelCh = cancel
	s.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-cancel:
	case <-ctx.Done():
	}

	s.mu.Lock()
	if s.restartCancelCh == cancel {
		s.restartCancelCh = nil
	}
	s.mu.Unlock()
}

func (s *ProcessSlot) cancelRestartWait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restartCancelCh != nil {
		close(s.restartCancelCh)
		s.restartCancelCh = nil
	}
}

// Start transitions Stopped or WaitingForRestart into a freshly started
// process. If called during WaitingForRestart it collapses the remaining
// backoff instead of waiting it out.
func (s *ProcessSlot) Start(ctx context.Context) error {
	return s.serial.Do(func() error {
		return s.machine.OnlyStates([]State{Stopped, WaitingForRestart}, func() error {
			if s.State() == WaitingForRestart {
				s.cancelRestartWait()
			}
			return s.doStart(ctx)
		})
	})
}

// autorestart is the automatic path taken from the supervisor loop after a
// self-exit. It uses the no-wait serialization mode so a concurrent
// user-issued Stop always wins the race instead of blocking on it.
func (s *ProcessSlot) autorestart(ctx context.Context) {
	_, _ = s.serial.TryDo(func() error {
		return s.machine.OnlyStates([]State{WaitingForRestart}, func() error {
			return s.doStart(ctx)
		})
	})
}

func (s *ProcessSlot) doStart(ctx context.Context) error {
	s.logger.InfoContext(ctx, "process slot starting")
	s.machine.SetState(ctx, Starting)

	proc := process.New(s.Name, s.cmdTemplate, s.logger)
	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	if err := proc.Start(ctx); err != nil {
		s.logger.WarnContext(ctx, "process slot failed to start", slog.Any("error", err))
		s.machine.SetState(ctx, Stopped)
		return err
	}

	s.machine.SetState(ctx, Running)
	s.logger.InfoContext(ctx, "process slot started")
	return nil
}

// Stop stops the slot's process; a no-op outside Running/WaitingForRestart.
func (s *ProcessSlot) Stop(ctx context.Context) error {
	return s.serial.Do(func() error {
		return s.machine.OnlyStates([]State{Running, WaitingForRestart}, func() error {
			return s.doStop(ctx)
		})
	})
}

func (s *ProcessSlot) doStop(ctx context.Context) error {
	if s.State() == WaitingForRestart {
		s.cancelRestartWait()
		s.machine.SetState(ctx, Stopped)
		return nil
	}

	s.logger.InfoContext(ctx, "stopping process slot")
	s.machine.SetState(ctx, Stopping)

	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc != nil {
		if err := proc.Stop(ctx); err != nil {
			s.logger.WarnContext(ctx, "error stopping managed process", slog.Any("error", err))
		}
	}

	s.machine.SetState(ctx, Stopped)
	s.logger.InfoContext(ctx, "process slot stopped")
	return nil
}

// Shutdown stops the slot's process, marks it terminally Shutdown, and
// waits for the supervisor goroutine to exit. Shutdown is a one-way door:
// a slot cannot be restarted after it.
func (s *ProcessSlot) Shutdown(ctx context.Context) error {
	return s.serial.Do(func() error {
		return s.machine.OnlyStates([]State{Stopped, Running, WaitingForRestart}, func() error {
			_ = s.doStop(ctx)
			s.machine.SetState(ctx, Shutdown)
			s.Wait(ctx)
			s.logger.InfoContext(ctx, "process slot shut down")
			return nil
		})
	})
}

// Wait blocks until the supervisor goroutine has exited, which only
// happens after Shutdown.
func (s *ProcessSlot) Wait(ctx context.Context) {
	select {
	case <-s.manageDone:
	case <-ctx.Done():
	}
}

// Kill sends sig directly to the slot's process, bypassing smart-stop.
// Only meaningful while Running or Stopping.
func (s *ProcessSlot) Kill(sig syscall.Signal) {
	_ = s.machine.OnlyStates([]State{Running, Stopping}, func() error {
		s.mu.Lock()
		proc := s.proc
		s.mu.Unlock()
		if proc != nil {
			proc.Kill(sig)
		}
		return nil
	})
}
