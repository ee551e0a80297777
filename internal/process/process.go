// SPDX-License-Identifier: MIT

//go:build linux

// Package process implements ManagedProcess, the leaf of the supervision
// tree: a single running child, its smart-stop/kill semantics, and the
// background goroutine that waits for it to exit.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/tomtom215/alwaysupgo/internal/options"
	"github.com/tomtom215/alwaysupgo/internal/safego"
	"github.com/tomtom215/alwaysupgo/internal/state"
)

// ManagedProcessState enumerates the lifecycle of a single ManagedProcess.
// A ManagedProcess is single-use: once it reaches Stopped or Dead it is
// discarded, never restarted in place.
type ManagedProcessState int

const (
	Ready ManagedProcessState = iota
	Starting
	Running
	Stopping
	SmartStopping
	Stopped
	Dead
)

func (s ManagedProcessState) String() string {
	switch s {
	case Ready:
		return "READY"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case SmartStopping:
		return "SMART_STOPPING"
	case Stopped:
		return "STOPPED"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// ManagedProcess monitors a single started child process from exec to exit.
type ManagedProcess struct {
	machine *state.Machine[ManagedProcessState]
	serial  state.Serializer

	ID      string
	Name    string
	Cmd     options.Cmd
	CmdLine string

	logger *slog.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	pid        int
	returncode int
	closers    []io.Closer

	waitDone chan struct{}
}

// New creates a ManagedProcess in the Ready state. namePrefix identifies the
// owning slot (e.g. "stream.0") for logging and the generated Name.
func New(namePrefix string, cmd options.Cmd, logger *slog.Logger) *ManagedProcess {
	id := uuid.NewString()[:10]
	name := fmt.Sprintf("%s.managed_process.%s", namePrefix, id)
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("managed_process", name))

	p := &ManagedProcess{
		ID:     id,
		Name:   name,
		Cmd:    cmd,
		logger: logger,
	}
	p.machine = state.New[ManagedProcessState](name, logger)
	p.machine.SetState(context.Background(), Ready)
	return p
}

// State returns the current lifecycle state.
func (p *ManagedProcess) State() ManagedProcessState { return p.machine.MustState() }

// IsAlive reports whether the OS process is expected to still exist.
func (p *ManagedProcess) IsAlive() bool {
	switch p.State() {
	case Running, Stopping, SmartStopping:
		return true
	default:
		return false
	}
}

// PID returns the child's process id, or 0 if it never started or has
// already exited.
func (p *ManagedProcess) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// ReturnCode returns the exit code observed once the process has ended.
func (p *ManagedProcess) ReturnCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.returncode
}

// Start execs the configured command. Guarded to Ready; serialized so a
// concurrent Stop cannot observe a half-started process.
func (p *ManagedProcess) Start(ctx context.Context) error {
	return p.serial.Do(func() error {
		return p.machine.OnlyStatesOrRaise([]ManagedProcessState{Ready}, func() error {
			return p.start(ctx)
		})
	})
}

func (p *ManagedProcess) start(ctx context.Context) error {
	program, err := p.Cmd.ResolvedProgram()
	if err != nil {
		p.machine.SetState(ctx, Dead)
		return fmt.Errorf("resolving program: %w", err)
	}
	args, err := p.Cmd.ResolvedArgs()
	if err != nil {
		p.machine.SetState(ctx, Dead)
		return fmt.Errorf("resolving args: %w", err)
	}
	p.CmdLine = p.Cmd.String()
	p.logger.InfoContext(ctx, "starting process", slog.String("cmd", p.CmdLine))

	p.machine.SetState(ctx, Starting)

	cmd := exec.Command(program, args...)
	cmd.Env = p.childEnv()
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, stderr, closers, err := p.wireOutputs(ctx)
	if err != nil {
		p.machine.SetState(ctx, Dead)
		return fmt.Errorf("wiring stdout/stderr: %w", err)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		p.logger.WarnContext(ctx, "failed to start process", slog.Any("error", err))
		p.machine.SetState(ctx, Dead)
		for _, c := range closers {
			_ = c.Close()
		}
		return fmt.Errorf("starting process: %w", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.closers = closers
	p.mu.Unlock()

	p.logger = p.logger.With(slog.Int("pid", p.pid))
	p.machine.SetState(ctx, Running)

	p.waitDone = make(chan struct{})
	started := make(chan struct{})
	safego.Go(ctx, p.Name+".wait", p.logger, func() {
		p.waitForProcessEnd(ctx, started)
	})
	<-started
	return nil
}

func (p *ManagedProcess) childEnv() []string {
	base := os.Environ()
	if p.Cmd.Options.CleanEnv {
		base = nil
	}
	env := append([]string(nil), base...)
	for k, v := range p.Cmd.Options.ExtraEnvs {
		env = append(env, k+"="+v)
	}
	return env
}

func (p *ManagedProcess) waitForProcessEnd(ctx context.Context, started chan struct{}) {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "waiting for process to end")
	close(started)

	err := cmd.Wait()

	p.mu.Lock()
	rc := cmd.ProcessState.ExitCode()
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		// Mirror the asyncio convention the original daemon relies on:
		// a signal-terminated process reports returncode = -signal, not
		// Go's uniform -1 for any signal.
		rc = -int(ws.Signal())
	}
	p.returncode = rc
	closers := p.closers
	p.closers = nil
	p.mu.Unlock()

	for _, c := range closers {
		_ = c.Close()
	}

	p.logger.InfoContext(ctx, "process ended", slog.Int("returncode", rc), slog.Any("wait_error", err))
	if rc == 0 {
		p.machine.SetState(ctx, Stopped)
	} else {
		p.machine.SetState(ctx, Dead)
	}

	p.mu.Lock()
	p.pid = 0
	p.cmd = nil
	p.mu.Unlock()

	close(p.waitDone)
}

// Wait blocks until the process has fully ended. Safe to call before Start
// has finished: it first waits out the Starting state.
func (p *ManagedProcess) Wait(ctx context.Context) {
	for p.State() == Starting {
		if ctx.Err() != nil {
			return
		}
		p.machine.WaitForStateChange(ctx, 100*time.Millisecond)
	}
	p.mu.Lock()
	done := p.waitDone
	p.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Stop terminates the process per Options.SmartStop: an ErrBadState error
// in Ready, a no-op in any other state outside Running, serialized against
// a concurrent Start/Stop.
func (p *ManagedProcess) Stop(ctx context.Context) error {
	return p.serial.Do(func() error {
		return p.machine.NotTheseStatesOrRaise([]ManagedProcessState{Ready}, func() error {
			return p.machine.OnlyStates([]ManagedProcessState{Running}, func() error {
				return p.stop(ctx)
			})
		})
	})
}

func (p *ManagedProcess) stop(ctx context.Context) error {
	if !p.Cmd.Options.SmartStop {
		return p.nonSmartStop(ctx)
	}

	p.logger.InfoContext(ctx, "smart stopping process")
	p.machine.SetState(ctx, SmartStopping)
	p.kill(p.Cmd.Options.SmartStopSignal)

	done := make(chan struct{})
	go func() {
		p.Wait(ctx)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(p.Cmd.Options.SmartStopTimeout):
		p.logger.WarnContext(ctx, "smart stop timed out, killing")
		return p.nonSmartStop(ctx)
	}
}

func (p *ManagedProcess) nonSmartStop(ctx context.Context) error {
	p.machine.SetState(ctx, Stopping)
	p.kill(syscall.SIGKILL)
	p.Wait(ctx)
	return nil
}

func (p *ManagedProcess) kill(sig syscall.Signal) {
	p.mu.Lock()
	pid := p.pid
	p.mu.Unlock()
	if pid == 0 {
		return
	}

	if p.Cmd.Options.RecursiveSigkill && sig == syscall.SIGKILL {
		p.logger.Info("sending signal to process group", slog.Int("signal", int(sig)), slog.Int("pgid", pid))
		if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
			p.logger.Warn("could not recursively kill process group", slog.Any("error", err))
		}
		return
	}

	p.logger.Info("sending signal to process", slog.Int("signal", int(sig)), slog.Int("pid", pid))
	if err := syscall.Kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		p.logger.Warn("could not kill process", slog.Any("error", err))
	}
}

// Kill sends an explicit signal to the process immediately, bypassing
// smart-stop. Only meaningful while the process is Running or
// SmartStopping.
func (p *ManagedProcess) Kill(sig syscall.Signal) {
	_ = p.machine.OnlyStates([]ManagedProcessState{Running, SmartStopping}, func() error {
		p.kill(sig)
		return nil
	})
}
