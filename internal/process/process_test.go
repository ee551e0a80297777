//go:build linux

package process

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	alwaysupoptions "github.com/tomtom215/alwaysupgo/internal/options"
	"github.com/tomtom215/alwaysupgo/internal/state"
)

func shCmd(script string, opts alwaysupoptions.Options) alwaysupoptions.Cmd {
	opts.Templating = false
	return alwaysupoptions.NewCmd("/bin/sh", []string{"-c", script}, opts)
}

func TestManagedProcessStartAndSelfExitZero(t *testing.T) {
	ctx := context.Background()
	opts := alwaysupoptions.New()
	opts.Stdout, opts.Stderr = "NULL", "NULL"
	p := New("test", shCmd("exit 0", opts), nil)

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if p.State() != Running {
		t.Fatalf("State() after Start = %v, want Running", p.State())
	}

	p.Wait(ctx)

	if p.State() != Stopped {
		t.Errorf("State() after self-exit(0) = %v, want Stopped", p.State())
	}
	if p.ReturnCode() != 0 {
		t.Errorf("ReturnCode() = %d, want 0", p.ReturnCode())
	}
}

func TestManagedProcessSelfExitNonZeroIsDead(t *testing.T) {
	ctx := context.Background()
	opts := alwaysupoptions.New()
	opts.Stdout, opts.Stderr = "NULL", "NULL"
	p := New("test", shCmd("exit 7", opts), nil)

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p.Wait(ctx)

	if p.State() != Dead {
		t.Errorf("State() after self-exit(7) = %v, want Dead", p.State())
	}
	if p.ReturnCode() != 7 {
		t.Errorf("ReturnCode() = %d, want 7", p.ReturnCode())
	}
}

func TestManagedProcessStopSendsSignal(t *testing.T) {
	ctx := context.Background()
	opts := alwaysupoptions.New()
	opts.Stdout, opts.Stderr = "NULL", "NULL"
	opts.SmartStopTimeout = 2 * time.Second
	// sh runs a trap only after a foreground command ends, but the wait
	// builtin is interrupted by a trapped signal, so the trap fires at once.
	p := New("test", shCmd("trap 'exit 0' TERM; sleep 30 & wait", opts), nil)

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	start := time.Now()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	elapsed := time.Since(start)

	if p.State() != Stopped {
		t.Errorf("State() after Stop() = %v, want Stopped", p.State())
	}
	if elapsed > opts.SmartStopTimeout {
		t.Errorf("Stop() took %v, want well under smart stop timeout %v", elapsed, opts.SmartStopTimeout)
	}
}

func TestManagedProcessStopEscalatesToKillOnTimeout(t *testing.T) {
	ctx := context.Background()
	opts := alwaysupoptions.New()
	opts.Stdout, opts.Stderr = "NULL", "NULL"
	opts.SmartStopTimeout = 200 * time.Millisecond
	// Ignores TERM, forcing escalation to SIGKILL.
	p := New("test", shCmd("trap '' TERM; sleep 30", opts), nil)

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Stop(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not escalate to SIGKILL in time")
	}

	if p.State() != Stopped && p.State() != Dead {
		t.Errorf("State() after killed Stop() = %v, want Stopped or Dead", p.State())
	}
}

func TestManagedProcessStopRaisesInReady(t *testing.T) {
	opts := alwaysupoptions.New()
	p := New("test", shCmd("exit 0", opts), nil)
	// Still Ready: Stop is forbidden and reports ErrBadState.
	if err := p.Stop(context.Background()); !errors.Is(err, state.ErrBadState) {
		t.Errorf("Stop() on a Ready process = %v, want ErrBadState", err)
	}
}

func TestManagedProcessNonSmartStopKillsImmediately(t *testing.T) {
	ctx := context.Background()
	opts := alwaysupoptions.New()
	opts.SmartStop = false
	opts.Stdout, opts.Stderr = "NULL", "NULL"
	p := New("test", shCmd("sleep 30", opts), nil)

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	start := time.Now()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("non-smart Stop() took %v, want near-instant SIGKILL", elapsed)
	}
}

func TestManagedProcessPID(t *testing.T) {
	ctx := context.Background()
	opts := alwaysupoptions.New()
	opts.Stdout, opts.Stderr = "NULL", "NULL"
	p := New("test", shCmd("sleep 30", opts), nil)

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if p.PID() == 0 {
		t.Error("PID() == 0 while Running")
	}
	_ = p.Stop(ctx)
	if p.PID() != 0 {
		t.Errorf("PID() = %d after Stop(), want 0", p.PID())
	}
}

func TestManagedProcessStdoutToFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	logPath := dir + "/out.log"

	opts := alwaysupoptions.New()
	opts.Stdout = logPath
	opts.Stderr = "STDOUT"
	p := New("test", shCmd("echo hello-from-test", opts), nil)

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p.Wait(ctx)

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if string(data) != "hello-from-test\n" {
		t.Errorf("log file content = %q, want %q", data, "hello-from-test\n")
	}
}

func TestManagedProcessKillWhileRunning(t *testing.T) {
	ctx := context.Background()
	opts := alwaysupoptions.New()
	opts.Stdout, opts.Stderr = "NULL", "NULL"
	p := New("test", shCmd("trap 'exit 3' USR1; sleep 30", opts), nil)

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p.Kill(syscall.SIGUSR1)
	p.Wait(ctx)

	if p.ReturnCode() != 3 {
		t.Errorf("ReturnCode() after SIGUSR1 trap = %d, want 3", p.ReturnCode())
	}
}
