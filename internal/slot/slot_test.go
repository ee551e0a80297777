//go:build linux

package slot

import (
	"context"
	"testing"
	"time"

	"github.com/tomtom215/alwaysupgo/internal/options"
	"github.com/tomtom215/alwaysupgo/internal/status"
)

func shOpts(script string) (options.Cmd, string) {
	opts := options.New()
	opts.Templating = false
	opts.Stdout, opts.Stderr = "NULL", "NULL"
	opts.WaitingForRestartDelay = 50 * time.Millisecond
	return options.NewCmd("/bin/sh", []string{"-c", script}, opts), script
}

func TestProcessSlotStartAndStop(t *testing.T) {
	ctx := context.Background()
	cmd, _ := shOpts("sleep 30")
	s := New(ctx, "test", 0, cmd, nil)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for s.State() != Running && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.State() != Running {
		t.Fatalf("State() = %v, want Running", s.State())
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if s.State() != Stopped {
		t.Errorf("State() after Stop() = %v, want Stopped", s.State())
	}
}

func TestProcessSlotAutorespawn(t *testing.T) {
	ctx := context.Background()
	cmd, _ := shOpts("exit 0")
	cmd.Options.Autorespawn = true
	cmd.Options.WaitingForRestartDelay = 20 * time.Millisecond
	s := New(ctx, "test", 0, cmd, nil)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// The process exits immediately with code 0; expect the slot to cycle
	// through WAITING_FOR_RESTART and back to RUNNING on its own.
	deadline := time.Now().Add(2 * time.Second)
	sawWaiting := false
	for time.Now().Before(deadline) {
		if s.State() == WaitingForRestart {
			sawWaiting = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !sawWaiting {
		t.Fatal("slot never entered WAITING_FOR_RESTART after self-exit with autorespawn on")
	}

	for time.Now().Before(deadline) {
		if s.State() == Running {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("slot never returned to Running after the restart delay, state = %v", s.State())
}

func TestProcessSlotNoAutorespawnStaysStopped(t *testing.T) {
	ctx := context.Background()
	cmd, _ := shOpts("exit 0")
	cmd.Options.Autorespawn = false
	s := New(ctx, "test", 0, cmd, nil)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == Stopped {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("slot with autorespawn off ended in state %v, want Stopped", s.State())
}

func TestProcessSlotStartDuringRestartDelayCollapsesWait(t *testing.T) {
	ctx := context.Background()
	cmd, _ := shOpts("exit 0")
	cmd.Options.Autorespawn = true
	cmd.Options.WaitingForRestartDelay = 10 * time.Second
	s := New(ctx, "test", 0, cmd, nil)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for s.State() != WaitingForRestart && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.State() != WaitingForRestart {
		t.Fatal("slot never reached WAITING_FOR_RESTART")
	}

	start := time.Now()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() during backoff error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Start() during WAITING_FOR_RESTART took %v, want the 10s backoff collapsed immediately", elapsed)
	}
}

func TestProcessSlotShutdownIsTerminal(t *testing.T) {
	ctx := context.Background()
	cmd, _ := shOpts("sleep 30")
	s := New(ctx, "test", 0, cmd, nil)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if s.State() != Shutdown {
		t.Errorf("State() after Shutdown() = %v, want Shutdown", s.State())
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() after Shutdown() error = %v, want guarded no-op", err)
	}
	if s.State() != Shutdown {
		t.Errorf("Start() after Shutdown() changed state to %v, want it to remain Shutdown", s.State())
	}
}

func TestProcessSlotStatusRollup(t *testing.T) {
	ctx := context.Background()
	cmd, _ := shOpts("sleep 30")
	s := New(ctx, "test", 0, cmd, nil)

	if got := s.Status(); got != status.Stopped {
		t.Errorf("Status() before start = %v, want Stopped", got)
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := s.Status(); got != status.NOK {
		t.Errorf("Status() just after start = %v, want NOK (settle window)", got)
	}
}
