//go:build linux

package manager

import (
	"context"
	"testing"
	"time"

	"github.com/tomtom215/alwaysupgo/internal/options"
	"github.com/tomtom215/alwaysupgo/internal/service"
	"github.com/tomtom215/alwaysupgo/internal/status"
)

func sleepCmd() options.Cmd {
	opts := options.New()
	opts.Templating = false
	opts.Stdout, opts.Stderr = "NULL", "NULL"
	opts.Autostart = true
	return options.NewCmd("/bin/sh", []string{"-c", "sleep 30"}, opts)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestManagerAddServiceAutostarts(t *testing.T) {
	ctx := context.Background()
	m := New(ctx, nil)

	svc := service.New(ctx, "stream", 2, sleepCmd(), nil)
	if err := m.AddService(ctx, svc); err != nil {
		t.Fatalf("AddService() error = %v", err)
	}

	waitFor(t, func() bool { return svc.State() == service.Running })

	if _, ok := m.Service("stream"); !ok {
		t.Error("Service(\"stream\") not found after AddService")
	}
	names := m.ServiceNames()
	if len(names) != 1 || names[0] != "stream" {
		t.Errorf("ServiceNames() = %v, want [stream]", names)
	}
}

func TestManagerAddServiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := New(ctx, nil)

	svc1 := service.New(ctx, "stream", 1, sleepCmd(), nil)
	svc2 := service.New(ctx, "stream", 5, sleepCmd(), nil)

	if err := m.AddService(ctx, svc1); err != nil {
		t.Fatalf("AddService(svc1) error = %v", err)
	}
	if err := m.AddService(ctx, svc2); err != nil {
		t.Fatalf("AddService(svc2) error = %v", err)
	}

	got, _ := m.Service("stream")
	if got != svc1 {
		t.Error("second AddService with the same name replaced the first; want it ignored")
	}
}

func TestManagerShutdownAndRemoveService(t *testing.T) {
	ctx := context.Background()
	m := New(ctx, nil)

	svc := service.New(ctx, "stream", 1, sleepCmd(), nil)
	if err := m.AddService(ctx, svc); err != nil {
		t.Fatalf("AddService() error = %v", err)
	}
	waitFor(t, func() bool { return svc.State() == service.Running })

	if err := m.ShutdownAndRemoveService(ctx, "stream"); err != nil {
		t.Fatalf("ShutdownAndRemoveService() error = %v", err)
	}
	if _, ok := m.Service("stream"); ok {
		t.Error("service still present after ShutdownAndRemoveService")
	}
	if svc.State() != service.Shutdown {
		t.Errorf("removed service State() = %v, want Shutdown", svc.State())
	}
}

func TestManagerShutdownDownIsTerminal(t *testing.T) {
	ctx := context.Background()
	m := New(ctx, nil)

	svc := service.New(ctx, "stream", 1, sleepCmd(), nil)
	if err := m.AddService(ctx, svc); err != nil {
		t.Fatalf("AddService() error = %v", err)
	}
	waitFor(t, func() bool { return svc.State() == service.Running })

	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if m.State() != Shutdown {
		t.Errorf("State() after Shutdown() = %v, want Shutdown", m.State())
	}

	if err := m.AddService(ctx, service.New(ctx, "other", 1, sleepCmd(), nil)); err == nil {
		t.Error("AddService() after Shutdown() should raise, got nil error")
	}
}

func TestManagerStatusReflectsServices(t *testing.T) {
	ctx := context.Background()
	m := New(ctx, nil)

	if got := m.Status(); got != status.Stopped {
		t.Errorf("Status() with no services = %v, want Stopped (empty rollup)", got)
	}

	svc := service.New(ctx, "stream", 1, sleepCmd(), nil)
	if err := m.AddService(ctx, svc); err != nil {
		t.Fatalf("AddService() error = %v", err)
	}
	waitFor(t, func() bool { return svc.State() == service.Running })
	waitFor(t, func() bool { return m.Status() != status.Stopped })
}
