// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/alwaysupgo/internal/httpapi"
	"github.com/tomtom215/alwaysupgo/internal/lock"
	"github.com/tomtom215/alwaysupgo/internal/manager"
)

func TestFileLockRejectsSecondHolder(t *testing.T) {
	tmpDir := t.TempDir()
	lockPath := filepath.Join(tmpDir, "alwaysupd.lock")

	fl, err := lock.NewFileLock(lockPath)
	if err != nil {
		t.Fatalf("NewFileLock: %v", err)
	}
	if err := fl.Acquire(time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer fl.Release()

	// Someone else holds the lock: a second acquire on the same path must fail.
	fl2, err := lock.NewFileLock(lockPath)
	if err != nil {
		t.Fatalf("NewFileLock: %v", err)
	}
	if err := fl2.Acquire(200 * time.Millisecond); err == nil {
		t.Fatal("Acquire on an already-held lock should fail")
	}
}

func TestDaemonControlPlaneRoundTrip(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := manager.New(ctx, logger)
	api := httpapi.New(m, zerolog.Nop())

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpapi.ListenAndServeReady(ctx, "127.0.0.1:0", api.Router())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("ListenAndServeReady err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down after cancel")
	}
}

func TestLoadDaemonConfigNoPathUsesFlagsAndDefaults(t *testing.T) {
	cfg, err := loadDaemonConfig("", "10.0.0.1", 9001)
	if err != nil {
		t.Fatalf("loadDaemonConfig: %v", err)
	}
	if cfg.HTTP.Host != "10.0.0.1" || cfg.HTTP.Port != 9001 {
		t.Errorf("HTTP = %+v, want host=10.0.0.1 port=9001", cfg.HTTP)
	}
	if cfg.LockPath == "" {
		t.Error("LockPath should fall back to the built-in default")
	}
}

func TestLoadDaemonConfigFromYAMLFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "alwaysupd.yaml")
	yamlBody := `
http:
  host: 0.0.0.0
  port: 9100
lock_path: /tmp/alwaysupd-test.lock
log_level: debug
services:
  - name: echo
    program: /bin/echo
    args: ["hello"]
    slot_number: 2
`
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := loadDaemonConfig(path, "127.0.0.1", 8000)
	if err != nil {
		t.Fatalf("loadDaemonConfig: %v", err)
	}
	if cfg.HTTP.Host != "0.0.0.0" || cfg.HTTP.Port != 9100 {
		t.Errorf("HTTP = %+v, want host=0.0.0.0 port=9100", cfg.HTTP)
	}
	if cfg.LockPath != "/tmp/alwaysupd-test.lock" {
		t.Errorf("LockPath = %q", cfg.LockPath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if len(cfg.Services) != 1 || cfg.Services[0].Name != "echo" || cfg.Services[0].SlotNumber != 2 {
		t.Errorf("Services = %+v", cfg.Services)
	}

	services := servicesFromConfig(cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if len(services) != 1 {
		t.Fatalf("servicesFromConfig returned %d services, want 1", len(services))
	}
	if services[0].Name != "echo" || services[0].SlotNumber() != 2 {
		t.Errorf("built service = %+v", services[0])
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
