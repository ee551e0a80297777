// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/alwaysupgo/internal/config"
	"github.com/tomtom215/alwaysupgo/internal/httpapi"
	"github.com/tomtom215/alwaysupgo/internal/lock"
	"github.com/tomtom215/alwaysupgo/internal/manager"
	"github.com/tomtom215/alwaysupgo/internal/options"
	"github.com/tomtom215/alwaysupgo/internal/service"
)

const defaultLockPath = "/run/alwaysupd/alwaysupd.lock"

// runForever runs a single ad-hoc program under supervision, mirroring the
// original CLI's run_forever: everything after the recognized flags is the
// program and its arguments.
func runForever(args []string) error {
	fs := flag.NewFlagSet("run-forever", flag.ContinueOnError)
	workers := fs.Int("workers", 1, "number of worker slots")
	bindHost := fs.String("bind-host", "127.0.0.1", "HTTP control-plane bind host")
	port := fs.Int("port", 0, "HTTP control-plane port (0 disables the control plane)")
	daemonize := fs.Bool("daemonize", false, "detach into the background")
	daemonizeStdout := fs.String("daemonize-stdout", "/dev/null", "stdout file when daemonized")
	daemonizeStderr := fs.String("daemonize-stderr", "/dev/null", "stderr file when daemonized")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("you have to provide a program to execute")
	}

	program := fs.Arg(0)
	programArgs := fs.Args()[1:]

	if *daemonize {
		return reexecDaemonized(os.Args[1:], *daemonizeStdout, *daemonizeStderr)
	}

	opts := options.New()
	opts.Stdout = "PIPE"
	opts.Stderr = "PIPE"
	cmd := options.NewCmd(program, programArgs, opts)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	svc := service.New(context.Background(), "forever_cmd", *workers, cmd, logger)

	return runDaemonLoop(*bindHost, *port, defaultLockPath, []*service.Service{svc}, logger)
}

// startDaemon starts the daemon. With no --config it behaves as before:
// bind host/port come from flags and no services are pre-registered. With
// --config it loads bind host/port, lock path, log level and a list of
// pre-declared services from a YAML file via internal/config, the same way
// the original daemon's run_forever convenience pre-registers a service,
// generalized to any number of them; ALWAYSUPD_-prefixed environment
// variables override whatever the file sets.
func startDaemon(args []string) error {
	fs := flag.NewFlagSet("start-daemon", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file (bind host/port, lock path, log level, pre-declared services)")
	bindHost := fs.String("bind-host", "127.0.0.1", "HTTP control-plane bind host (ignored when --config is given)")
	port := fs.Int("port", 8000, "HTTP control-plane port (ignored when --config is given)")
	foreground := fs.Bool("foreground", false, "run in the foreground instead of daemonizing")
	daemonizeStdout := fs.String("daemonize-stdout", "NULL", "stdout file when daemonized")
	daemonizeStderr := fs.String("daemonize-stderr", "NULL", "stderr file when daemonized")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*foreground {
		return reexecDaemonized(os.Args[1:], *daemonizeStdout, *daemonizeStderr)
	}

	cfg, err := loadDaemonConfig(*configPath, *bindHost, *port)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}))
	services := servicesFromConfig(cfg, logger)

	return runDaemonLoop(cfg.HTTP.Host, cfg.HTTP.Port, cfg.LockPath, services, logger)
}

// loadDaemonConfig loads daemon configuration for start-daemon. With no
// configPath it falls back to config.DefaultConfig() overridden by the
// bind-host/port flags, same as before --config existed. With a configPath
// it loads through internal/config's koanf-based layering (YAML file, then
// ALWAYSUPD_-prefixed environment variables).
func loadDaemonConfig(configPath, bindHost string, port int) (*config.Config, error) {
	if configPath == "" {
		cfg := config.DefaultConfig()
		cfg.HTTP.Host = bindHost
		cfg.HTTP.Port = port
		return cfg, nil
	}

	kc, err := config.NewKoanfConfig(config.WithYAMLFile(configPath))
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", configPath, err)
	}
	return kc.Load()
}

// servicesFromConfig builds the services to pre-register at startup,
// mirroring daemon.py's __start_manager loop over services_to_add.
func servicesFromConfig(cfg *config.Config, logger *slog.Logger) []*service.Service {
	services := make([]*service.Service, 0, len(cfg.Services))
	for _, sc := range cfg.Services {
		cmd := options.NewCmd(sc.Program, sc.Args, sc.Options)
		services = append(services, service.New(context.Background(), sc.Name, sc.SlotNumber, cmd, logger))
	}
	return services
}

// parseLogLevel maps a config log level name to its slog.Level, matching
// the set internal/config.Config.Validate accepts.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// reexecDaemonized re-executes the current binary with the same arguments
// plus --foreground (so the child runs the daemon instead of re-executing
// again) in the background, redirecting stdout/stderr to the named files (or
// discarding them for the "NULL" sentinel), and exits the parent. This is
// Go's idiomatic analogue of the original's daemonocle-based double-fork:
// no third-party daemonization library exists in the retrieval pack.
func reexecDaemonized(args []string, stdoutPath, stderrPath string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable path: %w", err)
	}

	filtered := make([]string, 0, len(args))
	for _, a := range args {
		if a != "--daemonize" && a != "-daemonize" && a != "--foreground=false" {
			filtered = append(filtered, a)
		}
	}
	filtered = append(filtered, "--foreground")

	stdout, err := openDaemonStream(stdoutPath)
	if err != nil {
		return err
	}
	stderr, err := openDaemonStream(stderrPath)
	if err != nil {
		return err
	}

	proc, err := os.StartProcess(exe, append([]string{exe}, filtered...), &os.ProcAttr{
		Dir:   ".",
		Env:   os.Environ(),
		Files: []*os.File{nil, stdout, stderr},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		return fmt.Errorf("starting daemonized process: %w", err)
	}

	fmt.Printf("daemon started with pid %d\n", proc.Pid)
	return nil
}

func openDaemonStream(path string) (*os.File, error) {
	if path == "" || path == "NULL" {
		return os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
}

// runDaemonLoop acquires the instance lock, adds services, serves the
// HTTP control plane and blocks until the manager shuts down.
//
// Signal handling escalates like the original's _sig_handler: the first
// SIGINT/SIGTERM/SIGHUP starts a graceful manager.Shutdown in the
// background; a second signal received while that shutdown is still in
// flight kills every process immediately with SIGKILL instead of waiting.
func runDaemonLoop(bindHost string, port int, lockPath string, services []*service.Service, logger *slog.Logger) error {
	fl, err := lock.NewFileLock(lockPath)
	if err != nil {
		return fmt.Errorf("creating instance lock: %w", err)
	}
	if err := fl.Acquire(5 * time.Second); err != nil {
		return fmt.Errorf("another alwaysupd instance is already running: %w", err)
	}
	defer fl.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := manager.New(ctx, logger)
	for _, svc := range services {
		if err := m.AddService(ctx, svc); err != nil {
			return fmt.Errorf("adding service %s: %w", svc.Name, err)
		}
	}

	var shuttingDown atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if shuttingDown.Swap(true) {
				logger.Warn("second signal received, killing every process", slog.String("signal", sig.String()))
				m.Kill(syscall.SIGKILL)
				continue
			}
			logger.Info("signal received, shutting down", slog.String("signal", sig.String()))
			go func() {
				_ = m.Shutdown(context.Background())
				cancel()
			}()
		}
	}()

	if port <= 0 {
		m.Wait(ctx)
		return nil
	}

	addr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	api := httpapi.New(m, zl)

	if err := httpapi.ListenAndServeReady(ctx, addr, api.Router()); err != nil && ctx.Err() == nil {
		return fmt.Errorf("http control plane: %w", err)
	}
	m.Wait(context.Background())
	return nil
}
