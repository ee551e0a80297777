// SPDX-License-Identifier: MIT

// Package manager implements Manager, the root of the supervision tree: a
// named map of Services, each wrapped as a github.com/thejerf/suture/v4
// service so that a Service whose Start fails (a misconfigured program, a
// missing binary) gets retried by suture (with suture's default failure
// threshold and fixed failure backoff) instead of being left dead until an
// operator intervenes by hand.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/alwaysupgo/internal/safego"
	"github.com/tomtom215/alwaysupgo/internal/service"
	"github.com/tomtom215/alwaysupgo/internal/state"
	"github.com/tomtom215/alwaysupgo/internal/status"
)

// State enumerates the lifecycle of the Manager itself.
type State int

const (
	Running State = iota + 1
	Shutdown
	Stopping
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Shutdown:
		return "SHUTDOWN"
	case Stopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// Manager owns every Service in the daemon.
type Manager struct {
	logger  *slog.Logger
	machine *state.Machine[State]
	serial  state.Serializer

	supervisor   *suture.Supervisor
	supervisorCx context.Context
	cancelSup    context.CancelFunc

	mu       sync.Mutex
	services map[string]*service.Service
	tokens   map[string]suture.ServiceToken
}

// New creates a Manager in the Running state and starts its internal
// suture supervisor tree in the background.
func New(ctx context.Context, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "manager"))

	supCtx, cancel := context.WithCancel(ctx)
	sup := suture.New("alwaysupd", suture.Spec{
		EventHook: func(ev suture.Event) {
			logger.Warn("supervisor event", slog.String("event", ev.String()))
		},
	})

	m := &Manager{
		logger:       logger,
		machine:      state.New[State]("manager", logger),
		supervisor:   sup,
		supervisorCx: supCtx,
		cancelSup:    cancel,
		services:     make(map[string]*service.Service),
		tokens:       make(map[string]suture.ServiceToken),
	}
	m.machine.SetState(ctx, Running)

	safego.Go(ctx, "manager.supervisor", logger, func() {
		if err := sup.Serve(supCtx); err != nil && supCtx.Err() == nil {
			logger.Error("supervisor tree exited unexpectedly", slog.Any("error", err))
		}
	})

	logger.InfoContext(ctx, "manager started")
	return m
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State { return m.machine.MustState() }

// Status rolls up every service's status, folding in an extra Warning while
// the manager itself is mid-Stopping.
func (m *Manager) Status() status.Status {
	if m.State() == Shutdown {
		return status.Stopped
	}

	m.mu.Lock()
	statuses := make([]status.Status, 0, len(m.services)+1)
	for _, svc := range m.services {
		statuses = append(statuses, svc.Status())
	}
	m.mu.Unlock()

	if m.State() == Stopping {
		statuses = append(statuses, status.Warning)
	}
	return status.Rollup(statuses)
}

// Summary is the point-in-time snapshot returned by GET /manager.
type Summary struct {
	State         string             `json:"state"`
	Status        string             `json:"status"`
	StateSince    float64            `json:"state_since_seconds"`
	StateHumanize string             `json:"state_since_human"`
	Services      map[string]service.Summary `json:"services"`
}

// Summarize returns the manager's current Summary, including every
// service's own Summary.
func (m *Manager) Summarize() Summary {
	since, _ := m.machine.SecondsSinceLatestStateChange()
	humanized, _ := m.machine.HumanizedTimeSinceLatestStateChange()

	m.mu.Lock()
	services := make(map[string]service.Summary, len(m.services))
	for name, svc := range m.services {
		services[name] = svc.Summarize()
	}
	m.mu.Unlock()

	return Summary{
		State:         m.State().String(),
		Status:        m.Status().String(),
		StateSince:    since,
		StateHumanize: humanized,
		Services:      services,
	}
}

// Service returns the named Service, or ok=false if it doesn't exist.
func (m *Manager) Service(name string) (*service.Service, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[name]
	return svc, ok
}

// ServiceNames lists every currently registered service name.
func (m *Manager) ServiceNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	return names
}

// AddService registers svc with the manager and, if its Options request
// autostart, starts it synchronously so the caller observes the service
// Running once AddService returns, matching the original daemon's
// "await service.start()" contract. The service is also handed to the
// suture supervisor tree so that if this initial start fails, suture's own
// backoff keeps retrying it in the background instead of leaving it dead
// until an operator intervenes by hand.
func (m *Manager) AddService(ctx context.Context, svc *service.Service) error {
	return m.serial.Do(func() error {
		return m.machine.OnlyStatesOrRaise([]State{Running}, func() error {
			m.mu.Lock()
			if _, exists := m.services[svc.Name]; exists {
				m.mu.Unlock()
				return nil
			}
			m.services[svc.Name] = svc
			m.mu.Unlock()

			m.logger.InfoContext(ctx, "adding service", slog.String("service", svc.Name))

			var startErr error
			if svc.Cmd.Options.Autostart {
				startErr = svc.Start(ctx)
				if startErr != nil {
					m.logger.ErrorContext(ctx, "initial service start failed, handing off to supervisor for retry",
						slog.String("service", svc.Name), slog.Any("error", startErr))
				}

				token := m.supervisor.Add(&serviceRunner{svc: svc, logger: m.logger})
				m.mu.Lock()
				m.tokens[svc.Name] = token
				m.mu.Unlock()
			}

			m.logger.InfoContext(ctx, "service added", slog.String("service", svc.Name))
			return startErr
		})
	})
}

// ShutdownAndRemoveService shuts a single service down and removes it from
// the manager, including unregistering it from the supervisor tree.
func (m *Manager) ShutdownAndRemoveService(ctx context.Context, name string) error {
	return m.serial.Do(func() error {
		return m.machine.OnlyStatesOrRaise([]State{Running}, func() error {
			m.mu.Lock()
			svc, ok := m.services[name]
			token, hasToken := m.tokens[name]
			m.mu.Unlock()
			if !ok {
				return nil
			}

			if hasToken {
				_ = m.supervisor.RemoveAndWait(token, 5*time.Second)
			}
			if err := svc.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutting down service %s: %w", name, err)
			}

			m.mu.Lock()
			delete(m.services, name)
			delete(m.tokens, name)
			m.mu.Unlock()
			return nil
		})
	})
}

// StopAll stops every service without removing them or shutting the
// manager down.
func (m *Manager) StopAll(ctx context.Context) error {
	return m.serial.Do(func() error {
		return m.machine.OnlyStatesOrRaise([]State{Running}, func() error {
			return m.stopOrShutdownAll(ctx, false)
		})
	})
}

func (m *Manager) stopOrShutdownAll(ctx context.Context, shutdown bool) error {
	m.mu.Lock()
	services := make([]*service.Service, 0, len(m.services))
	for _, svc := range m.services {
		services = append(services, svc)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Add(1)
		go func(svc *service.Service) {
			defer wg.Done()
			if shutdown {
				_ = svc.Shutdown(ctx)
			} else {
				_ = svc.Stop(ctx)
			}
		}(svc)
	}
	wg.Wait()
	return nil
}

// Shutdown stops and tears down every service, stops the suture supervisor
// tree, and marks the manager terminally Shutdown.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.serial.Do(func() error {
		return m.machine.OnlyStatesOrRaise([]State{Running}, func() error {
			m.logger.InfoContext(ctx, "manager is starting to shut down")
			m.machine.SetState(ctx, Stopping)

			if err := m.stopOrShutdownAll(ctx, true); err != nil {
				return err
			}
			m.cancelSup()

			m.machine.SetState(ctx, Shutdown)
			m.Wait(ctx)
			m.logger.InfoContext(ctx, "manager shut down")
			return nil
		})
	})
}

// Wait blocks until the manager reaches Shutdown.
func (m *Manager) Wait(ctx context.Context) {
	for m.State() != Shutdown {
		if ctx.Err() != nil {
			return
		}
		m.machine.WaitForStateChange(ctx, time.Second)
	}
}

// Kill sends sig to every service directly, bypassing smart-stop.
func (m *Manager) Kill(sig syscall.Signal) {
	_ = m.machine.OnlyStates([]State{Running, Stopping}, func() error {
		m.mu.Lock()
		services := make([]*service.Service, 0, len(m.services))
		for _, svc := range m.services {
			services = append(services, svc)
		}
		m.mu.Unlock()
		for _, svc := range services {
			svc.Kill(sig)
		}
		return nil
	})
}

// serviceRunner adapts a *service.Service to suture.Service: Serve starts
// the service and blocks until ctx is cancelled, at which point it stops
// the service gracefully. If Start itself fails, Serve returns the error so
// suture's own backoff retries it.
type serviceRunner struct {
	svc    *service.Service
	logger *slog.Logger
}

func (r *serviceRunner) Serve(ctx context.Context) error {
	if err := r.svc.Start(ctx); err != nil {
		return fmt.Errorf("starting service %s: %w", r.svc.Name, err)
	}
	<-ctx.Done()
	return r.svc.Stop(context.Background())
}
