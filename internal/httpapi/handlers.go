// SPDX-License-Identifier: MIT

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/alwaysupgo/internal/options"
	"github.com/tomtom215/alwaysupgo/internal/safego"
	"github.com/tomtom215/alwaysupgo/internal/service"
	"github.com/tomtom215/alwaysupgo/internal/state"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeOpError translates an error returned by the manager/service/slot
// layer into an HTTP response: a wrapped state.ErrBadState (the operation
// doesn't apply to the entity's current lifecycle state) becomes a 400,
// anything else a 500.
func writeOpError(w http.ResponseWriter, err error) {
	if errors.Is(err, state.ErrBadState) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (a *API) getManager(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.Summarize())
}

// postManagerShutdown shuts the manager down and then sends SIGTERM to the
// daemon's own process, mirroring the original daemon's
// "shutdown then self-signal" sequence so the process actually exits once
// every service has stopped.
func (a *API) postManagerShutdown(w http.ResponseWriter, r *http.Request) {
	go func() {
		// chi's Recoverer only guards the request goroutine, not this detached
		// one, so a panicking shutdown path is caught here instead of taking
		// down the daemon.
		err := safego.RecoverToError(func() error {
			return a.manager.Shutdown(context.Background())
		})
		if err != nil {
			a.logger.Error().Err(err).Msg("manager shutdown failed")
		}
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
	}()
	writeJSON(w, http.StatusOK, map[string]string{"detail": "shutting down"})
}

func (a *API) postManagerStopAll(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.StopAll(r.Context()); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "stopped"})
}

func (a *API) getServices(w http.ResponseWriter, r *http.Request) {
	names := a.manager.ServiceNames()
	summaries := make([]service.Summary, 0, len(names))
	for _, name := range names {
		if svc, ok := a.manager.Service(name); ok {
			summaries = append(summaries, svc.Summarize())
		}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (a *API) serviceFromPath(w http.ResponseWriter, r *http.Request) (*service.Service, bool) {
	name := chi.URLParam(r, "name")
	svc, ok := a.manager.Service(name)
	if !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return nil, false
	}
	return svc, true
}

func (a *API) getService(w http.ResponseWriter, r *http.Request) {
	svc, ok := a.serviceFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, svc.Summarize())
}

func (a *API) deleteService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := a.manager.Service(name); !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	if err := a.manager.ShutdownAndRemoveService(r.Context(), name); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "removed"})
}

func (a *API) postServiceStart(w http.ResponseWriter, r *http.Request) {
	svc, ok := a.serviceFromPath(w, r)
	if !ok {
		return
	}
	if err := svc.Start(r.Context()); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "started"})
}

func (a *API) postServiceStop(w http.ResponseWriter, r *http.Request) {
	svc, ok := a.serviceFromPath(w, r)
	if !ok {
		return
	}
	if err := svc.Stop(r.Context()); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "stopped"})
}

// scaleBody mirrors the original daemon's ScaleBody: the number of workers
// to scale a service to.
type scaleBody struct {
	Workers int `json:"workers"`
}

func (a *API) postServiceScale(w http.ResponseWriter, r *http.Request) {
	svc, ok := a.serviceFromPath(w, r)
	if !ok {
		return
	}
	var body scaleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := svc.SetSlotNumber(r.Context(), body.Workers); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"workers": body.Workers})
}

func (a *API) postServiceScaleUp(w http.ResponseWriter, r *http.Request) {
	svc, ok := a.serviceFromPath(w, r)
	if !ok {
		return
	}
	n := svc.SlotNumber() + 1
	if err := svc.SetSlotNumber(r.Context(), n); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"workers": n})
}

// postServiceScaleDown scales a service down by one worker, floored at 1:
// a service is never scaled down to zero slots through this route, only
// through DELETE or /scale with an explicit 0.
func (a *API) postServiceScaleDown(w http.ResponseWriter, r *http.Request) {
	svc, ok := a.serviceFromPath(w, r)
	if !ok {
		return
	}
	n := svc.SlotNumber() - 1
	if n < 1 {
		n = 1
	}
	if err := svc.SetSlotNumber(r.Context(), n); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"workers": n})
}

// serviceBody mirrors the original daemon's ServiceBody dataclass: the
// fields needed to construct a Service plus an embedded Options.
type serviceBody struct {
	options.Options
	Name    *string  `json:"name"`
	Workers int      `json:"workers"`
	Program *string  `json:"program"`
	Args    []string `json:"args"`
}

func (a *API) postServiceAdd(w http.ResponseWriter, r *http.Request) {
	var body serviceBody
	body.Workers = 1
	body.Options = options.New()
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Name == nil || *body.Name == "" {
		writeError(w, http.StatusBadRequest, "missing name property in the body")
		return
	}
	if body.Program == nil || *body.Program == "" {
		writeError(w, http.StatusBadRequest, "missing program property in the body")
		return
	}
	if _, exists := a.manager.Service(*body.Name); exists {
		writeError(w, http.StatusConflict, "service already exist")
		return
	}

	cmd := options.NewCmd(*body.Program, body.Args, body.Options)
	svc := service.New(r.Context(), *body.Name, body.Workers, cmd, nil)
	if err := a.manager.AddService(r.Context(), svc); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": *body.Name})
}

func (a *API) slotFromPath(w http.ResponseWriter, r *http.Request) (*service.Service, int, bool) {
	svc, ok := a.serviceFromPath(w, r)
	if !ok {
		return nil, 0, false
	}
	i, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil {
		writeError(w, http.StatusNotFound, "slot not found")
		return nil, 0, false
	}
	if _, ok := svc.Slot(i); !ok {
		writeError(w, http.StatusNotFound, "slot not found")
		return nil, 0, false
	}
	return svc, i, true
}

func (a *API) postSlotStart(w http.ResponseWriter, r *http.Request) {
	svc, i, ok := a.slotFromPath(w, r)
	if !ok {
		return
	}
	if err := svc.StartSlot(r.Context(), i); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "started"})
}

func (a *API) postSlotStop(w http.ResponseWriter, r *http.Request) {
	svc, i, ok := a.slotFromPath(w, r)
	if !ok {
		return
	}
	if err := svc.StopSlot(r.Context(), i); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "stopped"})
}

func (a *API) postSlotSigkill(w http.ResponseWriter, r *http.Request) {
	svc, i, ok := a.slotFromPath(w, r)
	if !ok {
		return
	}
	if err := svc.KillSlot(i, syscall.SIGKILL); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "killed"})
}
