// SPDX-License-Identifier: MIT

// Package httpapi implements the daemon's HTTP control plane: a chi router
// exposing the manager, its services and their slots for inspection and
// control, plus a Prometheus /metrics endpoint.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tomtom215/alwaysupgo/internal/manager"
)

// API holds everything a request handler needs: a single *manager.Manager,
// no package-level singleton.
type API struct {
	manager *manager.Manager
	logger  zerolog.Logger
}

// New constructs an API bound to m. logger is used for the HTTP
// request-logging middleware and for reporting a failed background
// manager shutdown; the rest of the daemon logs through log/slog.
func New(m *manager.Manager, logger zerolog.Logger) *API {
	return &API{manager: m, logger: logger}
}

// Router builds the chi router implementing every control-plane route.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(a.requestLogger)

	r.Get("/manager", a.getManager)
	r.Post("/manager/shutdown", a.postManagerShutdown)
	r.Post("/manager/stop_all", a.postManagerStopAll)

	r.Route("/services", func(r chi.Router) {
		r.Get("/", a.getServices)
		r.Post("/add", a.postServiceAdd)

		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", a.getService)
			r.Delete("/", a.deleteService)
			r.Post("/start", a.postServiceStart)
			r.Post("/stop", a.postServiceStop)
			r.Post("/scale", a.postServiceScale)
			r.Post("/scaleup", a.postServiceScaleUp)
			r.Post("/scaledown", a.postServiceScaleDown)

			r.Route("/slots/{slot}", func(r chi.Router) {
				r.Post("/start", a.postSlotStart)
				r.Post("/stop", a.postSlotStop)
				r.Post("/sigkill", a.postSlotSigkill)
			})
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// requestLogger is a chi middleware logging every request's method, path,
// status and latency through zerolog, the one place in the daemon that
// uses it instead of log/slog.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	})
}

// ListenAndServeReady binds addr synchronously before returning, so a
// port-in-use error surfaces to the caller immediately instead of being
// lost inside a goroutine. Once bound, it serves handler in the
// background and shuts the server down gracefully when ctx is cancelled.
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
