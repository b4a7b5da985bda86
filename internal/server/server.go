// Package server wires the HTTP API of the workbench server.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ereuse/workbench-server/internal/config"
	"github.com/ereuse/workbench-server/internal/server/handlers"
	"github.com/ereuse/workbench-server/internal/server/middleware"
	"github.com/ereuse/workbench-server/pkg/deliver"
	"github.com/ereuse/workbench-server/pkg/phaseplan"
	"github.com/ereuse/workbench-server/pkg/snapshot"
	"github.com/ereuse/workbench-server/pkg/usbreg"
)

// Deps carries everything the API serves.
type Deps struct {
	Version   string
	Store     *snapshot.Store
	Submitter *deliver.Submitter
	Conn      *deliver.Connection
	Settings  *config.Settings
	USBs      *usbreg.Registry
	Plan      *phaseplan.Plan
	ImagesDir string
	Log       *zap.Logger

	// Policy overrides the link gate; defaults to the workbench settings.
	Policy handlers.LinkPolicy
}

// Server is the workbench HTTP server.
type Server struct {
	host string
	port int
	deps Deps
	http *http.Server
}

// New builds a server listening on host:port.
func New(host string, port int, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Plan == nil {
		deps.Plan = phaseplan.Default()
	}
	if deps.Policy == nil {
		deps.Policy = deps.Settings
	}
	return &Server{host: host, port: port, deps: deps}
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Handler builds the routed handler. Safe to call without starting the
// listener; tests drive it directly.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.AccessLog)
	// Generous for a workshop LAN; still caps a client stuck in a report
	// loop. Workbench posts at most a few requests per second per machine.
	r.Use(middleware.Throttle(rate.NewLimiter(200, 400)))
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteError(w, req, http.StatusNotFound,
			middleware.CodeNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteError(w, req, http.StatusMethodNotAllowed,
			middleware.CodeMethodNotAllowed, "method not allowed")
	})

	snapshots := &handlers.Snapshots{
		Store:     s.deps.Store,
		Submitter: s.deps.Submitter,
		Policy:    s.deps.Policy,
		Plan:      s.deps.Plan,
		Log:       s.deps.Log,
	}
	info := &handlers.Info{
		Store:     s.deps.Store,
		USBs:      s.deps.USBs,
		Submitter: s.deps.Submitter,
		Conn:      s.deps.Conn,
		Log:       s.deps.Log,
	}
	usbs := &handlers.USBs{Registry: s.deps.USBs}
	settings := &handlers.Settings{
		Settings:  s.deps.Settings,
		ImagesDir: s.deps.ImagesDir,
		Log:       s.deps.Log,
	}
	health := &handlers.Health{
		Version:   s.deps.Version,
		Store:     s.deps.Store,
		Submitter: s.deps.Submitter,
		Conn:      s.deps.Conn,
	}

	r.Patch("/snapshots/{uuid}", snapshots.Patch)
	r.Get("/snapshots/{uuid}", snapshots.Get)

	// Clients are inconsistent about trailing slashes; accept both.
	r.Get("/info", info.Get)
	r.Get("/info/", info.Get)

	r.Post("/usbs/{hid}", usbs.Plug)
	r.Delete("/usbs/{hid}", usbs.Unplug)

	r.Get("/settings", settings.Get)
	r.Get("/settings/", settings.Get)
	r.Post("/settings", settings.Post)
	r.Post("/settings/", settings.Post)
	r.Get("/settings/images", settings.Images)
	r.Get("/settings/images/", settings.Images)

	r.Get("/health", health.Get)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// ListenAndServe runs the server until the context ends, then shuts down
// within the given timeout.
func (s *Server) ListenAndServe(ctx context.Context, cfg config.Server) error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
