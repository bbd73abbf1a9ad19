// Package api exposes the render service over REST/JSON plus a WebSocket
// job stream. Handlers translate typed pipeline errors to HTTP statuses and
// never leak internals to clients.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sgd/backend/internal/budget"
	"github.com/sgd/backend/internal/circuitbreaker"
	"github.com/sgd/backend/internal/config"
	"github.com/sgd/backend/internal/infra"
	"github.com/sgd/backend/internal/ingest"
	"github.com/sgd/backend/internal/middleware"
	"github.com/sgd/backend/internal/multitenancy"
	"github.com/sgd/backend/internal/queue"
	"github.com/sgd/backend/internal/render"
	"github.com/sgd/backend/internal/scanner"
	"github.com/sgd/backend/internal/storage"
	"github.com/sgd/backend/internal/vector"
	"github.com/sgd/backend/internal/worker"
)

// Deps are the wired components the server fronts.
type Deps struct {
	Config   *config.Config
	Orgs     *multitenancy.OrgManager
	Limiter  *middleware.Limiter
	Render   *render.Pipeline
	Ingest   *ingest.Pipeline
	Queue    *queue.Queue
	Workers  *worker.Manager
	Scanner  *scanner.Scanner
	Store    storage.Client
	Index    vector.Index
	Budget   *budget.Controller
	Breakers *circuitbreaker.Registry
	Redis    *infra.RedisAdapter
}

// Server is the HTTP surface.
type Server struct {
	Deps
	auth   *middleware.Auth
	logger *log.Logger
}

func NewServer(deps Deps) *Server {
	return &Server{
		Deps:   deps,
		auth:   middleware.NewAuth(deps.Orgs, !deps.Config.IsProduction()),
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table with the middleware chain applied.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.ProcessingTime)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(s.Config.CORS.AllowOrigins))

	// Unauthenticated surface.
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.auth.Middleware)

	limited := func(endpoint string, h http.HandlerFunc) http.Handler {
		return s.Limiter.Middleware(endpoint)(h)
	}

	api.Handle("/render", limited("render", s.handleRender)).Methods(http.MethodPost)
	api.Handle("/render/async", limited("render_async", s.handleRenderAsync)).Methods(http.MethodPost)
	api.Handle("/render/jobs/{id}", limited("jobs", s.handleJobStatus)).Methods(http.MethodGet)
	api.Handle("/render/jobs/{id}", limited("jobs", s.handleJobCancel)).Methods(http.MethodDelete)

	api.Handle("/ingest", limited("ingest", s.handleIngest)).Methods(http.MethodPost)
	api.Handle("/ingest/file", limited("ingest", s.handleIngestFile)).Methods(http.MethodPost)
	api.Handle("/upload", limited("upload", s.handleUpload)).Methods(http.MethodPost)

	api.Handle("/canon/derive", limited("canon_derive", s.handleCanonDerive)).Methods(http.MethodPost)
	api.Handle("/canon/{project_id}", limited("canon", s.handleCanonGet)).Methods(http.MethodGet)
	api.Handle("/canon/{project_id}", limited("canon", s.handleCanonPut)).Methods(http.MethodPut)
	api.Handle("/critique", limited("critique", s.handleCritique)).Methods(http.MethodPost)

	api.HandleFunc("/ws/jobs/{id}", s.handleJobSocket).Methods(http.MethodGet)

	api.HandleFunc("/admin/workers", s.handleWorkerStats).Methods(http.MethodGet)
	api.HandleFunc("/admin/workers/scale", s.handleWorkerScale).Methods(http.MethodPost)
	api.HandleFunc("/admin/breakers", s.handleBreakers).Methods(http.MethodGet)

	return r
}

// Run serves until ctx is cancelled, then drains with the configured
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         ":" + s.Config.Server.Port,
		Handler:      s.Router(),
		ReadTimeout:  s.Config.Server.ReadTimeout,
		WriteTimeout: s.Config.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.Config.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		err := <-errCh
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
