// Package api exposes the dispatcher's HTTP surface: submitting scans,
// polling task results, managing the credential pool, and the staging
// upload endpoint.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	appscanning "github.com/mobtriage/verdict/internal/app/scanning"
	"github.com/mobtriage/verdict/internal/config"
	"github.com/mobtriage/verdict/internal/domain/credential"
	"github.com/mobtriage/verdict/internal/domain/scanning"
	"github.com/mobtriage/verdict/pkg/common/logger"
	"github.com/mobtriage/verdict/pkg/common/otel"
)

// ScanService accepts file submissions and reports which tasks they created.
type ScanService interface {
	Submit(ctx context.Context, paths []string) (uuid.UUID, []appscanning.TaskRef, error)
	Submission(id uuid.UUID) ([]appscanning.TaskRef, bool)
}

type Server struct {
	cfg     *config.Config
	logger  *logger.Logger
	router  *chi.Mux
	tracer  trace.Tracer
	scans   ScanService
	results scanning.ResultRepository
	creds   credential.Repository
}

func NewServer(
	cfg *config.Config,
	log *logger.Logger,
	tracer trace.Tracer,
	scans ScanService,
	results scanning.ResultRepository,
	creds credential.Repository,
) (*Server, error) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otel.Middleware(tracer))
	r.Use(loggerMiddleware(log))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:     cfg,
		logger:  log,
		router:  r,
		tracer:  tracer,
		scans:   scans,
		results: results,
		creds:   creds,
	}

	s.routes()
	return s, nil
}

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Info(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)

		// Scan endpoints.
		r.Post("/scan", s.handleSubmitScan)
		r.Get("/scan/{submission_id}", s.handleScanSummary)
		r.Get("/task-result/{task_id}", s.handleTaskResult)

		// Credential pool management.
		r.Post("/credentials", s.handleAddCredentials)
		r.Get("/credentials", s.handleListCredentials)
	})

	// Staging endpoint for files shipped off the device.
	s.router.Post("/upload-files/", s.handleUploadFiles)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", s.cfg.API.Host, s.cfg.API.Port),
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server",
		"addr", server.Addr,
		"service", "scan-dispatcher",
	)

	return server.ListenAndServe()
}

// Router returns the server's handler. Intended for tests.
func (s *Server) Router() http.Handler { return s.router }
