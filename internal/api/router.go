package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"scriptcron/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Options configures the HTTP server.
type Options struct {
	Addr      string
	APIPrefix string
	AuthToken string
	// MCPHandler is mounted at /mcp when set.
	MCPHandler http.Handler
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	service    *service.Service
	logger     *slog.Logger
	location   *time.Location
	authToken  string
	apiPrefix  string
	mcpHandler http.Handler
}

// NewServer constructs the HTTP API server.
func NewServer(opts Options, svc *service.Service, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)

	prefix := "/" + strings.Trim(strings.TrimSpace(opts.APIPrefix), "/")
	if prefix == "/" {
		prefix = ""
	}

	s := &Server{
		router:     router,
		service:    svc,
		logger:     logger,
		location:   svc.Location(),
		authToken:  opts.AuthToken,
		apiPrefix:  prefix,
		mcpHandler: opts.MCPHandler,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // log follow streams
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr, "api_prefix", s.apiPrefix)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ping", s.handlePing)

	if s.mcpHandler != nil {
		mcpHandler := s.mcpHandler
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	api := func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Post("/triggers/preview", s.handleTriggerPreview)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Post("/execute", s.handleExecuteTask)
			r.Post("/run/{taskID}", s.handleRunTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Put("/", s.handleUpdateTask)
				r.Patch("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/restore", s.handleRestoreTask)
				r.Post("/pause", s.handlePauseTask)
				r.Post("/resume", s.handleResumeTask)
				r.Post("/cancel", s.handleCancelTask)
				r.Post("/run", s.handleRunTask)
				r.Get("/next-run", s.handleNextRun)
				r.Get("/executions", s.handleListExecutions)
				r.Get("/log", s.handleTaskLog)
			})
		})

		r.Get("/executions/{executionID}", s.handleGetExecution)

		r.Get("/scripts", s.handleListScripts)
		r.Get("/scripts/{name}", s.handleGetScript)

		r.Get("/scheduler/jobs", s.handleListJobs)
		r.Get("/scheduler/running", s.handleListRunning)
	}
	if s.apiPrefix == "" {
		s.router.Group(api)
	} else {
		s.router.Route(s.apiPrefix, api)
	}
}

func (s *Server) formatTime(t time.Time) string {
	return t.In(s.location).Format(time.RFC3339)
}

func (s *Server) formatTimePtr(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	formatted := s.formatTime(*t)
	return &formatted
}
