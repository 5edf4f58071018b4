// Package api exposes the operator-facing HTTP surface: request intake,
// run inspection, approvals and cancellation.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"steward/services/intent"
	"steward/services/pipeline"
)

// Pipeline is the slice of the run coordinator the API needs.
type Pipeline interface {
	Submit(ctx context.Context, request string, env pipeline.Environment, dryRun bool) (pipeline.Run, error)
	Resolve(ctx context.Context, id uuid.UUID, d pipeline.Decision) (pipeline.Run, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (pipeline.Run, error)
	Get(ctx context.Context, id uuid.UUID) (pipeline.Run, error)
	List(ctx context.Context) ([]pipeline.Run, error)
}

// Responder answers non-change intents directly.
type Responder interface {
	Respond(ctx context.Context, in intent.Intent, request string) (string, error)
}

// Classifier routes raw operator input.
type Classifier interface {
	Classify(ctx context.Context, text string) intent.Intent
}

// Server holds the API handler dependencies.
type Server struct {
	pipeline   Pipeline
	classifier Classifier
	responder  Responder
	logger     *log.Logger
}

// ServerConfig carries the server's dependencies.
type ServerConfig struct {
	Pipeline   Pipeline
	Classifier Classifier
	Responder  Responder
	Logger     *log.Logger
}

// NewServer validates the configuration and builds a server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("pipeline is required")
	}
	if cfg.Classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if cfg.Responder == nil {
		return nil, errors.New("responder is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Server{
		pipeline:   cfg.Pipeline,
		classifier: cfg.Classifier,
		responder:  cfg.Responder,
		logger:     cfg.Logger,
	}, nil
}

// RouterOptions tunes the HTTP router.
type RouterOptions struct {
	AllowedOrigins []string
	// Ready reports component readiness for /readyz.
	Ready func() bool
}

// Router builds the HTTP router with health, readiness, metrics and the v1
// API routes.
func (s *Server) Router(opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	allowed := opts.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))
	r.Use(httprate.Limit(100, time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if opts.Ready != nil && !opts.Ready() {
			http.Error(w, "components not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/requests", s.handleRequest)
		r.Get("/runs", s.handleListRuns)
		r.Route("/runs/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Post("/approvals", s.handleApproval)
			r.Post("/cancel", s.handleCancel)
		})
	})

	return r
}
