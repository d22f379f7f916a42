// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi serves the vmbridge HTTP API.
//
// Every server hosts a command queue under /api/command (and the bare
// /api path older clients use), the network gateway, /metrics, and
// /healthz. A manager additionally hosts the instance registry, the
// administrative instance actions, and manager login. Workers, the
// per-instance servers the orchestrator spawns, host only the common
// set.
//
// Responses are JSON unless the client's Accept header lists
// application/cbor; request bodies are decoded according to their
// Content-Type. Errors are {"message": ...} with the status mapped from
// the error's apierror.Kind. Responses are gzip-compressed when the
// client accepts it.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"

	"github.com/bureau-foundation/vmbridge/lib/api"
	"github.com/bureau-foundation/vmbridge/lib/apiauth"
	"github.com/bureau-foundation/vmbridge/lib/clock"
	"github.com/bureau-foundation/vmbridge/lib/cmdqueue"
	"github.com/bureau-foundation/vmbridge/lib/config"
	"github.com/bureau-foundation/vmbridge/lib/metrics"
	"github.com/bureau-foundation/vmbridge/lib/orchestrator"
	"github.com/bureau-foundation/vmbridge/lib/registry"
)

// Orchestrator is the subset of the instance orchestrator the
// administrative endpoints drive.
type Orchestrator interface {
	Create(ctx context.Context, request orchestrator.CreateRequest) (orchestrator.Provisioned, error)
	Start(ctx context.Context, id string) (orchestrator.Provisioned, error)
	Terminate(ctx context.Context, id string) (orchestrator.TerminateResult, error)
	Rename(id, name string) error
	Delete(id string) error
}

// Config configures a Server.
type Config struct {
	// Role is config.RoleManager or config.RoleWorker.
	Role string

	// APIKey authenticates agents and scripts. Empty rejects every
	// authenticated request with a configuration error.
	APIKey string

	// DiskSource is echoed in command listings.
	DiskSource string

	Queue   *cmdqueue.Queue
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Registry, Orchestrator, and Sessions are required for the
	// manager role.
	Registry     *registry.Registry
	Orchestrator Orchestrator
	Sessions     *apiauth.Sessions

	// StaleAfter is the registry online window. Zero uses
	// registry.DefaultStaleAfter.
	StaleAfter time.Duration

	// SubmitWait caps how long a waiting submission blocks. Zero uses
	// the queue's cap.
	SubmitWait time.Duration

	// GatewayClient performs gateway fetches. Nil uses a client with
	// GatewayTimeout.
	GatewayClient  *http.Client
	GatewayTimeout time.Duration

	Version string
}

// Server holds the handlers' dependencies.
type Server struct {
	role          string
	apiKey        string
	diskSource    string
	queue         *cmdqueue.Queue
	clock         clock.Clock
	logger        *slog.Logger
	metrics       *metrics.Metrics
	registry      *registry.Registry
	orchestrator  Orchestrator
	sessions      *apiauth.Sessions
	staleAfter    time.Duration
	submitWait    time.Duration
	gatewayClient *http.Client
	version       string
}

// New validates cfg and returns a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Queue == nil {
		return nil, errors.New("httpapi: queue is required")
	}
	if cfg.Clock == nil {
		return nil, errors.New("httpapi: clock is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("httpapi: logger is required")
	}
	switch cfg.Role {
	case config.RoleManager:
		if cfg.Registry == nil || cfg.Orchestrator == nil || cfg.Sessions == nil {
			return nil, errors.New("httpapi: manager role requires registry, orchestrator, and sessions")
		}
	case config.RoleWorker:
	default:
		return nil, errors.New("httpapi: role must be manager or worker")
	}

	server := &Server{
		role:          cfg.Role,
		apiKey:        cfg.APIKey,
		diskSource:    cfg.DiskSource,
		queue:         cfg.Queue,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		registry:      cfg.Registry,
		orchestrator:  cfg.Orchestrator,
		sessions:      cfg.Sessions,
		staleAfter:    cfg.StaleAfter,
		submitWait:    cfg.SubmitWait,
		gatewayClient: cfg.GatewayClient,
		version:       cfg.Version,
	}
	if server.staleAfter <= 0 {
		server.staleAfter = registry.DefaultStaleAfter
	}
	if server.gatewayClient == nil {
		timeout := cfg.GatewayTimeout
		if timeout <= 0 {
			timeout = defaultGatewayTimeout
		}
		server.gatewayClient = &http.Client{Timeout: timeout}
	}
	if server.metrics != nil {
		server.metrics.ObserveQueue(server.queueCounts)
		if server.registry != nil {
			server.metrics.ObserveInstances(func() map[string]int {
				return server.registry.Counts(server.staleAfter)
			})
		}
	}
	return server, nil
}

func (s *Server) queueCounts() map[string]int {
	counts := make(map[string]int)
	for status, count := range s.queue.Counts() {
		counts[string(status)] = count
	}
	return counts
}

// Handler returns the routed, instrumented, compressed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, api.PathCommand, s.handleCommand)
	s.route(mux, api.PathCommandLegacy, s.handleCommand)
	s.route(mux, api.PathGateway, s.handleGateway)
	s.route(mux, api.PathHealth, s.handleHealth)
	if s.metrics != nil {
		// Metrics name instances and commands, so scrapes need the key.
		// Health stays open for probes.
		scrape := s.metrics.Handler()
		mux.HandleFunc(api.PathMetrics, func(writer http.ResponseWriter, request *http.Request) {
			if s.requireAPIKey(writer, request) {
				scrape.ServeHTTP(writer, request)
			}
		})
	}
	if s.role == config.RoleManager {
		s.route(mux, api.PathHeartbeat, s.handleHeartbeat)
		s.route(mux, api.PathHeartbeatLegacy, s.handleHeartbeat)
		s.route(mux, api.PathInstances, s.handleInstances)
		s.route(mux, api.PathInstancesLegacy, s.handleInstances)
		s.route(mux, api.PathLogin, s.handleLogin)
		s.route(mux, api.PathLogout, s.handleLogout)
	}
	mux.HandleFunc("/", func(writer http.ResponseWriter, request *http.Request) {
		respond(writer, request, http.StatusNotFound, api.ErrorResponse{Message: "Not found"})
	})
	return gzhttp.GzipHandler(s.withRequestID(mux))
}

// route registers handler for the exact path, counting responses by
// status class.
func (s *Server) route(mux *http.ServeMux, path string, handler http.HandlerFunc) {
	mux.HandleFunc(path, func(writer http.ResponseWriter, request *http.Request) {
		recorder := &statusRecorder{ResponseWriter: writer, status: http.StatusOK}
		handler(recorder, request)
		if s.metrics != nil {
			s.metrics.Request(path, recorder.status)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// withRequestID tags each request with an X-Request-Id, reusing the
// client's when it sent one, and logs failures with it.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		requestID := request.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		writer.Header().Set("X-Request-Id", requestID)

		start := s.clock.Now()
		recorder := &statusRecorder{ResponseWriter: writer, status: http.StatusOK}
		next.ServeHTTP(recorder, request)

		if recorder.status >= http.StatusInternalServerError {
			s.logger.Warn("request failed",
				"request_id", requestID,
				"method", request.Method,
				"path", request.URL.Path,
				"status", recorder.status,
				"duration", s.clock.Now().Sub(start),
			)
		}
	})
}

func (s *Server) handleHealth(writer http.ResponseWriter, request *http.Request) {
	respond(writer, request, http.StatusOK, api.HealthResponse{Status: "ok", Role: s.role, Version: s.version})
}

// requireAPIKey writes the auth failure and returns false when request
// lacks a valid API key.
func (s *Server) requireAPIKey(writer http.ResponseWriter, request *http.Request) bool {
	if err := apiauth.CheckAPIKey(request, s.apiKey); err != nil {
		respondError(writer, request, err)
		return false
	}
	return true
}

func methodNotAllowed(writer http.ResponseWriter, request *http.Request, allowed string) {
	writer.Header().Set("Allow", allowed)
	respond(writer, request, http.StatusMethodNotAllowed, api.ErrorResponse{Message: "Method not allowed"})
}
