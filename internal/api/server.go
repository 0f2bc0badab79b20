// Package api provides the HTTP REST API and WebSocket server for Gatekeep Core.
//
// It exposes session issuance and validation, scope inspection, change
// event replay, and membership administration, plus the WebSocket
// endpoint clients hold open for push notification of scope changes.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mwhitby/gatekeep-core/internal/audit"
	"github.com/mwhitby/gatekeep-core/internal/auth"
	"github.com/mwhitby/gatekeep-core/internal/infrastructure/config"
	"github.com/mwhitby/gatekeep-core/internal/infrastructure/database"
	"github.com/mwhitby/gatekeep-core/internal/infrastructure/logging"
	"github.com/mwhitby/gatekeep-core/internal/infrastructure/metrics"
	"github.com/mwhitby/gatekeep-core/internal/notify"
	"github.com/mwhitby/gatekeep-core/internal/scope"
	"github.com/mwhitby/gatekeep-core/internal/session"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	WS          config.WebSocketConfig
	Logger      *logging.Logger
	DB          *database.DB
	Auth        *auth.Service
	Enforcer    *session.Enforcer
	Registry    *session.Registry
	Scopes      *scope.Manager
	Memberships *scope.MembershipStore
	Events      *scope.EventLog
	Broker      *notify.Broker
	Metrics     *metrics.Client // nil-safe, may be unset
	Version     string
}

// Server is the HTTP API server for Gatekeep Core.
//
// It manages the HTTP listener, routes, middleware, and the WebSocket
// upgrade path. The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	logger      *logging.Logger
	db          *database.DB
	auth        *auth.Service
	enforcer    *session.Enforcer
	registry    *session.Registry
	scopes      *scope.Manager
	memberships *scope.MembershipStore
	events      *scope.EventLog
	audit       audit.Repository
	broker      *notify.Broker
	metrics     *metrics.Client
	version     string
	server      *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("auth service is required")
	}
	if deps.Enforcer == nil {
		return nil, fmt.Errorf("session enforcer is required")
	}
	if deps.Scopes == nil {
		return nil, fmt.Errorf("scope manager is required")
	}
	if deps.Broker == nil {
		return nil, fmt.Errorf("notification broker is required")
	}

	return &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		logger:      deps.Logger.With("component", "api"),
		db:          deps.DB,
		auth:        deps.Auth,
		enforcer:    deps.Enforcer,
		registry:    deps.Registry,
		scopes:      deps.Scopes,
		memberships: deps.Memberships,
		events:      deps.Events,
		audit:       audit.NewSQLiteRepository(deps.DB),
		broker:      deps.Broker,
		metrics:     deps.Metrics,
		version:     deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It builds the router and launches the HTTP listener in a background
// goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
		// Request contexts derive from the run context, so long-lived
		// websocket serves observe process shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It closes all WebSocket connections, then waits up to 10 seconds for
// in-flight requests to complete before forcefully closing the rest.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	s.broker.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
