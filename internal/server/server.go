package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/collabhub/internal/metrics"
	"github.com/Tyrowin/collabhub/internal/realtime"
	"github.com/Tyrowin/collabhub/internal/store"
)

// Server serves the WebSocket endpoint and the JSON API of one instance.
type Server struct {
	cfg      *Config
	hub      *realtime.Hub
	store    store.Store
	verifier realtime.TokenVerifier
	metrics  *metrics.Collectors
	log      *zap.Logger

	origins  *originPolicy
	upgrader websocket.Upgrader
	limiter  *limiterPool
}

// Deps are the collaborators a Server is built from. Metrics and Logger are
// optional.
type Deps struct {
	Hub      *realtime.Hub
	Store    store.Store
	Verifier realtime.TokenVerifier
	Metrics  *metrics.Collectors
	Logger   *zap.Logger
}

// New builds a server from cfg and deps.
func New(cfg *Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server: nil config")
	}
	if deps.Hub == nil || deps.Store == nil || deps.Verifier == nil {
		return nil, errors.New("server: hub, store and verifier are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	s := &Server{
		cfg:      cfg,
		hub:      deps.Hub,
		store:    deps.Store,
		verifier: deps.Verifier,
		metrics:  deps.Metrics,
		log:      deps.Logger,
		origins:  newOriginPolicy(cfg.AllowedOrigins, deps.Logger),
		limiter:  newLimiterPool(cfg.APIRateLimit),
	}
	s.upgrader = newUpgrader(s.origins)
	return s, nil
}

// Hub returns the hub sessions run on.
func (s *Server) Hub() *realtime.Hub { return s.hub }

// CreateServer creates and configures an HTTP server with the specified port and handler.
// WriteTimeout is left at zero because upgraded connections manage their own deadlines.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer starts the HTTP server and blocks until it exits. A graceful
// shutdown is not reported as an error.
func StartServer(server *http.Server, log *zap.Logger) error {
	log.Info("server listening", zap.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "listen")
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration, log *zap.Logger) error {
	log.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Warn("HTTP server shutdown error", zap.Error(err))
		return errors.Wrap(err, "shutdown http server")
	}

	log.Info("HTTP server shutdown completed")
	return nil
}
