package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/extmesh/extmesh/internal/bus"
	"github.com/extmesh/extmesh/internal/bus/transport"
	"github.com/extmesh/extmesh/internal/infrastructure/config"
	"github.com/extmesh/extmesh/internal/infrastructure/logging"
	"github.com/extmesh/extmesh/internal/infrastructure/monitoring"
	"github.com/extmesh/extmesh/internal/infrastructure/tracing"
	"github.com/extmesh/extmesh/internal/middleware"
	"github.com/extmesh/extmesh/internal/netrules"
	"github.com/extmesh/extmesh/internal/recovery"
	"github.com/extmesh/extmesh/internal/registry"
	"github.com/extmesh/extmesh/internal/vault"
)

// Server is the orchestrator's outward surface: peer contexts attach their
// hub transport over a websocket, and host hooks (observed requests, tab
// closes, lifecycle) arrive as HTTP calls.
type Server struct {
	router   *gin.Engine
	srv      *http.Server
	cfg      *config.Config
	log      *logging.Logger
	metrics  *monitoring.Metrics
	bus      *bus.Bus
	hub      *transport.Hub
	rules    *netrules.Orchestrator
	recovery *recovery.Coordinator
	registry *registry.Registry
	vault    vault.Vault
}

// Deps collects the constructed subsystems the server exposes.
type Deps struct {
	Bus      *bus.Bus
	Hub      *transport.Hub
	Rules    *netrules.Orchestrator
	Recovery *recovery.Coordinator
	Registry *registry.Registry
	Vault    vault.Vault
	Metrics  *monitoring.Metrics
	Tracer   *tracing.Tracer
}

// New builds the router and wires every route. It does not listen yet.
func New(cfg *config.Config, deps Deps, log *logging.Logger) *Server {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Tracer != nil {
		router.Use(tracing.HTTPMiddleware(deps.Tracer))
	}
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.Server.RateLimitEnabled {
		log.Info("Rate limiting enabled",
			zap.Int("rps", cfg.Server.RateLimitRPS),
			zap.Int("burst", cfg.Server.RateLimitBurst))
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.Server.RateLimitRPS,
			Burst:             cfg.Server.RateLimitBurst,
		}))
	}

	s := &Server{
		router:   router,
		cfg:      cfg,
		log:      log,
		metrics:  deps.Metrics,
		bus:      deps.Bus,
		hub:      deps.Hub,
		rules:    deps.Rules,
		recovery: deps.Recovery,
		registry: deps.Registry,
		vault:    deps.Vault,
	}

	router.GET("/health", s.health)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	}

	// Peer contexts attach here; every attached socket joins the hub fanout.
	router.GET("/bus/attach", s.attach)

	// Host hooks.
	router.POST("/observe", s.observe)
	router.DELETE("/tabs/:tab", s.tabClosed)
	router.POST("/shutdown-hint", s.shutdownHint)

	// Rule lifecycle.
	router.GET("/rules", s.listRules)
	router.POST("/rules/:provider/tabs/:tab", s.activate)
	router.DELETE("/rules/:provider/tabs/:tab", s.deactivate)

	// Provider catalog and credentials.
	router.GET("/providers", s.listProviders)
	router.PUT("/credentials/:provider", s.putCredential)
	router.DELETE("/credentials/:provider", s.deleteCredential)

	return s
}

// Run listens until the context is canceled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Server.Host + ":" + s.cfg.Server.Port
	s.srv = &http.Server{Addr: addr, Handler: s.router}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("Orchestrator endpoint listening", zap.String("addr", addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
