// Package router assembles the gin engine of the ledger HTTP API.
package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ledger/backend/internal/infrastructure/auth"
	"github.com/ledger/backend/internal/infrastructure/logger"
	"github.com/ledger/backend/internal/interfaces/http/dto"
	"github.com/ledger/backend/internal/interfaces/http/handler"
	"github.com/ledger/backend/internal/interfaces/http/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// RouteRegistrar mounts routes under the versioned API group
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// Router mounts registrars under /api/<version>
type Router struct {
	engine     *gin.Engine
	apiVersion string
	registrars []RouteRegistrar
}

// RouterOption is a functional option for Router configuration
type RouterOption func(*Router)

// WithAPIVersion sets the API version prefix (e.g., "v1", "v2")
func WithAPIVersion(version string) RouterOption {
	return func(r *Router) {
		r.apiVersion = version
	}
}

// NewRouter creates a new Router instance
func NewRouter(engine *gin.Engine, opts ...RouterOption) *Router {
	r := &Router{engine: engine, apiVersion: "v1"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register queues a registrar for Setup
func (r *Router) Register(registrar RouteRegistrar) *Router {
	r.registrars = append(r.registrars, registrar)
	return r
}

// Setup mounts every registered group
func (r *Router) Setup() {
	api := r.engine.Group("/api/" + r.apiVersion)
	for _, registrar := range r.registrars {
		registrar.RegisterRoutes(api)
	}
}

// RouteGroup is a prefix with its own middleware and routes
type RouteGroup struct {
	prefix     string
	middleware []gin.HandlerFunc
	routes     []route
}

type route struct {
	method   string
	path     string
	handlers []gin.HandlerFunc
}

// NewRouteGroup creates a group mounted at prefix
func NewRouteGroup(prefix string) *RouteGroup {
	return &RouteGroup{prefix: prefix}
}

// Use adds middleware that runs before every route of the group
func (g *RouteGroup) Use(middleware ...gin.HandlerFunc) *RouteGroup {
	g.middleware = append(g.middleware, middleware...)
	return g
}

// Handle registers a route
func (g *RouteGroup) Handle(method, path string, handlers ...gin.HandlerFunc) *RouteGroup {
	g.routes = append(g.routes, route{method: method, path: path, handlers: handlers})
	return g
}

// GET registers a GET route
func (g *RouteGroup) GET(path string, handlers ...gin.HandlerFunc) *RouteGroup {
	return g.Handle(http.MethodGet, path, handlers...)
}

// POST registers a POST route
func (g *RouteGroup) POST(path string, handlers ...gin.HandlerFunc) *RouteGroup {
	return g.Handle(http.MethodPost, path, handlers...)
}

// PUT registers a PUT route
func (g *RouteGroup) PUT(path string, handlers ...gin.HandlerFunc) *RouteGroup {
	return g.Handle(http.MethodPut, path, handlers...)
}

// Prefix returns the group prefix
func (g *RouteGroup) Prefix() string {
	return g.prefix
}

// RegisterRoutes implements RouteRegistrar
func (g *RouteGroup) RegisterRoutes(rg *gin.RouterGroup) {
	group := rg.Group(g.prefix)
	if len(g.middleware) > 0 {
		group.Use(g.middleware...)
	}
	for _, r := range g.routes {
		group.Handle(r.method, r.path, r.handlers...)
	}
}

// Config holds the engine-level settings
type Config struct {
	ServiceName      string
	TracingEnabled   bool
	ProfilingEnabled bool
	MaxBodySize      int64
	RequestTimeout   time.Duration
	TrustedProxies   []string
}

// Dependencies are the handlers and collaborators the routes are built from.
// Webhooks and WebhookLimiter are optional.
type Dependencies struct {
	Logger *zap.Logger
	Meter  metric.Meter

	Health   *handler.HealthHandler
	Ledger   *handler.LedgerHandler
	Admin    *handler.AdminHandler
	Webhooks *handler.StripeWebhookHandler

	Verifier        middleware.TokenVerifier
	Blacklist       auth.TokenBlacklist
	AdminPermission string
	WebhookLimiter  *middleware.RateLimiter
}

// NewEngine builds the gin engine with the global middleware chain and every
// ledger route mounted.
func NewEngine(cfg Config, deps Dependencies) (*gin.Engine, error) {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	middleware.SetupValidator()

	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}

	metrics, err := middleware.HTTPMetrics(deps.Meter)
	if err != nil {
		return nil, err
	}
	engine.Use(
		logger.Recovery(log),
		middleware.RequestID(),
		middleware.Tracing(middleware.TracingConfig{
			ServiceName: cfg.ServiceName,
			Enabled:     cfg.TracingEnabled,
			SkipPaths:   []string{"/health"},
		}),
		middleware.SpanEnricher(),
		logger.GinMiddleware(log),
		middleware.Secure(),
		metrics,
		middleware.Profiling(cfg.ProfilingEnabled),
		middleware.BodyLimit(cfg.MaxBodySize),
		middleware.Timeout(cfg.RequestTimeout),
	)

	engine.GET("/health", deps.Health.Health)
	engine.NoRoute(func(c *gin.Context) {
		c.Set(middleware.ErrorCodeKey, dto.ErrCodeRouteNotFound)
		c.JSON(http.StatusNotFound, dto.NewErrorResponseWithRequestID(
			dto.ErrCodeRouteNotFound, "Route not found", middleware.GetRequestID(c)))
	})

	r := NewRouter(engine)
	r.Register(ledgerRoutes(deps.Ledger))
	r.Register(adminRoutes(deps, log))
	if deps.Webhooks != nil {
		r.Register(webhookRoutes(deps.Webhooks, deps.WebhookLimiter))
	}
	r.Setup()

	return engine, nil
}

func ledgerRoutes(h *handler.LedgerHandler) *RouteGroup {
	return NewRouteGroup("/ledger").
		POST("/reservations", h.Reserve).
		POST("/reservations/:id/finalize", h.Finalize).
		POST("/reservations/:id/release", h.Release).
		POST("/deposits", h.Deposit).
		POST("/reconcile", h.Reconcile).
		GET("/accounts/:id/balance", h.GetBalance).
		GET("/accounts/:id/transactions", h.GetTransactions).
		GET("/accounts/:id/summary", h.Summary)
}

func adminRoutes(deps Dependencies, log *zap.Logger) *RouteGroup {
	return NewRouteGroup("/admin").
		Use(
			middleware.JWTAuth(middleware.JWTMiddlewareConfig{
				Verifier:  deps.Verifier,
				Blacklist: deps.Blacklist,
				Logger:    log,
			}),
			middleware.RequirePermission(deps.AdminPermission, log),
		).
		PUT("/accounts/:id/balance", deps.Admin.SetBalance).
		POST("/accounts/:id/statements", deps.Admin.ExportStatement)
}

func webhookRoutes(h *handler.StripeWebhookHandler, limiter *middleware.RateLimiter) *RouteGroup {
	g := NewRouteGroup("/webhooks")
	if limiter != nil {
		g.Use(middleware.RateLimit(limiter))
	}
	return g.POST("/stripe", h.HandleStripeWebhook)
}
