package server

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"lprewards/observability"
	"lprewards/rewards"
	"lprewards/services/rewardd/auth"
	rewardmw "lprewards/services/rewardd/middleware"
	"lprewards/services/rewardd/recon"
	"lprewards/services/rewardd/storage"
)

// LivePrices aggregates the configured feeds into a single spot quote.
type LivePrices interface {
	MedianPrice(ctx context.Context, pool string) (*big.Rat, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	ListenAddress     string
	Store             *storage.Store
	Custodian         *rewards.Custodian
	Registrar         *recon.Registrar
	Runner            *recon.Runner
	Verifier          *auth.Verifier
	Market            LivePrices
	Logger            *slog.Logger
	RequestsPerSecond float64
	Burst             int
}

// Server hosts the reward API: position intake, lot queries, claims and the
// admin surface for program configuration and the token registry.
type Server struct {
	cfg       Config
	store     *storage.Store
	custodian *rewards.Custodian
	registrar *recon.Registrar
	runner    *recon.Runner
	verifier  *auth.Verifier
	market    LivePrices
	replay    *rewardmw.Replayer
	logger    *slog.Logger
	limiter   *rate.Limiter
	metrics   *observability.RewarddMetrics
	clock     func() time.Time

	router http.Handler
}

// New constructs a configured HTTP server.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Custodian == nil {
		return nil, fmt.Errorf("custodian required")
	}
	if cfg.Registrar == nil {
		return nil, fmt.Errorf("registrar required")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("verifier required")
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7091"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 25
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		cfg:       cfg,
		store:     cfg.Store,
		custodian: cfg.Custodian,
		registrar: cfg.Registrar,
		runner:    cfg.Runner,
		verifier:  cfg.Verifier,
		market:    cfg.Market,
		replay:    rewardmw.NewReplayer(cfg.Store.DB()),
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		metrics:   observability.Rewardd(),
		clock:     time.Now,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// SetClock overrides the time source for deterministic tests.
func (s *Server) SetClock(clock func() time.Time) {
	if s != nil && clock != nil {
		s.clock = clock
	}
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.throttle)
		api.Use(s.verifier.Middleware)
		api.Use(s.replay.Middleware)

		api.Post("/positions", s.handleRegisterPosition)
		api.Post("/positions/bulk", s.handleRegisterBatch)
		api.Get("/positions", s.handleListPositions)
		api.Get("/positions/eligible", s.handleEligiblePositions)
		api.Get("/positions/{id}", s.handleGetPosition)
		api.Get("/lots", s.handleListLots)
		api.Get("/lots/claimable", s.handleClaimableLots)
		api.Post("/claims", s.handleClaim)
		api.With(auth.RequireRole(auth.RoleOperator, auth.RoleAdmin)).Get("/treasury/balances", s.handleBalances)
		api.With(auth.RequireRole(auth.RoleOperator, auth.RoleAdmin)).Get("/distribution/{day}", s.handleDistribution)
		api.With(auth.RequireRole(auth.RoleOperator, auth.RoleAdmin)).Get("/market/price", s.handleMarketPrice)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.throttle)
		admin.Use(s.verifier.Middleware)
		admin.Use(s.replay.Middleware)

		admin.With(auth.RequireRole(auth.RoleOperator, auth.RoleAdmin)).Get("/config", s.handleGetConfig)
		admin.With(auth.RequireRole(auth.RoleOperator, auth.RoleAdmin)).Get("/audit/events", s.handleAuditEvents)
		admin.With(auth.RequireRole(auth.RoleAdmin)).Put("/program", s.handlePutProgram)
		admin.With(auth.RequireRole(auth.RoleAdmin)).Put("/formula", s.handlePutFormula)
		admin.With(auth.RequireRole(auth.RoleAdmin)).Post("/tokens", s.handleAddToken)
		admin.With(auth.RequireRole(auth.RoleAdmin)).Delete("/tokens/{symbol}", s.handleRemoveToken)
		admin.With(auth.RequireRole(auth.RoleAdmin)).Put("/tokens/active", s.handleSetActiveToken)
		admin.With(auth.RequireRole(auth.RoleAdmin)).Post("/pause", s.handlePause)
		admin.With(auth.RequireRole(auth.RoleAdmin)).Post("/unpause", s.handleUnpause)
		admin.With(auth.RequireRole(auth.RoleAdmin)).Post("/emergency-withdraw", s.handleEmergencyWithdraw)
		admin.With(auth.RequireRole(auth.RoleOperator, auth.RoleAdmin)).Post("/deposits", s.handleDeposit)
		admin.With(auth.RequireRole(auth.RoleOperator, auth.RoleAdmin)).Post("/period/run", s.handlePeriodRun)
	})

	return r
}

// observe records request metrics against the matched route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		observability.HTTPMetrics().Observe(route, r.Method, ww.Status(), time.Since(started))
	})
}

// throttle applies the global request budget. Rejections are surfaced as 429
// and counted so operators can see when clients are backing up.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			observability.HTTPMetrics().RecordThrottle(r.URL.Path, "rate_limit")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	handler := otelhttp.NewHandler(s.router, "rewardd")
	srv := &http.Server{Addr: s.cfg.ListenAddress, Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "addr", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}
