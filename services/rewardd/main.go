package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"lprewards/observability"
	"lprewards/observability/logging"
	telemetry "lprewards/observability/otel"
	"lprewards/rewards"
	"lprewards/services/rewardd/auth"
	"lprewards/services/rewardd/config"
	"lprewards/services/rewardd/marketdata"
	"lprewards/services/rewardd/recon"
	"lprewards/services/rewardd/server"
	"lprewards/services/rewardd/storage"
	"lprewards/services/rewardd/treasury"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/rewardd/config.yaml", "path to rewardd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("LPR_ENV"))
	logging.Setup("rewardd", env)
	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "rewardd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("rewardd: load config: %v", err)
	}

	store, err := storage.Open(cfg.Database)
	if err != nil {
		log.Fatalf("rewardd: open storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := seedProgram(ctx, store, cfg); err != nil {
		log.Fatalf("rewardd: seed program: %v", err)
	}
	if err := seedTokens(ctx, store, cfg.Tokens); err != nil {
		log.Fatalf("rewardd: seed tokens: %v", err)
	}

	settle, err := treasury.New(cfg.Treasury.Endpoint, cfg.Treasury.BearerToken, cfg.Treasury.Timeout.Duration)
	if err != nil {
		log.Fatalf("rewardd: settlement client: %v", err)
	}

	custodian, err := rewards.NewCustodian(rewards.CustodianConfig{
		Store:    store,
		Auth:     auth.NewStaticAuthorizer(cfg.Auth.Operators, cfg.Auth.Admins),
		Programs: store,
		Transfer: settle,
		Emitter:  storage.NewAuditSink(store, slog.Default()),
		Treasury: cfg.Program.TreasuryAddress,
		Owner:    cfg.Auth.Owner,
	})
	if err != nil {
		log.Fatalf("rewardd: custodian: %v", err)
	}

	mgr, err := buildMarketData(store, cfg.MarketData)
	if err != nil {
		log.Fatalf("rewardd: market data: %v", err)
	}

	validator, err := buildValidator(cfg.Validator, mgr.PriceAt)
	if err != nil {
		log.Fatalf("rewardd: validator: %v", err)
	}

	metrics := observability.Rewardd()
	registrar, err := recon.NewRegistrar(store, validator, metrics, slog.Default())
	if err != nil {
		log.Fatalf("rewardd: registrar: %v", err)
	}
	runner, err := recon.NewRunner(recon.RunnerConfig{
		Store:   store,
		Granter: custodian,
		Market:  mgr,
		Caller:  grantCaller(cfg.Auth),
		Metrics: metrics,
		Logger:  slog.Default(),
	})
	if err != nil {
		log.Fatalf("rewardd: period runner: %v", err)
	}
	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Runner:    runner,
		Registrar: registrar,
		RunHour:   cfg.Schedule.RunHour,
		RunMinute: cfg.Schedule.RunMinute,
		Location:  time.UTC,
		Logger:    slog.Default(),
	})

	verifier, err := auth.NewVerifier(auth.Options{
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		SecretEnv:      cfg.Auth.HSSecretEnv,
		MaxSkewSeconds: cfg.Auth.MaxSkewSeconds,
	})
	if err != nil {
		log.Fatalf("rewardd: verifier: %v", err)
	}

	srv, err := server.New(server.Config{
		ListenAddress:     cfg.ListenAddress,
		Store:             store,
		Custodian:         custodian,
		Registrar:         registrar,
		Runner:            runner,
		Verifier:          verifier,
		Market:            mgr,
		Logger:            slog.Default(),
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	})
	if err != nil {
		log.Fatalf("rewardd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := mgr.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("market data manager exited", "error", err)
			stop()
		}
	}()
	go scheduler.Start(rootCtx)

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("http server error", "error", err)
		os.Exit(1)
	}
}

func seedProgram(ctx context.Context, store *storage.Store, cfg config.Config) error {
	start, err := cfg.Program.StartTime()
	if err != nil {
		return err
	}
	if err := store.SeedProgram(ctx, &rewards.ProgramConfig{
		TotalAllocation:     cfg.Program.TotalAllocationInt(),
		ProgramDurationDays: cfg.Program.DurationDays,
		ProgramStart:        start,
		TreasuryAddress:     cfg.Program.TreasuryAddress,
		Active:              cfg.Program.Active,
	}); err != nil {
		return err
	}
	minValue, err := cfg.Formula.MinPositionUSDRat()
	if err != nil {
		return err
	}
	return store.SeedFormula(ctx, (&rewards.FormulaParams{
		TimeBoostBps:        cfg.Formula.TimeBoostBps,
		FullRangeBonusBps:   cfg.Formula.FullRangeBonusBps,
		MinPositionValueUSD: minValue,
		LockPeriodDays:      cfg.Formula.LockPeriodDays,
	}).ApplyDefaults())
}

// seedTokens populates the registry on first boot only, so runtime registry
// changes survive restarts.
func seedTokens(ctx context.Context, store *storage.Store, seeds []config.TokenSeed) error {
	return store.Update(ctx, func(tx rewards.LedgerTx) error {
		existing, err := tx.Tokens()
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}
		for _, seed := range seeds {
			info := rewards.TokenInfo{
				Symbol:    strings.TrimSpace(seed.Symbol),
				Address:   strings.TrimSpace(seed.Address),
				Supported: true,
				Active:    seed.Active,
				Primary:   seed.Primary,
			}
			if err := tx.PutToken(info); err != nil {
				return err
			}
		}
		return nil
	})
}

func buildMarketData(store *storage.Store, cfg config.MarketDataConfig) (*marketdata.Manager, error) {
	sources := make([]marketdata.Source, 0, len(cfg.Sources))
	seen := make(map[string]struct{})
	pools := make([]string, 0)
	for _, src := range cfg.Sources {
		built, err := marketdata.NewHTTPSource(src.Name, src.Endpoint, src.APIKey, 10*time.Second)
		if err != nil {
			return nil, err
		}
		sources = append(sources, built)
		for _, pool := range src.Pools {
			pool = strings.TrimSpace(pool)
			if pool == "" {
				continue
			}
			if _, ok := seen[pool]; ok {
				continue
			}
			seen[pool] = struct{}{}
			pools = append(pools, pool)
		}
	}
	return marketdata.New(marketdata.Config{
		Store:          store,
		Sources:        sources,
		Pools:          pools,
		Interval:       cfg.Interval.Duration,
		MaxAge:         cfg.MaxAge.Duration,
		HistoryRetries: cfg.HistoryRetries,
		HistoryBackoff: cfg.HistoryBackoff.Duration,
		Logger:         slog.Default(),
	})
}

func buildValidator(cfg config.ValidatorConfig, priceAt rewards.PriceAtFunc) (*rewards.Validator, error) {
	lower, err := parseBound(cfg.FullRangeLower, big.NewRat(1, 1_000_000))
	if err != nil {
		return nil, err
	}
	upper, err := parseBound(cfg.FullRangeUpper, big.NewRat(1_000_000, 1))
	if err != nil {
		return nil, err
	}
	return rewards.NewValidator(rewards.ValidatorConfig{
		RewardToken:     cfg.RewardToken,
		FullRangeLower:  lower,
		FullRangeUpper:  upper,
		FullRangeTolBps: cfg.FullRangeTolBps,
		RatioTolBps:     cfg.RatioTolBps,
	}, priceAt)
}

func parseBound(raw string, fallback *big.Rat) (*big.Rat, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	v, ok := new(big.Rat).SetString(raw)
	if !ok {
		return nil, errors.New("malformed full-range bound " + raw)
	}
	return v, nil
}

// grantCaller resolves the identity the period runner uses for custodian
// grants: the first configured operator, falling back to the first admin.
func grantCaller(cfg config.AuthConfig) string {
	for _, subject := range cfg.Operators {
		if trimmed := strings.TrimSpace(subject); trimmed != "" {
			return trimmed
		}
	}
	for _, subject := range cfg.Admins {
		if trimmed := strings.TrimSpace(subject); trimmed != "" {
			return trimmed
		}
	}
	return strings.TrimSpace(cfg.Owner)
}
