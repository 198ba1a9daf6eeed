package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"lprewards/services/rewardd/storage"
)

// Observation is one pool reading from an upstream feed.
type Observation struct {
	Price      *big.Rat
	PoolValue  *big.Rat
	ObservedAt time.Time
}

// Source resolves live and historical pool data.
type Source interface {
	Name() string
	Fetch(ctx context.Context, pool string) (Observation, error)
	PriceAt(ctx context.Context, pool string, at time.Time) (*big.Rat, error)
}

// Manager polls configured sources on a fixed interval, records samples and
// answers historical price lookups with bounded retries. Lookups prefer the
// local sample archive and fall back to upstream sources.
type Manager struct {
	logger         *slog.Logger
	store          *storage.Store
	sources        []Source
	pools          []string
	interval       time.Duration
	maxAge         time.Duration
	historyRetries int
	historyBackoff time.Duration
	clock          func() time.Time
	once           sync.Once
}

// Config wires a Manager.
type Config struct {
	Store          *storage.Store
	Sources        []Source
	Pools          []string
	Interval       time.Duration
	MaxAge         time.Duration
	HistoryRetries int
	HistoryBackoff time.Duration
	Logger         *slog.Logger
}

// New constructs a manager instance.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	if len(cfg.Pools) == 0 {
		return nil, fmt.Errorf("at least one pool required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Minute
	}
	if cfg.HistoryRetries <= 0 {
		cfg.HistoryRetries = 3
	}
	if cfg.HistoryBackoff <= 0 {
		cfg.HistoryBackoff = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:         logger,
		store:          cfg.Store,
		sources:        append([]Source{}, cfg.Sources...),
		pools:          append([]string{}, cfg.Pools...),
		interval:       cfg.Interval,
		maxAge:         cfg.MaxAge,
		historyRetries: cfg.HistoryRetries,
		historyBackoff: cfg.HistoryBackoff,
		clock:          time.Now,
	}, nil
}

// SetClock overrides the time source for deterministic tests.
func (m *Manager) SetClock(clock func() time.Time) {
	if m != nil && clock != nil {
		m.clock = clock
	}
}

// Run blocks, periodically polling upstream feeds until the context is
// cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("market data manager started", "sources", len(m.sources), "pools", len(m.pools))
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("market data tick", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single polling cycle across all configured pools.
func (m *Manager) Tick(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	for _, pool := range m.pools {
		if err := m.processPool(ctx, pool); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) processPool(ctx context.Context, pool string) error {
	now := m.clock()
	recorded := 0
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		obs, err := src.Fetch(ctx, pool)
		if err != nil {
			m.logger.Warn("source fetch failed", "source", src.Name(), "pool", pool, "error", err)
			continue
		}
		if obs.Price == nil || obs.Price.Sign() <= 0 {
			m.logger.Warn("source returned invalid price", "source", src.Name(), "pool", pool)
			continue
		}
		if obs.ObservedAt.After(now.Add(5 * time.Second)) {
			m.logger.Warn("source produced future timestamp", "source", src.Name(), "pool", pool)
			continue
		}
		if m.maxAge > 0 && obs.ObservedAt.Before(now.Add(-m.maxAge)) {
			m.logger.Warn("source observation expired", "source", src.Name(), "pool", pool)
			continue
		}
		if err := m.store.RecordSample(ctx, pool, src.Name(), obs.Price, obs.PoolValue, obs.ObservedAt); err != nil {
			m.logger.Warn("record sample", "pool", pool, "error", err)
			continue
		}
		recorded++
	}
	if recorded == 0 {
		return fmt.Errorf("no usable observations for %s", pool)
	}
	return nil
}

// PoolValue returns the most recent recorded pool value and price.
func (m *Manager) PoolValue(ctx context.Context, pool string) (price, poolValue *big.Rat, err error) {
	price, poolValue, observed, err := m.store.LatestSample(ctx, pool)
	if err != nil {
		return nil, nil, err
	}
	if m.maxAge > 0 && observed.Before(m.clock().Add(-m.maxAge)) {
		return nil, nil, fmt.Errorf("latest sample for %s is stale", pool)
	}
	return price, poolValue, nil
}

// PriceAt resolves the pool price at a historical instant. The local archive
// is consulted first; upstream sources are tried with bounded backoff. A
// definitive answer is never fabricated: exhausting all options returns an
// error so callers fail closed.
func (m *Manager) PriceAt(ctx context.Context, pool string, at time.Time) (*big.Rat, error) {
	if price, err := m.store.PriceNear(ctx, pool, at, m.maxAge); err == nil {
		return price, nil
	}
	var lastErr error
	for attempt := 0; attempt < m.historyRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.historyBackoff * time.Duration(attempt)):
			}
		}
		for _, src := range m.sources {
			price, err := src.PriceAt(ctx, pool, at)
			if err != nil {
				lastErr = err
				continue
			}
			if price == nil || price.Sign() <= 0 {
				lastErr = fmt.Errorf("source %s returned invalid historical price", src.Name())
				continue
			}
			if err := m.store.RecordSample(ctx, pool, src.Name(), price, nil, at); err != nil {
				m.logger.Warn("cache historical sample", "pool", pool, "error", err)
			}
			return price, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no source could resolve %s at %s", pool, at.UTC().Format(time.RFC3339))
	}
	return nil, lastErr
}

// MedianPrice aggregates the current price across sources for one pool. Used
// by diagnostics endpoints; the polling loop stores raw per-source samples.
func (m *Manager) MedianPrice(ctx context.Context, pool string) (*big.Rat, error) {
	prices := make([]*big.Rat, 0, len(m.sources))
	for _, src := range m.sources {
		obs, err := src.Fetch(ctx, pool)
		if err != nil || obs.Price == nil || obs.Price.Sign() <= 0 {
			continue
		}
		prices = append(prices, obs.Price)
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("no live prices for %s", pool)
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].Cmp(prices[j]) < 0 })
	mid := len(prices) / 2
	if len(prices)%2 == 1 {
		return new(big.Rat).Set(prices[mid]), nil
	}
	sum := new(big.Rat).Add(prices[mid-1], prices[mid])
	return sum.Quo(sum, big.NewRat(2, 1)), nil
}
