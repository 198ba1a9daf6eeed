package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"lprewards/observability"
	"lprewards/rewards"
	"lprewards/services/rewardd/storage"
)

// PoolStats resolves the current price and total value for a pool.
type PoolStats interface {
	PoolValue(ctx context.Context, pool string) (price, poolValue *big.Rat, err error)
}

// Granter is the custodian surface the period runner needs. Grants carry the
// accounting day so the cap counter matches the day being settled even when
// the run happens after midnight.
type Granter interface {
	GrantOn(ctx context.Context, caller, owner string, amount *big.Int, day string) (*rewards.Lot, error)
	Distribution(ctx context.Context, day string) (*rewards.DayDistribution, error)
}

// Report summarises a completed accounting period run.
type Report struct {
	Day     string
	Granted int
	Skipped int
	Total   *big.Int
}

// Runner executes the daily accounting period: it snapshots the program
// configuration, computes entitlements for all eligible positions, scales
// them to the remaining daily budget and grants lots through the custodian.
// Durable per-owner markers make re-runs of the same day idempotent.
type Runner struct {
	store   *storage.Store
	granter Granter
	market  PoolStats
	caller  string
	metrics *observability.RewarddMetrics
	logger  *slog.Logger
	clock   func() time.Time
}

// RunnerConfig wires a Runner. Caller is the operator identity used for
// custodian grants.
type RunnerConfig struct {
	Store   *storage.Store
	Granter Granter
	Market  PoolStats
	Caller  string
	Metrics *observability.RewarddMetrics
	Logger  *slog.Logger
}

// NewRunner constructs a period runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Granter == nil {
		return nil, fmt.Errorf("granter required")
	}
	if cfg.Market == nil {
		return nil, fmt.Errorf("market stats required")
	}
	if cfg.Caller == "" {
		return nil, fmt.Errorf("grant caller required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:   cfg.Store,
		granter: cfg.Granter,
		market:  cfg.Market,
		caller:  cfg.Caller,
		metrics: cfg.Metrics,
		logger:  logger,
		clock:   time.Now,
	}, nil
}

// SetClock overrides the time source for deterministic tests.
func (r *Runner) SetClock(clock func() time.Time) {
	if r != nil && clock != nil {
		r.clock = clock
	}
}

// Run settles the supplied accounting day. The program and formula are
// snapshotted once at the start so a mid-run parameter change cannot split
// the day. Owners with an existing marker are skipped.
func (r *Runner) Run(ctx context.Context, day string) (Report, error) {
	started := r.clock()
	report := Report{Day: day, Total: big.NewInt(0)}

	dayStart, err := time.Parse(time.DateOnly, day)
	if err != nil {
		return report, fmt.Errorf("malformed accounting day %q: %w", day, err)
	}

	cfg, params, err := r.store.CurrentProgram(ctx)
	if err != nil {
		return report, fmt.Errorf("snapshot program: %w", err)
	}
	if !cfg.Active {
		r.logger.Info("period run skipped, program inactive", "day", day)
		return report, nil
	}

	accruals, err := r.store.EligibleAccruals(ctx)
	if err != nil {
		return report, fmt.Errorf("load eligible positions: %w", err)
	}
	if len(accruals) == 0 {
		return report, nil
	}

	entitlements, skipped, err := r.computeEntitlements(ctx, cfg, params, accruals, dayStart)
	if err != nil {
		return report, err
	}
	report.Skipped += skipped
	if len(entitlements) == 0 {
		return report, nil
	}

	dist, err := r.granter.Distribution(ctx, day)
	if err != nil {
		return report, fmt.Errorf("load distribution: %w", err)
	}
	remaining := new(big.Int).Sub(dist.Budget, dist.Distributed)
	scaled := rewards.ScaleToBudget(entitlements, remaining)

	for _, payout := range scaled {
		if payout.Amount.Sign() <= 0 {
			report.Skipped++
			continue
		}
		settled, err := r.store.HasPeriodMarker(ctx, day, payout.Owner)
		if err != nil {
			return report, fmt.Errorf("check marker: %w", err)
		}
		if settled {
			report.Skipped++
			continue
		}
		lot, err := r.granter.GrantOn(ctx, r.caller, payout.Owner, payout.Amount, day)
		if err != nil {
			// Cap and balance limits end the run for today; everything else
			// skips the owner and continues.
			if errors.Is(err, rewards.ErrCapacity) {
				r.logger.Warn("period run hit capacity", "day", day, "owner", payout.Owner, "error", err)
				r.metrics.RecordGrantSkip("capacity")
				report.Skipped++
				break
			}
			r.logger.Warn("grant failed", "day", day, "owner", payout.Owner, "error", err)
			r.metrics.RecordGrantSkip("grant_error")
			report.Skipped++
			continue
		}
		if _, err := r.store.PutPeriodMarker(ctx, day, payout.Owner, lot.LotID, lot.Amount.String()); err != nil {
			return report, fmt.Errorf("record marker: %w", err)
		}
		r.metrics.RecordGrant(lot.TokenSymbol)
		report.Granted++
		report.Total.Add(report.Total, lot.Amount)
	}

	if dist, err := r.granter.Distribution(ctx, day); err == nil {
		r.metrics.RecordCap(day, new(big.Int).Sub(dist.Budget, dist.Distributed), dist.Budget)
	}
	r.metrics.ObservePeriodRun(r.clock().Sub(started), report.Granted)
	r.logger.Info("period run complete", "day", day,
		"granted", report.Granted, "skipped", report.Skipped, "total", report.Total.String())
	return report, nil
}

// computeEntitlements evaluates the formula per position and aggregates the
// results per owner. Positions whose pool data is stale or whose price left
// the range are skipped for the day, not rejected permanently.
func (r *Runner) computeEntitlements(ctx context.Context, cfg *rewards.ProgramConfig, params *rewards.FormulaParams, accruals []storage.EligibleAccrual, dayStart time.Time) ([]rewards.Payout, int, error) {
	now := r.clock().UTC()
	dayEnd := dayStart.Add(24 * time.Hour)
	totals := make(map[string]*big.Int)
	skipped := 0
	for _, acc := range accruals {
		pos := acc.Position
		price, poolValue, err := r.market.PoolValue(ctx, pos.Pool)
		if err != nil {
			r.logger.Warn("pool stats unavailable", "pool", pos.Pool, "error", err)
			skipped++
			continue
		}
		if price.Cmp(pos.PriceLower) < 0 || price.Cmp(pos.PriceUpper) > 0 {
			skipped++
			continue
		}
		since := acc.EligibleSince
		if since.IsZero() {
			since = pos.CreatedAt
		}
		daysActive := uint32(0)
		if now.After(since) {
			daysActive = uint32(now.Sub(since) / (24 * time.Hour))
		}
		inRangeBps, err := r.store.InRangeBps(ctx, pos.Pool, pos.PriceLower, pos.PriceUpper, dayStart, dayEnd)
		if err != nil {
			r.logger.Warn("in-range lookup failed", "pool", pos.Pool, "error", err)
			skipped++
			continue
		}
		if inRangeBps < rewards.InRangeFloorBps {
			inRangeBps = rewards.InRangeFloorBps
		}
		amount, err := rewards.ComputeReward(cfg, params, rewards.RewardInput{
			Owner:            pos.Owner,
			LiquidityUSD:     pos.ValueUSD,
			PoolLiquidityUSD: poolValue,
			DaysActive:       daysActive,
			InRangeBps:       inRangeBps,
			FullRange:        acc.FullRange,
		})
		if err != nil {
			r.logger.Warn("entitlement computation failed", "position", pos.ID, "error", err)
			skipped++
			continue
		}
		if amount.Sign() <= 0 {
			continue
		}
		if totals[pos.Owner] == nil {
			totals[pos.Owner] = big.NewInt(0)
		}
		totals[pos.Owner].Add(totals[pos.Owner], amount)
	}

	owners := make([]string, 0, len(totals))
	for owner := range totals {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	payouts := make([]rewards.Payout, 0, len(owners))
	for _, owner := range owners {
		payouts = append(payouts, rewards.Payout{Owner: owner, Amount: totals[owner]})
	}
	return payouts, skipped, nil
}
