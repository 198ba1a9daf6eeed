package recon

import (
	"context"
	"math/big"
	"testing"
	"time"

	"lprewards/rewards"
	"lprewards/services/rewardd/storage"
)

type staticStats struct {
	price     *big.Rat
	poolValue *big.Rat
}

func (s staticStats) PoolValue(context.Context, string) (*big.Rat, *big.Rat, error) {
	return s.price, s.poolValue, nil
}

type allowAll struct{}

func (allowAll) HasRole(string, string) bool { return true }

type nopTransfer struct{}

func (nopTransfer) Transfer(context.Context, string, string, string, *big.Int) error { return nil }

type periodFixture struct {
	store     *storage.Store
	custodian *rewards.Custodian
	runner    *Runner
	now       time.Time
}

func newPeriodFixture(t *testing.T) *periodFixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	fx := &periodFixture{store: store, now: time.Date(2026, 3, 10, 0, 30, 0, 0, time.UTC)}
	ctx := context.Background()

	program := &rewards.ProgramConfig{
		TotalAllocation:     big.NewInt(450_000),
		ProgramDurationDays: 90,
		ProgramStart:        time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		TreasuryAddress:     "treasury1",
		Active:              true,
	}
	params := (&rewards.FormulaParams{}).ApplyDefaults().Normalize()
	if err := store.SeedProgram(ctx, program); err != nil {
		t.Fatalf("seed program: %v", err)
	}
	if err := store.SeedFormula(ctx, params); err != nil {
		t.Fatalf("seed formula: %v", err)
	}

	cust, err := rewards.NewCustodian(rewards.CustodianConfig{
		Store:    store,
		Auth:     allowAll{},
		Programs: store,
		Transfer: nopTransfer{},
		Treasury: "treasury1",
		Owner:    "deployer",
	})
	if err != nil {
		t.Fatalf("new custodian: %v", err)
	}
	cust.SetClock(func() time.Time { return fx.now })
	fx.custodian = cust

	if err := cust.AddSupportedToken(ctx, "admin", "ZNHB", "0xznhb"); err != nil {
		t.Fatalf("add token: %v", err)
	}
	if err := cust.SetActiveToken(ctx, "admin", "ZNHB"); err != nil {
		t.Fatalf("activate token: %v", err)
	}
	if err := cust.Deposit(ctx, "admin", "ZNHB", big.NewInt(400_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	runner, err := NewRunner(RunnerConfig{
		Store:   store,
		Granter: cust,
		Market:  staticStats{price: big.NewRat(1, 1), poolValue: big.NewRat(1_000_000, 1)},
		Caller:  "scheduler",
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	runner.SetClock(func() time.Time { return fx.now })
	fx.runner = runner
	return fx
}

func (fx *periodFixture) addEligiblePosition(t *testing.T, id, owner string, valueUSD int64) {
	t.Helper()
	fx.addAssessedPosition(t, id, owner, valueUSD, big.NewRat(1, 4), big.NewRat(4, 1), false, fx.now)
}

func (fx *periodFixture) addAssessedPosition(t *testing.T, id, owner string, valueUSD int64, lower, upper *big.Rat, fullRange bool, eligibleAt time.Time) {
	t.Helper()
	ctx := context.Background()
	pos := &rewards.Position{
		ID:              id,
		Owner:           owner,
		Pool:            "ZNHB/USDC",
		TokenA:          "ZNHB",
		TokenB:          "USDC",
		ValueUSD:        big.NewRat(valueUSD, 1),
		PriceLower:      lower,
		PriceUpper:      upper,
		CurrentPrice:    big.NewRat(1, 1),
		BaselineAmountA: big.NewInt(1),
		BaselineAmountB: big.NewInt(1),
		CreatedAt:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Status:          rewards.PositionPending,
	}
	if _, err := fx.store.SavePosition(ctx, pos); err != nil {
		t.Fatalf("save position: %v", err)
	}
	assessment := rewards.Assessment{Valid: true, Confidence: rewards.ConfidenceMedium, IsFullRange: fullRange}
	if err := fx.store.UpdatePositionAssessment(ctx, id, rewards.PositionEligible, assessment, eligibleAt); err != nil {
		t.Fatalf("mark eligible: %v", err)
	}
}

func TestRunGrantsPerOwner(t *testing.T) {
	fx := newPeriodFixture(t)
	fx.addEligiblePosition(t, "pos-a", "alice", 20_000)
	fx.addEligiblePosition(t, "pos-b", "bob", 10_000)
	ctx := context.Background()

	day := rewards.DayKey(fx.now)
	report, err := fx.runner.Run(ctx, day)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Granted != 2 {
		t.Fatalf("granted = %d, want 2", report.Granted)
	}
	aliceLots, err := fx.custodian.OwnerLots(ctx, "alice")
	if err != nil {
		t.Fatalf("owner lots: %v", err)
	}
	if len(aliceLots) != 1 {
		t.Fatalf("alice lots = %d, want 1", len(aliceLots))
	}
	bobLots, err := fx.custodian.OwnerLots(ctx, "bob")
	if err != nil {
		t.Fatalf("owner lots: %v", err)
	}
	if len(bobLots) != 1 {
		t.Fatalf("bob lots = %d, want 1", len(bobLots))
	}
	// Larger position earns proportionally more.
	if aliceLots[0].Amount.Cmp(bobLots[0].Amount) <= 0 {
		t.Fatalf("alice %s should out-earn bob %s", aliceLots[0].Amount, bobLots[0].Amount)
	}
}

func TestRunIsIdempotentPerDay(t *testing.T) {
	fx := newPeriodFixture(t)
	fx.addEligiblePosition(t, "pos-a", "alice", 20_000)
	ctx := context.Background()
	day := rewards.DayKey(fx.now)

	first, err := fx.runner.Run(ctx, day)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Granted != 1 {
		t.Fatalf("first run granted = %d, want 1", first.Granted)
	}
	second, err := fx.runner.Run(ctx, day)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Granted != 0 {
		t.Fatalf("second run granted = %d, want 0", second.Granted)
	}
	lots, err := fx.custodian.OwnerLots(ctx, "alice")
	if err != nil {
		t.Fatalf("owner lots: %v", err)
	}
	if len(lots) != 1 {
		t.Fatalf("lots = %d, re-run must not double-grant", len(lots))
	}
}

func TestRunScalesToRemainingBudget(t *testing.T) {
	fx := newPeriodFixture(t)
	// Half the pool would naively earn far more than the 5000 daily budget.
	fx.addEligiblePosition(t, "pos-a", "alice", 500_000)
	fx.addEligiblePosition(t, "pos-b", "bob", 500_000)
	ctx := context.Background()
	day := rewards.DayKey(fx.now)

	report, err := fx.runner.Run(ctx, day)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Granted != 2 {
		t.Fatalf("granted = %d, want 2", report.Granted)
	}
	budget := big.NewInt(5_000)
	if report.Total.Cmp(budget) > 0 {
		t.Fatalf("total %s exceeds daily budget %s", report.Total, budget)
	}
	dist, err := fx.custodian.Distribution(ctx, day)
	if err != nil {
		t.Fatalf("distribution: %v", err)
	}
	if dist.Distributed.Cmp(budget) > 0 {
		t.Fatalf("distributed %s exceeds budget", dist.Distributed)
	}
}

func TestRunSkipsInactiveProgram(t *testing.T) {
	fx := newPeriodFixture(t)
	fx.addEligiblePosition(t, "pos-a", "alice", 20_000)
	ctx := context.Background()

	cfg, _, err := fx.store.CurrentProgram(ctx)
	if err != nil {
		t.Fatalf("current program: %v", err)
	}
	paused := cfg.Clone()
	paused.Active = false
	paused.TreasuryAddress = cfg.TreasuryAddress
	if err := fx.store.PutProgram(ctx, paused); err != nil {
		t.Fatalf("put program: %v", err)
	}

	report, err := fx.runner.Run(ctx, rewards.DayKey(fx.now))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Granted != 0 {
		t.Fatalf("inactive program must not grant, got %d", report.Granted)
	}
}

func TestRunSkipsOutOfRangePositions(t *testing.T) {
	fx := newPeriodFixture(t)
	fx.addEligiblePosition(t, "pos-a", "alice", 20_000)
	fx.runner.market = staticStats{price: big.NewRat(10, 1), poolValue: big.NewRat(1_000_000, 1)}
	ctx := context.Background()

	report, err := fx.runner.Run(ctx, rewards.DayKey(fx.now))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Granted != 0 || report.Skipped == 0 {
		t.Fatalf("out-of-range position must be skipped: %+v", report)
	}
}

func TestRunUsesAssessedFullRange(t *testing.T) {
	fx := newPeriodFixture(t)
	lower, upper := big.NewRat(1, 1_000_000), big.NewRat(1_000_000, 1)
	// Identical wide bounds; only the validator's verdict differs.
	fx.addAssessedPosition(t, "pos-a", "alice", 10_000, lower, upper, false, fx.now)
	fx.addAssessedPosition(t, "pos-b", "bob", 10_000, lower, upper, true, fx.now)
	ctx := context.Background()

	report, err := fx.runner.Run(ctx, rewards.DayKey(fx.now))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Granted != 2 {
		t.Fatalf("granted = %d, want 2", report.Granted)
	}
	aliceLots, err := fx.custodian.OwnerLots(ctx, "alice")
	if err != nil {
		t.Fatalf("owner lots: %v", err)
	}
	if got := aliceLots[0].Amount; got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("alice amount = %s, want 50 without the bonus", got)
	}
	bobLots, err := fx.custodian.OwnerLots(ctx, "bob")
	if err != nil {
		t.Fatalf("owner lots: %v", err)
	}
	if got := bobLots[0].Amount; got.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("bob amount = %s, want 60 with the bonus", got)
	}
}

func TestRunBoostCountsEligibleDays(t *testing.T) {
	fx := newPeriodFixture(t)
	// Registered March 1, eligible three days before the run.
	eligibleAt := fx.now.Add(-72 * time.Hour)
	fx.addAssessedPosition(t, "pos-a", "alice", 10_000, big.NewRat(1, 4), big.NewRat(4, 1), false, eligibleAt)
	ctx := context.Background()

	if _, err := fx.runner.Run(ctx, rewards.DayKey(fx.now)); err != nil {
		t.Fatalf("run: %v", err)
	}
	lots, err := fx.custodian.OwnerLots(ctx, "alice")
	if err != nil {
		t.Fatalf("owner lots: %v", err)
	}
	// 3 eligible days of a 90-day program: 50 * (1 + 3/90 * 0.6) = 51.
	// Counting from registration would yield 9 days and 53.
	if got := lots[0].Amount; got.Cmp(big.NewInt(51)) != 0 {
		t.Fatalf("amount = %s, want 51 from eligible days", got)
	}
}

func TestRunAppliesInRangeFraction(t *testing.T) {
	fx := newPeriodFixture(t)
	fx.addEligiblePosition(t, "pos-a", "alice", 10_000)
	ctx := context.Background()
	poolValue := big.NewRat(1_000_000, 1)
	inAt := time.Date(2026, 3, 10, 0, 10, 0, 0, time.UTC)
	outAt := time.Date(2026, 3, 10, 0, 20, 0, 0, time.UTC)
	if err := fx.store.RecordSample(ctx, "ZNHB/USDC", "feed", big.NewRat(1, 1), poolValue, inAt); err != nil {
		t.Fatalf("record sample: %v", err)
	}
	if err := fx.store.RecordSample(ctx, "ZNHB/USDC", "feed", big.NewRat(10, 1), poolValue, outAt); err != nil {
		t.Fatalf("record sample: %v", err)
	}

	if _, err := fx.runner.Run(ctx, rewards.DayKey(fx.now)); err != nil {
		t.Fatalf("run: %v", err)
	}
	lots, err := fx.custodian.OwnerLots(ctx, "alice")
	if err != nil {
		t.Fatalf("owner lots: %v", err)
	}
	// Half the day's samples in range floors the multiplier at 0.7.
	if got := lots[0].Amount; got.Cmp(big.NewInt(35)) != 0 {
		t.Fatalf("amount = %s, want 35 at the floor multiplier", got)
	}
}

func TestRunStampsAccountingDay(t *testing.T) {
	fx := newPeriodFixture(t)
	fx.addEligiblePosition(t, "pos-a", "alice", 10_000)
	ctx := context.Background()

	// The scheduler settles yesterday shortly after midnight.
	yesterday := rewards.DayKey(fx.now.Add(-24 * time.Hour))
	report, err := fx.runner.Run(ctx, yesterday)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Granted != 1 {
		t.Fatalf("granted = %d, want 1", report.Granted)
	}
	settled, err := fx.custodian.Distribution(ctx, yesterday)
	if err != nil {
		t.Fatalf("distribution: %v", err)
	}
	if settled.Distributed.Cmp(report.Total) != 0 {
		t.Fatalf("yesterday distributed = %s, want %s", settled.Distributed, report.Total)
	}
	today, err := fx.custodian.Distribution(ctx, rewards.DayKey(fx.now))
	if err != nil {
		t.Fatalf("distribution: %v", err)
	}
	if today.Distributed.Sign() != 0 {
		t.Fatalf("today's counter moved by %s, want 0", today.Distributed)
	}
}
