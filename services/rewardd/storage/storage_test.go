package storage

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"lprewards/rewards"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLedgerRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.Update(ctx, func(tx rewards.LedgerTx) error {
		if err := tx.PutToken(rewards.TokenInfo{Symbol: "ZNHB", Supported: true, Active: true, Primary: true}); err != nil {
			return err
		}
		if err := tx.SetTreasuryBalance("ZNHB", big.NewInt(10_000)); err != nil {
			return err
		}
		return tx.SetDailyDistributed("2026-03-10", big.NewInt(250))
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	err = store.View(ctx, func(tx rewards.LedgerTx) error {
		info, ok, err := tx.Token("ZNHB")
		if err != nil || !ok {
			t.Fatalf("token lookup: ok=%v err=%v", ok, err)
		}
		if !info.Active || !info.Primary {
			t.Fatalf("token flags lost: %+v", info)
		}
		balance, err := tx.TreasuryBalance("ZNHB")
		if err != nil {
			return err
		}
		if balance.Cmp(big.NewInt(10_000)) != 0 {
			t.Fatalf("balance = %s, want 10000", balance)
		}
		distributed, err := tx.DailyDistributed("2026-03-10")
		if err != nil {
			return err
		}
		if distributed.Cmp(big.NewInt(250)) != 0 {
			t.Fatalf("distributed = %s, want 250", distributed)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := store.Update(ctx, func(tx rewards.LedgerTx) error {
		if err := tx.SetTreasuryBalance("ZNHB", big.NewInt(500)); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	err = store.View(ctx, func(tx rewards.LedgerTx) error {
		balance, err := tx.TreasuryBalance("ZNHB")
		if err != nil {
			return err
		}
		if balance.Sign() != 0 {
			t.Fatalf("rolled-back write visible: %s", balance)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestLotLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	granted := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	var lotID uint64
	err := store.Update(ctx, func(tx rewards.LedgerTx) error {
		id, err := tx.InsertLot(&rewards.Lot{
			Owner:       "alice",
			Amount:      big.NewInt(750),
			TokenSymbol: "ZNHB",
			GrantedAt:   granted,
			UnlockAt:    granted.Add(7 * 24 * time.Hour),
		})
		lotID = id
		return err
	})
	if err != nil {
		t.Fatalf("insert lot: %v", err)
	}

	err = store.Update(ctx, func(tx rewards.LedgerTx) error {
		return tx.MarkClaimed("alice", lotID, granted.Add(8*24*time.Hour))
	})
	if err != nil {
		t.Fatalf("mark claimed: %v", err)
	}
	// Marking twice reports the conflict.
	err = store.Update(ctx, func(tx rewards.LedgerTx) error {
		return tx.MarkClaimed("alice", lotID, granted.Add(9*24*time.Hour))
	})
	if !errors.Is(err, rewards.ErrLotAlreadyClaimed) {
		t.Fatalf("expected ErrLotAlreadyClaimed, got %v", err)
	}

	err = store.View(ctx, func(tx rewards.LedgerTx) error {
		lots, err := tx.LotsByOwner("alice")
		if err != nil {
			return err
		}
		if len(lots) != 1 || !lots[0].Claimed {
			t.Fatalf("unexpected lots: %+v", lots)
		}
		if lots[0].Amount.Cmp(big.NewInt(750)) != 0 {
			t.Fatalf("amount = %s, want 750", lots[0].Amount)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestPositionPersistence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	pos := &rewards.Position{
		ID:              "pos-1",
		Owner:           "alice",
		Pool:            "ZNHB/USDC",
		TokenA:          "ZNHB",
		TokenB:          "USDC",
		ValueUSD:        big.NewRat(5_000, 1),
		PriceLower:      big.NewRat(1, 4),
		PriceUpper:      big.NewRat(4, 1),
		CurrentPrice:    big.NewRat(1, 1),
		Liquidity:       big.NewInt(123456),
		BaselineAmountA: big.NewInt(500),
		BaselineAmountB: big.NewInt(500),
		CreatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Status:          rewards.PositionPending,
	}
	created, err := store.SavePosition(ctx, pos)
	if err != nil {
		t.Fatalf("save position: %v", err)
	}
	if !created {
		t.Fatal("first save should create")
	}
	// Re-registration is a benign no-op.
	created, err = store.SavePosition(ctx, pos)
	if err != nil {
		t.Fatalf("re-save position: %v", err)
	}
	if created {
		t.Fatal("duplicate save must not create")
	}

	assessment := rewards.Assessment{Valid: true, Confidence: rewards.ConfidenceMedium}
	if err := store.UpdatePositionAssessment(ctx, "pos-1", rewards.PositionEligible, assessment, time.Now().UTC()); err != nil {
		t.Fatalf("update assessment: %v", err)
	}

	loaded, err := store.GetPosition(ctx, "pos-1")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if loaded.Status != rewards.PositionEligible {
		t.Fatalf("status = %s, want ELIGIBLE", loaded.Status)
	}
	if loaded.PriceLower.Cmp(big.NewRat(1, 4)) != 0 {
		t.Fatalf("price lower = %s, want 1/4", loaded.PriceLower)
	}

	eligible, err := store.EligiblePositions(ctx)
	if err != nil {
		t.Fatalf("eligible positions: %v", err)
	}
	if len(eligible) != 1 {
		t.Fatalf("eligible count = %d, want 1", len(eligible))
	}
}

func TestPeriodMarkerIdempotence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	created, err := store.PutPeriodMarker(ctx, "2026-03-10", "alice", 7, "1000")
	if err != nil {
		t.Fatalf("put marker: %v", err)
	}
	if !created {
		t.Fatal("first marker should create")
	}
	created, err = store.PutPeriodMarker(ctx, "2026-03-10", "alice", 8, "2000")
	if err != nil {
		t.Fatalf("duplicate marker: %v", err)
	}
	if created {
		t.Fatal("duplicate marker must not create")
	}
	exists, err := store.HasPeriodMarker(ctx, "2026-03-10", "alice")
	if err != nil {
		t.Fatalf("has marker: %v", err)
	}
	if !exists {
		t.Fatal("marker should exist")
	}
}

func TestProgramRevisions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	initial := &rewards.ProgramConfig{
		TotalAllocation:     big.NewInt(450_000),
		ProgramDurationDays: 90,
		ProgramStart:        time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		TreasuryAddress:     "treasury1",
		Active:              true,
	}
	params := (&rewards.FormulaParams{}).ApplyDefaults().Normalize()
	if err := store.SeedProgram(ctx, initial); err != nil {
		t.Fatalf("seed program: %v", err)
	}
	if err := store.SeedFormula(ctx, params); err != nil {
		t.Fatalf("seed formula: %v", err)
	}
	// Seeding again must not add a second revision.
	if err := store.SeedProgram(ctx, initial); err != nil {
		t.Fatalf("re-seed program: %v", err)
	}

	revised := initial.Clone()
	revised.TotalAllocation = big.NewInt(900_000)
	if err := store.PutProgram(ctx, revised); err != nil {
		t.Fatalf("put program: %v", err)
	}

	cfg, loadedParams, err := store.CurrentProgram(ctx)
	if err != nil {
		t.Fatalf("current program: %v", err)
	}
	if cfg.TotalAllocation.Cmp(big.NewInt(900_000)) != 0 {
		t.Fatalf("allocation = %s, want latest revision", cfg.TotalAllocation)
	}
	if loadedParams.LockPeriodDays != params.LockPeriodDays {
		t.Fatalf("lock period = %d, want %d", loadedParams.LockPeriodDays, params.LockPeriodDays)
	}
}

func TestPriceNearWindow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if err := store.RecordSample(ctx, "ZNHB/USDC", "feed", big.NewRat(1, 1), big.NewRat(1_000_000, 1), at.Add(-time.Hour)); err != nil {
		t.Fatalf("record sample: %v", err)
	}
	if err := store.RecordSample(ctx, "ZNHB/USDC", "feed", big.NewRat(2, 1), big.NewRat(1_000_000, 1), at.Add(-time.Minute)); err != nil {
		t.Fatalf("record sample: %v", err)
	}

	price, err := store.PriceNear(ctx, "ZNHB/USDC", at, 2*time.Hour)
	if err != nil {
		t.Fatalf("price near: %v", err)
	}
	if price.Cmp(big.NewRat(2, 1)) != 0 {
		t.Fatalf("price = %s, want nearest prior sample", price)
	}

	if _, err := store.PriceNear(ctx, "ZNHB/USDC", at, 30*time.Second); !errors.Is(err, ErrSampleNotFound) {
		t.Fatalf("expected ErrSampleNotFound outside window, got %v", err)
	}
	if _, err := store.PriceNear(ctx, "OTHER/POOL", at, time.Hour); !errors.Is(err, ErrSampleNotFound) {
		t.Fatalf("expected ErrSampleNotFound for unknown pool, got %v", err)
	}
}
