package rewards

import (
	"math/big"
	"time"
)

// PositionStatus tracks a liquidity position through the registration
// lifecycle. Positions are mutated only by the validator and frozen once
// eligible.
type PositionStatus string

const (
	PositionUnregistered PositionStatus = "UNREGISTERED"
	PositionPending      PositionStatus = "PENDING_VALIDATION"
	PositionEligible     PositionStatus = "ELIGIBLE"
	PositionRejected     PositionStatus = "REJECTED"
)

// Position captures a liquidity position as submitted for registration.
// Prices are quoted as token A denominated in token B. Baseline amounts are
// the creation-time token balances used to reconstruct the balance ratio.
type Position struct {
	ID              string
	Owner           string
	Pool            string
	TokenA          string
	TokenB          string
	ValueUSD        *big.Rat
	PriceLower      *big.Rat
	PriceUpper      *big.Rat
	CurrentPrice    *big.Rat
	FeeTierBps      uint32
	Liquidity       *big.Int
	BaselineAmountA *big.Int
	BaselineAmountB *big.Int
	CreatedAt       time.Time
	Status          PositionStatus
}

// Clone produces a deep copy so callers cannot mutate shared pointers.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := *p
	clone.ValueUSD = cloneRat(p.ValueUSD)
	clone.PriceLower = cloneRat(p.PriceLower)
	clone.PriceUpper = cloneRat(p.PriceUpper)
	clone.CurrentPrice = cloneRat(p.CurrentPrice)
	clone.Liquidity = cloneBigInt(p.Liquidity)
	clone.BaselineAmountA = cloneBigInt(p.BaselineAmountA)
	clone.BaselineAmountB = cloneBigInt(p.BaselineAmountB)
	return &clone
}

// ProgramConfig controls the emission program. TotalAllocation is expressed
// in the smallest denomination of the reward token (wei-style integer).
type ProgramConfig struct {
	TotalAllocation     *big.Int
	ProgramDurationDays uint32
	ProgramStart        time.Time
	TreasuryAddress     string
	Active              bool
}

// DailyBudget derives the per-day emission ceiling from the total allocation.
// It is recomputed on every call so configuration changes take effect for
// future periods without rewriting existing lots.
func (c *ProgramConfig) DailyBudget() *big.Int {
	if c == nil || c.TotalAllocation == nil || c.ProgramDurationDays == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(c.TotalAllocation, big.NewInt(int64(c.ProgramDurationDays)))
}

// ProgramEnd derives the end of the emission window.
func (c *ProgramConfig) ProgramEnd() time.Time {
	if c == nil || c.ProgramStart.IsZero() {
		return time.Time{}
	}
	return c.ProgramStart.Add(time.Duration(c.ProgramDurationDays) * 24 * time.Hour)
}

// Clone produces a deep copy of the configuration.
func (c *ProgramConfig) Clone() *ProgramConfig {
	if c == nil {
		return nil
	}
	clone := *c
	clone.TotalAllocation = cloneBigInt(c.TotalAllocation)
	return &clone
}

// Validate performs static validation of the configuration.
func (c *ProgramConfig) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if c.TotalAllocation == nil || c.TotalAllocation.Sign() <= 0 {
		return wrapValidation("total allocation must be positive")
	}
	if c.ProgramDurationDays == 0 {
		return wrapValidation("program duration must be positive")
	}
	if c.Active {
		if c.ProgramStart.IsZero() {
			return wrapValidation("program start must be set when active")
		}
		if c.TreasuryAddress == "" {
			return wrapValidation("treasury address must be configured when active")
		}
	}
	return nil
}

// FormulaParams tunes the per-period entitlement formula. Scalars are fixed
// point basis-point integers over BpsDenominator.
type FormulaParams struct {
	TimeBoostBps        uint32
	FullRangeBonusBps   uint32
	MinPositionValueUSD *big.Rat
	LockPeriodDays      uint32
}

// Clone produces a deep copy of the parameters.
func (p *FormulaParams) Clone() *FormulaParams {
	if p == nil {
		return nil
	}
	clone := *p
	clone.MinPositionValueUSD = cloneRat(p.MinPositionValueUSD)
	return &clone
}

// Normalize ensures pointer fields are non-nil. Returns the receiver for
// chaining.
func (p *FormulaParams) Normalize() *FormulaParams {
	if p == nil {
		return nil
	}
	if p.MinPositionValueUSD == nil {
		p.MinPositionValueUSD = new(big.Rat)
	}
	return p
}

// Validate performs static validation of the parameters.
func (p *FormulaParams) Validate() error {
	if p == nil {
		return ErrNilConfig
	}
	if p.FullRangeBonusBps != 0 && p.FullRangeBonusBps < BpsDenominator {
		return wrapValidation("full range bonus must be at least 1.0")
	}
	if p.MinPositionValueUSD != nil && p.MinPositionValueUSD.Sign() < 0 {
		return wrapValidation("minimum position value must not be negative")
	}
	return nil
}

// LockPeriod converts the configured lock into a duration.
func (p *FormulaParams) LockPeriod() time.Duration {
	if p == nil {
		return 0
	}
	return time.Duration(p.LockPeriodDays) * 24 * time.Hour
}

// LotStatus reflects the lot state machine: granted lots become unlockable
// once their unlock timestamp passes and claimed lots are terminal.
type LotStatus string

const (
	LotGranted    LotStatus = "GRANTED"
	LotUnlockable LotStatus = "UNLOCKABLE"
	LotClaimed    LotStatus = "CLAIMED"
)

// Lot is a single granted reward with its own lock. Amount and UnlockAt are
// immutable after creation; Claimed transitions false to true exactly once.
type Lot struct {
	LotID       uint64
	Owner       string
	Amount      *big.Int
	TokenSymbol string
	GrantedAt   time.Time
	UnlockAt    time.Time
	Claimed     bool
	ClaimedAt   time.Time
}

// Status reports the lot state at the supplied instant.
func (l *Lot) Status(now time.Time) LotStatus {
	if l == nil {
		return LotGranted
	}
	if l.Claimed {
		return LotClaimed
	}
	if !now.Before(l.UnlockAt) {
		return LotUnlockable
	}
	return LotGranted
}

// Unlockable reports whether the lot can be claimed at the supplied instant.
func (l *Lot) Unlockable(now time.Time) bool {
	return l != nil && !l.Claimed && !now.Before(l.UnlockAt)
}

// Clone produces a deep copy of the lot.
func (l *Lot) Clone() *Lot {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Amount = cloneBigInt(l.Amount)
	return &clone
}

// TokenInfo describes a registry entry. Exactly one token is active at any
// instant; the primary token and the active token are never removable.
type TokenInfo struct {
	Symbol    string
	Address   string
	Supported bool
	Active    bool
	Primary   bool
}

// DayKey renders the UTC accounting day for the supplied instant.
func DayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneRat(v *big.Rat) *big.Rat {
	if v == nil {
		return nil
	}
	return new(big.Rat).Set(v)
}
