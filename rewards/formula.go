package rewards

import (
	"fmt"
	"math/big"
)

// RewardInput carries the validated per-owner inputs for one accounting
// period. LiquidityUSD and PoolLiquidityUSD come from live pool state;
// DaysActive counts continuous eligible participation; InRangeBps scales the
// reward for partial-period range exits; FullRange reflects the validator's
// latest assessment.
type RewardInput struct {
	Owner            string
	LiquidityUSD     *big.Rat
	PoolLiquidityUSD *big.Rat
	DaysActive       uint32
	InRangeBps       uint32
	FullRange        bool
}

// Payout is a computed per-owner entitlement for one period.
type Payout struct {
	Owner  string
	Amount *big.Int
}

// ComputeReward evaluates the periodic entitlement:
//
//	reward = share × (1 + (daysActive/durationDays) × timeBoost)
//	         × inRangeMultiplier × fullRangeBonus × dailyBudget
//
// All arithmetic is exact rational math; the result is floored to the token's
// smallest denomination. A zero pool yields a zero reward without division.
// Negative or malformed inputs are rejected, never clamped.
func ComputeReward(cfg *ProgramConfig, params *FormulaParams, in RewardInput) (*big.Int, error) {
	if cfg == nil || params == nil {
		return nil, ErrNilConfig
	}
	if in.LiquidityUSD == nil || in.PoolLiquidityUSD == nil {
		return nil, fmt.Errorf("%w: liquidity inputs required", ErrValidation)
	}
	if in.LiquidityUSD.Sign() < 0 || in.PoolLiquidityUSD.Sign() < 0 {
		return nil, ErrNegativeInput
	}
	if in.InRangeBps < InRangeFloorBps || in.InRangeBps > BpsDenominator {
		return nil, fmt.Errorf("%w: in-range multiplier %d outside [%d, %d]",
			ErrValidation, in.InRangeBps, InRangeFloorBps, BpsDenominator)
	}
	if in.PoolLiquidityUSD.Sign() == 0 || in.LiquidityUSD.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if cfg.ProgramDurationDays == 0 {
		return nil, wrapValidation("program duration must be positive")
	}

	share := new(big.Rat).Quo(in.LiquidityUSD, in.PoolLiquidityUSD)
	if share.Cmp(big.NewRat(1, 1)) > 0 {
		return nil, fmt.Errorf("%w: position liquidity exceeds pool liquidity", ErrValidation)
	}

	days := in.DaysActive
	if days > cfg.ProgramDurationDays {
		days = cfg.ProgramDurationDays
	}
	boost := new(big.Rat).Mul(
		big.NewRat(int64(days), int64(cfg.ProgramDurationDays)),
		bpsRat(params.TimeBoostBps),
	)
	timeFactor := new(big.Rat).Add(big.NewRat(1, 1), boost)

	multiplier := bpsRat(in.InRangeBps)
	if in.FullRange && params.FullRangeBonusBps > 0 {
		multiplier.Mul(multiplier, bpsRat(params.FullRangeBonusBps))
	}

	reward := new(big.Rat).Mul(share, timeFactor)
	reward.Mul(reward, multiplier)
	reward.Mul(reward, new(big.Rat).SetInt(cfg.DailyBudget()))

	return ratFloor(reward), nil
}

// ScaleToBudget enforces the shared daily ceiling: when the naive sum of
// computed payouts exceeds the remaining budget, every payout is scaled down
// pro rata. Amounts are never scaled up. The input slice is not mutated.
func ScaleToBudget(payouts []Payout, budget *big.Int) []Payout {
	if budget == nil || budget.Sign() < 0 {
		budget = big.NewInt(0)
	}
	out := make([]Payout, 0, len(payouts))
	total := big.NewInt(0)
	for _, p := range payouts {
		amount := p.Amount
		if amount == nil || amount.Sign() < 0 {
			amount = big.NewInt(0)
		}
		total.Add(total, amount)
		out = append(out, Payout{Owner: p.Owner, Amount: new(big.Int).Set(amount)})
	}
	if total.Cmp(budget) <= 0 {
		return out
	}
	for i := range out {
		scaled := new(big.Int).Mul(out[i].Amount, budget)
		out[i].Amount = scaled.Quo(scaled, total)
	}
	return out
}

func bpsRat(bps uint32) *big.Rat {
	return big.NewRat(int64(bps), BpsDenominator)
}

func ratFloor(r *big.Rat) *big.Int {
	if r == nil || r.Sign() <= 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(r.Num(), r.Denom())
}
