package rewards

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

// Confidence grades how definitive an eligibility decision is. Rule-based
// decisions (token membership, minimum value, range checks, canonical
// full-range bounds) are high confidence; decisions reconstructed from
// historical market data are medium, degrading to low for large deviations
// or missing data.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Skip reasons recorded on assessments so eligibility decisions stay
// contestable rather than opaque.
const (
	ReasonRewardTokenMissing  = "reward_token_missing"
	ReasonBelowMinimumValue   = "below_minimum_value"
	ReasonOutOfRange          = "out_of_range"
	ReasonRatioOutOfTolerance = "ratio_out_of_tolerance"
	ReasonPriceUnavailable    = "price_history_unavailable"
	ReasonMalformedPosition   = "malformed_position"
)

// Assessment is the validator's verdict together with the numeric basis used
// to reach it.
type Assessment struct {
	Valid         bool
	Reason        string
	Confidence    Confidence
	IsFullRange   bool
	BalanceRatio  *big.Rat
	ExpectedRatio *big.Rat
	Tolerance     *big.Rat
}

// PriceAtFunc resolves the historical price of token A in token B terms at
// the supplied instant. Implementations may block on external I/O and should
// retry transient failures with bounded backoff before returning an error.
type PriceAtFunc func(ctx context.Context, pool string, at time.Time) (*big.Rat, error)

// ValidatorConfig pins the program's canonical full-range bounds and the
// tolerances applied during validation.
type ValidatorConfig struct {
	RewardToken     string
	FullRangeLower  *big.Rat
	FullRangeUpper  *big.Rat
	FullRangeTolBps uint32
	RatioTolBps     uint32
}

// Validator decides position eligibility. It is a pure decision engine: all
// market data arrives through explicit inputs so the heuristic is testable
// independent of any provider.
type Validator struct {
	cfg     ValidatorConfig
	priceAt PriceAtFunc
}

// NewValidator constructs a validator. priceAt may be nil, in which case the
// concentrated-range path always degrades to the fail-closed policy.
func NewValidator(cfg ValidatorConfig, priceAt PriceAtFunc) (*Validator, error) {
	if cfg.RewardToken == "" {
		return nil, wrapValidation("reward token required")
	}
	if cfg.FullRangeLower == nil || cfg.FullRangeUpper == nil ||
		cfg.FullRangeLower.Cmp(cfg.FullRangeUpper) >= 0 {
		return nil, wrapValidation("canonical full-range bounds required")
	}
	if cfg.FullRangeTolBps == 0 {
		cfg.FullRangeTolBps = 100
	}
	if cfg.RatioTolBps == 0 {
		cfg.RatioTolBps = 500
	}
	return &Validator{cfg: cfg, priceAt: priceAt}, nil
}

// Validate decides eligibility for the supplied position.
//
// Rules, in order: the position must include the reward token, meet the
// minimum USD value, and currently be in range (out-of-range positions are
// never eligible regardless of history). Positions matching the canonical
// full-range bounds are accepted at high confidence without historical
// reconstruction. Concentrated positions have their creation-time balance
// ratio reconstructed from the historical price and compared against the
// ratio implied by the pool's pricing curve.
//
// Missing historical price data fails closed: the assessment is not valid,
// carries ReasonPriceUnavailable, and the returned error wraps
// ErrDataUnavailable so callers leave the position pending for a later
// attempt instead of rejecting it.
func (v *Validator) Validate(ctx context.Context, params *FormulaParams, pos *Position) (Assessment, error) {
	if v == nil || params == nil {
		return Assessment{Reason: ReasonMalformedPosition, Confidence: ConfidenceHigh}, ErrNilConfig
	}
	if pos == nil || pos.ValueUSD == nil || pos.PriceLower == nil || pos.PriceUpper == nil || pos.CurrentPrice == nil {
		return Assessment{Reason: ReasonMalformedPosition, Confidence: ConfidenceHigh},
			fmt.Errorf("%w: position fields missing", ErrValidation)
	}
	if pos.ValueUSD.Sign() < 0 || pos.PriceLower.Sign() < 0 || pos.PriceUpper.Sign() <= 0 {
		return Assessment{Reason: ReasonMalformedPosition, Confidence: ConfidenceHigh}, ErrNegativeInput
	}
	if pos.PriceLower.Cmp(pos.PriceUpper) >= 0 {
		return Assessment{Reason: ReasonMalformedPosition, Confidence: ConfidenceHigh},
			fmt.Errorf("%w: price bounds inverted", ErrValidation)
	}

	if pos.TokenA != v.cfg.RewardToken && pos.TokenB != v.cfg.RewardToken {
		return Assessment{Reason: ReasonRewardTokenMissing, Confidence: ConfidenceHigh}, nil
	}
	minValue := params.MinPositionValueUSD
	if minValue != nil && pos.ValueUSD.Cmp(minValue) < 0 {
		return Assessment{Reason: ReasonBelowMinimumValue, Confidence: ConfidenceHigh}, nil
	}
	if pos.CurrentPrice.Cmp(pos.PriceLower) < 0 || pos.CurrentPrice.Cmp(pos.PriceUpper) > 0 {
		return Assessment{Reason: ReasonOutOfRange, Confidence: ConfidenceHigh}, nil
	}

	if v.isCanonicalFullRange(pos) {
		return Assessment{Valid: true, Confidence: ConfidenceHigh, IsFullRange: true}, nil
	}

	tolerance := bpsRat(v.cfg.RatioTolBps)
	if v.priceAt == nil {
		return Assessment{Reason: ReasonPriceUnavailable, Confidence: ConfidenceLow, Tolerance: tolerance},
			fmt.Errorf("%w: no historical price source", ErrDataUnavailable)
	}
	entryPrice, err := v.priceAt(ctx, pos.Pool, pos.CreatedAt)
	if err != nil || entryPrice == nil || entryPrice.Sign() <= 0 {
		if err == nil {
			err = fmt.Errorf("%w: empty price for %s", ErrDataUnavailable, pos.Pool)
		} else {
			err = fmt.Errorf("%w: %v", ErrDataUnavailable, err)
		}
		return Assessment{Reason: ReasonPriceUnavailable, Confidence: ConfidenceLow, Tolerance: tolerance}, err
	}

	observed := ObservedTokenShare(pos.BaselineAmountA, pos.BaselineAmountB, entryPrice)
	expected, err := ExpectedTokenShare(entryPrice, pos.PriceLower, pos.PriceUpper)
	if err != nil {
		return Assessment{Reason: ReasonMalformedPosition, Confidence: ConfidenceHigh, Tolerance: tolerance}, err
	}

	deviation := new(big.Rat).Sub(observed, expected)
	deviation.Abs(deviation)
	basis := Assessment{
		BalanceRatio:  observed,
		ExpectedRatio: expected,
		Tolerance:     tolerance,
	}
	if deviation.Cmp(tolerance) > 0 {
		basis.Reason = ReasonRatioOutOfTolerance
		basis.Confidence = ConfidenceMedium
		if deviation.Cmp(new(big.Rat).Mul(tolerance, big.NewRat(2, 1))) > 0 {
			basis.Confidence = ConfidenceLow
		}
		return basis, nil
	}
	basis.Valid = true
	basis.Confidence = ConfidenceMedium
	return basis, nil
}

func (v *Validator) isCanonicalFullRange(pos *Position) bool {
	tol := bpsRat(v.cfg.FullRangeTolBps)
	return withinTolerance(pos.PriceLower, v.cfg.FullRangeLower, tol) &&
		withinTolerance(pos.PriceUpper, v.cfg.FullRangeUpper, tol)
}

// withinTolerance reports whether got is within tol (relative) of want. A
// zero want only matches a zero got.
func withinTolerance(got, want, tol *big.Rat) bool {
	if got == nil || want == nil {
		return false
	}
	if want.Sign() == 0 {
		return got.Sign() == 0
	}
	diff := new(big.Rat).Sub(got, want)
	diff.Abs(diff)
	bound := new(big.Rat).Mul(want, tol)
	bound.Abs(bound)
	return diff.Cmp(bound) <= 0
}

// ObservedTokenShare computes the share of the position value held in token A
// at the supplied price: amountA×price / (amountA×price + amountB). Missing
// amounts count as zero; an empty position yields a zero share.
func ObservedTokenShare(amountA, amountB *big.Int, price *big.Rat) *big.Rat {
	a := new(big.Rat)
	if amountA != nil && amountA.Sign() > 0 && price != nil {
		a.Mul(new(big.Rat).SetInt(amountA), price)
	}
	b := new(big.Rat)
	if amountB != nil && amountB.Sign() > 0 {
		b.SetInt(amountB)
	}
	total := new(big.Rat).Add(a, b)
	if total.Sign() == 0 {
		return new(big.Rat)
	}
	return a.Quo(a, total)
}

// ExpectedTokenShare derives the token A value share a concentrated position
// holds at the given price under the constant-product curve:
//
//	shareA = √P×(√Pu−√P) / (√P×(√Pu−√P) + √Pu×(√P−√Pl))
//
// Prices at or below the lower bound imply an all-A position (share 1);
// prices at or above the upper bound imply all-B (share 0).
func ExpectedTokenShare(price, lower, upper *big.Rat) (*big.Rat, error) {
	if price == nil || lower == nil || upper == nil {
		return nil, fmt.Errorf("%w: curve inputs required", ErrValidation)
	}
	if price.Sign() <= 0 || upper.Sign() <= 0 || lower.Sign() < 0 || lower.Cmp(upper) >= 0 {
		return nil, fmt.Errorf("%w: curve inputs out of domain", ErrValidation)
	}
	if price.Cmp(lower) <= 0 {
		return big.NewRat(1, 1), nil
	}
	if price.Cmp(upper) >= 0 {
		return new(big.Rat), nil
	}
	sqrtP := ratSqrt(price)
	sqrtL := ratSqrt(lower)
	sqrtU := ratSqrt(upper)

	// valueA = √P×(√Pu−√P), valueB = √Pu×(√P−√Pl); both in token B terms with
	// the shared liquidity factor cancelled out.
	valueA := new(big.Rat).Mul(sqrtP, new(big.Rat).Sub(sqrtU, sqrtP))
	valueB := new(big.Rat).Mul(sqrtU, new(big.Rat).Sub(sqrtP, sqrtL))
	total := new(big.Rat).Add(valueA, valueB)
	if total.Sign() <= 0 {
		return new(big.Rat), nil
	}
	return valueA.Quo(valueA, total), nil
}

const sqrtPrec = 128

func ratSqrt(r *big.Rat) *big.Rat {
	f := new(big.Float).SetPrec(sqrtPrec).SetRat(r)
	root := new(big.Float).SetPrec(sqrtPrec).Sqrt(f)
	out, _ := root.Rat(nil)
	if out == nil {
		return new(big.Rat)
	}
	return out
}
