package rewards

const (
	// BpsDenominator is the fixed denominator for basis-point scalars.
	BpsDenominator = 10_000

	// InRangeFloorBps bounds the in-range multiplier from below (0.7). A
	// position fully in range for the period carries the full 10_000.
	InRangeFloorBps = 7_000

	// DefaultTimeBoostBps rewards continuous participation linearly (0.6 over
	// the full program duration).
	DefaultTimeBoostBps = 6_000
	// DefaultFullRangeBonusBps boosts canonical full-range positions (1.2x).
	DefaultFullRangeBonusBps = 12_000
	// DefaultLockPeriodDays locks granted lots before they become claimable.
	DefaultLockPeriodDays = 7
)

// ApplyDefaults ensures unset fields fall back to program defaults.
func (p *FormulaParams) ApplyDefaults() *FormulaParams {
	if p == nil {
		return nil
	}
	if p.TimeBoostBps == 0 {
		p.TimeBoostBps = DefaultTimeBoostBps
	}
	if p.FullRangeBonusBps == 0 {
		p.FullRangeBonusBps = DefaultFullRangeBonusBps
	}
	if p.LockPeriodDays == 0 {
		p.LockPeriodDays = DefaultLockPeriodDays
	}
	return p
}
