package models

import (
	"time"

	"gorm.io/gorm"
)

// Position persists a registered liquidity position across the validation
// lifecycle. Rational values are stored as exact num/denom strings so no
// precision is lost at the storage boundary.
type Position struct {
	ID              string `gorm:"primaryKey;size:128"`
	Owner           string `gorm:"index;size:128"`
	Pool            string `gorm:"size:128"`
	TokenA          string `gorm:"size:32"`
	TokenB          string `gorm:"size:32"`
	ValueUSD        string `gorm:"size:128"`
	PriceLower      string `gorm:"size:128"`
	PriceUpper      string `gorm:"size:128"`
	CurrentPrice    string `gorm:"size:128"`
	FeeTierBps      uint32
	Liquidity       string `gorm:"size:128"`
	BaselineAmountA string `gorm:"size:128"`
	BaselineAmountB string `gorm:"size:128"`
	Status          string `gorm:"size:32;index"`
	RejectReason    string `gorm:"size:64"`
	Confidence      string `gorm:"size:16"`
	FullRange       bool
	PositionCreated time.Time
	EligibleSince   time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RewardLot is an immutable granted reward with its own lock. Amount is a
// base-10 integer string in the token's smallest denomination.
type RewardLot struct {
	LotID       uint64 `gorm:"primaryKey;autoIncrement"`
	Owner       string `gorm:"index;size:128"`
	Amount      string `gorm:"size:128"`
	TokenSymbol string `gorm:"size:32;index"`
	GrantedAt   time.Time
	UnlockAt    time.Time
	Claimed     bool `gorm:"index"`
	ClaimedAt   *time.Time
	CreatedAt   time.Time
}

// DailyCounter tracks cap consumption per UTC accounting day. The row is
// updated inside the same transaction that inserts lots, making it the
// serialization point for the daily cap.
type DailyCounter struct {
	Day         string `gorm:"primaryKey;size:10"`
	Distributed string `gorm:"size:128"`
	UpdatedAt   time.Time
}

// TreasuryBalance tracks undistributed funds per token.
type TreasuryBalance struct {
	Symbol    string `gorm:"primaryKey;size:32"`
	Amount    string `gorm:"size:128"`
	UpdatedAt time.Time
}

// TokenRecord is a reward token registry entry.
type TokenRecord struct {
	Symbol    string `gorm:"primaryKey;size:32"`
	Address   string `gorm:"size:128"`
	Supported bool
	Active    bool `gorm:"index"`
	Primary   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProgramRow stores the current emission program. Revisions are appended so
// parameter changes stay auditable; the latest row wins.
type ProgramRow struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement"`
	TotalAllocation string `gorm:"size:128"`
	DurationDays    uint32
	Start           time.Time
	TreasuryAddress string `gorm:"size:128"`
	Active          bool
	CreatedAt       time.Time
}

// FormulaRow stores formula parameter revisions; the latest row wins and
// applies prospectively only.
type FormulaRow struct {
	ID                uint64 `gorm:"primaryKey;autoIncrement"`
	TimeBoostBps      uint32
	FullRangeBonusBps uint32
	MinPositionUSD    string `gorm:"size:128"`
	LockPeriodDays    uint32
	CreatedAt         time.Time
}

// PeriodMarker records that an owner was settled for a given accounting day.
// The unique index makes period runs idempotent across restarts.
type PeriodMarker struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Day       string `gorm:"size:10;uniqueIndex:idx_period_day_owner"`
	Owner     string `gorm:"size:128;uniqueIndex:idx_period_day_owner"`
	LotID     uint64
	Amount    string `gorm:"size:128"`
	CreatedAt time.Time
}

// AuditEvent is the durable audit trail for custodian state changes.
type AuditEvent struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	Type       string `gorm:"size:64;index"`
	Attributes string `gorm:"type:text"`
	OccurredAt time.Time
	CreatedAt  time.Time
}

// IdempotencyKey pins the first response for a retried mutation. Keys are
// scoped per authenticated subject so callers cannot replay each other's
// responses.
type IdempotencyKey struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Subject   string `gorm:"size:128;uniqueIndex:idx_idempotency_subject_key"`
	Key       string `gorm:"size:128;uniqueIndex:idx_idempotency_subject_key"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// MarketSample persists a raw market data observation for a pool.
type MarketSample struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	Pool       string `gorm:"index:idx_sample_pool_time;size:128"`
	Source     string `gorm:"size:64"`
	Price      string `gorm:"size:128"`
	PoolValue  string `gorm:"size:128"`
	ObservedAt time.Time `gorm:"index:idx_sample_pool_time"`
	CreatedAt  time.Time
}

// Migrate applies the schema for all rewardd models.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Position{},
		&RewardLot{},
		&DailyCounter{},
		&TreasuryBalance{},
		&TokenRecord{},
		&ProgramRow{},
		&FormulaRow{},
		&PeriodMarker{},
		&AuditEvent{},
		&IdempotencyKey{},
		&MarketSample{},
	)
}
