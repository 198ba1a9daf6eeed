package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lprewards/rewards"
	"lprewards/services/rewardd/models"
)

// ErrPositionNotFound is returned when a position lookup misses.
var ErrPositionNotFound = errors.New("storage: position not found")

// SavePosition persists a registered position. Re-registering an existing ID
// reports a conflict so callers can treat it as a benign no-op.
func (s *Store) SavePosition(ctx context.Context, pos *rewards.Position) (bool, error) {
	rec := positionRecord(pos)
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&rec)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// UpdatePositionAssessment records the validator's verdict for a position.
func (s *Store) UpdatePositionAssessment(ctx context.Context, id string, status rewards.PositionStatus, assessment rewards.Assessment, at time.Time) error {
	updates := map[string]interface{}{
		"status":        string(status),
		"reject_reason": assessment.Reason,
		"confidence":    string(assessment.Confidence),
		"full_range":    assessment.IsFullRange,
	}
	if status == rewards.PositionEligible {
		updates["eligible_since"] = at
	}
	result := s.db.WithContext(ctx).Model(&models.Position{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// GetPosition loads a single position by ID.
func (s *Store) GetPosition(ctx context.Context, id string) (*rewards.Position, error) {
	var rec models.Position
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, err
	}
	return domainPosition(rec)
}

// PositionsByOwner returns all positions registered by an owner.
func (s *Store) PositionsByOwner(ctx context.Context, owner string) ([]*rewards.Position, error) {
	var recs []models.Position
	if err := s.db.WithContext(ctx).Where("owner = ?", owner).Order("created_at").Find(&recs).Error; err != nil {
		return nil, err
	}
	return domainPositions(recs)
}

// EligiblePositions returns every position currently in ELIGIBLE state.
func (s *Store) EligiblePositions(ctx context.Context) ([]*rewards.Position, error) {
	var recs []models.Position
	if err := s.db.WithContext(ctx).Where("status = ?", string(rewards.PositionEligible)).Order("id").Find(&recs).Error; err != nil {
		return nil, err
	}
	return domainPositions(recs)
}

// PendingPositions returns positions awaiting validation, oldest first. Used
// to retry positions parked by missing market data.
func (s *Store) PendingPositions(ctx context.Context) ([]*rewards.Position, error) {
	var recs []models.Position
	if err := s.db.WithContext(ctx).Where("status = ?", string(rewards.PositionPending)).Order("created_at").Find(&recs).Error; err != nil {
		return nil, err
	}
	return domainPositions(recs)
}

// EligiblePositionRows returns the raw eligible rows for an owner, keeping
// the validator's full-range flag and eligibility timestamps that the domain
// type does not carry.
func (s *Store) EligiblePositionRows(ctx context.Context, owner string) ([]models.Position, error) {
	var recs []models.Position
	err := s.db.WithContext(ctx).
		Where("owner = ? AND status = ?", owner, string(rewards.PositionEligible)).
		Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// EligibleAccrual pairs an eligible position with the validator's stored
// verdict and the eligibility timestamp the accounting run keys its boost on.
type EligibleAccrual struct {
	Position      *rewards.Position
	FullRange     bool
	EligibleSince time.Time
}

// EligibleAccruals returns every ELIGIBLE position with its accrual inputs,
// oldest registration first.
func (s *Store) EligibleAccruals(ctx context.Context) ([]EligibleAccrual, error) {
	var recs []models.Position
	if err := s.db.WithContext(ctx).Where("status = ?", string(rewards.PositionEligible)).Order("id").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]EligibleAccrual, 0, len(recs))
	for _, rec := range recs {
		pos, err := domainPosition(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, EligibleAccrual{
			Position:      pos,
			FullRange:     rec.FullRange,
			EligibleSince: rec.EligibleSince,
		})
	}
	return out, nil
}

// HasPeriodMarker reports whether an owner already settled for the day.
func (s *Store) HasPeriodMarker(ctx context.Context, day, owner string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.PeriodMarker{}).
		Where("day = ? AND owner = ?", day, owner).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// PutPeriodMarker durably records an owner's settlement for the day. The
// unique index rejects duplicates, which callers treat as already settled.
func (s *Store) PutPeriodMarker(ctx context.Context, day, owner string, lotID uint64, amount string) (bool, error) {
	rec := models.PeriodMarker{Day: day, Owner: owner, LotID: lotID, Amount: amount}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// SeedProgram inserts the initial program revision when none exists.
func (s *Store) SeedProgram(ctx context.Context, cfg *rewards.ProgramConfig) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.ProgramRow{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return s.PutProgram(ctx, cfg)
}

// PutProgram appends a new program revision.
func (s *Store) PutProgram(ctx context.Context, cfg *rewards.ProgramConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	rec := models.ProgramRow{
		TotalAllocation: formatBigInt(cfg.TotalAllocation),
		DurationDays:    cfg.ProgramDurationDays,
		Start:           cfg.ProgramStart,
		TreasuryAddress: cfg.TreasuryAddress,
		Active:          cfg.Active,
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// SeedFormula inserts the initial formula revision when none exists.
func (s *Store) SeedFormula(ctx context.Context, params *rewards.FormulaParams) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.FormulaRow{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return s.PutFormula(ctx, params)
}

// PutFormula appends a new formula revision. Changes apply prospectively;
// already-granted lots are untouched.
func (s *Store) PutFormula(ctx context.Context, params *rewards.FormulaParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	rec := models.FormulaRow{
		TimeBoostBps:      params.TimeBoostBps,
		FullRangeBonusBps: params.FullRangeBonusBps,
		MinPositionUSD:    formatBigRat(params.MinPositionValueUSD),
		LockPeriodDays:    params.LockPeriodDays,
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// CurrentProgram returns the latest program and formula revisions.
func (s *Store) CurrentProgram(ctx context.Context) (*rewards.ProgramConfig, *rewards.FormulaParams, error) {
	var programRec models.ProgramRow
	if err := s.db.WithContext(ctx).Order("id DESC").First(&programRec).Error; err != nil {
		return nil, nil, fmt.Errorf("load program: %w", err)
	}
	var formulaRec models.FormulaRow
	if err := s.db.WithContext(ctx).Order("id DESC").First(&formulaRec).Error; err != nil {
		return nil, nil, fmt.Errorf("load formula: %w", err)
	}
	allocation, err := parseBigInt(programRec.TotalAllocation)
	if err != nil {
		return nil, nil, err
	}
	minValue, err := parseBigRat(formulaRec.MinPositionUSD)
	if err != nil {
		return nil, nil, err
	}
	cfg := &rewards.ProgramConfig{
		TotalAllocation:     allocation,
		ProgramDurationDays: programRec.DurationDays,
		ProgramStart:        programRec.Start,
		TreasuryAddress:     programRec.TreasuryAddress,
		Active:              programRec.Active,
	}
	params := (&rewards.FormulaParams{
		TimeBoostBps:        formulaRec.TimeBoostBps,
		FullRangeBonusBps:   formulaRec.FullRangeBonusBps,
		MinPositionValueUSD: minValue,
		LockPeriodDays:      formulaRec.LockPeriodDays,
	}).ApplyDefaults()
	return cfg, params, nil
}

func positionRecord(pos *rewards.Position) models.Position {
	return models.Position{
		ID:              pos.ID,
		Owner:           pos.Owner,
		Pool:            pos.Pool,
		TokenA:          pos.TokenA,
		TokenB:          pos.TokenB,
		ValueUSD:        formatBigRat(pos.ValueUSD),
		PriceLower:      formatBigRat(pos.PriceLower),
		PriceUpper:      formatBigRat(pos.PriceUpper),
		CurrentPrice:    formatBigRat(pos.CurrentPrice),
		FeeTierBps:      pos.FeeTierBps,
		Liquidity:       formatBigInt(pos.Liquidity),
		BaselineAmountA: formatBigInt(pos.BaselineAmountA),
		BaselineAmountB: formatBigInt(pos.BaselineAmountB),
		Status:          string(pos.Status),
		PositionCreated: pos.CreatedAt,
	}
}

func domainPositions(recs []models.Position) ([]*rewards.Position, error) {
	out := make([]*rewards.Position, 0, len(recs))
	for _, rec := range recs {
		pos, err := domainPosition(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, nil
}

func domainPosition(rec models.Position) (*rewards.Position, error) {
	valueUSD, err := parseBigRat(rec.ValueUSD)
	if err != nil {
		return nil, err
	}
	lower, err := parseBigRat(rec.PriceLower)
	if err != nil {
		return nil, err
	}
	upper, err := parseBigRat(rec.PriceUpper)
	if err != nil {
		return nil, err
	}
	current, err := parseBigRat(rec.CurrentPrice)
	if err != nil {
		return nil, err
	}
	liquidity, err := parseBigInt(rec.Liquidity)
	if err != nil {
		return nil, err
	}
	amountA, err := parseBigInt(rec.BaselineAmountA)
	if err != nil {
		return nil, err
	}
	amountB, err := parseBigInt(rec.BaselineAmountB)
	if err != nil {
		return nil, err
	}
	return &rewards.Position{
		ID:              rec.ID,
		Owner:           rec.Owner,
		Pool:            rec.Pool,
		TokenA:          rec.TokenA,
		TokenB:          rec.TokenB,
		ValueUSD:        valueUSD,
		PriceLower:      lower,
		PriceUpper:      upper,
		CurrentPrice:    current,
		FeeTierBps:      rec.FeeTierBps,
		Liquidity:       liquidity,
		BaselineAmountA: amountA,
		BaselineAmountB: amountB,
		CreatedAt:       rec.PositionCreated,
		Status:          rewards.PositionStatus(rec.Status),
	}, nil
}
