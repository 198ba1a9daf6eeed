package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lprewards/observability"
	"lprewards/rewards"
	"lprewards/services/rewardd/storage"
)

// RegistrationResult reports the outcome for one submitted position.
type RegistrationResult struct {
	PositionID string                 `json:"positionId"`
	Status     rewards.PositionStatus `json:"status"`
	Reason     string                 `json:"reason,omitempty"`
	Confidence rewards.Confidence     `json:"confidence,omitempty"`
	Duplicate  bool                   `json:"duplicate,omitempty"`
}

// Registrar handles position intake: persistence, validation and status
// transitions. Validation failures caused by missing market data leave the
// position pending so a later retry can decide it.
type Registrar struct {
	store     *storage.Store
	validator *rewards.Validator
	metrics   *observability.RewarddMetrics
	logger    *slog.Logger
	clock     func() time.Time
}

// NewRegistrar constructs a registrar.
func NewRegistrar(store *storage.Store, validator *rewards.Validator, metrics *observability.RewarddMetrics, logger *slog.Logger) (*Registrar, error) {
	if store == nil {
		return nil, fmt.Errorf("store required")
	}
	if validator == nil {
		return nil, fmt.Errorf("validator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{
		store:     store,
		validator: validator,
		metrics:   metrics,
		logger:    logger,
		clock:     time.Now,
	}, nil
}

// SetClock overrides the time source for deterministic tests.
func (r *Registrar) SetClock(clock func() time.Time) {
	if r != nil && clock != nil {
		r.clock = clock
	}
}

// Register persists and validates a single position. Registering the same ID
// twice is a benign no-op reporting the stored status.
func (r *Registrar) Register(ctx context.Context, pos *rewards.Position) (RegistrationResult, error) {
	if pos == nil || pos.ID == "" || pos.Owner == "" {
		return RegistrationResult{}, fmt.Errorf("%w: position id and owner required", rewards.ErrValidation)
	}
	pos = pos.Clone()
	pos.Status = rewards.PositionPending

	created, err := r.store.SavePosition(ctx, pos)
	if err != nil {
		return RegistrationResult{}, fmt.Errorf("persist position: %w", err)
	}
	if !created {
		existing, err := r.store.GetPosition(ctx, pos.ID)
		if err != nil {
			return RegistrationResult{}, err
		}
		return RegistrationResult{PositionID: pos.ID, Status: existing.Status, Duplicate: true}, nil
	}
	return r.decide(ctx, pos)
}

// RegisterBatch processes positions individually: one malformed or
// undecidable entry never blocks the rest.
func (r *Registrar) RegisterBatch(ctx context.Context, positions []*rewards.Position) []RegistrationResult {
	results := make([]RegistrationResult, 0, len(positions))
	for _, pos := range positions {
		result, err := r.Register(ctx, pos)
		if err != nil {
			id := ""
			if pos != nil {
				id = pos.ID
			}
			reason := rewards.ReasonMalformedPosition
			if errors.Is(err, rewards.ErrDataUnavailable) {
				reason = rewards.ReasonPriceUnavailable
			}
			results = append(results, RegistrationResult{
				PositionID: id,
				Status:     rewards.PositionPending,
				Reason:     reason,
			})
			continue
		}
		results = append(results, result)
	}
	return results
}

// RevalidatePending retries validation for positions parked by missing
// market data. Positions that remain undecidable stay pending.
func (r *Registrar) RevalidatePending(ctx context.Context) (int, error) {
	pending, err := r.store.PendingPositions(ctx)
	if err != nil {
		return 0, err
	}
	decided := 0
	for _, pos := range pending {
		result, err := r.decide(ctx, pos)
		if err != nil {
			continue
		}
		if result.Status != rewards.PositionPending {
			decided++
		}
	}
	return decided, nil
}

func (r *Registrar) decide(ctx context.Context, pos *rewards.Position) (RegistrationResult, error) {
	_, params, err := r.store.CurrentProgram(ctx)
	if err != nil {
		return RegistrationResult{}, fmt.Errorf("load formula: %w", err)
	}
	assessment, err := r.validator.Validate(ctx, params, pos)
	now := r.clock().UTC()
	if err != nil {
		if errors.Is(err, rewards.ErrDataUnavailable) {
			// Fail closed: stay pending, retry later.
			r.logger.Warn("validation deferred",
				"position", pos.ID, "reason", assessment.Reason, "error", err)
			return RegistrationResult{
				PositionID: pos.ID,
				Status:     rewards.PositionPending,
				Reason:     assessment.Reason,
				Confidence: assessment.Confidence,
			}, nil
		}
		return RegistrationResult{}, err
	}

	status := rewards.PositionRejected
	if assessment.Valid {
		status = rewards.PositionEligible
	}
	if err := r.store.UpdatePositionAssessment(ctx, pos.ID, status, assessment, now); err != nil {
		return RegistrationResult{}, fmt.Errorf("record assessment: %w", err)
	}
	r.metrics.RecordValidation(assessment.Valid, assessment.Reason)
	r.logger.Info("position decided", "position", pos.ID, "status", string(status), "reason", assessment.Reason)
	return RegistrationResult{
		PositionID: pos.ID,
		Status:     status,
		Reason:     assessment.Reason,
		Confidence: assessment.Confidence,
	}, nil
}
