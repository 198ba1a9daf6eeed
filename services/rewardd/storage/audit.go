package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"lprewards/observability/logging"
	"lprewards/rewards"
	"lprewards/services/rewardd/models"
)

// AuditSink persists custodian events as durable audit rows and mirrors them
// to the structured log. It implements rewards.Emitter.
type AuditSink struct {
	store  *Store
	logger *slog.Logger
}

// NewAuditSink constructs the sink. logger may be nil.
func NewAuditSink(store *Store, logger *slog.Logger) *AuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditSink{store: store, logger: logger}
}

// Emit implements rewards.Emitter. Persistence failures are logged, never
// propagated: the originating state change has already committed.
func (a *AuditSink) Emit(evt rewards.Event) {
	if a == nil || a.store == nil {
		return
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		attrs = []byte("{}")
	}
	rec := models.AuditEvent{
		Type:       evt.Type,
		Attributes: string(attrs),
		OccurredAt: evt.At,
	}
	if err := a.store.db.Create(&rec).Error; err != nil {
		a.logger.Error("persist audit event", "type", evt.Type, "error", err)
		return
	}
	args := []any{"type", evt.Type}
	for _, key := range []string{"reason", "owner", "to"} {
		if value, ok := evt.Attributes[key]; ok {
			args = append(args, logging.MaskField(key, value))
		}
	}
	a.logger.Info("audit event", args...)
}

// EventsSince returns audit events recorded at or after the cutoff.
func (s *Store) EventsSince(ctx context.Context, cutoff time.Time) ([]models.AuditEvent, error) {
	var recs []models.AuditEvent
	err := s.db.WithContext(ctx).Where("occurred_at >= ?", cutoff).Order("id").Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}
