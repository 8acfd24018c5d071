package services

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	apperrors "captable/internal/errors"
	"captable/internal/eventsink"
	"captable/internal/logger"
	"captable/internal/metrics"
	"captable/internal/models"
	"captable/internal/pagination"
)

// maxEmitErrorLength bounds the stored delivery error.
const maxEmitErrorLength = 500

// AuditConfig controls emission and retention of audit events.
type AuditConfig struct {
	MaxEmitFailures int
	Retention       time.Duration
	Parallelism     int
}

// DefaultAuditConfig returns the production defaults.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		MaxEmitFailures: 10,
		Retention:       7 * 365 * 24 * time.Hour,
		Parallelism:     4,
	}
}

// AuditEntry describes one ownership-affecting action to record.
type AuditEntry struct {
	EventType   models.AuditEventType
	EntityType  string
	EntityID    string
	ActorID     string
	BeforeState map[string]any
	AfterState  map[string]any
	Metadata    map[string]any
}

// AuditFilter holds optional filter parameters for listing audit events.
type AuditFilter struct {
	EntityType string
	EntityID   string
	EventType  string
}

// EmitSummary reports the outcome of one emission sweep.
type EmitSummary struct {
	Attempted int `json:"attempted"`
	Emitted   int `json:"emitted"`
	Failed    int `json:"failed"`
}

// auditService handles the append-only audit trail.
type auditService struct {
	db   *gorm.DB
	sink eventsink.Sink
	cfg  AuditConfig
	now  func() time.Time
}

// NewAuditService creates a new AuditServicer.
func NewAuditService(db *gorm.DB, sink eventsink.Sink, cfg AuditConfig) AuditServicer {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.MaxEmitFailures <= 0 {
		cfg.MaxEmitFailures = DefaultAuditConfig().MaxEmitFailures
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultAuditConfig().Retention
	}
	return &auditService{db: db, sink: sink, cfg: cfg, now: time.Now}
}

// Record sanitizes and inserts an audit event in the caller's transaction.
// A failure aborts the caller's transaction.
func (s *auditService) Record(tx *gorm.DB, entry AuditEntry) error {
	if entry.EventType == "" || entry.EntityType == "" || entry.EntityID == "" {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, "audit event requires type and entity")
	}

	record := &models.AuditEventRecord{
		EventType:   entry.EventType,
		EntityType:  entry.EntityType,
		EntityID:    entry.EntityID,
		ActorID:     entry.ActorID,
		BeforeState: sanitizeState(entry.BeforeState),
		AfterState:  sanitizeState(entry.AfterState),
		Metadata:    sanitizeState(entry.Metadata),
		Timestamp:   s.now().UTC(),
	}
	if err := tx.Create(record).Error; err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, fmt.Errorf("recording audit event %s: %w", entry.EventType, err))
	}
	return nil
}

// EmitPendingEvents delivers one batch of unemitted events to the sink.
// Every record is updated on its own, so one failing record never blocks
// the rest of the batch.
func (s *auditService) EmitPendingEvents(ctx context.Context, batchSize int) (*EmitSummary, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	var records []models.AuditEventRecord
	if err := s.db.WithContext(ctx).
		Where("emitted_at IS NULL AND emit_failure_count < ?", s.cfg.MaxEmitFailures).
		Order("occurred_at ASC").
		Limit(batchSize).
		Find(&records).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	summary := &EmitSummary{Attempted: len(records)}
	if len(records) == 0 {
		return summary, nil
	}

	events := make([]eventsink.Event, len(records))
	for i := range records {
		events[i] = toSinkEvent(&records[i])
	}

	results := s.deliver(ctx, events)

	now := s.now().UTC()
	for i := range records {
		rec := &records[i]
		if results[i] == nil {
			summary.Emitted++
			metrics.AuditEmitted.WithLabelValues("success").Inc()
			if err := s.db.WithContext(ctx).Model(&models.AuditEventRecord{}).
				Where("id = ?", rec.ID).
				Update("emitted_at", now).Error; err != nil {
				logger.Get().Errorw("failed to mark audit event emitted", "event_id", rec.ID, "error", err)
			}
			continue
		}

		summary.Failed++
		metrics.AuditEmitted.WithLabelValues("failure").Inc()
		msg := truncateError(results[i].Error(), maxEmitErrorLength)
		logger.Get().Warnw("audit event delivery failed",
			"event_id", rec.ID,
			"event_type", rec.EventType,
			"failure_count", rec.EmitFailureCount+1,
			"error", msg,
		)
		if err := s.db.WithContext(ctx).Model(&models.AuditEventRecord{}).
			Where("id = ?", rec.ID).
			Updates(map[string]any{
				"emit_failure_count": gorm.Expr("emit_failure_count + 1"),
				"last_emit_error":    msg,
			}).Error; err != nil {
			logger.Get().Errorw("failed to record audit emit failure", "event_id", rec.ID, "error", err)
		}
	}

	return summary, nil
}

// deliver returns one result per event. A batch-capable sink is tried first;
// if the batch cannot be attempted the events are sent one by one.
func (s *auditService) deliver(ctx context.Context, events []eventsink.Event) []error {
	if bs, ok := s.sink.(eventsink.BatchSink); ok {
		results, err := safeEmitBatch(ctx, bs, events)
		if err == nil && len(results) == len(events) {
			return results
		}
		logger.Get().Warnw("batch emission unavailable, falling back to per-event delivery",
			"events", len(events),
			"error", err,
		)
	}

	results := make([]error, len(events))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for i := range events {
		g.Go(func() error {
			results[i] = safeEmit(gctx, s.sink, events[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func safeEmit(ctx context.Context, sink eventsink.Sink, event eventsink.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return sink.Emit(ctx, event)
}

func safeEmitBatch(ctx context.Context, sink eventsink.BatchSink, events []eventsink.Event) (results []error, err error) {
	defer func() {
		if r := recover(); r != nil {
			results, err = nil, fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return sink.EmitBatch(ctx, events)
}

// PruneExpired deletes events older than the retention window, one bounded
// batch at a time, and returns how many were removed.
func (s *auditService) PruneExpired(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	cutoff := s.now().UTC().Add(-s.cfg.Retention)

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var ids []string
		if err := s.db.WithContext(ctx).Model(&models.AuditEventRecord{}).
			Where("occurred_at < ?", cutoff).
			Order("occurred_at ASC").
			Limit(batchSize).
			Pluck("id", &ids).Error; err != nil {
			return total, apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		if len(ids) == 0 {
			break
		}

		res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.AuditEventRecord{})
		if res.Error != nil {
			return total, apperrors.Wrap(apperrors.ErrInternalServer, res.Error)
		}
		total += res.RowsAffected
		metrics.AuditPruned.Add(float64(res.RowsAffected))

		if len(ids) < batchSize {
			break
		}
	}

	if total > 0 {
		logger.Get().Infow("pruned expired audit events", "count", total, "cutoff", cutoff)
	}
	return total, nil
}

// ListEvents returns audit events, newest first.
func (s *auditService) ListEvents(ctx context.Context, filter AuditFilter, page pagination.PageRequest) (*pagination.PageResponse[models.AuditEventRecord], error) {
	query := s.db.WithContext(ctx).Model(&models.AuditEventRecord{})
	if filter.EntityType != "" {
		query = query.Where("entity_type = ?", filter.EntityType)
	}
	if filter.EntityID != "" {
		query = query.Where("entity_id = ?", filter.EntityID)
	}
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}

	resp, err := pagination.Fetch[models.AuditEventRecord](query, page, "occurred_at DESC, id DESC")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return resp, nil
}

func toSinkEvent(r *models.AuditEventRecord) eventsink.Event {
	return eventsink.Event{
		ID:          r.ID,
		EventType:   string(r.EventType),
		EntityType:  r.EntityType,
		EntityID:    r.EntityID,
		ActorID:     r.ActorID,
		BeforeState: r.BeforeState,
		AfterState:  r.AfterState,
		Metadata:    r.Metadata,
		Timestamp:   r.Timestamp,
	}
}

func truncateError(msg string, n int) string {
	if len(msg) <= n {
		return msg
	}
	return msg[:n]
}
