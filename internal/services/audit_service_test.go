package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"captable/internal/eventsink"
	"captable/internal/models"
	"captable/internal/pagination"
	"captable/internal/testutil"
)

// fakeSink records delivered events. Events whose entity ID is in fail
// return an error; those in panics make Emit panic.
type fakeSink struct {
	mu        sync.Mutex
	delivered []eventsink.Event
	fail      map[string]bool
	panics    map[string]bool
}

func (s *fakeSink) Emit(_ context.Context, e eventsink.Event) error {
	if s.panics[e.EntityID] {
		panic("sink exploded")
	}
	if s.fail[e.EntityID] {
		return errors.New("broker unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, e)
	return nil
}

func (s *fakeSink) Close() error { return nil }

// fakeBatchSink delivers batches through EmitBatch, or fails the whole
// batch when broken is set.
type fakeBatchSink struct {
	fakeSink
	batches int
	broken  bool
}

func (s *fakeBatchSink) EmitBatch(ctx context.Context, events []eventsink.Event) ([]error, error) {
	s.batches++
	if s.broken {
		return nil, errors.New("pipeline failed")
	}
	results := make([]error, len(events))
	for i, e := range events {
		results[i] = s.Emit(ctx, e)
	}
	return results, nil
}

func recordEvents(t *testing.T, db *gorm.DB, svc AuditServicer, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("entity-%d", i)
		err := db.Transaction(func(tx *gorm.DB) error {
			return svc.Record(tx, AuditEntry{
				EventType:  models.EventTransferCreated,
				EntityType: models.EntityTransfer,
				EntityID:   ids[i],
				ActorID:    "actor",
			})
		})
		testutil.AssertNoError(t, err)
	}
	return ids
}

func TestAuditRecord(t *testing.T) {
	t.Run("sanitizes_state", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		defer testutil.TeardownTestDB(t, db)
		svc := NewAuditService(db, &fakeSink{}, DefaultAuditConfig())

		err := svc.Record(db, AuditEntry{
			EventType:   models.EventTransferApproved,
			EntityType:  models.EntityTransfer,
			EntityID:    "t-1",
			ActorID:     "admin",
			BeforeState: map[string]any{"percentage": 10.0, "email": "x@example.com"},
			AfterState:  map[string]any{"owner": map[string]any{"ssn": "123", "name": "X"}},
		})
		testutil.AssertNoError(t, err)

		var rec models.AuditEventRecord
		if err := db.Where("entity_id = ?", "t-1").First(&rec).Error; err != nil {
			t.Fatalf("expected audit record: %v", err)
		}
		if _, ok := rec.BeforeState["email"]; ok {
			t.Error("email must be stripped")
		}
		owner, _ := rec.AfterState["owner"].(map[string]any)
		if _, ok := owner["ssn"]; ok {
			t.Error("nested ssn must be stripped")
		}
		if owner["name"] != "X" {
			t.Errorf("expected name to survive, got %v", owner["name"])
		}
		if rec.EmittedAt != nil {
			t.Error("new event must be unemitted")
		}
	})

	t.Run("requires_entity", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		defer testutil.TeardownTestDB(t, db)
		svc := NewAuditService(db, &fakeSink{}, DefaultAuditConfig())

		err := svc.Record(db, AuditEntry{EventType: models.EventTransferApproved})
		testutil.AssertAppError(t, err, "INVALID_INPUT")
	})
}

func TestEmitPendingEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("panicking_event_isolated", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		defer testutil.TeardownTestDB(t, db)
		sink := &fakeSink{panics: map[string]bool{"entity-2": true}}
		svc := NewAuditService(db, sink, DefaultAuditConfig())
		recordEvents(t, db, svc, 5)

		summary, err := svc.EmitPendingEvents(ctx, 10)
		testutil.AssertNoError(t, err)

		if summary.Attempted != 5 || summary.Emitted != 4 || summary.Failed != 1 {
			t.Errorf("unexpected summary %+v", summary)
		}
		if len(sink.delivered) != 4 {
			t.Errorf("expected 4 deliveries, got %d", len(sink.delivered))
		}

		var failed models.AuditEventRecord
		db.Where("entity_id = ?", "entity-2").First(&failed)
		if failed.EmittedAt != nil || failed.EmitFailureCount != 1 || failed.LastEmitError == nil {
			t.Errorf("expected failure to be recorded, got %+v", failed)
		}

		var emitted int64
		db.Model(&models.AuditEventRecord{}).Where("emitted_at IS NOT NULL").Count(&emitted)
		if emitted != 4 {
			t.Errorf("expected 4 events marked emitted, got %d", emitted)
		}
	})

	t.Run("failed_events_retried_until_limit", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		defer testutil.TeardownTestDB(t, db)
		sink := &fakeSink{fail: map[string]bool{"entity-0": true}}
		cfg := DefaultAuditConfig()
		cfg.MaxEmitFailures = 2
		svc := NewAuditService(db, sink, cfg)
		recordEvents(t, db, svc, 1)

		for i := 0; i < 3; i++ {
			_, err := svc.EmitPendingEvents(ctx, 10)
			testutil.AssertNoError(t, err)
		}

		var rec models.AuditEventRecord
		db.First(&rec)
		if rec.EmitFailureCount != 2 {
			t.Errorf("expected emission to stop after 2 failures, got %d", rec.EmitFailureCount)
		}
	})

	t.Run("emitted_events_not_resent", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		defer testutil.TeardownTestDB(t, db)
		sink := &fakeSink{}
		svc := NewAuditService(db, sink, DefaultAuditConfig())
		recordEvents(t, db, svc, 3)

		_, err := svc.EmitPendingEvents(ctx, 10)
		testutil.AssertNoError(t, err)
		summary, err := svc.EmitPendingEvents(ctx, 10)
		testutil.AssertNoError(t, err)

		if summary.Attempted != 0 || len(sink.delivered) != 3 {
			t.Errorf("expected no redelivery, got %+v and %d deliveries", summary, len(sink.delivered))
		}
	})

	t.Run("batch_sink", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		defer testutil.TeardownTestDB(t, db)
		sink := &fakeBatchSink{fakeSink: fakeSink{fail: map[string]bool{"entity-1": true}}}
		svc := NewAuditService(db, sink, DefaultAuditConfig())
		recordEvents(t, db, svc, 3)

		summary, err := svc.EmitPendingEvents(ctx, 10)
		testutil.AssertNoError(t, err)
		if sink.batches != 1 || summary.Emitted != 2 || summary.Failed != 1 {
			t.Errorf("unexpected batch result: batches=%d summary=%+v", sink.batches, summary)
		}
	})

	t.Run("broken_batch_falls_back", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		defer testutil.TeardownTestDB(t, db)
		sink := &fakeBatchSink{broken: true}
		svc := NewAuditService(db, sink, DefaultAuditConfig())
		recordEvents(t, db, svc, 3)

		summary, err := svc.EmitPendingEvents(ctx, 10)
		testutil.AssertNoError(t, err)
		if summary.Emitted != 3 {
			t.Errorf("expected per-event fallback to deliver all 3, got %+v", summary)
		}
	})
}

func TestPruneExpired(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.TeardownTestDB(t, db)
	cfg := DefaultAuditConfig()
	cfg.Retention = 24 * time.Hour
	svc := NewAuditService(db, &fakeSink{}, cfg)
	recordEvents(t, db, svc, 5)

	old := time.Now().UTC().Add(-48 * time.Hour)
	db.Model(&models.AuditEventRecord{}).
		Where("entity_id IN ?", []string{"entity-0", "entity-1", "entity-2"}).
		Update("occurred_at", old)

	removed, err := svc.PruneExpired(context.Background(), 2)
	testutil.AssertNoError(t, err)
	if removed != 3 {
		t.Errorf("expected 3 pruned events, got %d", removed)
	}

	var remaining int64
	db.Model(&models.AuditEventRecord{}).Count(&remaining)
	if remaining != 2 {
		t.Errorf("expected 2 remaining events, got %d", remaining)
	}
}

func TestListEvents(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.TeardownTestDB(t, db)
	svc := NewAuditService(db, &fakeSink{}, DefaultAuditConfig())
	recordEvents(t, db, svc, 3)

	page := pagination.PageRequest{Page: 1, PageSize: 2}
	all, err := svc.ListEvents(context.Background(), AuditFilter{}, page)
	testutil.AssertNoError(t, err)
	if all.TotalItems != 3 || len(all.Data) != 2 || all.TotalPages != 2 {
		t.Errorf("unexpected page %+v", all)
	}

	one, err := svc.ListEvents(context.Background(), AuditFilter{EntityID: "entity-1"}, page)
	testutil.AssertNoError(t, err)
	if one.TotalItems != 1 {
		t.Errorf("expected 1 event for entity-1, got %d", one.TotalItems)
	}
}
