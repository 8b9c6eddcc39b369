package pii

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestAuditDB(t *testing.T) *SQLiteAuditDB {
	t.Helper()

	db, err := NewSQLiteAuditDB(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("failed to open audit db: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("failed to close audit db: %v", err)
		}
	})
	return db
}

func TestAuditDB_InsertAndGet(t *testing.T) {
	db := newTestAuditDB(t)
	ctx := context.Background()

	categories := map[string]int{"NAME": 2, "PHONE": 1}
	if err := db.InsertEvent(ctx, "text", categories, ""); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := db.InsertEvent(ctx, "image", map[string]int{"ID": 1}, "/out/anon_doc.png"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	events, err := db.GetEvents(ctx, 10, 0)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	for _, ev := range events {
		if ev.ID == "" {
			t.Error("event ID must be set")
		}
		if ev.CreatedAt.IsZero() {
			t.Error("event timestamp must be set")
		}
		switch ev.Kind {
		case "text":
			if ev.Categories["NAME"] != 2 || ev.Categories["PHONE"] != 1 {
				t.Errorf("unexpected categories: %v", ev.Categories)
			}
			if ev.OutputPath != "" {
				t.Errorf("text event should have no output path, got %q", ev.OutputPath)
			}
		case "image":
			if ev.OutputPath != "/out/anon_doc.png" {
				t.Errorf("unexpected output path: %q", ev.OutputPath)
			}
		default:
			t.Errorf("unexpected event kind: %q", ev.Kind)
		}
	}
}

func TestAuditDB_InsertNilCategories(t *testing.T) {
	db := newTestAuditDB(t)
	ctx := context.Background()

	if err := db.InsertEvent(ctx, "text", nil, ""); err != nil {
		t.Fatalf("insert with nil categories failed: %v", err)
	}

	events, err := db.GetEvents(ctx, 1, 0)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Categories == nil || len(events[0].Categories) != 0 {
		t.Errorf("expected empty categories map, got %v", events[0].Categories)
	}
}

func TestAuditDB_LimitAndOffset(t *testing.T) {
	db := newTestAuditDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := db.InsertEvent(ctx, "text", map[string]int{"EMAIL": i}, ""); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	page, err := db.GetEvents(ctx, 2, 0)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("expected page of 2, got %d", len(page))
	}

	rest, err := db.GetEvents(ctx, 10, 2)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(rest) != 3 {
		t.Errorf("expected 3 remaining events, got %d", len(rest))
	}
}

func TestAuditDB_Count(t *testing.T) {
	db := newTestAuditDB(t)
	ctx := context.Background()

	count, err := db.GetEventsCount(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 events, got %d", count)
	}

	for i := 0; i < 3; i++ {
		if err := db.InsertEvent(ctx, "text", nil, ""); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	count, err = db.GetEventsCount(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 events, got %d", count)
	}
}

func TestAuditDB_CleanupKeepsRecentEvents(t *testing.T) {
	db := newTestAuditDB(t)
	ctx := context.Background()

	if err := db.InsertEvent(ctx, "text", nil, ""); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	deleted, err := db.CleanupOldEvents(ctx, time.Hour)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if deleted != 0 {
		t.Errorf("cleanup removed %d fresh events, expected 0", deleted)
	}

	count, err := db.GetEventsCount(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected event to survive cleanup, got count %d", count)
	}
}

func TestAuditDB_Clear(t *testing.T) {
	db := newTestAuditDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := db.InsertEvent(ctx, "image", nil, "/out/x.png"); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	if err := db.ClearEvents(ctx); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	count, err := db.GetEventsCount(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 events after clear, got %d", count)
	}
}
