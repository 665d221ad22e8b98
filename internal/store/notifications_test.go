package store

import (
	"testing"
	"time"

	"github.com/calnotify/calnotify/internal/model"
)

func testKey(userID int64, eventID string, start time.Time) model.NotificationKey {
	return model.NotificationKey{
		UserID:  userID,
		EventID: eventID,
		Start:   start,
		Lead:    10 * time.Minute,
	}
}

func setupLedger(t *testing.T) *NotificationStore {
	t.Helper()
	db := setupTestDB(t)
	NewUserStore(db).Upsert(1, "a", time.Minute)
	return NewNotificationStore(db)
}

func TestReserveOnce(t *testing.T) {
	ledger := setupLedger(t)
	now := time.Now()
	key := testKey(1, "evt-1", now.Add(10*time.Minute))

	reserved, err := ledger.Reserve(key, now)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !reserved {
		t.Fatal("first reserve should win")
	}

	// Any re-run of the same cycle, or a concurrent instance, must lose.
	reserved, err = ledger.Reserve(key, now)
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if reserved {
		t.Error("second reserve must be a no-op")
	}
}

func TestReserveDistinguishesLeadTime(t *testing.T) {
	ledger := setupLedger(t)
	now := time.Now()
	start := now.Add(time.Hour)

	key10 := testKey(1, "evt-1", start)
	key5 := key10
	key5.Lead = 5 * time.Minute

	if ok, _ := ledger.Reserve(key10, now); !ok {
		t.Fatal("reserve lead=10m failed")
	}
	if ok, _ := ledger.Reserve(key5, now); !ok {
		t.Error("different lead time is a distinct notification")
	}
}

func TestFinalizeAndGet(t *testing.T) {
	ledger := setupLedger(t)
	now := time.Now().Truncate(time.Second)
	key := testKey(1, "evt-1", now.Add(10*time.Minute).Truncate(time.Second))

	ledger.Reserve(key, now)
	if err := ledger.Finalize(key, model.StatusSent, now); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	rec, err := ledger.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil {
		t.Fatal("expected record, got nil")
	}
	if rec.Status != model.StatusSent {
		t.Errorf("status = %q, want sent", rec.Status)
	}
	if !rec.SentAt.Equal(now.UTC()) {
		t.Errorf("sent_at = %v, want %v", rec.SentAt, now.UTC())
	}
}

func TestGetNotFound(t *testing.T) {
	ledger := setupLedger(t)

	rec, err := ledger.Get(testKey(1, "nope", time.Now()))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec != nil {
		t.Error("expected nil for unknown key")
	}
}

func TestListPending(t *testing.T) {
	ledger := setupLedger(t)
	now := time.Now()

	k1 := testKey(1, "evt-1", now.Add(10*time.Minute))
	k2 := testKey(1, "evt-2", now.Add(20*time.Minute))
	ledger.Reserve(k1, now)
	ledger.Reserve(k2, now)
	ledger.Finalize(k1, model.StatusSent, now)

	pending, err := ledger.ListPending(1)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].Key.EventID != "evt-2" {
		t.Errorf("pending event = %q, want evt-2", pending[0].Key.EventID)
	}
}

func TestPruneBefore(t *testing.T) {
	ledger := setupLedger(t)
	now := time.Now()

	old := testKey(1, "evt-old", now.Add(-2*time.Hour))
	fresh := testKey(1, "evt-new", now.Add(time.Hour))
	ledger.Reserve(old, now.Add(-2*time.Hour))
	ledger.Reserve(fresh, now)

	pruned, err := ledger.PruneBefore(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	if rec, _ := ledger.Get(old); rec != nil {
		t.Error("old record should be gone")
	}
	if rec, _ := ledger.Get(fresh); rec == nil {
		t.Error("fresh record should survive")
	}
}
