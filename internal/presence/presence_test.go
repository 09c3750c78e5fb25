package presence

import (
	"context"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Status{}, &ListEntry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	return NewTracker(db, func() time.Time { return time.Unix(1700000000, 0) })
}

func TestSetAssignsGlobalOrdering(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()

	if err := tracker.Set(ctx, "@alice:hearth", StateOnline, nil); err != nil {
		t.Fatalf("failed to set presence: %v", err)
	}
	if err := tracker.Set(ctx, "@bob:hearth", StateOnline, nil); err != nil {
		t.Fatalf("failed to set presence: %v", err)
	}
	if err := tracker.Set(ctx, "@alice:hearth", StateUnavailable, nil); err != nil {
		t.Fatalf("failed to update presence: %v", err)
	}

	alice, err := tracker.Get(ctx, "@alice:hearth")
	if err != nil || alice == nil {
		t.Fatalf("failed to get presence: %v", err)
	}
	if alice.Ordering != 3 || alice.Presence != StateUnavailable {
		t.Fatalf("expected alice reordered to 3, got %#v", alice)
	}
}

func TestTouchRecordsOnline(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()

	if err := tracker.Touch(ctx, "@alice:hearth"); err != nil {
		t.Fatalf("failed to touch presence: %v", err)
	}

	alice, err := tracker.Get(ctx, "@alice:hearth")
	if err != nil || alice == nil {
		t.Fatalf("failed to get presence: %v", err)
	}
	if alice.Presence != StateOnline {
		t.Fatalf("expected online after touch, got %q", alice.Presence)
	}

	// A second touch repeats the same state and must keep the ordering.
	if err := tracker.Touch(ctx, "@alice:hearth"); err != nil {
		t.Fatalf("repeat touch failed: %v", err)
	}
	again, err := tracker.Get(ctx, "@alice:hearth")
	if err != nil || again == nil {
		t.Fatalf("failed to get presence: %v", err)
	}
	if again.Ordering != alice.Ordering {
		t.Fatalf("expected stable ordering %d, got %d", alice.Ordering, again.Ordering)
	}
}

func TestSetUnchangedStateIsNoop(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()

	if err := tracker.Set(ctx, "@alice:hearth", StateOnline, nil); err != nil {
		t.Fatalf("failed to set presence: %v", err)
	}
	if err := tracker.Set(ctx, "@alice:hearth", StateOnline, nil); err != nil {
		t.Fatalf("repeat set failed: %v", err)
	}

	alice, err := tracker.Get(ctx, "@alice:hearth")
	if err != nil || alice == nil {
		t.Fatalf("failed to get presence: %v", err)
	}
	if alice.Ordering != 1 {
		t.Fatalf("expected unchanged ordering 1, got %d", alice.Ordering)
	}
}

func TestSinceReturnsOnlyNewerStatuses(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()

	if err := tracker.Set(ctx, "@alice:hearth", StateOnline, nil); err != nil {
		t.Fatalf("failed to set presence: %v", err)
	}
	if err := tracker.Set(ctx, "@bob:hearth", StateOnline, nil); err != nil {
		t.Fatalf("failed to set presence: %v", err)
	}

	if err := tracker.Observe(ctx, "@alice:hearth", []string{"@bob:hearth"}, nil); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	statuses, highest, err := tracker.Since(ctx, "@alice:hearth", 1)
	if err != nil {
		t.Fatalf("failed to load statuses: %v", err)
	}
	if len(statuses) != 1 || statuses[0].UserID != "@bob:hearth" {
		t.Fatalf("expected only bob after ordering 1, got %#v", statuses)
	}
	if highest != 2 {
		t.Fatalf("expected highest ordering 2, got %d", highest)
	}
}

func TestSinceScopedToPresenceList(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()

	if err := tracker.Set(ctx, "@alice:hearth", StateOnline, nil); err != nil {
		t.Fatalf("failed to set presence: %v", err)
	}
	if err := tracker.Set(ctx, "@bob:hearth", StateOnline, nil); err != nil {
		t.Fatalf("failed to set presence: %v", err)
	}
	if err := tracker.Set(ctx, "@carol:hearth", StateOnline, nil); err != nil {
		t.Fatalf("failed to set presence: %v", err)
	}

	statuses, _, err := tracker.Since(ctx, "@alice:hearth", -1)
	if err != nil {
		t.Fatalf("failed to load statuses: %v", err)
	}
	if len(statuses) != 1 || statuses[0].UserID != "@alice:hearth" {
		t.Fatalf("expected only alice without subscriptions, got %#v", statuses)
	}

	if err := tracker.Observe(ctx, "@alice:hearth", []string{"@bob:hearth", "@carol:hearth"}, nil); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	if err := tracker.Observe(ctx, "@alice:hearth", nil, []string{"@carol:hearth"}); err != nil {
		t.Fatalf("failed to unsubscribe: %v", err)
	}

	observed, err := tracker.Observed(ctx, "@alice:hearth")
	if err != nil {
		t.Fatalf("failed to list subscriptions: %v", err)
	}
	if len(observed) != 1 || observed[0] != "@bob:hearth" {
		t.Fatalf("expected only bob on the list, got %#v", observed)
	}

	statuses, _, err = tracker.Since(ctx, "@alice:hearth", -1)
	if err != nil {
		t.Fatalf("failed to load statuses: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected alice and bob, got %#v", statuses)
	}
}

func TestSetRejectsUnknownState(t *testing.T) {
	tracker := newTestTracker(t)

	if err := tracker.Set(context.Background(), "@alice:hearth", "sleeping", nil); err == nil {
		t.Fatalf("expected error for unknown presence state")
	}
}
