package events

import (
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
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
	if err := db.AutoMigrate(&Event{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func mustAppend(t *testing.T, log *Log, roomID string, drafts []Draft) []Event {
	t.Helper()
	appended, err := log.Append(roomID, drafts, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("failed to append events: %v", err)
	}
	return appended
}

func messageDraft(id, sender, body string) Draft {
	return Draft{
		ID:        id,
		Sender:    sender,
		EventType: TypeMessage,
		Content:   `{"body":"` + body + `","msgtype":"m.text"}`,
	}
}

func topicDraft(id, sender, topic string) Draft {
	return Draft{
		ID:        id,
		Sender:    sender,
		EventType: TypeTopic,
		StateKey:  EmptyStateKey(),
		Content:   `{"topic":"` + topic + `"}`,
	}
}

func TestAppendAssignsGlobalMonotonicOrdering(t *testing.T) {
	log := NewLog(newTestDB(t))

	first := mustAppend(t, log, "!alpha:hearth", []Draft{
		messageDraft("$1:hearth", "@alice:hearth", "one"),
		messageDraft("$2:hearth", "@alice:hearth", "two"),
	})
	if first[0].Ordering != 1 || first[1].Ordering != 2 {
		t.Fatalf("expected orderings 1,2 got %d,%d", first[0].Ordering, first[1].Ordering)
	}

	// The sequence keeps advancing across rooms so orderings from
	// different rooms stay comparable under one cursor.
	other := mustAppend(t, log, "!beta:hearth", []Draft{
		messageDraft("$3:hearth", "@bob:hearth", "hello"),
	})
	if other[0].Ordering != 3 {
		t.Fatalf("expected ordering 3 in second room, got %d", other[0].Ordering)
	}

	third := mustAppend(t, log, "!alpha:hearth", []Draft{
		messageDraft("$4:hearth", "@bob:hearth", "three"),
	})
	if third[0].Ordering != 4 {
		t.Fatalf("expected ordering 4 after interleave, got %d", third[0].Ordering)
	}
}

func TestRoomEventsSinceReturnsOnlyNewerEvents(t *testing.T) {
	log := NewLog(newTestDB(t))

	mustAppend(t, log, "!alpha:hearth", []Draft{
		messageDraft("$1:hearth", "@alice:hearth", "one"),
		messageDraft("$2:hearth", "@alice:hearth", "two"),
		messageDraft("$3:hearth", "@alice:hearth", "three"),
	})

	newer, err := log.RoomEventsSince("!alpha:hearth", 1)
	if err != nil {
		t.Fatalf("failed to load events: %v", err)
	}
	if len(newer) != 2 {
		t.Fatalf("expected 2 events after ordering 1, got %d", len(newer))
	}
	if newer[0].Ordering != 2 || newer[1].Ordering != 3 {
		t.Fatalf("expected orderings 2,3 got %d,%d", newer[0].Ordering, newer[1].Ordering)
	}
}

func TestLatestStatePicksHighestOrdering(t *testing.T) {
	log := NewLog(newTestDB(t))

	mustAppend(t, log, "!alpha:hearth", []Draft{
		topicDraft("$1:hearth", "@alice:hearth", "old"),
		messageDraft("$2:hearth", "@alice:hearth", "noise"),
		topicDraft("$3:hearth", "@alice:hearth", "new"),
	})

	latest, err := log.LatestState("!alpha:hearth", TypeTopic)
	if err != nil {
		t.Fatalf("failed to load latest state: %v", err)
	}
	if latest == nil || latest.ID != "$3:hearth" {
		t.Fatalf("expected latest topic $3:hearth, got %#v", latest)
	}
}

func TestStateSinceGroupsByTypeAndKey(t *testing.T) {
	log := NewLog(newTestDB(t))

	alice := "@alice:hearth"
	bob := "@bob:hearth"
	mustAppend(t, log, "!alpha:hearth", []Draft{
		{ID: "$1:hearth", Sender: alice, EventType: TypeMember, StateKey: UserStateKey(alice), Content: `{"membership":"join"}`},
		{ID: "$2:hearth", Sender: bob, EventType: TypeMember, StateKey: UserStateKey(bob), Content: `{"membership":"join"}`},
		topicDraft("$3:hearth", alice, "first"),
		topicDraft("$4:hearth", alice, "second"),
	})

	state, err := log.StateSince("!alpha:hearth", -1)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	// Both member events survive (distinct state keys); only the latest
	// topic does.
	if len(state) != 3 {
		t.Fatalf("expected 3 state events, got %d", len(state))
	}
	for _, event := range state {
		if event.EventType == TypeTopic && event.ID != "$4:hearth" {
			t.Fatalf("expected only the latest topic, got %s", event.ID)
		}
	}
}

func TestStateUntilExcludesPivotAndLater(t *testing.T) {
	log := NewLog(newTestDB(t))

	mustAppend(t, log, "!alpha:hearth", []Draft{
		topicDraft("$1:hearth", "@alice:hearth", "before"),
		topicDraft("$2:hearth", "@alice:hearth", "at"),
		topicDraft("$3:hearth", "@alice:hearth", "after"),
	})

	pivot := int64(2)
	state, err := log.StateUntil("!alpha:hearth", &pivot)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if len(state) != 1 || state[0].ID != "$1:hearth" {
		t.Fatalf("expected only the event before the pivot, got %#v", state)
	}
}

func TestFindReturnsNilForMissingEvent(t *testing.T) {
	log := NewLog(newTestDB(t))

	found, err := log.Find("$missing:hearth")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found != nil {
		t.Fatalf("expected nil for missing event, got %#v", found)
	}
}
