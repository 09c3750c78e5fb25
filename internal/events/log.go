package events

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("events: database handle is required")

// Log is the append-only event store for rooms. It operates over whatever
// handle it is constructed with, so services compose it with their own
// transaction to keep ordering assignment and authorization atomic.
type Log struct {
	db *gorm.DB
}

// NewLog wraps a database handle (or transaction) in a Log.
func NewLog(db *gorm.DB) *Log {
	return &Log{db: db}
}

// Append inserts the drafts atomically, assigning each a strictly increasing
// ordering. The sequence spans all rooms so that orderings from different
// rooms stay comparable under one sync cursor. Either all drafts become
// visible or none.
func (l *Log) Append(roomID string, drafts []Draft, now time.Time) ([]Event, error) {
	if l.db == nil {
		return nil, errMissingDatabase
	}
	if len(drafts) == 0 {
		return nil, nil
	}

	var last int64
	err := l.db.Model(&Event{}).
		Select("COALESCE(MAX(ordering), 0)").
		Scan(&last).Error
	if err != nil {
		return nil, fmt.Errorf("events: resolving last ordering: %w", err)
	}

	created := now.UTC().Unix()
	inserted := make([]Event, 0, len(drafts))
	for i, draft := range drafts {
		inserted = append(inserted, Event{
			ID:               draft.ID,
			Ordering:         last + int64(i) + 1,
			RoomID:           roomID,
			Sender:           draft.Sender,
			EventType:        draft.EventType,
			StateKey:         draft.StateKey,
			Content:          draft.Content,
			ExtraContent:     draft.ExtraContent,
			CreatedAtSeconds: created,
		})
	}

	if err := l.db.Create(&inserted).Error; err != nil {
		return nil, fmt.Errorf("events: appending %d events to %s: %w", len(inserted), roomID, err)
	}

	return inserted, nil
}

// Find looks up a single event by its id. A missing event yields (nil, nil).
func (l *Log) Find(eventID string) (*Event, error) {
	var event Event
	err := l.db.Where("id = ?", eventID).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("events: finding event %s: %w", eventID, err)
	}
	return &event, nil
}

// RoomEventsSince returns the room's protocol events with ordering strictly
// greater than since, ascending.
func (l *Log) RoomEventsSince(roomID string, since int64) ([]Event, error) {
	var list []Event
	err := l.db.
		Where("room_id = ?", roomID).
		Where("event_type LIKE ?", roomEventPrefix).
		Where("ordering > ?", since).
		Order("ordering ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("events: querying events since %d for %s: %w", since, roomID, err)
	}
	return list, nil
}

// RoomEventsUntil returns the room's protocol events with ordering strictly
// less than until, ascending. Used for the view of a user who left.
func (l *Log) RoomEventsUntil(roomID string, until int64) ([]Event, error) {
	var list []Event
	err := l.db.
		Where("room_id = ?", roomID).
		Where("event_type LIKE ?", roomEventPrefix).
		Where("ordering < ?", until).
		Order("ordering ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("events: querying events until %d for %s: %w", until, roomID, err)
	}
	return list, nil
}

// LatestState returns the highest-ordering state event of the given type for
// the room, or nil if the room has none. This is a shortcut for the common
// power-levels and join-rules lookups that skips full projection.
func (l *Log) LatestState(roomID, eventType string) (*Event, error) {
	var event Event
	err := l.db.
		Where("room_id = ?", roomID).
		Where("event_type = ?", eventType).
		Order("ordering DESC").
		Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("events: latest %s for %s: %w", eventType, roomID, err)
	}
	return &event, nil
}

// StateSince returns, per (event_type, state_key), the single latest state
// event with ordering strictly greater than since. StateSince(room, -1) is
// the room's full current state.
func (l *Log) StateSince(roomID string, since int64) ([]Event, error) {
	latest := l.db.Model(&Event{}).
		Select("MAX(ordering)").
		Where("room_id = ?", roomID).
		Where("event_type IN ?", stateEventTypes).
		Where("ordering > ?", since).
		Group("event_type, state_key")

	return l.collectState(roomID, latest)
}

// FullState returns the room's current state events.
func (l *Log) FullState(roomID string) ([]Event, error) {
	return l.StateSince(roomID, -1)
}

// StateUntil reconstructs the room's state as of the given pivot: per
// (event_type, state_key), the single latest state event with ordering
// strictly less than pivot. A nil pivot yields the global latest.
func (l *Log) StateUntil(roomID string, pivot *int64) ([]Event, error) {
	latest := l.db.Model(&Event{}).
		Select("MAX(ordering)").
		Where("room_id = ?", roomID).
		Where("event_type IN ?", stateEventTypes).
		Group("event_type, state_key")
	if pivot != nil {
		latest = latest.Where("ordering < ?", *pivot)
	}

	return l.collectState(roomID, latest)
}

func (l *Log) collectState(roomID string, latest *gorm.DB) ([]Event, error) {
	var list []Event
	err := l.db.
		Where("room_id = ?", roomID).
		Where("ordering IN (?)", latest).
		Order("ordering ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("events: collecting state for %s: %w", roomID, err)
	}
	return list, nil
}
