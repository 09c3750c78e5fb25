// Package presence tracks per-user presence state with a global monotonic
// ordering so sync cursors can slice presence updates the same way they
// slice room events.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	StateOnline      = "online"
	StateOffline     = "offline"
	StateUnavailable = "unavailable"
)

// Status is one user's latest presence. Ordering is global across users;
// every update reassigns the row a fresh maximum.
type Status struct {
	UserID           string  `gorm:"column:user_id;primaryKey"`
	Ordering         int64   `gorm:"column:ordering;index:idx_presence_ordering"`
	Presence         string  `gorm:"column:presence"`
	StatusMessage    *string `gorm:"column:status_message"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at"`
}

// TableName maps the model onto the presence table.
func (Status) TableName() string { return "presence" }

// ListEntry subscribes one user to another user's presence updates.
type ListEntry struct {
	UserID         string `gorm:"column:user_id;uniqueIndex:idx_presence_list_pair,priority:1"`
	ObservedUserID string `gorm:"column:observed_user_id;uniqueIndex:idx_presence_list_pair,priority:2"`
}

// TableName maps the model onto the presence list table.
func (ListEntry) TableName() string { return "presence_lists" }

// Tracker persists presence statuses.
type Tracker struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewTracker constructs a Tracker over the given database handle.
func NewTracker(db *gorm.DB, clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{db: db, clock: clock}
}

// Touch records that the user is online now, bumping their row to the top
// of the global ordering.
func (t *Tracker) Touch(ctx context.Context, userID string) error {
	return t.Set(ctx, userID, StateOnline, nil)
}

// Set upserts the user's presence state.
func (t *Tracker) Set(ctx context.Context, userID, presence string, statusMessage *string) error {
	switch presence {
	case StateOnline, StateOffline, StateUnavailable:
	default:
		return fmt.Errorf("presence: unknown presence state %q", presence)
	}

	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Status
		findErr := tx.Where("user_id = ?", userID).Take(&existing).Error
		if findErr != nil && !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("presence: finding status for %s: %w", userID, findErr)
		}

		// Repeating the same state must not reorder the row, so that
		// unchanged presence never reappears in incremental syncs.
		if findErr == nil && existing.Presence == presence && equalMessage(existing.StatusMessage, statusMessage) {
			return nil
		}

		var last int64
		err := tx.Model(&Status{}).
			Select("COALESCE(MAX(ordering), 0)").
			Scan(&last).Error
		if err != nil {
			return fmt.Errorf("presence: resolving latest ordering: %w", err)
		}

		row := Status{
			UserID:           userID,
			Ordering:         last + 1,
			Presence:         presence,
			StatusMessage:    statusMessage,
			UpdatedAtSeconds: t.clock().UTC().Unix(),
		}

		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("presence: inserting status for %s: %w", userID, err)
			}
			return nil
		}

		err = tx.Model(&Status{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"ordering":       row.Ordering,
				"presence":       row.Presence,
				"status_message": row.StatusMessage,
				"updated_at":     row.UpdatedAtSeconds,
			}).Error
		if err != nil {
			return fmt.Errorf("presence: updating status for %s: %w", userID, err)
		}
		return nil
	})
}

func equalMessage(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Get returns the user's status, or nil when none has been recorded.
func (t *Tracker) Get(ctx context.Context, userID string) (*Status, error) {
	var status Status
	err := t.db.WithContext(ctx).Where("user_id = ?", userID).Take(&status).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("presence: finding status for %s: %w", userID, err)
	}
	return &status, nil
}

// Observe adds and removes presence list subscriptions for the observer.
// Re-inviting an existing entry and dropping a missing one are no-ops.
func (t *Tracker) Observe(ctx context.Context, observerID string, invite, drop []string) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, observed := range invite {
			entry := ListEntry{UserID: observerID, ObservedUserID: observed}
			err := tx.Where(&entry).FirstOrCreate(&entry).Error
			if err != nil {
				return fmt.Errorf("presence: subscribing %s to %s: %w", observerID, observed, err)
			}
		}
		if len(drop) == 0 {
			return nil
		}
		err := tx.
			Where("user_id = ? AND observed_user_id IN (?)", observerID, drop).
			Delete(&ListEntry{}).Error
		if err != nil {
			return fmt.Errorf("presence: unsubscribing %s: %w", observerID, err)
		}
		return nil
	})
}

// Observed returns the user ids on the observer's presence list.
func (t *Tracker) Observed(ctx context.Context, observerID string) ([]string, error) {
	var observed []string
	err := t.db.WithContext(ctx).
		Model(&ListEntry{}).
		Where("user_id = ?", observerID).
		Order("observed_user_id ASC").
		Pluck("observed_user_id", &observed).Error
	if err != nil {
		return nil, fmt.Errorf("presence: loading presence list for %s: %w", observerID, err)
	}
	return observed, nil
}

// Since returns statuses updated after the given ordering for the observer
// and the users on their presence list, oldest first, along with the highest
// ordering seen.
func (t *Tracker) Since(ctx context.Context, observerID string, since int64) ([]Status, int64, error) {
	observed, err := t.Observed(ctx, observerID)
	if err != nil {
		return nil, since, err
	}
	visible := append(observed, observerID)

	var statuses []Status
	err = t.db.WithContext(ctx).
		Where("ordering > ? AND user_id IN (?)", since, visible).
		Order("ordering ASC").
		Find(&statuses).Error
	if err != nil {
		return nil, since, fmt.Errorf("presence: loading statuses after %d: %w", since, err)
	}

	highest := since
	for _, status := range statuses {
		if status.Ordering > highest {
			highest = status.Ordering
		}
	}
	return statuses, highest, nil
}
