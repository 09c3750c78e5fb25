package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/hearthchat/hearth/internal/apierror"
	"github.com/hearthchat/hearth/internal/events"
)

// SetAlias registers a directory alias for the room and appends the
// corresponding m.room.aliases event. The alias must belong to this server.
func (s *Service) SetAlias(ctx context.Context, userID, roomIdentifier, alias string) error {
	if !strings.HasSuffix(alias, ":"+s.serverName) {
		return apierror.Unimplemented("Federation is not yet supported")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		log := events.NewLog(tx)

		room, err := findRoom(tx, roomIdentifier)
		if err != nil {
			return err
		}
		if room == nil {
			return apierror.NotFound("The room was not found on this server")
		}

		return s.addAlias(tx, log, *room, userID, alias)
	})
}

// ResolveAlias maps a directory alias back to its room.
func (s *Service) ResolveAlias(ctx context.Context, alias string) (Room, error) {
	db := s.db.WithContext(ctx)

	var row RoomAlias
	err := db.Where("alias = ?", alias).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, apierror.NotFound("Room alias not found.")
	}
	if err != nil {
		return Room{}, fmt.Errorf("rooms: resolving alias %s: %w", alias, err)
	}

	room, err := findRoom(db, row.RoomID)
	if err != nil {
		return Room{}, err
	}
	if room == nil {
		return Room{}, apierror.NotFound("Room alias not found.")
	}
	return *room, nil
}

// DeleteAlias removes a directory alias and appends an updated
// m.room.aliases event reflecting the remaining aliases.
func (s *Service) DeleteAlias(ctx context.Context, userID, alias string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		log := events.NewLog(tx)

		var row RoomAlias
		err := tx.Where("alias = ?", alias).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apierror.NotFound("Room alias not found.")
		}
		if err != nil {
			return fmt.Errorf("rooms: finding alias %s: %w", alias, err)
		}

		if err := tx.Where("alias = ?", alias).Delete(&RoomAlias{}).Error; err != nil {
			return fmt.Errorf("rooms: deleting alias %s: %w", alias, err)
		}

		return s.appendAliasesEvent(tx, log, row.RoomID, userID)
	})
}

// addAlias inserts the alias row, failing when the alias already maps to a
// different room, then re-emits the room's alias list event.
func (s *Service) addAlias(tx *gorm.DB, log *events.Log, room Room, userID, alias string) error {
	var existing RoomAlias
	err := tx.Where("alias = ?", alias).Take(&existing).Error
	switch {
	case err == nil:
		if existing.RoomID == room.ID {
			return nil
		}
		return apierror.AliasTaken("The requested room alias already exists.")
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return fmt.Errorf("rooms: checking alias %s: %w", alias, err)
	}

	row := RoomAlias{
		Alias:            alias,
		RoomID:           room.ID,
		UserID:           userID,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("rooms: inserting alias %s: %w", alias, err)
	}

	return s.appendAliasesEvent(tx, log, room.ID, userID)
}

func (s *Service) appendAliasesEvent(tx *gorm.DB, log *events.Log, roomID, userID string) error {
	var rows []RoomAlias
	if err := tx.Where("room_id = ?", roomID).Order("alias ASC").Find(&rows).Error; err != nil {
		return fmt.Errorf("rooms: listing aliases for %s: %w", roomID, err)
	}

	aliases := make([]string, 0, len(rows))
	for _, row := range rows {
		aliases = append(aliases, row.Alias)
	}

	// The aliases event is keyed by the server publishing them.
	stateKey := s.serverName
	draft, err := s.newStateDraft(userID, events.TypeAliases, &stateKey, events.AliasesContent{
		Aliases: aliases,
	})
	if err != nil {
		return err
	}
	_, err = log.Append(roomID, []events.Draft{draft}, s.clock())
	return err
}
