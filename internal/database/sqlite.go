package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hearthchat/hearth/internal/accounts"
	"github.com/hearthchat/hearth/internal/events"
	"github.com/hearthchat/hearth/internal/presence"
	"github.com/hearthchat/hearth/internal/rooms"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// The connection pool is pinned to a single connection so ordering
// assignment serializes at the database.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&events.Event{},
		&rooms.Room{},
		&rooms.RoomMembership{},
		&rooms.RoomAlias{},
		&accounts.User{},
		&accounts.Profile{},
		&presence.Status{},
		&presence.ListEntry{},
	); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
