// Package accounts manages local user registration, login credentials and
// profiles.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/hearthchat/hearth/internal/apierror"
	"github.com/hearthchat/hearth/internal/auth"
)

var (
	errMissingDatabase   = errors.New("accounts: database handle is required")
	errMissingServerName = errors.New("accounts: server name is required")

	localpartPattern = regexp.MustCompile(`^[a-z0-9._=-]+$`)
)

// ServiceConfig describes the dependencies of the account service.
type ServiceConfig struct {
	Database   *gorm.DB
	ServerName string
	Clock      func() time.Time
}

// Service manages local accounts and their profiles.
type Service struct {
	db         *gorm.DB
	serverName string
	clock      func() time.Time
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if strings.TrimSpace(cfg.ServerName) == "" {
		return nil, errMissingServerName
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, serverName: cfg.ServerName, clock: clock}, nil
}

// UserID composes the full user identifier for a localpart.
func (s *Service) UserID(localpart string) string {
	return fmt.Sprintf("@%s:%s", localpart, s.serverName)
}

// Register creates a new account with a bcrypt-hashed password and an
// empty profile row.
func (s *Service) Register(ctx context.Context, localpart, password string) (User, error) {
	if !localpartPattern.MatchString(localpart) {
		return User{}, apierror.InvalidParam("username", "Invalid characters in username.")
	}
	if password == "" {
		return User{}, apierror.MissingParam("password")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return User{}, err
	}

	user := User{
		ID:               s.UserID(localpart),
		PasswordHash:     hash,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing User
		err := tx.Where("id = ?", user.ID).Take(&existing).Error
		if err == nil {
			return apierror.InvalidParam("username", "The desired user ID is already taken.")
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("accounts: checking user %s: %w", user.ID, err)
		}

		if err := tx.Create(&user).Error; err != nil {
			return fmt.Errorf("accounts: inserting user %s: %w", user.ID, err)
		}
		if err := tx.Create(&Profile{UserID: user.ID}).Error; err != nil {
			return fmt.Errorf("accounts: inserting profile %s: %w", user.ID, err)
		}
		return nil
	})
	if txErr != nil {
		return User{}, txErr
	}
	return user, nil
}

// Authenticate verifies the password for the given user id. The same
// message covers a missing account and a wrong password.
func (s *Service) Authenticate(ctx context.Context, userID, password string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, apierror.Unauthorized("The user account does not exist or the password is incorrect.")
	}
	if err != nil {
		return User{}, fmt.Errorf("accounts: finding user %s: %w", userID, err)
	}

	if err := auth.VerifyPassword(user.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return User{}, apierror.Unauthorized("The user account does not exist or the password is incorrect.")
		}
		return User{}, err
	}
	return user, nil
}

// Exists reports whether the account is known locally.
func (s *Service) Exists(ctx context.Context, userID string) (bool, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("accounts: finding user %s: %w", userID, err)
	}
	return true, nil
}

// Profile returns the user's profile row.
func (s *Service) Profile(ctx context.Context, userID string) (Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, apierror.NotFound("The user profile was not found.")
	}
	if err != nil {
		return Profile{}, fmt.Errorf("accounts: finding profile %s: %w", userID, err)
	}
	return profile, nil
}

// SetDisplayName updates the profile's display name.
func (s *Service) SetDisplayName(ctx context.Context, userID string, displayName *string) error {
	return s.updateProfile(ctx, userID, "displayname", displayName)
}

// SetAvatarURL updates the profile's avatar URL.
func (s *Service) SetAvatarURL(ctx context.Context, userID string, avatarURL *string) error {
	return s.updateProfile(ctx, userID, "avatar_url", avatarURL)
}

func (s *Service) updateProfile(ctx context.Context, userID, column string, value *string) error {
	result := s.db.WithContext(ctx).
		Model(&Profile{}).
		Where("id = ?", userID).
		Update(column, value)
	if result.Error != nil {
		return fmt.Errorf("accounts: updating profile %s: %w", userID, result.Error)
	}
	if result.RowsAffected == 0 {
		return apierror.NotFound("The user profile was not found.")
	}
	return nil
}

// ProfileSnapshot returns the avatar URL and display name for embedding
// into membership events. A missing profile yields empty values.
func (s *Service) ProfileSnapshot(ctx context.Context, userID string) (*string, *string, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("accounts: finding profile %s: %w", userID, err)
	}
	return profile.AvatarURL, profile.DisplayName, nil
}

// MissingUsers returns the subset of ids with no local account.
func (s *Service) MissingUsers(ctx context.Context, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	var found []User
	err := s.db.WithContext(ctx).Where("id IN ?", userIDs).Find(&found).Error
	if err != nil {
		return nil, fmt.Errorf("accounts: resolving users: %w", err)
	}

	known := make(map[string]struct{}, len(found))
	for _, user := range found {
		known[user.ID] = struct{}{}
	}

	var missing []string
	for _, id := range userIDs {
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}
