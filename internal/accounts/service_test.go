package accounts

import (
	"context"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/hearthchat/hearth/internal/apierror"
)

func newTestService(t *testing.T) *Service {
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
	if err := db.AutoMigrate(&User{}, &Profile{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		ServerName: "hearth",
		Clock:      func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func TestRegisterAndAuthenticate(t *testing.T) {
	service := newTestService(t)

	user, err := service.Register(context.Background(), "alice", "sekrit")
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if user.ID != "@alice:hearth" {
		t.Fatalf("unexpected user id %q", user.ID)
	}
	if user.PasswordHash == "sekrit" {
		t.Fatalf("password stored in the clear")
	}

	if _, err := service.Authenticate(context.Background(), user.ID, "sekrit"); err != nil {
		t.Fatalf("failed to authenticate: %v", err)
	}

	_, err = service.Authenticate(context.Background(), user.ID, "wrong")
	apiErr, ok := apierror.As(err)
	if !ok || apiErr.Code != apierror.CodeForbidden {
		t.Fatalf("expected forbidden for wrong password, got %v", err)
	}
}

func TestRegisterRejectsDuplicateLocalpart(t *testing.T) {
	service := newTestService(t)

	if _, err := service.Register(context.Background(), "alice", "one"); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	_, err := service.Register(context.Background(), "alice", "two")
	apiErr, ok := apierror.As(err)
	if !ok || apiErr.Code != apierror.CodeInvalidParam {
		t.Fatalf("expected invalid param for duplicate, got %v", err)
	}
}

func TestRegisterRejectsInvalidLocalpart(t *testing.T) {
	service := newTestService(t)

	for _, localpart := range []string{"", "Alice", "has space", "@alice"} {
		if _, err := service.Register(context.Background(), localpart, "pw"); err == nil {
			t.Fatalf("expected error for localpart %q", localpart)
		}
	}
}

func TestProfileRoundTrip(t *testing.T) {
	service := newTestService(t)

	user, err := service.Register(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	displayName := "Alice"
	if err := service.SetDisplayName(context.Background(), user.ID, &displayName); err != nil {
		t.Fatalf("failed to set display name: %v", err)
	}

	profile, err := service.Profile(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("failed to load profile: %v", err)
	}
	if profile.DisplayName == nil || *profile.DisplayName != "Alice" {
		t.Fatalf("expected display name Alice, got %#v", profile.DisplayName)
	}
	if profile.AvatarURL != nil {
		t.Fatalf("expected no avatar url, got %#v", profile.AvatarURL)
	}

	avatar, display, err := service.ProfileSnapshot(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("failed to snapshot profile: %v", err)
	}
	if avatar != nil || display == nil || *display != "Alice" {
		t.Fatalf("unexpected snapshot %#v / %#v", avatar, display)
	}
}

func TestMissingUsers(t *testing.T) {
	service := newTestService(t)

	if _, err := service.Register(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	missing, err := service.MissingUsers(context.Background(), []string{"@alice:hearth", "@ghost:hearth"})
	if err != nil {
		t.Fatalf("failed to resolve users: %v", err)
	}
	if len(missing) != 1 || missing[0] != "@ghost:hearth" {
		t.Fatalf("expected only the ghost to be missing, got %v", missing)
	}
}
