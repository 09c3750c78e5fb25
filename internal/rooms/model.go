package rooms

import "encoding/json"

// Preset selects a few default state events at room creation.
type Preset string

const (
	PresetPrivateChat        Preset = "private_chat"
	PresetPublicChat         Preset = "public_chat"
	PresetTrustedPrivateChat Preset = "trusted_private_chat"
)

// Visibility controls whether the room appears in the published room list.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Room is created once at room-creation time and never deleted. Its current
// state is derived by projecting the event log, never stored directly.
type Room struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null"`
	Public           bool   `gorm:"column:public;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "rooms"
}

// RoomMembership is the one mutable join between the event log and current
// views: one row per (room, user), repointed to a fresh m.room.member event
// on every transition. The row's membership value must always equal the
// membership content of the event it points to.
type RoomMembership struct {
	EventID          string `gorm:"column:event_id;primaryKey;size:190;not null"`
	RoomID           string `gorm:"column:room_id;size:190;not null;uniqueIndex:idx_memberships_room_user,priority:1"`
	UserID           string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_memberships_room_user,priority:2"`
	Sender           string `gorm:"column:sender;size:190;not null"`
	Membership       string `gorm:"column:membership;size:32;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomMembership) TableName() string {
	return "room_memberships"
}

// RoomAlias maps a human-readable alias to a room. Aliases are unique across
// the homeserver.
type RoomAlias struct {
	Alias            string `gorm:"column:alias;primaryKey;size:190;not null"`
	RoomID           string `gorm:"column:room_id;size:190;not null;index"`
	UserID           string `gorm:"column:user_id;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomAlias) TableName() string {
	return "room_aliases"
}

// InitialStateEntry is a stripped state event supplied at room creation.
type InitialStateEntry struct {
	EventType string          `json:"type"`
	StateKey  string          `json:"state_key"`
	Content   json.RawMessage `json:"content"`
}

// CreationOptions customize a new room.
//
// Event creation order follows the protocol: preset events first, then
// name/topic, then initial_state entries in the order given, then defaults
// for anything still unset, then invites.
type CreationOptions struct {
	AliasName    *string
	Federate     bool
	InitialState []InitialStateEntry
	InviteList   []string
	Name         *string
	Preset       Preset
	Topic        *string
	Visibility   Visibility
}

// EffectivePreset resolves the preset, defaulting from visibility the way
// the protocol prescribes.
func (o CreationOptions) EffectivePreset() Preset {
	if o.Preset != "" {
		return o.Preset
	}
	if o.Visibility == VisibilityPublic {
		return PresetPublicChat
	}
	return PresetPrivateChat
}
