package events

// Matrix protocol event types handled by this homeserver.
const (
	TypeAliases           = "m.room.aliases"
	TypeAvatar            = "m.room.avatar"
	TypeCanonicalAlias    = "m.room.canonical_alias"
	TypeCreate            = "m.room.create"
	TypeGuestAccess       = "m.room.guest_access"
	TypeHistoryVisibility = "m.room.history_visibility"
	TypeJoinRules         = "m.room.join_rules"
	TypeMember            = "m.room.member"
	TypeMessage           = "m.room.message"
	TypeName              = "m.room.name"
	TypePowerLevels       = "m.room.power_levels"
	TypeThirdPartyInvite  = "m.room.third_party_invite"
	TypeTopic             = "m.room.topic"
)

// roomEventPrefix selects protocol events for sync timelines.
const roomEventPrefix = "m.room.%"

var stateEventTypes = []string{
	TypeAliases,
	TypeAvatar,
	TypeCanonicalAlias,
	TypeCreate,
	TypeGuestAccess,
	TypeHistoryVisibility,
	TypeJoinRules,
	TypeMember,
	TypeName,
	TypePowerLevels,
	TypeThirdPartyInvite,
	TypeTopic,
}

// IsStateType reports whether the event type participates in state projection.
func IsStateType(eventType string) bool {
	for _, t := range stateEventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Event is an immutable, append-only record in a room's event log. Ordering
// is a strictly increasing sequence shared across all rooms, assigned at
// insertion time; insertion order is causal order on this single homeserver.
type Event struct {
	ID               string  `gorm:"column:id;primaryKey;size:190;not null"`
	Ordering         int64   `gorm:"column:ordering;not null;index:idx_events_room_ordering,priority:2"`
	RoomID           string  `gorm:"column:room_id;size:190;not null;index:idx_events_room_ordering,priority:1"`
	Sender           string  `gorm:"column:sender;size:190;not null"`
	EventType        string  `gorm:"column:event_type;size:190;not null;index:idx_events_room_type"`
	StateKey         *string `gorm:"column:state_key;size:190"`
	Content          string  `gorm:"column:content;type:text;not null"`
	ExtraContent     *string `gorm:"column:extra_content;type:text"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "events"
}

// IsState reports whether the event is a state event. A nil state key marks
// a timeline-only event such as a message.
func (e Event) IsState() bool {
	return e.StateKey != nil
}

// Draft is a new event that has not been assigned an ordering yet.
type Draft struct {
	ID           string
	Sender       string
	EventType    string
	StateKey     *string
	Content      string
	ExtraContent *string
}

// StateKeyString returns the draft's state key or the empty string.
func (d Draft) StateKeyString() string {
	if d.StateKey == nil {
		return ""
	}
	return *d.StateKey
}

// EmptyStateKey is the state key shared by all singleton-per-room state
// events (create, power levels, join rules, name, topic and friends).
func EmptyStateKey() *string {
	key := ""
	return &key
}

// UserStateKey returns a state key pointing at the target user of a
// membership event.
func UserStateKey(userID string) *string {
	key := userID
	return &key
}
