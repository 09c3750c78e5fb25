package events

import (
	"encoding/json"
	"fmt"
)

// Membership states carried by m.room.member events.
const (
	MembershipBan    = "ban"
	MembershipInvite = "invite"
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
)

// Join rules carried by m.room.join_rules events.
const (
	JoinRuleInvite = "invite"
	JoinRulePublic = "public"
)

// Payload is the closed union of typed event contents. Unknown event types
// decode to CustomContent and are carried through as opaque JSON.
type Payload interface {
	isPayload()
}

// CreateContent is the content of m.room.create.
type CreateContent struct {
	Creator  string `json:"creator"`
	Federate bool   `json:"federate"`
}

// MemberContent is the content of m.room.member. Avatar and display name are
// snapshots of the target user's profile at transition time.
type MemberContent struct {
	AvatarURL   *string `json:"avatar_url,omitempty"`
	DisplayName *string `json:"displayname,omitempty"`
	Membership  string  `json:"membership"`
}

// MessageContent is the content of m.room.message.
type MessageContent struct {
	Body    string `json:"body"`
	MsgType string `json:"msgtype"`
}

// PowerLevelsContent is the content of m.room.power_levels.
type PowerLevelsContent struct {
	Ban           int64            `json:"ban"`
	Events        map[string]int64 `json:"events"`
	EventsDefault int64            `json:"events_default"`
	Invite        int64            `json:"invite"`
	Kick          int64            `json:"kick"`
	Redact        int64            `json:"redact"`
	StateDefault  int64            `json:"state_default"`
	Users         map[string]int64 `json:"users"`
	UsersDefault  int64            `json:"users_default"`
}

// UserLevel resolves the effective power level for a user.
func (c PowerLevelsContent) UserLevel(userID string) int64 {
	if level, ok := c.Users[userID]; ok {
		return level
	}
	return c.UsersDefault
}

// EventLevel resolves the required power level for sending an event type.
func (c PowerLevelsContent) EventLevel(eventType string) int64 {
	if level, ok := c.Events[eventType]; ok {
		return level
	}
	return c.EventsDefault
}

// JoinRulesContent is the content of m.room.join_rules.
type JoinRulesContent struct {
	JoinRule string `json:"join_rule"`
}

// NameContent is the content of m.room.name.
type NameContent struct {
	Name string `json:"name"`
}

// TopicContent is the content of m.room.topic.
type TopicContent struct {
	Topic string `json:"topic"`
}

// HistoryVisibilityContent is the content of m.room.history_visibility.
type HistoryVisibilityContent struct {
	HistoryVisibility string `json:"history_visibility"`
}

// CanonicalAliasContent is the content of m.room.canonical_alias.
type CanonicalAliasContent struct {
	Alias string `json:"alias"`
}

// AliasesContent is the content of m.room.aliases.
type AliasesContent struct {
	Aliases []string `json:"aliases"`
}

// AvatarContent is the content of m.room.avatar.
type AvatarContent struct {
	URL string `json:"url"`
}

// GuestAccessContent is the content of m.room.guest_access.
type GuestAccessContent struct {
	GuestAccess string `json:"guest_access"`
}

// ThirdPartyInviteContent is the content of m.room.third_party_invite.
type ThirdPartyInviteContent struct {
	DisplayName    string `json:"display_name"`
	KeyValidityURL string `json:"key_validity_url"`
	PublicKey      string `json:"public_key"`
}

// CustomContent is the opaque content of an event type without a typed
// representation.
type CustomContent struct {
	Raw json.RawMessage
}

func (CreateContent) isPayload()            {}
func (MemberContent) isPayload()            {}
func (MessageContent) isPayload()           {}
func (PowerLevelsContent) isPayload()       {}
func (JoinRulesContent) isPayload()         {}
func (NameContent) isPayload()              {}
func (TopicContent) isPayload()             {}
func (HistoryVisibilityContent) isPayload() {}
func (CanonicalAliasContent) isPayload()    {}
func (AliasesContent) isPayload()           {}
func (AvatarContent) isPayload()            {}
func (GuestAccessContent) isPayload()       {}
func (ThirdPartyInviteContent) isPayload()  {}
func (CustomContent) isPayload()            {}

// payloadRegistry maps event types to typed content constructors. New event
// types are added here deliberately rather than through open-ended dispatch.
var payloadRegistry = map[string]func() Payload{
	TypeAliases:           func() Payload { return &AliasesContent{} },
	TypeAvatar:            func() Payload { return &AvatarContent{} },
	TypeCanonicalAlias:    func() Payload { return &CanonicalAliasContent{} },
	TypeCreate:            func() Payload { return &CreateContent{} },
	TypeGuestAccess:       func() Payload { return &GuestAccessContent{} },
	TypeHistoryVisibility: func() Payload { return &HistoryVisibilityContent{} },
	TypeJoinRules:         func() Payload { return &JoinRulesContent{} },
	TypeMember:            func() Payload { return &MemberContent{} },
	TypeMessage:           func() Payload { return &MessageContent{} },
	TypeName:              func() Payload { return &NameContent{} },
	TypePowerLevels:       func() Payload { return &PowerLevelsContent{} },
	TypeThirdPartyInvite:  func() Payload { return &ThirdPartyInviteContent{} },
	TypeTopic:             func() Payload { return &TopicContent{} },
}

// DecodeContent parses raw event content into its typed representation.
// Unknown event types are returned as CustomContent rather than rejected.
func DecodeContent(eventType string, content []byte) (Payload, error) {
	build := payloadRegistry[eventType]
	if build == nil {
		return &CustomContent{Raw: json.RawMessage(content)}, nil
	}
	payload := build()
	if err := json.Unmarshal(content, payload); err != nil {
		return nil, fmt.Errorf("events: decoding %s content: %w", eventType, err)
	}
	return payload, nil
}

// EncodeContent marshals typed content for storage.
func EncodeContent(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("events: encoding content: %w", err)
	}
	return string(raw), nil
}
