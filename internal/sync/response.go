package sync

import "github.com/hearthchat/hearth/internal/events"

// Response is the top level sync payload.
type Response struct {
	NextBatch string   `json:"next_batch"`
	Rooms     Rooms    `json:"rooms"`
	Presence  Presence `json:"presence"`
}

// Rooms groups per-room payloads by the caller's membership.
type Rooms struct {
	Join   map[string]JoinedRoom  `json:"join"`
	Invite map[string]InvitedRoom `json:"invite"`
	Leave  map[string]LeftRoom    `json:"leave"`
}

// JoinedRoom carries the timeline and state deltas for a joined room.
// AccountData, Ephemeral and UnreadNotifications are emitted as empty
// placeholders; per-room account data and typing notifications are not
// tracked.
type JoinedRoom struct {
	AccountData         AccountData         `json:"account_data"`
	Ephemeral           Ephemeral           `json:"ephemeral"`
	Timeline            Timeline            `json:"timeline"`
	State               State               `json:"state"`
	UnreadNotifications UnreadNotifications `json:"unread_notifications"`
}

// AccountData is the per-room account data events list.
type AccountData struct {
	Events []events.WireEvent `json:"events"`
}

// Ephemeral is the per-room ephemeral events list.
type Ephemeral struct {
	Events []events.WireEvent `json:"events"`
}

// UnreadNotifications carries per-room unread counts.
type UnreadNotifications struct {
	HighlightCount    int64 `json:"highlight_count"`
	NotificationCount int64 `json:"notification_count"`
}

// InvitedRoom carries the stripped state shown to an invited user.
type InvitedRoom struct {
	InviteState StrippedState `json:"invite_state"`
}

// LeftRoom carries the timeline and state as of the user's departure.
type LeftRoom struct {
	Timeline Timeline `json:"timeline"`
	State    State    `json:"state"`
}

// Timeline is an ordered slice of room events. Limited reports that older
// events were trimmed by the filter's timeline limit.
type Timeline struct {
	Events  []events.WireEvent `json:"events"`
	Limited bool               `json:"limited"`
}

// State is an unordered bag of state events.
type State struct {
	Events []events.WireEvent `json:"events"`
}

// StrippedState is the minimal state view exposed to invited users.
type StrippedState struct {
	Events []events.StrippedEvent `json:"events"`
}

// Presence carries presence updates as ephemeral events.
type Presence struct {
	Events []PresenceEvent `json:"events"`
}

// PresenceEvent is the wire form of one presence update.
type PresenceEvent struct {
	Content PresenceContent `json:"content"`
	Sender  string          `json:"sender"`
	Type    string          `json:"type"`
}

// PresenceContent is the content body of a presence event.
type PresenceContent struct {
	Presence  string  `json:"presence"`
	StatusMsg *string `json:"status_msg,omitempty"`
}

func (r *Response) isEmpty() bool {
	return len(r.Rooms.Join) == 0 &&
		len(r.Rooms.Invite) == 0 &&
		len(r.Rooms.Leave) == 0 &&
		len(r.Presence.Events) == 0
}
