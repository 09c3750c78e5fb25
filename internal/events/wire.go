package events

import "encoding/json"

// WireEvent is the client-facing JSON shape of a stored event.
type WireEvent struct {
	Content        json.RawMessage `json:"content"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"type"`
	OriginServerTS int64           `json:"origin_server_ts"`
	RoomID         string          `json:"room_id,omitempty"`
	Sender         string          `json:"sender"`
	StateKey       *string         `json:"state_key,omitempty"`
}

// StrippedEvent is the reduced state shape shown to invitees.
type StrippedEvent struct {
	Content   json.RawMessage `json:"content"`
	EventType string          `json:"type"`
	Sender    string          `json:"sender"`
	StateKey  string          `json:"state_key"`
}

// Wire converts a stored event to its client representation. Unknown event
// types pass through with their content intact.
func (e Event) Wire() WireEvent {
	return WireEvent{
		Content:        json.RawMessage(e.Content),
		EventID:        e.ID,
		EventType:      e.EventType,
		OriginServerTS: e.CreatedAtSeconds * 1000,
		RoomID:         e.RoomID,
		Sender:         e.Sender,
		StateKey:       e.StateKey,
	}
}

// Stripped converts a state event to the shape shown in invite_state.
func (e Event) Stripped() StrippedEvent {
	stateKey := ""
	if e.StateKey != nil {
		stateKey = *e.StateKey
	}
	return StrippedEvent{
		Content:   json.RawMessage(e.Content),
		EventType: e.EventType,
		Sender:    e.Sender,
		StateKey:  stateKey,
	}
}

// WireList converts a slice of events preserving order.
func WireList(list []Event) []WireEvent {
	wire := make([]WireEvent, 0, len(list))
	for _, event := range list {
		wire = append(wire, event.Wire())
	}
	return wire
}

// StrippedList converts a slice of state events preserving order.
func StrippedList(list []Event) []StrippedEvent {
	stripped := make([]StrippedEvent, 0, len(list))
	for _, event := range list {
		stripped = append(stripped, event.Stripped())
	}
	return stripped
}
