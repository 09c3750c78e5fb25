package events

// StateTuple keys the projected state map. Singleton-per-room event types
// use the empty state key; membership events use the target user's id.
type StateTuple struct {
	EventType string
	StateKey  string
}

// Project folds a sequence of events into the (event_type, state_key) ->
// latest event map. Latest is determined purely by ordering, which is
// strictly increasing per room, so ties cannot occur. The fold is pure: it
// can be applied to a room's full event list for current state, or to a
// prefix for historical state at a pivot.
//
// Timeline-only events and event types unknown to the projector are skipped;
// they remain stored and retrievable as raw events.
func Project(list []Event) map[StateTuple]Event {
	state := make(map[StateTuple]Event)
	for _, event := range list {
		if !event.IsState() || !IsStateType(event.EventType) {
			continue
		}
		key := StateTuple{EventType: event.EventType, StateKey: *event.StateKey}
		current, ok := state[key]
		if !ok || event.Ordering > current.Ordering {
			state[key] = event
		}
	}
	return state
}
