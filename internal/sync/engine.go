package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hearthchat/hearth/internal/apierror"
	"github.com/hearthchat/hearth/internal/events"
	"github.com/hearthchat/hearth/internal/presence"
	"github.com/hearthchat/hearth/internal/rooms"
)

const defaultPollInterval = time.Second

var (
	errMissingDatabase = errors.New("sync: database handle is required")
	errMissingPresence = errors.New("sync: presence tracker is required")
	noOpLogger         = zap.NewNop()
)

// Options control one sync request.
type Options struct {
	// Since is the cursor from the previous response. Nil means initial sync.
	Since *Batch
	// Filter narrows the response.
	Filter Filter
	// FullState forces current state into the response even on an
	// incremental sync.
	FullState bool
	// SetPresence is the presence state to record for the caller. Empty
	// defaults to online.
	SetPresence string
	// Timeout is how long to long-poll for new data before returning an
	// empty incremental response.
	Timeout time.Duration
}

// EngineConfig describes the dependencies of the sync engine.
type EngineConfig struct {
	Database     *gorm.DB
	Presence     *presence.Tracker
	Notifier     *Notifier
	Logger       *zap.Logger
	PollInterval time.Duration
}

// Engine computes sync responses. It holds no per-request state; every
// call reads directly from the event log so concurrent appends are picked
// up by the next poll.
type Engine struct {
	db           *gorm.DB
	presence     *presence.Tracker
	notifier     *Notifier
	logger       *zap.Logger
	pollInterval time.Duration
}

// NewEngine constructs the sync engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Presence == nil {
		return nil, errMissingPresence
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Engine{
		db:           cfg.Database,
		presence:     cfg.Presence,
		notifier:     cfg.Notifier,
		logger:       logger,
		pollInterval: interval,
	}, nil
}

// Sync computes the response for one user. Incremental syncs with no new
// data long-poll until the timeout elapses, then return an empty response
// whose cursor equals the one handed in.
func (e *Engine) Sync(ctx context.Context, userID string, options Options) (Response, error) {
	if options.SetPresence == "" {
		if err := e.presence.Touch(ctx, userID); err != nil {
			return Response{}, err
		}
	} else if err := e.presence.Set(ctx, userID, options.SetPresence, nil); err != nil {
		return Response{}, err
	}

	response, err := e.compute(ctx, userID, options)
	if err != nil {
		return Response{}, err
	}
	if options.Since == nil || !response.isEmpty() || options.Timeout <= 0 {
		return response, nil
	}

	wake := make(<-chan struct{})
	if e.notifier != nil {
		stream, cancel := e.notifier.Subscribe(userID)
		defer cancel()
		wake = stream
	}

	deadline := time.NewTimer(options.Timeout)
	defer deadline.Stop()
	poll := time.NewTicker(e.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return response, nil
		case <-deadline.C:
			return response, nil
		case <-wake:
		case <-poll.C:
		}

		response, err = e.compute(ctx, userID, options)
		if err != nil {
			return Response{}, err
		}
		if !response.isEmpty() {
			return response, nil
		}
	}
}

func (e *Engine) compute(ctx context.Context, userID string, options Options) (Response, error) {
	db := e.db.WithContext(ctx)
	log := events.NewLog(db)

	incremental := options.Since != nil
	sinceRoom := int64(-1)
	sincePresence := int64(-1)
	nextRoom := int64(0)
	if incremental {
		sinceRoom = options.Since.RoomKey
		sincePresence = options.Since.PresenceKey
		nextRoom = sinceRoom
	}

	response := Response{
		Rooms: Rooms{
			Join:   map[string]JoinedRoom{},
			Invite: map[string]InvitedRoom{},
			Leave:  map[string]LeftRoom{},
		},
	}

	memberships, err := rooms.MembershipsByUser(db, userID)
	if err != nil {
		return Response{}, err
	}

	limit := options.Filter.Room.Timeline.Limit
	for _, membership := range memberships {
		switch membership.Membership {
		case events.MembershipJoin:
			room, advanced, ok, err := e.joinedRoom(log, membership.RoomID, sinceRoom, incremental, options.FullState, limit)
			if err != nil {
				return Response{}, err
			}
			if !ok {
				continue
			}
			response.Rooms.Join[membership.RoomID] = room
			nextRoom = max64(nextRoom, advanced)
		case events.MembershipInvite:
			room, advanced, ok, err := e.invitedRoom(log, membership.RoomID, sinceRoom, incremental)
			if err != nil {
				return Response{}, err
			}
			if !ok {
				continue
			}
			response.Rooms.Invite[membership.RoomID] = room
			nextRoom = max64(nextRoom, advanced)
		case events.MembershipLeave, events.MembershipBan:
			if !options.Filter.Room.IncludeLeave {
				continue
			}
			room, advanced, ok, err := e.leftRoom(log, membership, sinceRoom, incremental, limit)
			if err != nil {
				return Response{}, err
			}
			if !ok {
				continue
			}
			response.Rooms.Leave[membership.RoomID] = room
			nextRoom = max64(nextRoom, advanced)
		}
	}

	statuses, nextPresence, err := e.presence.Since(ctx, userID, sincePresence)
	if err != nil {
		return Response{}, err
	}
	if !incremental && nextPresence < 0 {
		nextPresence = 0
	}
	for _, status := range statuses {
		response.Presence.Events = append(response.Presence.Events, PresenceEvent{
			Content: PresenceContent{Presence: status.Presence, StatusMsg: status.StatusMessage},
			Sender:  status.UserID,
			Type:    "m.presence",
		})
	}

	response.NextBatch = Batch{RoomKey: nextRoom, PresenceKey: nextPresence}.String()
	return response, nil
}

// joinedRoom assembles the timeline and state for a joined room. On an
// incremental sync a room with no new events is omitted entirely.
func (e *Engine) joinedRoom(log *events.Log, roomID string, since int64, incremental, fullState bool, limit int) (JoinedRoom, int64, bool, error) {
	newEvents, err := log.RoomEventsSince(roomID, since)
	if err != nil {
		return JoinedRoom{}, 0, false, err
	}
	if incremental && len(newEvents) == 0 {
		return JoinedRoom{}, 0, false, nil
	}

	advanced := since
	for _, event := range newEvents {
		advanced = max64(advanced, event.Ordering)
	}

	var stateEvents []events.Event
	if !incremental || fullState {
		stateEvents, err = log.FullState(roomID)
	} else {
		stateEvents, err = log.StateSince(roomID, since)
	}
	if err != nil {
		return JoinedRoom{}, 0, false, err
	}

	return JoinedRoom{
		AccountData: AccountData{Events: []events.WireEvent{}},
		Ephemeral:   Ephemeral{Events: []events.WireEvent{}},
		Timeline:    buildTimeline(newEvents, limit),
		State:       State{Events: projectedWire(stateEvents)},
	}, advanced, true, nil
}

// invitedRoom assembles the stripped full state shown to an invitee.
func (e *Engine) invitedRoom(log *events.Log, roomID string, since int64, incremental bool) (InvitedRoom, int64, bool, error) {
	newEvents, err := log.RoomEventsSince(roomID, since)
	if err != nil {
		return InvitedRoom{}, 0, false, err
	}
	if incremental && len(newEvents) == 0 {
		return InvitedRoom{}, 0, false, nil
	}

	advanced := since
	for _, event := range newEvents {
		advanced = max64(advanced, event.Ordering)
	}

	stateEvents, err := log.FullState(roomID)
	if err != nil {
		return InvitedRoom{}, 0, false, err
	}
	projected := projectState(stateEvents)

	return InvitedRoom{
		InviteState: StrippedState{Events: events.StrippedList(projected)},
	}, advanced, true, nil
}

// leftRoom assembles the view for a room the user left or was banned from:
// only events and state strictly before the departure event are visible.
func (e *Engine) leftRoom(log *events.Log, membership rooms.RoomMembership, since int64, incremental bool, limit int) (LeftRoom, int64, bool, error) {
	departure, err := log.Find(membership.EventID)
	if err != nil {
		return LeftRoom{}, 0, false, err
	}
	if departure == nil {
		return LeftRoom{}, 0, false, fmt.Errorf("sync: membership row %s points at a missing event", membership.EventID)
	}
	pivot := departure.Ordering

	newEvents, err := log.RoomEventsSince(membership.RoomID, since)
	if err != nil {
		return LeftRoom{}, 0, false, err
	}
	visible := newEvents[:0:0]
	for _, event := range newEvents {
		if event.Ordering < pivot {
			visible = append(visible, event)
		}
	}
	if incremental && len(visible) == 0 {
		return LeftRoom{}, 0, false, nil
	}

	advanced := since
	for _, event := range visible {
		advanced = max64(advanced, event.Ordering)
	}

	stateEvents, err := log.StateUntil(membership.RoomID, &pivot)
	if err != nil {
		return LeftRoom{}, 0, false, err
	}

	return LeftRoom{
		Timeline: buildTimeline(visible, limit),
		State:    State{Events: projectedWire(stateEvents)},
	}, advanced, true, nil
}

// buildTimeline keeps the most recent events when the filter limit is
// smaller than the window, flagging the truncation.
func buildTimeline(list []events.Event, limit int) Timeline {
	limited := false
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
		limited = true
	}
	return Timeline{Events: roomlessWire(list), Limited: limited}
}

// projectState folds raw state events into their latest entries, ordered
// by ordering for deterministic output.
func projectState(list []events.Event) []events.Event {
	projected := events.Project(list)
	out := make([]events.Event, 0, len(projected))
	for _, event := range projected {
		out = append(out, event)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordering < out[j].Ordering })
	return out
}

func projectedWire(list []events.Event) []events.WireEvent {
	return roomlessWire(projectState(list))
}

// roomlessWire converts events for sync payloads, where the room id is
// already the enclosing map key.
func roomlessWire(list []events.Event) []events.WireEvent {
	wire := make([]events.WireEvent, 0, len(list))
	for _, event := range list {
		converted := event.Wire()
		converted.RoomID = ""
		wire = append(wire, converted)
	}
	return wire
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// ParseOptions assembles Options from raw query parameters.
func ParseOptions(since, filter, fullState, setPresence, timeoutMilliseconds string) (Options, error) {
	var options Options

	if since != "" {
		batch, err := ParseBatch(since)
		if err != nil {
			return Options{}, err
		}
		options.Since = &batch
	}

	parsedFilter, err := ParseFilter(filter)
	if err != nil {
		return Options{}, err
	}
	options.Filter = parsedFilter

	switch fullState {
	case "", "false":
	case "true":
		options.FullState = true
	default:
		return Options{}, apierror.InvalidParam("full_state", "'full_state' parameter was invalid.")
	}

	switch setPresence {
	case "", presence.StateOnline, presence.StateOffline, presence.StateUnavailable:
		options.SetPresence = setPresence
	default:
		return Options{}, apierror.InvalidParam("set_presence", "'set_presence' parameter was invalid.")
	}

	if timeoutMilliseconds != "" {
		milliseconds, err := strconv.ParseInt(timeoutMilliseconds, 10, 64)
		if err != nil || milliseconds < 0 {
			return Options{}, apierror.InvalidParam("timeout", "'timeout' parameter was invalid.")
		}
		options.Timeout = time.Duration(milliseconds) * time.Millisecond
	}

	return options, nil
}
