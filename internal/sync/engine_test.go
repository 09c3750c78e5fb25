package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/hearthchat/hearth/internal/events"
	"github.com/hearthchat/hearth/internal/presence"
	"github.com/hearthchat/hearth/internal/rooms"
)

const (
	engineCreator = "@alice:hearth"
	engineJoiner  = "@bob:hearth"
)

type allUsersDirectory struct{}

func (allUsersDirectory) ProfileSnapshot(context.Context, string) (*string, *string, error) {
	return nil, nil, nil
}

func (allUsersDirectory) MissingUsers(context.Context, []string) ([]string, error) {
	return nil, nil
}

type counterIDs struct {
	next int
}

func (c *counterIDs) NewID() (string, error) {
	c.next++
	return fmt.Sprintf("sync-%04d", c.next), nil
}

type engineHarness struct {
	engine *Engine
	rooms  *rooms.Service
	ctx    context.Context
}

func newEngineHarness(t *testing.T) *engineHarness {
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
	if err := db.AutoMigrate(
		&events.Event{},
		&rooms.Room{},
		&rooms.RoomMembership{},
		&rooms.RoomAlias{},
		&presence.Status{},
		&presence.ListEntry{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000000, 0) }
	roomsService, err := rooms.NewService(rooms.ServiceConfig{
		Database:   db,
		ServerName: "hearth",
		Clock:      clock,
		IDProvider: &counterIDs{},
		Users:      allUsersDirectory{},
	})
	if err != nil {
		t.Fatalf("failed to build rooms service: %v", err)
	}

	engine, err := NewEngine(EngineConfig{
		Database: db,
		Presence: presence.NewTracker(db, clock),
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	return &engineHarness{engine: engine, rooms: roomsService, ctx: context.Background()}
}

func (h *engineHarness) mustSync(t *testing.T, userID string, options Options) Response {
	t.Helper()
	response, err := h.engine.Sync(h.ctx, userID, options)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	return response
}

func (h *engineHarness) mustBatch(t *testing.T, raw string) *Batch {
	t.Helper()
	batch, err := ParseBatch(raw)
	if err != nil {
		t.Fatalf("failed to parse batch %q: %v", raw, err)
	}
	return &batch
}

func (h *engineHarness) mustSendMessage(t *testing.T, sender, roomID, body string) {
	t.Helper()
	content := json.RawMessage(fmt.Sprintf(`{"body":%q,"msgtype":"m.text"}`, body))
	if _, err := h.rooms.SendMessage(h.ctx, sender, roomID, events.TypeMessage, content); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}
}

func TestInitialSyncIncludesFullStateAndTimeline(t *testing.T) {
	h := newEngineHarness(t)

	room, err := h.rooms.CreateRoom(h.ctx, engineCreator, rooms.CreationOptions{})
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}
	h.mustSendMessage(t, engineCreator, room.ID, "Hi")

	response := h.mustSync(t, engineCreator, Options{})

	joined, ok := response.Rooms.Join[room.ID]
	if !ok {
		t.Fatalf("expected joined room %s in response", room.ID)
	}
	if len(joined.Timeline.Events) == 0 {
		t.Fatalf("expected timeline events")
	}
	last := joined.Timeline.Events[len(joined.Timeline.Events)-1]
	if last.EventType != events.TypeMessage {
		t.Fatalf("expected the message last, got %s", last.EventType)
	}

	stateTypes := map[string]bool{}
	for _, event := range joined.State.Events {
		stateTypes[event.EventType] = true
	}
	for _, want := range []string{events.TypeCreate, events.TypeJoinRules, events.TypePowerLevels, events.TypeMember} {
		if !stateTypes[want] {
			t.Fatalf("expected %s in initial state, got %v", want, stateTypes)
		}
	}
}

func TestSyncWithSameTokenIsIdempotent(t *testing.T) {
	h := newEngineHarness(t)

	room, err := h.rooms.CreateRoom(h.ctx, engineCreator, rooms.CreationOptions{})
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}
	h.mustSendMessage(t, engineCreator, room.ID, "Hi")

	initial := h.mustSync(t, engineCreator, Options{})
	token := h.mustBatch(t, initial.NextBatch)

	first := h.mustSync(t, engineCreator, Options{Since: token})
	second := h.mustSync(t, engineCreator, Options{Since: token})

	if first.NextBatch != initial.NextBatch || second.NextBatch != initial.NextBatch {
		t.Fatalf("expected stable cursor, got %s / %s / %s", initial.NextBatch, first.NextBatch, second.NextBatch)
	}
	if len(first.Rooms.Join) != 0 || len(second.Rooms.Join) != 0 {
		t.Fatalf("expected no rooms on a caught-up sync")
	}
}

func TestIncrementalSyncReturnsExactlyNewEvents(t *testing.T) {
	h := newEngineHarness(t)

	room, err := h.rooms.CreateRoom(h.ctx, engineCreator, rooms.CreationOptions{})
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}

	initial := h.mustSync(t, engineCreator, Options{})
	token := h.mustBatch(t, initial.NextBatch)

	h.mustSendMessage(t, engineCreator, room.ID, "one")
	h.mustSendMessage(t, engineCreator, room.ID, "two")

	response := h.mustSync(t, engineCreator, Options{Since: token})
	joined, ok := response.Rooms.Join[room.ID]
	if !ok {
		t.Fatalf("expected joined room in incremental response")
	}
	if len(joined.Timeline.Events) != 2 {
		t.Fatalf("expected exactly 2 new events, got %d", len(joined.Timeline.Events))
	}
	if joined.Timeline.Limited {
		t.Fatalf("expected an unlimited timeline")
	}

	next := h.mustBatch(t, response.NextBatch)
	caughtUp := h.mustSync(t, engineCreator, Options{Since: next})
	if len(caughtUp.Rooms.Join) != 0 {
		t.Fatalf("expected no rooms once caught up")
	}
}

func TestIncrementalSyncDeliversEventsAcrossRooms(t *testing.T) {
	h := newEngineHarness(t)

	// Push the first room's orderings well past the second room's
	// creation bundle before taking a cursor.
	busy, err := h.rooms.CreateRoom(h.ctx, engineCreator, rooms.CreationOptions{})
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}
	for _, body := range []string{"one", "two", "three", "four", "five"} {
		h.mustSendMessage(t, engineCreator, busy.ID, body)
	}
	quiet, err := h.rooms.CreateRoom(h.ctx, engineCreator, rooms.CreationOptions{})
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}

	initial := h.mustSync(t, engineCreator, Options{})
	token := h.mustBatch(t, initial.NextBatch)

	h.mustSendMessage(t, engineCreator, quiet.ID, "still here")

	response := h.mustSync(t, engineCreator, Options{Since: token})
	joined, ok := response.Rooms.Join[quiet.ID]
	if !ok {
		t.Fatalf("expected the second room in the incremental response, got %v", response.Rooms.Join)
	}
	if len(joined.Timeline.Events) != 1 || joined.Timeline.Events[0].EventType != events.TypeMessage {
		t.Fatalf("expected the new message, got %#v", joined.Timeline.Events)
	}
	if _, ok := response.Rooms.Join[busy.ID]; ok {
		t.Fatalf("expected the idle room to be omitted")
	}
	if response.NextBatch == initial.NextBatch {
		t.Fatalf("expected the cursor to advance past the new message")
	}
}

func TestTimelineLimitKeepsMostRecentEvents(t *testing.T) {
	h := newEngineHarness(t)

	room, err := h.rooms.CreateRoom(h.ctx, engineCreator, rooms.CreationOptions{})
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}

	initial := h.mustSync(t, engineCreator, Options{})
	token := h.mustBatch(t, initial.NextBatch)

	for _, body := range []string{"one", "two", "three", "four"} {
		h.mustSendMessage(t, engineCreator, room.ID, body)
	}

	response := h.mustSync(t, engineCreator, Options{
		Since:  token,
		Filter: Filter{Room: RoomFilter{Timeline: TimelineFilter{Limit: 2}}},
	})
	joined := response.Rooms.Join[room.ID]
	if len(joined.Timeline.Events) != 2 {
		t.Fatalf("expected 2 events after limiting, got %d", len(joined.Timeline.Events))
	}
	if !joined.Timeline.Limited {
		t.Fatalf("expected the limited flag")
	}

	var bodies []string
	for _, event := range joined.Timeline.Events {
		var content events.MessageContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			t.Fatalf("failed to decode message: %v", err)
		}
		bodies = append(bodies, content.Body)
	}
	if bodies[0] != "three" || bodies[1] != "four" {
		t.Fatalf("expected the most recent events, got %v", bodies)
	}
}

func TestInviteAppearsAsStrippedState(t *testing.T) {
	h := newEngineHarness(t)

	room, err := h.rooms.CreateRoom(h.ctx, engineCreator, rooms.CreationOptions{})
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}
	if _, err := h.rooms.Invite(h.ctx, engineCreator, room.ID, engineJoiner); err != nil {
		t.Fatalf("failed to invite: %v", err)
	}

	response := h.mustSync(t, engineJoiner, Options{})
	invited, ok := response.Rooms.Invite[room.ID]
	if !ok {
		t.Fatalf("expected invited room in response")
	}

	foundInvite := false
	for _, event := range invited.InviteState.Events {
		if event.EventType == events.TypeMember && event.StateKey == engineJoiner {
			var content events.MemberContent
			if err := json.Unmarshal(event.Content, &content); err != nil {
				t.Fatalf("failed to decode member content: %v", err)
			}
			if content.Membership == events.MembershipInvite {
				foundInvite = true
			}
		}
	}
	if !foundInvite {
		t.Fatalf("expected the invite member event in stripped state")
	}
}

func TestLeftRoomsAreBehindIncludeLeave(t *testing.T) {
	h := newEngineHarness(t)

	room, err := h.rooms.CreateRoom(h.ctx, engineCreator, rooms.CreationOptions{Preset: rooms.PresetPublicChat})
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}
	if _, err := h.rooms.Join(h.ctx, engineJoiner, room.ID); err != nil {
		t.Fatalf("failed to join: %v", err)
	}

	initial := h.mustSync(t, engineJoiner, Options{})
	token := h.mustBatch(t, initial.NextBatch)

	h.mustSendMessage(t, engineCreator, room.ID, "before departure")
	if _, err := h.rooms.Leave(h.ctx, engineJoiner, room.ID); err != nil {
		t.Fatalf("failed to leave: %v", err)
	}
	h.mustSendMessage(t, engineCreator, room.ID, "after departure")

	withoutLeave := h.mustSync(t, engineJoiner, Options{Since: token})
	if len(withoutLeave.Rooms.Leave) != 0 {
		t.Fatalf("expected no left rooms without include_leave")
	}

	withLeave := h.mustSync(t, engineJoiner, Options{
		Since:  token,
		Filter: Filter{Room: RoomFilter{IncludeLeave: true}},
	})
	left, ok := withLeave.Rooms.Leave[room.ID]
	if !ok {
		t.Fatalf("expected the left room with include_leave")
	}
	for _, event := range left.Timeline.Events {
		if event.EventType != events.TypeMessage {
			continue
		}
		var content events.MessageContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			t.Fatalf("failed to decode message: %v", err)
		}
		if content.Body == "after departure" {
			t.Fatalf("post-departure event leaked into the left room timeline")
		}
	}
}

func TestSyncRecordsPresence(t *testing.T) {
	h := newEngineHarness(t)

	response := h.mustSync(t, engineCreator, Options{})

	foundSelf := false
	for _, event := range response.Presence.Events {
		if event.Sender == engineCreator && event.Content.Presence == presence.StateOnline {
			foundSelf = true
		}
	}
	if !foundSelf {
		t.Fatalf("expected the caller's own presence in the initial sync")
	}
}
