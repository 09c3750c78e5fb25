package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hearthchat/hearth/internal/apierror"
	"github.com/hearthchat/hearth/internal/events"
)

var (
	errMissingDatabase   = errors.New("rooms: database handle is required")
	errMissingIDProvider = errors.New("rooms: id provider is required")
	errMissingServerName = errors.New("rooms: server name is required")
	errMissingUsers      = errors.New("rooms: user directory is required")
	noOpLogger           = zap.NewNop()
)

// UserDirectory resolves user existence and profile snapshots. Implemented
// by the accounts service; injected to keep the room engine testable on its
// own.
type UserDirectory interface {
	// ProfileSnapshot returns the user's avatar URL and display name at
	// this moment, for embedding into m.room.member events.
	ProfileSnapshot(ctx context.Context, userID string) (avatarURL, displayName *string, err error)
	// MissingUsers returns the subset of the given ids with no local account.
	MissingUsers(ctx context.Context, userIDs []string) ([]string, error)
}

// ServiceConfig describes the dependencies of the room engine.
type ServiceConfig struct {
	Database   *gorm.DB
	ServerName string
	Clock      func() time.Time
	IDProvider IDProvider
	Users      UserDirectory
	Logger     *zap.Logger
}

// Service orchestrates room creation, membership transitions and event
// sends. All mutations run inside a single database transaction so that
// ordering assignment and the authorization check that gated it commit
// atomically.
type Service struct {
	db         *gorm.DB
	serverName string
	clock      func() time.Time
	ids        IDProvider
	users      UserDirectory
	logger     *zap.Logger
}

// NewService constructs the room engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	if strings.TrimSpace(cfg.ServerName) == "" {
		return nil, errMissingServerName
	}
	if cfg.Users == nil {
		return nil, errMissingUsers
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		serverName: cfg.ServerName,
		clock:      clock,
		ids:        cfg.IDProvider,
		users:      cfg.Users,
		logger:     logger,
	}, nil
}

// CreateRoom creates a room and its initial event bundle in one atomic
// transaction, then joins the creator. The event order is: m.room.create,
// the preset's join rules, name/topic, initial_state entries in the order
// given, defaulted history visibility and power levels, and the canonical
// alias, all appended in a single batch so insertion order is the intended
// order.
func (s *Service) CreateRoom(ctx context.Context, creatorID string, options CreationOptions) (Room, error) {
	opaque, err := s.ids.NewID()
	if err != nil {
		return Room{}, fmt.Errorf("rooms: generating room id: %w", err)
	}

	room := Room{
		ID:               roomID(opaque, s.serverName),
		UserID:           creatorID,
		Public:           options.Visibility == VisibilityPublic,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(options.InviteList) > 0 {
			missing, err := s.users.MissingUsers(ctx, options.InviteList)
			if err != nil {
				return err
			}
			if len(missing) > 0 {
				return apierror.BadJSON(fmt.Sprintf(
					"Unknown users in invite list: %s", strings.Join(missing, ", "),
				))
			}
		}

		if err := tx.Create(&room).Error; err != nil {
			return fmt.Errorf("rooms: inserting room row: %w", err)
		}

		drafts, aliases, err := s.creationDrafts(room, options)
		if err != nil {
			return err
		}

		log := events.NewLog(tx)
		if _, err := log.Append(room.ID, drafts, s.clock()); err != nil {
			return err
		}

		for _, alias := range aliases {
			if err := s.addAlias(tx, log, room, creatorID, alias); err != nil {
				return err
			}
		}

		for _, invitee := range options.InviteList {
			existing, err := findMembership(tx, room.ID, invitee)
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}
			if _, err := s.applyMembership(ctx, tx, log, room, creatorID, invitee, events.MembershipInvite, nil); err != nil {
				return err
			}
		}

		return nil
	})
	if txErr != nil {
		return Room{}, txErr
	}

	// The creator's own join membership is a separate transition.
	if _, err := s.Join(ctx, creatorID, room.ID); err != nil {
		return Room{}, err
	}

	return room, nil
}

// creationDrafts accumulates the ordered event bundle for a new room and
// the aliases to register afterwards.
func (s *Service) creationDrafts(room Room, options CreationOptions) ([]events.Draft, []string, error) {
	var drafts []events.Draft
	var aliases []string

	appendDraft := func(sender, eventType string, content any) error {
		draft, err := s.newStateDraft(sender, eventType, events.EmptyStateKey(), content)
		if err != nil {
			return err
		}
		drafts = append(drafts, draft)
		return nil
	}

	if err := appendDraft(room.UserID, events.TypeCreate, events.CreateContent{
		Creator:  room.UserID,
		Federate: options.Federate,
	}); err != nil {
		return nil, nil, err
	}

	joinRule := events.JoinRuleInvite
	trusted := false
	switch options.EffectivePreset() {
	case PresetPublicChat:
		joinRule = events.JoinRulePublic
	case PresetPrivateChat:
	case PresetTrustedPrivateChat:
		trusted = true
	default:
		return nil, nil, apierror.BadJSON(fmt.Sprintf("Unknown preset %q.", options.Preset))
	}
	if err := appendDraft(room.UserID, events.TypeJoinRules, events.JoinRulesContent{JoinRule: joinRule}); err != nil {
		return nil, nil, err
	}

	if options.Name != nil {
		if err := appendDraft(room.UserID, events.TypeName, events.NameContent{Name: *options.Name}); err != nil {
			return nil, nil, err
		}
	}
	if options.Topic != nil {
		if err := appendDraft(room.UserID, events.TypeTopic, events.TopicContent{Topic: *options.Topic}); err != nil {
			return nil, nil, err
		}
	}

	historyVisibilitySet := false
	powerLevelsSet := false
	canonicalAliasSet := false

	for _, entry := range options.InitialState {
		payload, err := events.DecodeContent(entry.EventType, entry.Content)
		if err != nil {
			return nil, nil, apierror.BadJSON(fmt.Sprintf("Invalid content for %s in initial_state.", entry.EventType))
		}

		switch content := payload.(type) {
		case *events.CreateContent, *events.MemberContent:
			return nil, nil, apierror.BadJSON(
				"m.room.create and m.room.member are not supported by 'initial_state'",
			)
		case *events.AliasesContent:
			for _, alias := range content.Aliases {
				if !strings.HasSuffix(alias, ":"+s.serverName) {
					return nil, nil, apierror.Unimplemented("Federation is not yet supported")
				}
				aliases = append(aliases, alias)
			}
		case *events.CanonicalAliasContent:
			if !strings.HasSuffix(content.Alias, ":"+s.serverName) {
				return nil, nil, apierror.Unimplemented("Federation is not yet supported")
			}
			canonicalAliasSet = true
			if err := appendDraft(room.UserID, events.TypeCanonicalAlias, content); err != nil {
				return nil, nil, err
			}
		case *events.GuestAccessContent:
			return nil, nil, apierror.Unimplemented("Guests are not yet supported")
		case *events.ThirdPartyInviteContent:
			return nil, nil, apierror.Unimplemented("Third party invites are not yet supported")
		case *events.HistoryVisibilityContent:
			historyVisibilitySet = true
			if err := appendDraft(room.UserID, events.TypeHistoryVisibility, content); err != nil {
				return nil, nil, err
			}
		case *events.JoinRulesContent:
			if err := appendDraft(room.UserID, events.TypeJoinRules, content); err != nil {
				return nil, nil, err
			}
		case *events.NameContent:
			if options.Name != nil {
				continue
			}
			if err := appendDraft(room.UserID, events.TypeName, content); err != nil {
				return nil, nil, err
			}
		case *events.TopicContent:
			if options.Topic != nil {
				continue
			}
			if err := appendDraft(room.UserID, events.TypeTopic, content); err != nil {
				return nil, nil, err
			}
		case *events.AvatarContent:
			if err := appendDraft(room.UserID, events.TypeAvatar, content); err != nil {
				return nil, nil, err
			}
		case *events.PowerLevelsContent:
			powerLevelsSet = true
			if content.Users == nil {
				content.Users = map[string]int64{}
			}
			if content.Events == nil {
				content.Events = map[string]int64{}
			}
			content.Users[room.UserID] = 100
			if trusted {
				for _, invitee := range options.InviteList {
					content.Users[invitee] = 100
				}
			}
			if err := appendDraft(room.UserID, events.TypePowerLevels, content); err != nil {
				return nil, nil, err
			}
		default:
			return nil, nil, apierror.BadEvent(fmt.Sprintf(
				"Events of type %s are not supported by 'initial_state'.", entry.EventType,
			))
		}
	}

	if !historyVisibilitySet {
		if err := appendDraft(room.UserID, events.TypeHistoryVisibility, events.HistoryVisibilityContent{
			HistoryVisibility: "shared",
		}); err != nil {
			return nil, nil, err
		}
	}

	if !powerLevelsSet {
		levels := DefaultPowerLevels()
		levels.Users[room.UserID] = 100
		if trusted {
			for _, invitee := range options.InviteList {
				levels.Users[invitee] = 100
			}
		}
		if err := appendDraft(room.UserID, events.TypePowerLevels, levels); err != nil {
			return nil, nil, err
		}
	}

	if options.AliasName != nil {
		alias := aliasID(*options.AliasName, s.serverName)
		if !canonicalAliasSet {
			if err := appendDraft(room.UserID, events.TypeCanonicalAlias, events.CanonicalAliasContent{
				Alias: alias,
			}); err != nil {
				return nil, nil, err
			}
		}
		aliases = append(aliases, alias)
	}

	return drafts, aliases, nil
}

// Join makes the user a member of the room, subject to the join rules.
func (s *Service) Join(ctx context.Context, userID, roomID string) (RoomMembership, error) {
	return s.transition(ctx, userID, userID, roomID, events.MembershipJoin)
}

// Invite invites the target user, subject to invite power levels.
func (s *Service) Invite(ctx context.Context, senderID, roomID, targetID string) (RoomMembership, error) {
	return s.transition(ctx, senderID, targetID, roomID, events.MembershipInvite)
}

// Leave removes the user from the room.
func (s *Service) Leave(ctx context.Context, userID, roomID string) (RoomMembership, error) {
	return s.transition(ctx, userID, userID, roomID, events.MembershipLeave)
}

// transition performs a membership upsert: authorize against freshly
// projected state, synthesize the m.room.member event, append it and
// repoint the membership row, all in one transaction.
func (s *Service) transition(ctx context.Context, senderID, targetID, roomIdentifier, membership string) (RoomMembership, error) {
	var result RoomMembership

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		log := events.NewLog(tx)

		room, err := findRoom(tx, roomIdentifier)
		if err != nil {
			return err
		}
		if room == nil {
			return apierror.Unauthorized("The room was not found on this server")
		}

		target, err := findMembership(tx, room.ID, targetID)
		if err != nil {
			return err
		}

		switch membership {
		case events.MembershipJoin:
			rule, err := currentJoinRule(log, room.ID)
			if err != nil {
				return err
			}
			if err := authorizeJoin(*room, senderID, rule, target); err != nil {
				return err
			}
			if target != nil && target.Membership == events.MembershipJoin {
				result = *target
				return nil
			}
		case events.MembershipInvite:
			sender, err := findMembership(tx, room.ID, senderID)
			if err != nil {
				return err
			}
			levels, err := CurrentPowerLevels(log, room.ID)
			if err != nil {
				return err
			}
			noop, err := authorizeInvite(*room, senderID, levels, sender, target)
			if err != nil {
				return err
			}
			if noop {
				result = *target
				return nil
			}
		case events.MembershipLeave:
			noop, err := authorizeLeave(target)
			if err != nil {
				return err
			}
			if noop {
				result = *target
				return nil
			}
		default:
			return apierror.BadEvent(fmt.Sprintf("Unknown membership %q.", membership))
		}

		result, err = s.applyMembership(ctx, tx, log, *room, senderID, targetID, membership, target)
		return err
	})
	if txErr != nil {
		s.logDenied("membership transition failed", txErr,
			zap.String("room_id", roomIdentifier),
			zap.String("sender", senderID),
			zap.String("target", targetID),
			zap.String("membership", membership))
		return RoomMembership{}, txErr
	}

	return result, nil
}

// applyMembership appends the member event and creates or repoints the
// membership row. The row's membership value always matches the content of
// the event it points to.
func (s *Service) applyMembership(
	ctx context.Context,
	tx *gorm.DB,
	log *events.Log,
	room Room,
	senderID, targetID, membership string,
	existing *RoomMembership,
) (RoomMembership, error) {
	avatarURL, displayName, err := s.users.ProfileSnapshot(ctx, targetID)
	if err != nil {
		return RoomMembership{}, err
	}

	draft, err := s.newStateDraft(senderID, events.TypeMember, events.UserStateKey(targetID), events.MemberContent{
		AvatarURL:   avatarURL,
		DisplayName: displayName,
		Membership:  membership,
	})
	if err != nil {
		return RoomMembership{}, err
	}

	appended, err := log.Append(room.ID, []events.Draft{draft}, s.clock())
	if err != nil {
		return RoomMembership{}, err
	}
	event := appended[0]

	if existing == nil {
		row := RoomMembership{
			EventID:          event.ID,
			RoomID:           room.ID,
			UserID:           targetID,
			Sender:           senderID,
			Membership:       membership,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Create(&row).Error; err != nil {
			return RoomMembership{}, fmt.Errorf("rooms: inserting membership row: %w", err)
		}
		return row, nil
	}

	err = tx.Model(&RoomMembership{}).
		Where("event_id = ?", existing.EventID).
		Updates(map[string]any{
			"event_id":   event.ID,
			"membership": membership,
			"sender":     senderID,
		}).Error
	if err != nil {
		return RoomMembership{}, fmt.Errorf("rooms: repointing membership row: %w", err)
	}

	updated := *existing
	updated.EventID = event.ID
	updated.Membership = membership
	updated.Sender = senderID
	return updated, nil
}

// SendMessage appends a timeline event (message or custom type), gated by
// the sender's power level. Returns the new event's id.
func (s *Service) SendMessage(ctx context.Context, senderID, roomIdentifier, eventType string, content json.RawMessage) (string, error) {
	if events.IsStateType(eventType) {
		return "", apierror.BadEvent(fmt.Sprintf("Events of type %s cannot be created with this API.", eventType))
	}

	var id string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		log := events.NewLog(tx)

		room, _, err := s.requireJoinedMember(tx, roomIdentifier, senderID)
		if err != nil {
			return err
		}

		levels, err := CurrentPowerLevels(log, room.ID)
		if err != nil {
			return err
		}
		if err := authorizeSend(levels, senderID, eventType); err != nil {
			return err
		}

		draft, err := s.newDraft(senderID, eventType, nil, json.RawMessage(content))
		if err != nil {
			return err
		}
		appended, err := log.Append(room.ID, []events.Draft{draft}, s.clock())
		if err != nil {
			return err
		}
		id = appended[0].ID
		return nil
	})
	if txErr != nil {
		return "", txErr
	}
	return id, nil
}

// SendStateEvent appends a state event, gated by the sender's power level
// with the state_default fallback. Membership changes must go through the
// membership operations, not this API.
func (s *Service) SendStateEvent(ctx context.Context, senderID, roomIdentifier, eventType, stateKey string, content json.RawMessage) (string, error) {
	if eventType == events.TypeMember || eventType == events.TypeCreate {
		return "", apierror.BadEvent(fmt.Sprintf("Events of type %s cannot be created with this API.", eventType))
	}
	if eventType == events.TypeMessage {
		return "", apierror.BadEvent("Events of type m.room.message cannot be created with this API.")
	}
	if events.IsStateType(eventType) && eventType != events.TypeThirdPartyInvite && stateKey != "" {
		return "", apierror.BadEvent(fmt.Sprintf("Events of type %s must have an empty state key.", eventType))
	}

	var id string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		log := events.NewLog(tx)

		room, _, err := s.requireJoinedMember(tx, roomIdentifier, senderID)
		if err != nil {
			return err
		}

		levels, err := CurrentPowerLevels(log, room.ID)
		if err != nil {
			return err
		}
		if err := authorizeSendState(levels, senderID, eventType); err != nil {
			return err
		}

		key := stateKey
		draft, err := s.newDraft(senderID, eventType, &key, json.RawMessage(content))
		if err != nil {
			return err
		}
		appended, err := log.Append(room.ID, []events.Draft{draft}, s.clock())
		if err != nil {
			return err
		}
		id = appended[0].ID
		return nil
	})
	if txErr != nil {
		return "", txErr
	}
	return id, nil
}

// StateForUser returns the room state visible to the user: current state
// for joined members, state as of the departure event for users who left or
// were banned.
func (s *Service) StateForUser(ctx context.Context, userID, roomIdentifier string) ([]events.Event, error) {
	db := s.db.WithContext(ctx)
	log := events.NewLog(db)

	room, err := findRoom(db, roomIdentifier)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, apierror.Unauthorized("The room was not found on this server")
	}

	membership, err := findMembership(db, room.ID, userID)
	if err != nil {
		return nil, err
	}
	if membership == nil {
		return nil, apierror.Unauthorized("The user is not a member of the room")
	}

	return s.visibleState(log, room.ID, *membership)
}

// StateEventForUser returns a single visible state event by type and key.
func (s *Service) StateEventForUser(ctx context.Context, userID, roomIdentifier, eventType, stateKey string) (*events.Event, error) {
	list, err := s.StateForUser(ctx, userID, roomIdentifier)
	if err != nil {
		return nil, err
	}
	for _, event := range list {
		if event.EventType == eventType && event.StateKey != nil && *event.StateKey == stateKey {
			return &event, nil
		}
	}
	return nil, apierror.NotFound("The requested state event was not found")
}

// visibleState applies the point-in-time rule: a user who left sees state
// as of the moment they left, never the room's current state.
func (s *Service) visibleState(log *events.Log, roomID string, membership RoomMembership) ([]events.Event, error) {
	switch membership.Membership {
	case events.MembershipJoin:
		return log.FullState(roomID)
	case events.MembershipLeave, events.MembershipBan:
		departure, err := log.Find(membership.EventID)
		if err != nil {
			return nil, err
		}
		if departure == nil {
			return nil, apierror.Unknown(fmt.Errorf("rooms: membership row %s points at a missing event", membership.EventID))
		}
		return log.StateUntil(roomID, &departure.Ordering)
	default:
		return nil, apierror.Unauthorized("The user is not a member of the room")
	}
}

// RefreshMemberProfile re-emits m.room.member events for every room the
// user is joined to, so membership rows snapshot the new profile. Called
// after profile updates.
func (s *Service) RefreshMemberProfile(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		log := events.NewLog(tx)

		var memberships []RoomMembership
		err := tx.
			Where("user_id = ?", userID).
			Where("membership = ?", events.MembershipJoin).
			Find(&memberships).Error
		if err != nil {
			return fmt.Errorf("rooms: loading joined memberships for %s: %w", userID, err)
		}

		for i := range memberships {
			row := memberships[i]
			room, err := findRoom(tx, row.RoomID)
			if err != nil {
				return err
			}
			if room == nil {
				continue
			}
			if _, err := s.applyMembership(ctx, tx, log, *room, row.Sender, userID, row.Membership, &row); err != nil {
				return err
			}
		}
		return nil
	})
}

// FindRoom looks up a room by id.
func (s *Service) FindRoom(ctx context.Context, roomIdentifier string) (*Room, error) {
	return findRoom(s.db.WithContext(ctx), roomIdentifier)
}

// requireJoinedMember resolves the room and ensures the user currently
// holds join membership. Room absence and lack of visibility report the
// same error so room existence does not leak.
func (s *Service) requireJoinedMember(tx *gorm.DB, roomIdentifier, userID string) (*Room, *RoomMembership, error) {
	room, err := findRoom(tx, roomIdentifier)
	if err != nil {
		return nil, nil, err
	}
	if room == nil {
		return nil, nil, apierror.Unauthorized("The room was not found on this server")
	}
	membership, err := findMembership(tx, room.ID, userID)
	if err != nil {
		return nil, nil, err
	}
	if membership == nil || membership.Membership != events.MembershipJoin {
		return nil, nil, apierror.Unauthorized("The user is not a member of the room")
	}
	return room, membership, nil
}

func (s *Service) newStateDraft(sender, eventType string, stateKey *string, content any) (events.Draft, error) {
	encoded, err := events.EncodeContent(content)
	if err != nil {
		return events.Draft{}, err
	}
	return s.newDraft(sender, eventType, stateKey, json.RawMessage(encoded))
}

func (s *Service) newDraft(sender, eventType string, stateKey *string, content json.RawMessage) (events.Draft, error) {
	opaque, err := s.ids.NewID()
	if err != nil {
		return events.Draft{}, fmt.Errorf("rooms: generating event id: %w", err)
	}
	return events.Draft{
		ID:        eventID(opaque, s.serverName),
		Sender:    sender,
		EventType: eventType,
		StateKey:  stateKey,
		Content:   string(content),
	}, nil
}

func (s *Service) logDenied(message string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	s.logger.Warn(message, append(fields, zap.Error(err))...)
}

// MembershipsByUser returns the user's membership rows ordered by room id.
// The deterministic iteration order keeps sync cursor comparisons stable
// across repeated syncs with no new data.
func MembershipsByUser(db *gorm.DB, userID string) ([]RoomMembership, error) {
	var memberships []RoomMembership
	err := db.
		Where("user_id = ?", userID).
		Order("room_id ASC").
		Find(&memberships).Error
	if err != nil {
		return nil, fmt.Errorf("rooms: loading memberships for %s: %w", userID, err)
	}
	return memberships, nil
}

func findRoom(db *gorm.DB, roomIdentifier string) (*Room, error) {
	var room Room
	err := db.Where("id = ?", roomIdentifier).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rooms: finding room %s: %w", roomIdentifier, err)
	}
	return &room, nil
}

func findMembership(db *gorm.DB, roomID, userID string) (*RoomMembership, error) {
	var membership RoomMembership
	err := db.
		Where("room_id = ?", roomID).
		Where("user_id = ?", userID).
		Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rooms: finding membership %s/%s: %w", roomID, userID, err)
	}
	return &membership, nil
}
