package rooms

import (
	"github.com/hearthchat/hearth/internal/apierror"
	"github.com/hearthchat/hearth/internal/events"
)

// The authorization checks are synchronous and side-effect free: they read
// freshly projected state supplied by the caller and return an error with a
// human-readable reason when the action is not allowed. Callers run them
// inside the same transaction as the append they gate.

// authorizeJoin enforces the room's join rule. A ban blocks joining
// unconditionally; otherwise the creator may always join, a public room
// accepts anyone, and an invite-only room requires an existing invite.
// Re-joining after a leave follows the same rule as an initial join.
func authorizeJoin(room Room, senderID, joinRule string, existing *RoomMembership) error {
	if existing != nil && existing.Membership == events.MembershipBan {
		return apierror.Unauthorized("You are banned from this room")
	}
	if senderID == room.UserID {
		return nil
	}
	if joinRule == events.JoinRulePublic {
		return nil
	}
	if existing == nil || existing.Membership != events.MembershipInvite {
		return apierror.Unauthorized("You are not invited to this room")
	}
	return nil
}

// authorizeInvite enforces invite power levels and membership preconditions.
// The room creator bypasses the power-level check. The returned noop flag
// marks a re-invite of an already invited user, which succeeds without a
// new event.
func authorizeInvite(
	room Room,
	senderID string,
	levels events.PowerLevelsContent,
	senderRow *RoomMembership,
	inviteeRow *RoomMembership,
) (noop bool, err error) {
	if inviteeRow != nil {
		switch inviteeRow.Membership {
		case events.MembershipJoin:
			return false, apierror.Unauthorized("The invited user is already a member of the room")
		case events.MembershipBan:
			return false, apierror.Unauthorized("The invited user is banned from the room")
		case events.MembershipInvite:
			return true, nil
		}
	}
	if senderID == room.UserID {
		return false, nil
	}
	if senderRow == nil || senderRow.Membership != events.MembershipJoin {
		return false, apierror.Unauthorized("The sender is not currently in the room")
	}
	if levels.UserLevel(senderID) < levels.Invite {
		return false, apierror.Unauthorized("Insufficient power level to invite")
	}
	return false, nil
}

// authorizeLeave allows any current member (join or invite) to leave. The
// returned noop flag marks a repeated leave.
func authorizeLeave(existing *RoomMembership) (noop bool, err error) {
	if existing == nil {
		return false, apierror.Unauthorized("You are not in the room or uninvited")
	}
	switch existing.Membership {
	case events.MembershipBan:
		return false, apierror.Unauthorized("You are banned from this room")
	case events.MembershipLeave:
		return true, nil
	default:
		return false, nil
	}
}

// authorizeSend gates message and custom timeline events on the sender's
// effective power level against the event type's required level.
func authorizeSend(levels events.PowerLevelsContent, senderID, eventType string) error {
	if levels.UserLevel(senderID) < levels.EventLevel(eventType) {
		return apierror.Unauthorized("Insufficient power level to create this event.")
	}
	return nil
}

// authorizeSendState is the state-event variant: the fallback requirement is
// state_default rather than events_default.
func authorizeSendState(levels events.PowerLevelsContent, senderID, eventType string) error {
	required := levels.StateDefault
	if level, ok := levels.Events[eventType]; ok {
		required = level
	}
	if levels.UserLevel(senderID) < required {
		return apierror.Unauthorized("Insufficient power level to create this event.")
	}
	return nil
}
