package rooms

import (
	"encoding/json"

	"github.com/hearthchat/hearth/internal/apierror"
	"github.com/hearthchat/hearth/internal/events"
)

// DefaultPowerLevels are the levels a room has before any
// m.room.power_levels event exists.
func DefaultPowerLevels() events.PowerLevelsContent {
	return events.PowerLevelsContent{
		Ban:           50,
		Events:        map[string]int64{},
		EventsDefault: 0,
		Invite:        50,
		Kick:          50,
		Redact:        50,
		StateDefault:  0,
		Users:         map[string]int64{},
		UsersDefault:  0,
	}
}

// CurrentPowerLevels projects the room's power levels from the latest
// m.room.power_levels event, falling back to the defaults.
func CurrentPowerLevels(log *events.Log, roomID string) (events.PowerLevelsContent, error) {
	event, err := log.LatestState(roomID, events.TypePowerLevels)
	if err != nil {
		return events.PowerLevelsContent{}, err
	}
	if event == nil {
		return DefaultPowerLevels(), nil
	}

	var levels events.PowerLevelsContent
	if err := json.Unmarshal([]byte(event.Content), &levels); err != nil {
		return events.PowerLevelsContent{}, apierror.Unknown(err)
	}
	if levels.Events == nil {
		levels.Events = map[string]int64{}
	}
	if levels.Users == nil {
		levels.Users = map[string]int64{}
	}
	return levels, nil
}

// currentJoinRule resolves the room's join rule from the latest
// m.room.join_rules event. Rooms always carry one from creation time.
func currentJoinRule(log *events.Log, roomID string) (string, error) {
	event, err := log.LatestState(roomID, events.TypeJoinRules)
	if err != nil {
		return "", err
	}
	if event == nil {
		return "", apierror.NotFound("The room has no join rules event.")
	}

	var content events.JoinRulesContent
	if err := json.Unmarshal([]byte(event.Content), &content); err != nil {
		return "", apierror.Unknown(err)
	}
	return content.JoinRule, nil
}
