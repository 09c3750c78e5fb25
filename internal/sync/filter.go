package sync

import (
	"encoding/json"
	"strings"

	"github.com/hearthchat/hearth/internal/apierror"
)

// Filter narrows a sync response. Only the room timeline limit and the
// include_leave switch are honored.
type Filter struct {
	Room RoomFilter `json:"room"`
}

// RoomFilter holds the room portion of a filter.
type RoomFilter struct {
	Timeline     TimelineFilter `json:"timeline"`
	IncludeLeave bool           `json:"include_leave"`
}

// TimelineFilter bounds the number of timeline events per room. A zero
// limit means unlimited.
type TimelineFilter struct {
	Limit int `json:"limit"`
}

// ParseFilter decodes the filter query parameter. Inline JSON filters are
// parsed; stored filter ids are not supported and fall back to the default
// filter.
func ParseFilter(raw string) (Filter, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || !strings.HasPrefix(trimmed, "{") {
		return Filter{}, nil
	}

	var filter Filter
	if err := json.Unmarshal([]byte(trimmed), &filter); err != nil {
		return Filter{}, apierror.InvalidParam("filter", "'filter' parameter was invalid: malformed filter definition.")
	}
	if filter.Room.Timeline.Limit < 0 {
		return Filter{}, apierror.InvalidParam("filter", "'filter' parameter was invalid: negative timeline limit.")
	}
	return filter, nil
}
