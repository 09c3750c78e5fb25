// Package sync implements incremental client synchronization: given a
// cursor, it computes which room events, state and presence updates the
// user has not yet seen.
package sync

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hearthchat/hearth/internal/apierror"
)

// Batch is the opaque sync cursor handed to clients. It packs the highest
// room event ordering and the highest presence ordering the client has
// observed.
type Batch struct {
	RoomKey     int64
	PresenceKey int64
}

// String renders the cursor in its wire form.
func (b Batch) String() string {
	return fmt.Sprintf("%d_%d", b.RoomKey, b.PresenceKey)
}

// ParseBatch decodes a wire cursor. Anything other than two underscore
// separated integers is rejected.
func ParseBatch(raw string) (Batch, error) {
	parts := strings.Split(raw, "_")
	if len(parts) != 2 {
		return Batch{}, apierror.InvalidParam("since", "'since' parameter was invalid: unparseable batch token.")
	}

	roomKey, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Batch{}, apierror.InvalidParam("since", "'since' parameter was invalid: unparseable batch token.")
	}
	presenceKey, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Batch{}, apierror.InvalidParam("since", "'since' parameter was invalid: unparseable batch token.")
	}

	return Batch{RoomKey: roomKey, PresenceKey: presenceKey}, nil
}
