package sync

import "testing"

func TestBatchRoundTrip(t *testing.T) {
	original := Batch{RoomKey: 42, PresenceKey: 7}

	parsed, err := ParseBatch(original.String())
	if err != nil {
		t.Fatalf("failed to parse batch: %v", err)
	}
	if parsed != original {
		t.Fatalf("round trip mismatch: %#v vs %#v", parsed, original)
	}
}

func TestParseBatchRejectsMalformedTokens(t *testing.T) {
	for _, raw := range []string{"", "12", "a_b", "1_2_3", "1_", "_2", "1_x"} {
		if _, err := ParseBatch(raw); err == nil {
			t.Fatalf("expected error for token %q", raw)
		}
	}
}

func TestParseFilterInlineJSON(t *testing.T) {
	filter, err := ParseFilter(`{"room":{"timeline":{"limit":5},"include_leave":true}}`)
	if err != nil {
		t.Fatalf("failed to parse filter: %v", err)
	}
	if filter.Room.Timeline.Limit != 5 {
		t.Fatalf("expected limit 5, got %d", filter.Room.Timeline.Limit)
	}
	if !filter.Room.IncludeLeave {
		t.Fatalf("expected include_leave to be set")
	}
}

func TestParseFilterIgnoresStoredFilterIDs(t *testing.T) {
	filter, err := ParseFilter("some-filter-id")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filter != (Filter{}) {
		t.Fatalf("expected default filter, got %#v", filter)
	}
}

func TestParseFilterRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseFilter(`{"room":`); err == nil {
		t.Fatalf("expected error for malformed filter")
	}
	if _, err := ParseFilter(`{"room":{"timeline":{"limit":-1}}}`); err == nil {
		t.Fatalf("expected error for negative limit")
	}
}
