package sync

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestIdempotencyKey_Deterministic(t *testing.T) {
	// Given: The same source and entry ID
	a := IdempotencyKey("device-1", 42)
	b := IdempotencyKey("device-1", 42)

	// Then: The key is stable across calls
	if a != b {
		t.Errorf("expected identical keys, got %q and %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestIdempotencyKey_DistinctInputs(t *testing.T) {
	// Given: Keys that could collide under naive concatenation
	a := IdempotencyKey("device-1", 23)
	b := IdempotencyKey("device-12", 3)
	c := IdempotencyKey("device-1", 24)

	// Then: All keys differ
	if a == b || a == c || b == c {
		t.Errorf("expected distinct keys, got %q %q %q", a, b, c)
	}
}

func TestPullResponse_MarshalEmptyRecords(t *testing.T) {
	// Given: A response with no records
	resp := PullResponse{NextCursor: "7", HasMore: false}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	// Then: records is [] not null
	if strings.Contains(string(data), `"records":null`) {
		t.Errorf("expected empty array, got %s", data)
	}
	if !strings.Contains(string(data), `"records":[]`) {
		t.Errorf("expected records key with empty array, got %s", data)
	}
}
