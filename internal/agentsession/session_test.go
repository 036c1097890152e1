package agentsession

import (
	"context"
	"encoding/json"
	"testing"
)

func TestAllowAllAuth_RejectsEmptyToken(t *testing.T) {
	var auth AllowAllAuth
	if auth.Validate(context.Background(), "agent-1", "") {
		t.Fatal("empty token must be rejected")
	}
	if !auth.Validate(context.Background(), "agent-1", "any-token") {
		t.Fatal("non-empty token must be accepted")
	}
}

func TestFrameValidator_RejectsMissingRequiredFields(t *testing.T) {
	v, err := NewFrameValidator()
	if err != nil {
		t.Fatalf("NewFrameValidator: %v", err)
	}

	if err := v.Validate(FrameIdentify, json.RawMessage(`{"type":"identify"}`)); err == nil {
		t.Fatal("expected validation error for identify frame missing agent_id/token")
	}

	ok := json.RawMessage(`{"type":"identify","agent_id":"a1","token":"t1"}`)
	if err := v.Validate(FrameIdentify, ok); err != nil {
		t.Fatalf("expected valid identify frame to pass, got %v", err)
	}
}

func TestFrameValidator_RejectsUnknownFrameType(t *testing.T) {
	v, err := NewFrameValidator()
	if err != nil {
		t.Fatalf("NewFrameValidator: %v", err)
	}
	if err := v.Validate(FrameType("bogus"), json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for unknown frame type")
	}
}

func TestFrameValidator_RejectsMalformedJSON(t *testing.T) {
	v, err := NewFrameValidator()
	if err != nil {
		t.Fatalf("NewFrameValidator: %v", err)
	}
	if err := v.Validate(FramePing, json.RawMessage(`{not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestNewSession_AppliesDefaultTunablesWhenUnset(t *testing.T) {
	s := newSession(Config{})
	if s.violationLimit != defaultViolationLimit {
		t.Fatalf("violationLimit = %d, want default %d", s.violationLimit, defaultViolationLimit)
	}
	if s.violationWindowMs != defaultViolationWindowMs {
		t.Fatalf("violationWindowMs = %d, want default %d", s.violationWindowMs, defaultViolationWindowMs)
	}
	if len(s.backoffLadderMs) != len(defaultBackoffLadderMs) {
		t.Fatalf("backoffLadderMs = %v, want %v", s.backoffLadderMs, defaultBackoffLadderMs)
	}
}

func TestNewSession_HonorsConfiguredTunables(t *testing.T) {
	s := newSession(Config{
		ViolationLimit:    3,
		ViolationWindowMs: 5_000,
		BackoffLadderMs:   []int64{1_000, 2_000},
	})
	if s.violationLimit != 3 {
		t.Fatalf("violationLimit = %d, want 3", s.violationLimit)
	}
	if s.violationWindowMs != 5_000 {
		t.Fatalf("violationWindowMs = %d, want 5000", s.violationWindowMs)
	}
	if len(s.backoffLadderMs) != 2 || s.backoffLadderMs[0] != 1_000 || s.backoffLadderMs[1] != 2_000 {
		t.Fatalf("backoffLadderMs = %v, want [1000 2000]", s.backoffLadderMs)
	}
}

func TestSession_BackoffDurationMsWalksLadderThenHolds(t *testing.T) {
	s := newSession(Config{BackoffLadderMs: []int64{1_000, 2_000, 3_000}})

	cases := []struct {
		priorOffenses int
		want          int64
	}{
		{0, 1_000},
		{1, 2_000},
		{2, 3_000},
		{3, 3_000},
		{100, 3_000},
	}
	for _, c := range cases {
		if got := s.backoffDurationMs(c.priorOffenses); got != c.want {
			t.Errorf("backoffDurationMs(%d) = %d, want %d", c.priorOffenses, got, c.want)
		}
	}
}

func TestSession_RecordViolationClosesAfterLimitWithoutStoreOrConn(t *testing.T) {
	// recordViolation's close path only touches s.store and s.conn when
	// non-nil, so a bare session (no store, no live websocket) exercises
	// the violation-counting logic without a real connection.
	s := newSession(Config{ViolationLimit: 2, ViolationWindowMs: 60_000})
	s.agentID = "agent-under-test"

	ctx := context.Background()
	s.recordViolation(ctx, "malformed_json")
	if len(s.violationTimes) != 1 {
		t.Fatalf("violationTimes = %d, want 1", len(s.violationTimes))
	}
	if len(s.violationTimes) >= s.violationLimit {
		t.Fatal("should not have hit the limit yet")
	}
}
