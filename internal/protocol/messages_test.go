package protocol

import (
	"encoding/json"
	"testing"

	"github.com/whisper/chat-matcher/internal/notify"
)

// ---------------------------------------------------------------------------
// Test: Parsing a find_match message with overrides
// ---------------------------------------------------------------------------

func TestParseClientMessage_FindMatch(t *testing.T) {
	input := []byte(`{"type":"find_match","gender_filter":"female","allow_fallback":false}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeFindMatch {
		t.Fatalf("expected type %q, got %q", TypeFindMatch, msgType)
	}

	fm, ok := msg.(FindMatchMsg)
	if !ok {
		t.Fatalf("expected FindMatchMsg, got %T", msg)
	}
	if fm.GenderFilter == nil || *fm.GenderFilter != "female" {
		t.Errorf("gender_filter = %v", fm.GenderFilter)
	}
	if fm.AllowFallback == nil || *fm.AllowFallback {
		t.Errorf("allow_fallback = %v", fm.AllowFallback)
	}
}

func TestParseClientMessage_FindMatchDefaults(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"find_match"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fm := msg.(FindMatchMsg)
	if fm.GenderFilter != nil || fm.AllowFallback != nil {
		t.Errorf("expected nil overrides, got %+v", fm)
	}
}

// ---------------------------------------------------------------------------
// Test: end_session requires a session id
// ---------------------------------------------------------------------------

func TestParseClientMessage_EndSession(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"end_session","session_id":"s-1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if es := msg.(EndSessionMsg); es.SessionID != "s-1" {
		t.Errorf("session_id = %q", es.SessionID)
	}

	if _, _, err := ParseClientMessage([]byte(`{"type":"end_session"}`)); err == nil {
		t.Error("expected error for missing session_id")
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a match_found server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_MatchFound(t *testing.T) {
	data, err := NewServerMessage(TypeMatchFound, MatchFoundMsg{SessionID: "s-1", PartnerID: "u-2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if m["type"] != TypeMatchFound {
		t.Errorf("type = %v", m["type"])
	}
	if m["session_id"] != "s-1" || m["partner_id"] != "u-2" {
		t.Errorf("payload = %v", m)
	}
}

// ---------------------------------------------------------------------------
// Test: Notification events map to client messages
// ---------------------------------------------------------------------------

func TestFromEvent(t *testing.T) {
	tests := []struct {
		ev   notify.Event
		typ  string
		key  string
		want interface{}
	}{
		{notify.Event{Type: notify.TypeMatched, SessionID: "s", PartnerID: "p"}, TypeMatchFound, "partner_id", "p"},
		{notify.Event{Type: notify.TypeWaiting, WaitedSeconds: 60}, TypeMatchWaiting, "waited_seconds", float64(60)},
		{notify.Event{Type: notify.TypeSessionEnded, SessionID: "s", Reason: "partner_ended"}, TypeSessionEnded, "reason", "partner_ended"},
	}
	for _, tt := range tests {
		data, err := FromEvent(tt.ev)
		if err != nil {
			t.Fatalf("FromEvent(%s): %v", tt.ev.Type, err)
		}
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if m["type"] != tt.typ || m[tt.key] != tt.want {
			t.Errorf("FromEvent(%s) = %v", tt.ev.Type, m)
		}
	}

	if _, err := FromEvent(notify.Event{Type: "bogus"}); err == nil {
		t.Error("expected error for unknown event")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	for _, input := range []string{
		`{"type":"unknown_type"}`,
		`{"type":"match_found","session_id":"s"}`,
	} {
		if _, _, err := ParseClientMessage([]byte(input)); err == nil {
			t.Errorf("expected error for %s", input)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{"session_id":"x"}`), &env); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	inputs := map[string]string{
		TypeFindMatch:  `{"type":"find_match"}`,
		TypeLeaveQueue: `{"type":"leave_queue"}`,
		TypeEndSession: `{"type":"end_session","session_id":"s"}`,
		TypePing:       `{"type":"ping"}`,
	}
	for want, input := range inputs {
		got, _, err := ParseClientMessage([]byte(input))
		if err != nil {
			t.Errorf("%s: unexpected error: %v", want, err)
			continue
		}
		if got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
}
