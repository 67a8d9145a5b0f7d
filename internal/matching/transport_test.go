package matching

import (
	"context"
	"testing"

	"github.com/whisper/chat-matcher/internal/notify"
	"github.com/whisper/chat-matcher/internal/profile"
	"github.com/whisper/chat-matcher/internal/quota"
)

func TestHandleMatchRequest(t *testing.T) {
	f := newServiceFixture(t, quota.Limits{Free: 1, Premium: 1})
	ctx := context.Background()
	f.user("U", profile.GenderMale)

	r := f.svc.handleMatchRequest([]byte(`{"user_id":"U","gender_filter":"female"}`))
	if !r.OK || !r.Accepted || r.Code != "" {
		t.Fatalf("first request = %+v", r)
	}
	snap, _ := f.queue.Snapshot(ctx)
	if len(snap) != 1 || snap[0].Source != SourceGateway {
		t.Fatalf("queue = %+v, want one gateway entry", snap)
	}

	if r := f.svc.handleLeave([]byte(`{"user_id":"U"}`)); !r.OK || !r.Removed {
		t.Fatalf("leave = %+v", r)
	}

	r = f.svc.handleMatchRequest([]byte(`{"user_id":"U"}`))
	want := Reply{Code: CodeQuotaExceeded, Reason: ReasonQuotaExceeded, Limit: 1}
	if r != want {
		t.Errorf("over quota = %+v, want %+v", r, want)
	}
}

func TestHandleMatchRequest_Errors(t *testing.T) {
	f := newServiceFixture(t, defaultLimits)
	f.user("U", profile.GenderMale)

	tests := []struct {
		name    string
		payload string
		code    string
	}{
		{"malformed", `{"user_id":`, CodeInvalidRequest},
		{"missing user", `{}`, CodeInvalidRequest},
		{"bad gender", `{"user_id":"U","gender_filter":"robot"}`, CodeInvalidRequest},
		{"unknown user", `{"user_id":"ghost"}`, CodeUnknownUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := f.svc.handleMatchRequest([]byte(tt.payload))
			if r.OK || r.Code != tt.code {
				t.Errorf("reply = %+v, want code %s", r, tt.code)
			}
		})
	}
}

func TestHandleEndAndDisconnect(t *testing.T) {
	f := newServiceFixture(t, defaultLimits)
	ctx := context.Background()
	f.user("A", profile.GenderMale)
	f.user("B", profile.GenderFemale)
	f.mustEnqueue(t, "A")
	f.mustEnqueue(t, "B")
	f.engine.ScanOnce(ctx)
	id := f.rec.For("A", notify.TypeMatched)[0].SessionID

	if r := f.svc.handleEnd([]byte(`{"session_id":"` + id + `","user_id":"X"}`)); r.Code != CodeNotParticipant {
		t.Errorf("non-participant end = %+v", r)
	}
	if r := f.svc.handleEnd([]byte(`{"session_id":"nope","user_id":"A"}`)); r.Code != CodeNotFound {
		t.Errorf("missing session end = %+v", r)
	}
	if r := f.svc.handleEnd([]byte(`not json`)); r.Code != CodeInvalidRequest {
		t.Errorf("malformed end = %+v", r)
	}

	if r := f.svc.handleDisconnect([]byte(`{"user_id":"A"}`)); !r.OK {
		t.Fatalf("disconnect = %+v", r)
	}
	if n := len(f.rec.For("B", notify.TypeSessionEnded)); n != 1 {
		t.Errorf("B notified %d times", n)
	}
	if r := f.svc.handleDisconnect([]byte(`[`)); r.Code != CodeInvalidRequest {
		t.Errorf("malformed disconnect = %+v", r)
	}
}
