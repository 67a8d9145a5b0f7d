package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_ExposesCollectors(t *testing.T) {
	MatchesTotal.WithLabelValues("exact").Inc()
	SessionsEnded.WithLabelValues("partner_ended").Inc()
	EnqueueTotal.WithLabelValues("accepted").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"matcher_queue_size",
		"matcher_engine_state",
		`matcher_matches_total{kind="exact"}`,
		`matcher_sessions_ended_total{reason="partner_ended"}`,
		`matcher_enqueue_total{result="accepted"}`,
		"gateway_connections",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
