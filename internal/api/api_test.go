package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/whisper/chat-matcher/internal/auth"
	"github.com/whisper/chat-matcher/internal/matching"
	"github.com/whisper/chat-matcher/internal/profile"
	"github.com/whisper/chat-matcher/internal/quota"
	"github.com/whisper/chat-matcher/internal/session"
)

var testSecret = []byte("api-test-secret")

type mockService struct {
	mock.Mock
}

func (m *mockService) EnqueueMatchRequest(ctx context.Context, userID string, opts matching.EnqueueOptions) (matching.EnqueueResult, error) {
	args := m.Called(ctx, userID, opts)
	return args.Get(0).(matching.EnqueueResult), args.Error(1)
}

func (m *mockService) LeaveQueue(ctx context.Context, userID string) (matching.LeaveResult, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(matching.LeaveResult), args.Error(1)
}

func (m *mockService) EndSession(ctx context.Context, sessionID, userID string) error {
	return m.Called(ctx, sessionID, userID).Error(0)
}

func (m *mockService) ConvertToFriendChat(ctx context.Context, sessionID, userID string) error {
	return m.Called(ctx, sessionID, userID).Error(0)
}

func (m *mockService) Usage(ctx context.Context, userID string) (matching.Usage, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(matching.Usage), args.Error(1)
}

func init() {
	gin.SetMode(gin.TestMode)
}

func do(t *testing.T, svc MatchService, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if userID != "" {
		token, err := auth.IssueToken(testSecret, userID, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	NewHandler(svc, testSecret).Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	w := do(t, new(mockService), http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	svc := new(mockService)
	w := do(t, svc, http.MethodPost, "/api/v1/queue", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "NO_AUTH_HEADER", decodeBody(t, w)["code"])

	req := httptest.NewRequest(http.MethodPost, "/api/v1/queue", nil)
	req.Header.Set("Authorization", "Bearer forged")
	w = httptest.NewRecorder()
	NewHandler(svc, testSecret).Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", decodeBody(t, w)["code"])

	svc.AssertNotCalled(t, "EnqueueMatchRequest", mock.Anything, mock.Anything, mock.Anything)
}

func TestEnqueue(t *testing.T) {
	svc := new(mockService)
	female := profile.GenderFemale
	noFallback := false
	svc.On("EnqueueMatchRequest", mock.Anything, "u1", matching.EnqueueOptions{
		GenderFilter:  &female,
		AllowFallback: &noFallback,
		Source:        matching.SourceAPI,
	}).Return(matching.EnqueueResult{Accepted: true}, nil)

	w := do(t, svc, http.MethodPost, "/api/v1/queue", "u1", `{"gender_filter":"female","allow_fallback":false}`)

	assert.Equal(t, http.StatusAccepted, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, false, body["already_queued"])
	svc.AssertExpectations(t)
}

func TestEnqueue_NoBody(t *testing.T) {
	svc := new(mockService)
	svc.On("EnqueueMatchRequest", mock.Anything, "u1", matching.EnqueueOptions{Source: matching.SourceAPI}).
		Return(matching.EnqueueResult{Accepted: true, Reason: matching.ReasonAlreadyQueued}, nil)

	w := do(t, svc, http.MethodPost, "/api/v1/queue", "u1", "")

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["already_queued"])
}

func TestEnqueue_BadJSON(t *testing.T) {
	w := do(t, new(mockService), http.MethodPost, "/api/v1/queue", "u1", `{"gender_filter":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeBody(t, w)["code"])
}

func TestEnqueue_QuotaExceeded(t *testing.T) {
	svc := new(mockService)
	svc.On("EnqueueMatchRequest", mock.Anything, "u1", mock.Anything).
		Return(matching.EnqueueResult{Reason: matching.ReasonQuotaExceeded, Limit: 20},
			&quota.ExceededError{Counter: quota.CounterMatches, Limit: 20, Used: 20})

	w := do(t, svc, http.MethodPost, "/api/v1/queue", "u1", "")

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, matching.CodeQuotaExceeded, body["code"])
	assert.EqualValues(t, 20, body["limit"])
}

func TestErrorStatuses(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", session.ErrNotFound, http.StatusNotFound, matching.CodeNotFound},
		{"not participant", session.ErrNotParticipant, http.StatusForbidden, matching.CodeNotParticipant},
		{"not random", session.ErrNotRandom, http.StatusConflict, matching.CodeNotRandom},
		{"transient", matching.ErrTransient, http.StatusServiceUnavailable, matching.CodeTryAgain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(mockService)
			svc.On("EndSession", mock.Anything, "s1", "u1").Return(tt.err)

			w := do(t, svc, http.MethodPost, "/api/v1/sessions/s1/end", "u1", "")

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decodeBody(t, w)["code"])
		})
	}
}

func TestEndAndConvert(t *testing.T) {
	svc := new(mockService)
	svc.On("EndSession", mock.Anything, "s1", "u1").Return(nil)
	svc.On("ConvertToFriendChat", mock.Anything, "s2", "u1").Return(nil)

	assert.Equal(t, http.StatusNoContent, do(t, svc, http.MethodPost, "/api/v1/sessions/s1/end", "u1", "").Code)
	assert.Equal(t, http.StatusNoContent, do(t, svc, http.MethodPost, "/api/v1/sessions/s2/convert", "u1", "").Code)
	svc.AssertExpectations(t)
}

func TestLeave(t *testing.T) {
	svc := new(mockService)
	svc.On("LeaveQueue", mock.Anything, "u1").Return(matching.LeaveResult{Removed: true}, nil)

	w := do(t, svc, http.MethodDelete, "/api/v1/queue", "u1", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["removed"])
}

func TestQuota(t *testing.T) {
	svc := new(mockService)
	svc.On("Usage", mock.Anything, "u1").Return(matching.Usage{Used: 25, Limit: 20}, nil).Once()
	svc.On("Usage", mock.Anything, "p1").Return(matching.Usage{Used: 3, Limit: quota.Unlimited, IsPremium: true}, nil).Once()

	body := decodeBody(t, do(t, svc, http.MethodGet, "/api/v1/quota", "u1", ""))
	assert.EqualValues(t, 0, body["remaining"])

	body = decodeBody(t, do(t, svc, http.MethodGet, "/api/v1/quota", "p1", ""))
	assert.EqualValues(t, -1, body["remaining"])
	assert.Equal(t, true, body["is_premium"])
}
