// Package api is the matcher's HTTP surface: health, metrics and the
// authenticated matchmaking endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/whisper/chat-matcher/internal/auth"
	"github.com/whisper/chat-matcher/internal/matching"
	"github.com/whisper/chat-matcher/internal/metrics"
	"github.com/whisper/chat-matcher/internal/profile"
	"github.com/whisper/chat-matcher/internal/quota"
	"github.com/whisper/chat-matcher/internal/session"
)

const userIDKey = "userID"

// MatchService is the part of matching.Service the API calls.
type MatchService interface {
	EnqueueMatchRequest(ctx context.Context, userID string, opts matching.EnqueueOptions) (matching.EnqueueResult, error)
	LeaveQueue(ctx context.Context, userID string) (matching.LeaveResult, error)
	EndSession(ctx context.Context, sessionID, userID string) error
	ConvertToFriendChat(ctx context.Context, sessionID, userID string) error
	Usage(ctx context.Context, userID string) (matching.Usage, error)
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// MatchRequest is the optional body of POST /api/v1/queue.
type MatchRequest struct {
	GenderFilter  *string `json:"gender_filter"`
	AllowFallback *bool   `json:"allow_fallback"`
}

// EnqueueResponse reports an accepted match request.
type EnqueueResponse struct {
	Accepted      bool `json:"accepted"`
	AlreadyQueued bool `json:"already_queued"`
}

// QuotaResponse is today's match usage.
type QuotaResponse struct {
	Used      int  `json:"used"`
	Limit     int  `json:"limit"`
	Remaining int  `json:"remaining"`
	IsPremium bool `json:"is_premium"`
}

// Handler serves the API routes.
type Handler struct {
	svc    MatchService
	secret []byte
}

// NewHandler creates a handler verifying tokens with secret.
func NewHandler(svc MatchService, secret []byte) *Handler {
	return &Handler{svc: svc, secret: secret}
}

// Router builds the gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/api/v1", AuthMiddleware(h.secret))
	{
		v1.POST("/queue", h.Enqueue)
		v1.DELETE("/queue", h.Leave)
		v1.POST("/sessions/:id/end", h.EndSession)
		v1.POST("/sessions/:id/convert", h.Convert)
		v1.GET("/quota", h.Quota)
	}
	return r
}

// AuthMiddleware checks the bearer token and stores its subject as the
// caller's user id.
func AuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Code:    "NO_AUTH_HEADER",
				Message: "authorization required",
			})
			return
		}
		userID, err := auth.ParseToken(secret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Code:    "INVALID_TOKEN",
				Message: "invalid or expired token",
			})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// Enqueue handles POST /api/v1/queue.
func (h *Handler) Enqueue(c *gin.Context) {
	var req MatchRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Code:    "VALIDATION_ERROR",
				Message: "malformed request body",
				Details: err.Error(),
			})
			return
		}
	}

	opts := matching.EnqueueOptions{AllowFallback: req.AllowFallback, Source: matching.SourceAPI}
	if req.GenderFilter != nil {
		g := profile.Gender(*req.GenderFilter)
		opts.GenderFilter = &g
	}

	res, err := h.svc.EnqueueMatchRequest(c.Request.Context(), c.GetString(userIDKey), opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, EnqueueResponse{
		Accepted:      res.Accepted,
		AlreadyQueued: res.Reason == matching.ReasonAlreadyQueued,
	})
}

// Leave handles DELETE /api/v1/queue.
func (h *Handler) Leave(c *gin.Context) {
	res, err := h.svc.LeaveQueue(c.Request.Context(), c.GetString(userIDKey))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": res.Removed})
}

// EndSession handles POST /api/v1/sessions/:id/end.
func (h *Handler) EndSession(c *gin.Context) {
	if err := h.svc.EndSession(c.Request.Context(), c.Param("id"), c.GetString(userIDKey)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Convert handles POST /api/v1/sessions/:id/convert.
func (h *Handler) Convert(c *gin.Context) {
	if err := h.svc.ConvertToFriendChat(c.Request.Context(), c.Param("id"), c.GetString(userIDKey)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Quota handles GET /api/v1/quota.
func (h *Handler) Quota(c *gin.Context) {
	u, err := h.svc.Usage(c.Request.Context(), c.GetString(userIDKey))
	if err != nil {
		writeError(c, err)
		return
	}
	remaining := -1
	if u.Limit != quota.Unlimited {
		remaining = max(u.Limit-u.Used, 0)
	}
	c.JSON(http.StatusOK, QuotaResponse{
		Used:      u.Used,
		Limit:     u.Limit,
		Remaining: remaining,
		IsPremium: u.IsPremium,
	})
}

func writeError(c *gin.Context, err error) {
	code := matching.ErrorCode(err)
	resp := ErrorResponse{Code: code, Message: strings.ReplaceAll(code, "_", " ")}

	var exceeded *quota.ExceededError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &exceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    code,
			"message": "daily match limit reached",
			"limit":   exceeded.Limit,
		})
		return
	case errors.Is(err, matching.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, profile.ErrNotFound), errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrNotParticipant):
		status = http.StatusForbidden
	case errors.Is(err, session.ErrNotRandom), errors.Is(err, session.ErrEnded):
		status = http.StatusConflict
	case errors.Is(err, matching.ErrTransient):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}
