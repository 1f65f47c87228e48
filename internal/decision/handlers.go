package decision

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentspend/internal/audit"
)

// TrailReader loads and verifies a request's audit trail.
type TrailReader interface {
	VerifyTrail(ctx context.Context, requestID string) ([]*audit.Entry, error)
}

// Handler provides HTTP endpoints for spend decisions.
type Handler struct {
	engine *Engine
	trails TrailReader
	now    func() time.Time
}

// NewHandler creates a new decision handler.
func NewHandler(engine *Engine, trails TrailReader) *Handler {
	return &Handler{engine: engine, trails: trails, now: time.Now}
}

// WithClock overrides the clock used to stamp submissions.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// RegisterRoutes sets up decision routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/decisions", h.Decide)
	r.GET("/decisions/:id/audit", h.GetAuditTrail)
}

// StatusFor maps an outcome onto an HTTP status.
func StatusFor(o Outcome) int {
	switch o {
	case OutcomeApprove:
		return http.StatusOK
	case OutcomeEscalate, OutcomeQuarantine:
		return http.StatusAccepted
	case OutcomeReject:
		return http.StatusForbidden
	default:
		return http.StatusBadGateway
	}
}

// Decide handles POST /v1/decisions
func (h *Handler) Decide(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	// the server clock is authoritative; time windows and rate counts key off it
	req.SubmittedAt = h.now().UTC()

	res := h.engine.Process(c.Request.Context(), &req)
	c.JSON(StatusFor(res.Decision.Outcome), res)
}

// GetAuditTrail handles GET /v1/decisions/:id/audit
func (h *Handler) GetAuditTrail(c *gin.Context) {
	entries, err := h.trails.VerifyTrail(c.Request.Context(), c.Param("id"))

	var verr *audit.VerifyError
	switch {
	case errors.Is(err, audit.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No audit trail for request",
		})
	case errors.As(err, &verr):
		c.JSON(http.StatusConflict, gin.H{
			"requestId": c.Param("id"),
			"entries":   entries,
			"count":     len(entries),
			"verified":  false,
			"error":     verr.Error(),
		})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusOK, gin.H{
			"requestId": c.Param("id"),
			"entries":   entries,
			"count":     len(entries),
			"verified":  true,
		})
	}
}
