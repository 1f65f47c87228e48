package review

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for reviewers.
type Handler struct {
	queue Queue
	hub   *Hub
}

// NewHandler creates a review handler. hub may be nil.
func NewHandler(queue Queue, hub *Hub) *Handler {
	return &Handler{queue: queue, hub: hub}
}

// RegisterRoutes sets up review routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reviews", h.ListPending)
	r.GET("/reviews/:id", h.GetHandoff)
	r.POST("/reviews/:id/resolve", h.Resolve)
	if h.hub != nil {
		r.GET("/reviews/ws", func(c *gin.Context) { h.hub.HandleWebSocket(c.Writer, c.Request) })
	}
}

// ResolveRequest is the body of POST /reviews/:id/resolve.
type ResolveRequest struct {
	Approve  *bool  `json:"approve" binding:"required"`
	Reviewer string `json:"reviewer" binding:"required"`
	Note     string `json:"note"`
}

// ListPending handles GET /v1/reviews
func (h *Handler) ListPending(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	list, err := h.queue.Pending(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"handoffs": list, "count": len(list)})
}

// GetHandoff handles GET /v1/reviews/:id
func (h *Handler) GetHandoff(c *gin.Context) {
	ho, err := h.queue.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Handoff not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"handoff": ho})
}

// Resolve handles POST /v1/reviews/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	ho, err := h.queue.Resolve(c.Request.Context(), c.Param("id"), *req.Approve, req.Reviewer, req.Note)
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Handoff not found"})
		return
	case errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved", "message": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"handoff": ho})
}
