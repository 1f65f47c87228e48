package budget

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentspend/internal/validation"
)

// LimitsFunc resolves the ceilings in force for a key.
type LimitsFunc func(ctx context.Context, key Key) (Limits, error)

// Handler provides HTTP endpoints for budget inspection.
type Handler struct {
	ledger *Ledger
	limits LimitsFunc
}

// NewHandler creates a new budget handler.
func NewHandler(ledger *Ledger, limits LimitsFunc) *Handler {
	return &Handler{ledger: ledger, limits: limits}
}

// RegisterRoutes sets up budget routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/budgets/:user/:project", h.GetBalance)
	r.GET("/reservations/:id", h.GetReservation)
}

// GetBalance handles GET /v1/budgets/:user/:project
func (h *Handler) GetBalance(c *gin.Context) {
	key := Key{UserID: c.Param("user"), ProjectID: c.Param("project")}
	if !validation.IsIdentifier(key.UserID) || !validation.IsIdentifier(key.ProjectID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid user or project id"})
		return
	}
	limits, err := h.limits(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "policy_unavailable", "message": "could not resolve limits"})
		return
	}
	snap, err := h.ledger.Balance(c.Request.Context(), key, limits)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load budget"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"budget": snap})
}

// GetReservation handles GET /v1/reservations/:id
func (h *Handler) GetReservation(c *gin.Context) {
	rsv, err := h.ledger.Reservation(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrReservationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "reservation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load reservation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservation": rsv})
}
