package policy

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentspend/internal/validation"
)

// Handler provides HTTP endpoints for policy management.
type Handler struct {
	store    Store
	onChange func()
}

// NewHandler creates a new policy handler. onChange, if set, runs after
// every successful write (typically CachedSource.Invalidate).
func NewHandler(store Store, onChange func()) *Handler {
	return &Handler{store: store, onChange: onChange}
}

// RegisterRoutes sets up policy routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/policies/system", h.GetSystem)
	r.PUT("/policies/system", h.PutSystem)
	r.GET("/policies/users/:user", h.GetUser)
	r.PUT("/policies/users/:user", h.PutUser)
	r.DELETE("/policies/users/:user", h.DeleteUser)
}

type putRequest struct {
	Name        string `json:"name"`
	Rules       *Rules `json:"rules" binding:"required"`
	Enforcement string `json:"enforcement"`
}

// GetSystem handles GET /v1/policies/system
func (h *Handler) GetSystem(c *gin.Context) {
	p, err := h.store.GetSystem(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// PutSystem handles PUT /v1/policies/system
func (h *Handler) PutSystem(c *gin.Context) {
	var req putRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "rules required"})
		return
	}
	h.put(c, &Policy{Scope: ScopeSystem, Name: req.Name, Rules: *req.Rules, Enforcement: req.Enforcement})
}

// GetUser handles GET /v1/policies/users/:user?project=
func (h *Handler) GetUser(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	p, err := h.store.GetUser(c.Request.Context(), userID, c.Query("project"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// PutUser handles PUT /v1/policies/users/:user?project=
func (h *Handler) PutUser(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	var req putRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "rules required"})
		return
	}
	h.put(c, &Policy{
		Scope:       ScopeUser,
		UserID:      userID,
		ProjectID:   c.Query("project"),
		Name:        req.Name,
		Rules:       *req.Rules,
		Enforcement: req.Enforcement,
	})
}

// DeleteUser handles DELETE /v1/policies/users/:user?project=
func (h *Handler) DeleteUser(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	if err := h.store.DeleteUser(c.Request.Context(), userID, c.Query("project")); err != nil {
		h.writeError(c, err)
		return
	}
	h.changed()
	c.JSON(http.StatusOK, gin.H{"message": "policy deleted", "userId": userID})
}

func (h *Handler) put(c *gin.Context, p *Policy) {
	saved, err := h.store.Put(c.Request.Context(), p)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.changed()
	c.JSON(http.StatusOK, gin.H{"policy": saved})
}

func (h *Handler) changed() {
	if h.onChange != nil {
		h.onChange()
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrPolicyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "policy not found"})
	case errors.Is(err, ErrInvalidRules):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_rules", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "policy store unavailable"})
	}
}

func userParam(c *gin.Context) (string, bool) {
	userID := c.Param("user")
	if !validation.IsIdentifier(userID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid user id"})
		return "", false
	}
	return userID, true
}
