package accounts

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes account administration.
type Handler struct {
	provider *MemoryProvider
}

// NewHandler creates an account handler.
func NewHandler(p *MemoryProvider) *Handler {
	return &Handler{provider: p}
}

// RegisterRoutes sets up account routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:user", h.GetAccount)
	r.PUT("/accounts/:user", h.PutAccount)
	r.GET("/accounts/:user/context", h.GetContext)
}

// GetAccount handles GET /v1/accounts/:user
func (h *Handler) GetAccount(c *gin.Context) {
	a, err := h.provider.Get(c.Param("user"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Account not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": a})
}

// PutAccount handles PUT /v1/accounts/:user
func (h *Handler) PutAccount(c *gin.Context) {
	var a Account
	if err := c.ShouldBindJSON(&a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	a.UserID = c.Param("user")
	if err := h.provider.Put(a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_account", "message": err.Error()})
		return
	}
	stored, _ := h.provider.Get(a.UserID)
	c.JSON(http.StatusOK, gin.H{"account": stored})
}

// GetContext handles GET /v1/accounts/:user/context
func (h *Handler) GetContext(c *gin.Context) {
	uc, err := h.provider.Context(c.Request.Context(), c.Param("user"), h.provider.now())
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Account not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"context": uc})
}
