package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKeyOperator is the gin context key holding the authenticated operator key ID.
const ContextKeyOperator = "authOperator"

// RequireOperator rejects requests without a valid operator key.
// The key is read from Authorization, falling back to X-API-Key.
// With no keys configured every request passes.
func RequireOperator(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.Open() {
			c.Next()
			return
		}

		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}

		key, err := m.Validate(raw)
		if err != nil {
			msg := "Operator API key required. Include 'Authorization: Bearer <key>' header."
			if errors.Is(err, ErrInvalidAPIKey) {
				msg = "Invalid operator API key."
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": msg,
			})
			return
		}

		c.Set(ContextKeyOperator, key.ID)
		c.Next()
	}
}

// GetOperator returns the authenticated operator key ID, or "" when the
// route is open or unauthenticated.
func GetOperator(c *gin.Context) string {
	id, _ := c.Get(ContextKeyOperator)
	s, _ := id.(string)
	return s
}
