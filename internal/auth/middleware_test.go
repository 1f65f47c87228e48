package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newGatedRouter(m *Manager) *gin.Engine {
	r := gin.New()
	r.PUT("/ops", RequireOperator(m), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"operator": GetOperator(c)})
	})
	return r
}

func TestRequireOperator(t *testing.T) {
	router := newGatedRouter(NewManager([]string{"alpha"}))

	tests := []struct {
		name   string
		header string
		value  string
		want   int
		body   string
	}{
		{"bearer", "Authorization", "Bearer alpha", http.StatusOK, `"op_1"`},
		{"x-api-key", "X-API-Key", "alpha", http.StatusOK, `"op_1"`},
		{"missing", "", "", http.StatusUnauthorized, "required"},
		{"wrong", "Authorization", "Bearer nope", http.StatusUnauthorized, "Invalid operator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/ops", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.body) {
				t.Errorf("body %q missing %q", w.Body.String(), tt.body)
			}
		})
	}
}

func TestRequireOperator_OpenWithoutKeys(t *testing.T) {
	router := newGatedRouter(NewManager(nil))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/ops", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != `{"operator":""}` {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestGetOperator_Unset(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if GetOperator(c) != "" {
		t.Error("expected empty operator")
	}
}
