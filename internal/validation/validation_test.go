package validation

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	UserID  string `json:"userId" validate:"required,identifier"`
	Amount  string `json:"amount" validate:"omitempty,amount"`
	Payout  string `json:"payout" validate:"omitempty,ethaddr"`
	Tier    string `json:"tier" validate:"omitempty,oneof=fast comprehensive"`
	Ignored string `json:"-"`
}

func TestStruct_Valid(t *testing.T) {
	err := Struct(sample{
		UserID: "user_42",
		Amount: "0.002",
		Payout: "0x1234567890123456789012345678901234567890",
		Tier:   "fast",
	})
	assert.NoError(t, err)
}

func TestStruct_CollectsFieldErrors(t *testing.T) {
	err := Struct(sample{UserID: "has space", Amount: "-1", Tier: "slow"})
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	fields := make(map[string]string)
	for _, fe := range verrs {
		fields[fe.Field] = fe.Message
	}
	assert.Contains(t, fields, "userId")
	assert.Contains(t, fields, "amount")
	assert.Contains(t, fields["tier"], "fast comprehensive")
	assert.Contains(t, err.Error(), "userId:")
}

func TestStruct_RequiredMessage(t *testing.T) {
	err := Struct(sample{})
	require.Error(t, err)
	assert.Equal(t, "userId: is required", err.Error())
}

func TestIsValidEthAddress(t *testing.T) {
	assert.True(t, IsValidEthAddress("0xabcdefABCDEF1234567890123456789012345678"))
	assert.False(t, IsValidEthAddress("1234567890123456789012345678901234567890"))
	assert.False(t, IsValidEthAddress("0x"))
}

func TestIsIdentifier(t *testing.T) {
	assert.True(t, IsIdentifier("req-2026-10-19:0001"))
	assert.True(t, IsIdentifier("agent@team/ci"))
	assert.False(t, IsIdentifier(""))
	assert.False(t, IsIdentifier("_leading"))
	assert.False(t, IsIdentifier(strings.Repeat("a", 129)))
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(10))
	r.POST("/echo", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too_large"})
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/echo", strings.NewReader(`{"a":"0123456789"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
