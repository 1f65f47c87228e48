package security

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver map[string][]string

func (f fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	addrs, ok := f[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addrs, nil
}

func TestValidateEndpointURL(t *testing.T) {
	resolver := fakeResolver{
		"api.openai.com":    {"104.18.7.192"},
		"internal.corp":     {"10.0.0.12"},
		"mixed.example.com": {"93.184.216.34", "127.0.0.1"},
	}
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://api.openai.com/v1", true},
		{"http://93.184.216.34:8080", true},
		{"https://internal.corp/v1", false},
		{"https://mixed.example.com", false},
		{"http://127.0.0.1:9000", false},
		{"http://169.254.169.254/latest/meta-data", false},
		{"http://localhost:8080", false},
		{"ftp://api.openai.com", false},
		{"https://unknown.invalid", false},
		{"://bad", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateEndpointURL(context.Background(), tt.url, resolver)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrUnsafeEndpoint)
		})
	}
}
