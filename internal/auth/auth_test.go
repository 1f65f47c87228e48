package auth

import (
	"errors"
	"testing"
)

func TestNewManager_SkipsBlankKeys(t *testing.T) {
	m := NewManager([]string{"alpha", " ", "", "beta"})
	if len(m.keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(m.keys))
	}
	if m.keys[0].ID != "op_1" || m.keys[1].ID != "op_2" {
		t.Errorf("unexpected ids %s %s", m.keys[0].ID, m.keys[1].ID)
	}
	if m.keys[0].Hash == "alpha" {
		t.Error("raw key must not be stored")
	}
	if m.Open() {
		t.Error("manager with keys should not be open")
	}
}

func TestManager_Open(t *testing.T) {
	if !NewManager(nil).Open() {
		t.Error("manager without keys should be open")
	}
}

func TestValidate(t *testing.T) {
	m := NewManager([]string{"alpha", "beta"})

	tests := []struct {
		name    string
		raw     string
		wantID  string
		wantErr error
	}{
		{"first key", "alpha", "op_1", nil},
		{"bearer prefix", "Bearer beta", "op_2", nil},
		{"surrounding space", "  alpha ", "op_1", nil},
		{"empty", "", "", ErrNoAPIKey},
		{"bearer only", "Bearer ", "", ErrNoAPIKey},
		{"wrong key", "gamma", "", ErrInvalidAPIKey},
		{"case matters", "ALPHA", "", ErrInvalidAPIKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := m.Validate(tt.raw)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if key.ID != tt.wantID {
				t.Errorf("expected %s, got %s", tt.wantID, key.ID)
			}
		})
	}
}
