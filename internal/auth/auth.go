// Package auth gates operator endpoints behind static API keys.
//
// Authentication model:
//   - Decision, receipt and budget reads identify the caller by X-User-ID
//     and need no key
//   - Policy, account and review mutations require an operator key
//   - Operator keys come from ADMIN_API_KEYS; only their hashes are held
//     in memory
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// Key is a configured operator key.
type Key struct {
	ID   string `json:"id"`
	Hash string `json:"-"` // SHA256 of the raw key
}

// Manager validates operator keys.
type Manager struct {
	keys []Key
}

// NewManager hashes the raw keys. Blank entries are ignored.
func NewManager(rawKeys []string) *Manager {
	m := &Manager{}
	for _, raw := range rawKeys {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		m.keys = append(m.keys, Key{
			ID:   "op_" + strconv.Itoa(len(m.keys)+1),
			Hash: hashKey(raw),
		})
	}
	return m
}

// Open reports whether no keys are configured, in which case operator
// routes are unauthenticated. Config validation forbids this in production.
func (m *Manager) Open() bool {
	return len(m.keys) == 0
}

// Validate checks a raw key, with or without a "Bearer " prefix.
// Every configured hash is compared so timing does not reveal which
// key came closest.
func (m *Manager) Validate(rawKey string) (*Key, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	hash := []byte(hashKey(rawKey))
	var match *Key
	for i := range m.keys {
		if subtle.ConstantTimeCompare(hash, []byte(m.keys[i].Hash)) == 1 {
			match = &m.keys[i]
		}
	}
	if match == nil {
		return nil, ErrInvalidAPIKey
	}
	return match, nil
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
