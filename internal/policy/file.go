package policy

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk policy layout:
//
//	system:
//	  rules: {...}
//	users:
//	  - userId: alice
//	    rules: {...}
type File struct {
	System *Policy   `yaml:"system"`
	Users  []*Policy `yaml:"users"`
}

// LoadFile reads a YAML policy file. ${VAR} references are expanded from
// the environment before parsing.
func LoadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParseFile([]byte(os.ExpandEnv(string(raw))))
}

// ParseFile decodes and validates a policy document.
func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if f.System == nil {
		return nil, ErrNoSystemPolicy
	}
	f.System.Scope = ScopeSystem
	if err := ValidatePolicy(f.System); err != nil {
		return nil, fmt.Errorf("system policy: %w", err)
	}
	for i, u := range f.Users {
		u.Scope = ScopeUser
		if err := ValidatePolicy(u); err != nil {
			return nil, fmt.Errorf("users[%d]: %w", i, err)
		}
	}
	return &f, nil
}

// Seed writes every layer in f to the store.
func Seed(ctx context.Context, s Store, f *File) error {
	if _, err := s.Put(ctx, f.System); err != nil {
		return fmt.Errorf("seed system policy: %w", err)
	}
	for _, u := range f.Users {
		if _, err := s.Put(ctx, u); err != nil {
			return fmt.Errorf("seed policy for %s: %w", u.UserID, err)
		}
	}
	return nil
}

//go:embed default_policies.yaml
var defaultPolicies []byte

// DefaultFile returns the built-in development policies.
func DefaultFile() *File {
	f, err := ParseFile(defaultPolicies)
	if err != nil {
		panic("policy: built-in policies: " + err.Error())
	}
	return f
}
