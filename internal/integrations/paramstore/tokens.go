package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// BatchGetter is the subset of Client a TokenSet needs.
type BatchGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

// tokenPayload is the JSON shape stored in SSM for API tokens.
type tokenPayload struct {
	Token string `json:"token"`
}

// TokenSet loads a fixed set of API tokens from SSM in one batch on first
// use and caches them for the process lifetime. A failed load is retried
// on the next call.
type TokenSet struct {
	getter BatchGetter
	names  []string

	mu     sync.RWMutex
	loaded bool
	tokens map[string]string
}

func NewTokenSet(getter BatchGetter, names ...string) (*TokenSet, error) {
	if getter == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	if len(names) == 0 {
		return nil, errors.New("paramstore: token names must not be empty")
	}
	return &TokenSet{getter: getter, names: append([]string(nil), names...)}, nil
}

// Token returns the token stored under the parameter name.
func (s *TokenSet) Token(ctx context.Context, name string) (string, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[name]
	if !ok {
		return "", fmt.Errorf("paramstore: token %q is not part of the set", name)
	}
	return tok, nil
}

func (s *TokenSet) ensureLoaded(ctx context.Context) error {
	s.mu.RLock()
	if s.loaded {
		s.mu.RUnlock()
		return nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}

	raw, err := s.getter.GetParameters(ctx, append([]string(nil), s.names...)...)
	if err != nil {
		return err
	}
	tokens := make(map[string]string, len(raw))
	for name, v := range raw {
		tok, err := decodeToken(v)
		if err != nil {
			return fmt.Errorf("paramstore: %s: %w", name, err)
		}
		tokens[name] = tok
	}
	s.tokens = tokens
	s.loaded = true
	return nil
}

func decodeToken(raw string) (string, error) {
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("unmarshal token value as JSON: %w", err)
	}
	tok := strings.TrimSpace(tp.Token)
	if tok == "" {
		return "", errors.New("API token is empty")
	}
	return tok, nil
}
