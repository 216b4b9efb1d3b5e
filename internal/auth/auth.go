// Package auth maps API keys to caller identities.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/tjfontaine/legisdraft/internal/config"
)

// Anonymous is the caller used when no API keys are configured.
const Anonymous = "anonymous"

var (
	ErrMissingKey = errors.New("missing API key")
	ErrInvalidKey = errors.New("invalid API key")
)

// Caller is the identity behind an API key. Conversations and generation
// records are scoped to it.
type Caller struct {
	ID          string
	Description string
}

type entry struct {
	hash   []byte
	caller *Caller
}

// Authenticator validates API keys against configured SHA-256 hashes.
type Authenticator struct {
	keys map[string]entry // keyhash -> caller
}

// NewAuthenticator creates an authenticator. Keys without a caller name are
// identified by the first eight characters of their hash.
func NewAuthenticator(keys []config.APIKeyConfig) *Authenticator {
	a := &Authenticator{keys: make(map[string]entry, len(keys))}
	for _, k := range keys {
		hash := strings.ToLower(strings.TrimSpace(k.KeyHash))
		if hash == "" {
			continue
		}
		id := k.Caller
		if id == "" {
			id = "key-" + hash[:min(8, len(hash))]
		}
		a.keys[hash] = entry{hash: []byte(hash), caller: &Caller{ID: id, Description: k.Description}}
	}
	return a
}

// Enabled reports whether any key is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.keys) > 0
}

// ValidateAPIKey returns the caller for apiKey.
func (a *Authenticator) ValidateAPIKey(apiKey string) (*Caller, error) {
	keyHash := HashAPIKey(apiKey)

	e, ok := a.keys[keyHash]
	if !ok {
		return nil, ErrInvalidKey
	}
	if subtle.ConstantTimeCompare([]byte(keyHash), e.hash) != 1 {
		return nil, ErrInvalidKey
	}
	return e.caller, nil
}

// ExtractAPIKey reads the key from "Authorization: Bearer <key>" or, for
// browser clients of the generation endpoint, the apikey header.
func ExtractAPIKey(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, key, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(key) == "" {
			return "", errors.New("invalid Authorization header format")
		}
		return strings.TrimSpace(key), nil
	}
	if key := r.Header.Get("apikey"); key != "" {
		return key, nil
	}
	return "", ErrMissingKey
}

// HashAPIKey creates a SHA-256 hash of an API key for storage
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

type callerKey struct{}

// WithCaller stores c in ctx.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext returns the authenticated caller, or Anonymous.
func CallerFromContext(ctx context.Context) *Caller {
	if c, ok := ctx.Value(callerKey{}).(*Caller); ok && c != nil {
		return c
	}
	return &Caller{ID: Anonymous}
}
