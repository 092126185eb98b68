// Package auth validates presented API credentials against the key store and
// resolves them to a project.
//
// Lookup is by SHA-256 hash of the secret; the plaintext is never stored.
// Missing, unknown, and disabled keys all fail with the same ErrInvalidKey so
// callers cannot enumerate key state through error messages.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// Key status values.
const (
	StatusActive   = "ACTIVE"
	StatusDisabled = "DISABLED"
)

// ErrInvalidKey is the uniform authentication failure. It is returned for
// absent credentials, unknown hashes, and disabled keys alike.
var ErrInvalidKey = errors.New("invalid API key")

// ApiKey is one key-store row.
type ApiKey struct {
	ID         string    `json:"id"`
	KeyHash    string    `json:"key_hash"`
	Prefix     string    `json:"prefix"`
	Status     string    `json:"status"`
	ProjectID  string    `json:"project_id"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Context is the resolved identity attached to an authenticated request.
type Context struct {
	KeyID     string
	ProjectID string
	KeyPrefix string
}

// KeyStore is the abstract key store the resolver depends on.
type KeyStore interface {
	// GetByHash returns the key whose secret hashes to hashHex, or
	// ErrInvalidKey when no such key exists.
	GetByHash(ctx context.Context, hashHex string) (*ApiKey, error)
	// TouchLastUsed stamps the key's last-used time. Idempotent single-field
	// upsert, safe under concurrent access.
	TouchLastUsed(ctx context.Context, keyID string, at time.Time) error
}

// Resolver authenticates raw credentials against a KeyStore.
type Resolver struct {
	store KeyStore
	log   *slog.Logger
}

// NewResolver creates a Resolver. log may be nil.
func NewResolver(store KeyStore, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{store: store, log: log}
}

// HashKey returns the hex SHA-256 of a plaintext secret.
func HashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves a raw credential to an auth Context. Any failure —
// empty credential, unknown hash, non-ACTIVE status — returns ErrInvalidKey.
//
// On success the last-used timestamp is stamped asynchronously; a failed
// stamp is logged and never fails the request.
func (r *Resolver) Authenticate(ctx context.Context, credential string) (*Context, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrInvalidKey
	}

	key, err := r.store.GetByHash(ctx, HashKey(credential))
	if err != nil {
		if !errors.Is(err, ErrInvalidKey) {
			r.log.Warn("key_store_error", slog.String("error", err.Error()))
		}
		return nil, ErrInvalidKey
	}
	if key.Status != StatusActive {
		return nil, ErrInvalidKey
	}

	go func() {
		stampCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := r.store.TouchLastUsed(stampCtx, key.ID, time.Now().UTC()); err != nil {
			r.log.Warn("last_used_stamp_failed",
				slog.String("key_id", key.ID),
				slog.String("error", err.Error()),
			)
		}
	}()

	return &Context{
		KeyID:     key.ID,
		ProjectID: key.ProjectID,
		KeyPrefix: key.Prefix,
	}, nil
}

// ExtractCredential pulls the raw credential from the dedicated header or the
// authorization header. A bare token without the "Bearer" scheme is accepted
// as a compatibility fallback. Returns "" when no credential is present.
func ExtractCredential(apiKeyHeader, authorizationHeader string) string {
	if k := strings.TrimSpace(apiKeyHeader); k != "" {
		return k
	}
	raw := strings.TrimSpace(authorizationHeader)
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	// Bare token without a scheme.
	if len(parts) == 1 {
		return raw
	}
	return ""
}
