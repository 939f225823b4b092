// Package keycache caches verified JWKS signing keys by key id so token
// verification does not pay a network round-trip per request. Keys are stored
// as DER-encoded PKIX public keys with a time-based refresh.
package keycache

import (
	"context"
	"time"
)

// DefaultTTL bounds how long a fetched signing key is reused before the key
// set is consulted again.
const DefaultTTL = 15 * time.Minute

// KeyCache stores DER-encoded public keys keyed by JWKS kid.
type KeyCache interface {
	// Lookup returns the cached key material for kid, reporting presence.
	Lookup(ctx context.Context, kid string) ([]byte, bool, error)
	// Store caches key material for kid with the given ttl.
	Store(ctx context.Context, kid string, der []byte, ttl time.Duration) error
	// Close releases backend resources.
	Close(ctx context.Context) error
}
