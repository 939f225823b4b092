// Package authn verifies bearer tokens against the identity provider's JWKS.
// Signing keys are resolved lazily by kid through a pluggable cache so steady
// state verification stays off the network.
package authn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/uwcirg/fhirgate/internal/authn/keycache"
	"github.com/uwcirg/fhirgate/internal/metrics"
	"github.com/uwcirg/fhirgate/internal/policy"
)

// Sentinel errors mapped to HTTP statuses by the pipeline coordinator.
var (
	// ErrTokenMissing means no bearer token was presented.
	ErrTokenMissing = errors.New("authn: token missing")
	// ErrTokenExpired means the token's exp claim is in the past.
	ErrTokenExpired = errors.New("authn: token expired")
	// ErrTokenInvalid covers every other verification failure.
	ErrTokenInvalid = errors.New("authn: token invalid")
)

// Config holds the verifier settings.
type Config struct {
	// JWKSURL is the identity provider's key set endpoint.
	JWKSURL string
	// Audience the token must carry. Defaults to "account".
	Audience string
	// Algorithm the token must be signed with. Defaults to RS256.
	Algorithm string
	// FetchTimeout bounds the JWKS network call.
	FetchTimeout time.Duration
	// KeyTTL is how long resolved keys are cached.
	KeyTTL time.Duration
	// Metrics records key cache lookup outcomes when set.
	Metrics *metrics.Recorder
}

// Verifier validates JWTs with keys resolved from the JWKS endpoint.
type Verifier struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client
	keys   keycache.KeyCache
}

// NewVerifier builds a verifier using the given key cache. A nil cache falls
// back to an in-process one.
func NewVerifier(cfg Config, keys keycache.KeyCache, logger *slog.Logger) *Verifier {
	if cfg.Audience == "" {
		cfg.Audience = "account"
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = "RS256"
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = keycache.DefaultTTL
	}
	if keys == nil {
		keys = keycache.NewMemory(cfg.KeyTTL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		cfg:    cfg,
		logger: logger.With(slog.String("agent", "token_verifier")),
		client: &http.Client{Timeout: cfg.FetchTimeout},
		keys:   keys,
	}
}

// Verify parses and validates the bearer token, returning its claims. The
// signing key is resolved by the token's kid header: cache first, then one
// bounded JWKS fetch that refreshes every key in the set.
func (v *Verifier) Verify(ctx context.Context, token string) (policy.Claims, error) {
	if token == "" {
		return nil, ErrTokenMissing
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, v.keyfunc(ctx),
		jwt.WithValidMethods([]string{v.cfg.Algorithm}),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		v.logger.Debug("token verification failed", slog.Any("error", err))
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return policy.Claims(claims), nil
}

func (v *Verifier) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("authn: token header missing kid")
		}

		der, ok, err := v.keys.Lookup(ctx, kid)
		if err != nil {
			v.logger.Warn("key cache lookup failed", slog.String("kid", kid), slog.Any("error", err))
			v.cfg.Metrics.ObserveKeyLookup(metrics.KeyLookupError)
		}
		if ok {
			v.cfg.Metrics.ObserveKeyLookup(metrics.KeyLookupHit)
			return parsePublicKey(der)
		}
		if err == nil {
			v.cfg.Metrics.ObserveKeyLookup(metrics.KeyLookupMiss)
		}

		fetched, err := fetchKeySet(ctx, v.client, v.cfg.JWKSURL, v.cfg.FetchTimeout)
		if err != nil {
			return nil, err
		}
		for fetchedKid, fetchedDER := range fetched {
			if storeErr := v.keys.Store(ctx, fetchedKid, fetchedDER, v.cfg.KeyTTL); storeErr != nil {
				v.logger.Warn("key cache store failed", slog.String("kid", fetchedKid), slog.Any("error", storeErr))
			}
		}
		der, found := fetched[kid]
		if !found {
			return nil, fmt.Errorf("authn: signing key %q not in key set", kid)
		}
		return parsePublicKey(der)
	}
}
