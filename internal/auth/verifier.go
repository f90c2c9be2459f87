package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Caller identifies the verified sender of a push notification.
type Caller struct {
	Subject string
	Email   string
}

// PushVerifier validates the bearer tokens the push broker attaches to
// notification deliveries, with cached JWKS so the hot path never touches
// the network.
type PushVerifier struct {
	jwksURL    string
	audience   string
	cache      *jwk.Cache
	keySet     jwk.Set
	keySetMu   sync.RWMutex
	refreshTTL time.Duration
}

// NewPushVerifier creates a verifier against the broker's JWKS endpoint.
// audience, when non-empty, must match the token's aud claim.
func NewPushVerifier(jwksURL, audience string) (*PushVerifier, error) {
	v := &PushVerifier{
		jwksURL:    jwksURL,
		audience:   audience,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(context.Background())
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.cache = cache

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keySet, err := v.fetchKeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.keySet = keySet

	go v.backgroundRefresh()

	return v, nil
}

func (v *PushVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

// backgroundRefresh keeps the key set warm so request handling never blocks
// on a JWKS fetch.
func (v *PushVerifier) backgroundRefresh() {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		keySet, err := v.fetchKeySet(ctx)
		cancel()

		if err == nil {
			v.keySetMu.Lock()
			v.keySet = keySet
			v.keySetMu.Unlock()
		}
		// Retry on next tick.
	}
}

func (v *PushVerifier) getKeySet() jwk.Set {
	v.keySetMu.RLock()
	defer v.keySetMu.RUnlock()
	return v.keySet
}

// VerifyRequest checks the Authorization bearer token on a push delivery.
func (v *PushVerifier) VerifyRequest(r *http.Request) (*Caller, error) {
	opts := []jwt.ParseOption{
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseRequest(r, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bearer token: %w", err)
	}

	caller := &Caller{Subject: token.Subject()}
	if emailClaim, ok := token.Get("email"); ok {
		caller.Email, _ = emailClaim.(string)
	}
	return caller, nil
}
