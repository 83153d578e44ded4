package fleetcontrol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// jwksCacheTTL bounds how long a fetched JWKS is trusted before it is
// refetched unconditionally, so a revoked signing key stops verifying
// within one TTL window even if no unknown key id ever triggers a refresh.
const jwksCacheTTL = 5 * time.Minute

// SignatureVerifier validates that a remote config's raw YAML bytes were
// signed by a key the server's JWKS endpoint currently publishes (§4.7).
type SignatureVerifier struct {
	jwksURL string
	alg     jwa.SignatureAlgorithm

	mu       sync.Mutex
	cache    jwk.Set
	cachedAt time.Time
}

func NewSignatureVerifier(jwksURL string, alg jwa.SignatureAlgorithm) *SignatureVerifier {
	return &SignatureVerifier{jwksURL: jwksURL, alg: alg}
}

// Verify fetches (or reuses a cached, not-yet-stale) JWKS, selects the key
// named by keyID, and checks signature against payload as a detached JWS
// signature.
func (v *SignatureVerifier) Verify(ctx context.Context, keyID string, payload, signature []byte) error {
	set, err := v.keySet(ctx)
	if err != nil {
		return fmt.Errorf("fleetcontrol: fetching jwks: %w", err)
	}
	key, ok := set.LookupKeyID(keyID)
	if !ok {
		// The key may have rotated since our last fetch; force one refresh.
		set, err = v.refreshKeySet(ctx)
		if err != nil {
			return fmt.Errorf("fleetcontrol: refreshing jwks: %w", err)
		}
		key, ok = set.LookupKeyID(keyID)
		if !ok {
			return fmt.Errorf("fleetcontrol: key id %q not found in jwks", keyID)
		}
	}

	if _, err := jws.Verify(signature, jws.WithKey(v.alg, key), jws.WithDetachedPayload(payload)); err != nil {
		return fmt.Errorf("fleetcontrol: signature verification failed: %w", err)
	}
	return nil
}

func (v *SignatureVerifier) keySet(ctx context.Context) (jwk.Set, error) {
	v.mu.Lock()
	set, cachedAt := v.cache, v.cachedAt
	v.mu.Unlock()
	if set != nil && time.Since(cachedAt) < jwksCacheTTL {
		return set, nil
	}
	return v.refreshKeySet(ctx)
}

func (v *SignatureVerifier) refreshKeySet(ctx context.Context) (jwk.Set, error) {
	set, err := jwk.Fetch(ctx, v.jwksURL)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.cache = set
	v.cachedAt = time.Now()
	v.mu.Unlock()
	return set, nil
}
