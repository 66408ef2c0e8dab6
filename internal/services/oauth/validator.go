package oauth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	defaultJWKSCacheTTL = 5 * time.Minute
	jwksFetchTimeout    = 10 * time.Second
	// Floor between fetches triggered by unknown kids, so garbage tokens
	// cannot hammer the JWKS endpoint.
	jwksRefetchFloor = 10 * time.Second
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token has been revoked")
)

// Validator verifies RS256 access tokens against a remote JWKS document.
// Keys are cached with soft refresh: past the TTL a stale key still
// verifies while one background goroutine refetches the set.
type Validator struct {
	jwksURL  string
	ttl      time.Duration
	client   *http.Client
	logger   *zap.Logger
	denylist *Denylist
	parser   *jwt.Parser

	mu         sync.RWMutex
	keys       map[string]*rsa.PublicKey
	fetchedAt  time.Time
	refreshing bool

	now func() time.Time
}

type ValidatorConfig struct {
	JWKSURL  string
	Issuer   string
	Audience string
	CacheTTL time.Duration
	// Denylist is optional; without it revoked-but-unexpired tokens keep
	// working until they expire.
	Denylist *Denylist
	Logger   *zap.Logger
}

func NewValidator(config *ValidatorConfig) *Validator {
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaultJWKSCacheTTL
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(config.Issuer),
		jwt.WithAudience(config.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)

	return &Validator{
		jwksURL:  config.JWKSURL,
		ttl:      config.CacheTTL,
		client:   &http.Client{Timeout: jwksFetchTimeout},
		logger:   config.Logger,
		denylist: config.Denylist,
		parser:   parser,
		keys:     make(map[string]*rsa.PublicKey),
		now:      time.Now,
	}
}

// Validate checks the signature, issuer, audience, and lifetime of a bearer
// token, then the revocation list, and returns its claims.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header missing kid")
		}
		return v.publicKey(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	// The parser enforces exp, iss, and aud; the remaining required claims
	// are checked here.
	if claims.Subject == "" || claims.IssuedAt == nil || claims.Scope == "" {
		return nil, fmt.Errorf("%w: missing required claims", ErrInvalidToken)
	}

	if v.denylist != nil && v.denylist.IsRevoked(ctx, claims.ID) {
		return nil, ErrTokenRevoked
	}

	return claims, nil
}

// publicKey returns the cached key for kid. A stale cache still serves and
// kicks off a background refresh; an unknown kid forces a synchronous fetch
// since it usually means the signer rotated.
func (v *Validator) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	age := v.now().Sub(v.fetchedAt)
	fetched := !v.fetchedAt.IsZero()
	v.mu.RUnlock()

	if ok {
		if age > v.ttl {
			v.refreshAsync()
		}
		return key, nil
	}

	if fetched && age < jwksRefetchFloor {
		return nil, fmt.Errorf("no published key for kid %s", kid)
	}

	if err := v.refresh(ctx); err != nil {
		return nil, err
	}

	v.mu.RLock()
	key, ok = v.keys[kid]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no published key for kid %s", kid)
	}
	return key, nil
}

// refreshAsync starts at most one background refetch.
func (v *Validator) refreshAsync() {
	v.mu.Lock()
	if v.refreshing {
		v.mu.Unlock()
		return
	}
	v.refreshing = true
	v.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), jwksFetchTimeout)
		defer cancel()

		if err := v.refresh(ctx); err != nil {
			v.logger.Warn("Background JWKS refresh failed, serving cached keys",
				zap.String("jwks_url", v.jwksURL),
				zap.Error(err))
		}

		v.mu.Lock()
		v.refreshing = false
		v.mu.Unlock()
	}()
}

// refresh replaces the key cache with the current JWKS document.
func (v *Validator) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build JWKS request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var set JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.Kty != "RSA" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		pub, err := publicKeyFromJWK(jwk)
		if err != nil {
			v.logger.Warn("Skipping unparseable JWK",
				zap.String("kid", jwk.Kid),
				zap.Error(err))
			continue
		}
		keys[jwk.Kid] = pub
	}

	if len(keys) == 0 {
		return errors.New("JWKS endpoint returned no usable keys")
	}

	v.mu.Lock()
	v.keys = keys
	v.fetchedAt = v.now()
	v.mu.Unlock()
	return nil
}
