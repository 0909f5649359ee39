package creds

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenLifetime = time.Hour
	// expirySkew renews the cached token this long before it actually
	// expires, so an RPC never goes out with a token about to lapse.
	expirySkew = 2 * time.Minute
)

// ServiceAccountConfig describes a key-pair identity that authenticates by
// self-signing JWTs, skipping the token-exchange round trip entirely.
type ServiceAccountConfig struct {
	// Email is the service account identity, used as both issuer and
	// subject claims.
	Email string
	// Audience names the service the token is minted for.
	Audience string
	// PrivateKey signs the token (RS256).
	PrivateKey *rsa.PrivateKey
	// KeyID is set as the "kid" header when non-empty.
	KeyID string
	// Lifetime of each minted token. Defaults to one hour.
	Lifetime time.Duration
}

// ServiceAccount is a Provider that mints and caches self-signed JWTs.
type ServiceAccount struct {
	cfg ServiceAccountConfig

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

var _ Provider = (*ServiceAccount)(nil)

// NewServiceAccount validates cfg and returns a ready Provider.
func NewServiceAccount(cfg ServiceAccountConfig) (*ServiceAccount, error) {
	if cfg.Email == "" {
		return nil, errors.New("service account email is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}
	if cfg.PrivateKey == nil {
		return nil, errors.New("private key is required")
	}
	if cfg.Lifetime == 0 {
		cfg.Lifetime = defaultTokenLifetime
	}
	return &ServiceAccount{cfg: cfg}, nil
}

// Token returns the cached token, minting a fresh one when the cache is
// empty or close to expiry.
func (sa *ServiceAccount) Token(ctx context.Context) (string, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()

	now := time.Now()
	if sa.token != "" && now.Before(sa.expiresAt.Add(-expirySkew)) {
		return sa.token, nil
	}

	expiresAt := now.Add(sa.cfg.Lifetime)
	claims := jwt.RegisteredClaims{
		Issuer:    sa.cfg.Email,
		Subject:   sa.cfg.Email,
		Audience:  jwt.ClaimStrings{sa.cfg.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if sa.cfg.KeyID != "" {
		tok.Header["kid"] = sa.cfg.KeyID
	}
	signed, err := tok.SignedString(sa.cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign service account token: %w", err)
	}
	sa.token = signed
	sa.expiresAt = expiresAt
	return signed, nil
}
