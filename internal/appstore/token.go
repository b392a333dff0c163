package appstore

import (
	"crypto/ecdsa"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gocache "github.com/patrickmn/go-cache"
)

const (
	// ASC rejects tokens valid for more than 20 minutes.
	defaultTokenLifetime = 20 * time.Minute

	// A cached token is reused only while it has this much life left,
	// so a token never expires mid-request.
	defaultEarlyRefresh = 5 * time.Minute

	ascAudience   = "appstoreconnect-v1"
	tokenCacheKey = "asc_jwt"
)

var (
	keyIDPattern    = regexp.MustCompile(`^[A-Z0-9]{10}$`)
	issuerIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// Credentials identifies an App Store Connect API key.
type Credentials struct {
	KeyID      string
	IssuerID   string
	PrivateKey []byte // contents of the .p8 file, PEM encoded
}

// Validate checks the credential fields without touching the network.
func (c Credentials) Validate() error {
	if !keyIDPattern.MatchString(c.KeyID) {
		return &CredentialError{Reason: "key id must be 10 uppercase letters or digits"}
	}
	if !issuerIDPattern.MatchString(c.IssuerID) {
		return &CredentialError{Reason: "issuer id must be a UUID"}
	}
	pem := string(c.PrivateKey)
	if !strings.Contains(pem, "-----BEGIN") || !strings.Contains(pem, "-----END") {
		return &CredentialError{Reason: "private key is not PEM encoded"}
	}
	return nil
}

// TokenSource mints and caches short-lived ES256 JWTs for the API.
// Safe for concurrent use.
type TokenSource struct {
	creds        Credentials
	key          *ecdsa.PrivateKey
	lifetime     time.Duration
	earlyRefresh time.Duration

	mu    sync.Mutex
	cache *gocache.Cache
	now   func() time.Time
}

// NewTokenSource validates the credentials and parses the signing key.
func NewTokenSource(creds Credentials, lifetime, earlyRefresh time.Duration) (*TokenSource, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(creds.PrivateKey)
	if err != nil {
		return nil, &CredentialError{Reason: "parsing private key", Err: err}
	}
	if lifetime <= 0 || lifetime > defaultTokenLifetime {
		lifetime = defaultTokenLifetime
	}
	if earlyRefresh <= 0 || earlyRefresh >= lifetime {
		earlyRefresh = defaultEarlyRefresh
	}
	return &TokenSource{
		creds:        creds,
		key:          key,
		lifetime:     lifetime,
		earlyRefresh: earlyRefresh,
		cache:        gocache.New(lifetime-earlyRefresh, time.Minute),
		now:          time.Now,
	}, nil
}

// Token returns a signed JWT, reusing the cached one while it still has
// more than the early-refresh window of life.
func (s *TokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.cache.Get(tokenCacheKey); ok {
		return cached.(string), nil
	}

	now := s.now()
	claims := jwt.MapClaims{
		"iss": s.creds.IssuerID,
		"iat": now.Unix(),
		"exp": now.Add(s.lifetime).Unix(),
		"aud": ascAudience,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = s.creds.KeyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", &CredentialError{Reason: "signing token", Err: err}
	}

	s.cache.Set(tokenCacheKey, signed, s.lifetime-s.earlyRefresh)
	return signed, nil
}

// Invalidate drops the cached token. Called after a 401 so the next
// request signs a fresh one.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(tokenCacheKey)
}
