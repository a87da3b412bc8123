package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// maxLimiters bounds how many identities keep a rate-limit bucket. The least
// recently seen identity is evicted first.
const maxLimiters = 4096

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrRateLimited       = errors.New("rate limit exceeded")
)

// Authenticator validates the credential presented with a job. A credential is
// either the configured API key or an HS256 token whose api_key claim carries it.
// Rate limits apply per resolved identity, so every token minted for one key
// shares that key's bucket.
type Authenticator struct {
	apiKey    []byte
	jwtSecret []byte
	perMinute int

	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
	now      func() time.Time
}

func New(apiKey, jwtSecret string, perMinute int) *Authenticator {
	limiters, _ := lru.New[string, *rate.Limiter](maxLimiters)
	return &Authenticator{
		apiKey:    []byte(apiKey),
		jwtSecret: []byte(jwtSecret),
		perMinute: perMinute,
		limiters:  limiters,
		now:       time.Now,
	}
}

type tokenClaims struct {
	APIKey string `json:"api_key"`
	jwt.RegisteredClaims
}

// Authenticate checks the credential and charges one request against its rate limit.
func (a *Authenticator) Authenticate(credential string) error {
	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if credential == "" {
		return ErrMissingCredential
	}
	id, ok := a.identity(credential)
	if !ok {
		return ErrInvalidCredential
	}
	if !a.allow(id) {
		return ErrRateLimited
	}
	return nil
}

// identity resolves a credential to the key it stands for. Without a
// configured API key, a token is identified by its api_key claim, falling
// back to its subject.
func (a *Authenticator) identity(credential string) (string, bool) {
	if len(a.apiKey) > 0 && subtle.ConstantTimeCompare([]byte(credential), a.apiKey) == 1 {
		return "key", true
	}
	if len(a.jwtSecret) == 0 || strings.Count(credential, ".") != 2 {
		return "", false
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	claims := &tokenClaims{}
	if _, err := parser.ParseWithClaims(credential, claims, func(*jwt.Token) (any, error) {
		return a.jwtSecret, nil
	}); err != nil {
		return "", false
	}
	if len(a.apiKey) > 0 {
		return "key", subtle.ConstantTimeCompare([]byte(claims.APIKey), a.apiKey) == 1
	}
	if claims.APIKey != "" {
		return "claim:" + claims.APIKey, true
	}
	return "sub:" + claims.Subject, true
}

func (a *Authenticator) allow(id string) bool {
	if a.perMinute <= 0 {
		return true
	}
	a.mu.Lock()
	limiter, ok := a.limiters.Get(id)
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(a.perMinute)), a.perMinute)
		a.limiters.Add(id, limiter)
	}
	a.mu.Unlock()
	return limiter.AllowN(a.now(), 1)
}

// IssueToken signs a token carrying the API key. Used by the client CLI and tests.
func IssueToken(secret, apiKey string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		APIKey: apiKey,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
