// ABOUTME: JWT minting and verification for agent gateway connections
// ABOUTME: Uses HS256 signing with configurable secret

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// DefaultTokenTTL is how long a minted connection token stays valid. The
// pool mints a fresh token per connection, so tokens never need renewal.
const DefaultTokenTTL = 24 * time.Hour

// Identity is the agent identity carried in a verified token.
type Identity struct {
	AgentID   string
	AgentName string
}

// Tokens mints and verifies HS256 connection tokens. It satisfies the
// connection pool's TokenSource interface.
type Tokens struct {
	secret []byte
	ttl    time.Duration
}

// NewTokens creates a token service with the given secret. A zero ttl means
// DefaultTokenTTL. Negative ttls are honored and mint already-expired
// tokens.
func NewTokens(secret []byte, ttl time.Duration) *Tokens {
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	return &Tokens{secret: secret, ttl: ttl}
}

// Token mints a signed token for the given agent identity.
func (t *Tokens) Token(agentID, agentName string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  agentID,
		"name": agentName,
		"jti":  uuid.NewString(),
		"iat":  now.Unix(),
		"exp":  now.Add(t.ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify validates a token and extracts the agent identity. The "sub" claim
// is required; "name" is optional.
func (t *Tokens) Verify(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Identity{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	name, _ := claims["name"].(string)
	return Identity{AgentID: sub, AgentName: name}, nil
}
