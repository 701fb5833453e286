package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/satriahrh/callbridge/domain/entities"
)

// DefaultTokenTTL bounds how long a connection token stays valid
const DefaultTokenTTL = 5 * time.Minute

// ErrMissingSecret is returned when no signing secret is configured
var ErrMissingSecret = errors.New("connection token secret is required")

// ConnectionClaims represents the claims in a websocket connection token
type ConnectionClaims struct {
	CallID   string `json:"call_id"`
	CallerID string `json:"caller_id,omitempty"`
	jwt.RegisteredClaims
}

// Hints returns the call identity carried by the token
func (c *ConnectionClaims) Hints() entities.HandshakeMetadata {
	return entities.HandshakeMetadata{CallID: c.CallID, CallerID: c.CallerID}
}

// TokenAuthenticator signs and validates HS256 connection tokens
type TokenAuthenticator struct {
	secret []byte
	now    func() time.Time
}

// NewTokenAuthenticator creates an authenticator for the shared secret
func NewTokenAuthenticator(secret string) (*TokenAuthenticator, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &TokenAuthenticator{secret: []byte(secret), now: time.Now}, nil
}

// GenerateConnectionToken generates a token for one call
func (a *TokenAuthenticator) GenerateConnectionToken(callID, callerID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := a.now()
	claims := &ConnectionClaims{
		CallID:   callID,
		CallerID: callerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken validates a connection token and returns the claims
func (a *TokenAuthenticator) ValidateToken(tokenString string) (*ConnectionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ConnectionClaims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*ConnectionClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrInvalidKey
}
