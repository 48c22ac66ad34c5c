// Package auth issues and checks the access tokens and email verification
// codes that front the HTTP API.
package auth

import (
	"CreditLedger/internal/credit"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultTokenTTL = 24 * time.Hour
	tokenIssuer     = "credit-ledger"
)

var (
	ErrInvalidToken  = errors.New("invalid access token")
	ErrEmptySecret   = errors.New("token secret is empty")
	ErrEmptyIdentity = errors.New("identity is empty")
)

// Claims carries the caller identity in the registered subject claim.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies HS256 access tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenManager(secret string, ttl time.Duration) (*TokenManager, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token whose subject is identity.
func (m *TokenManager) Issue(identity credit.Identity) (string, time.Time, error) {
	if identity == "" {
		return "", time.Time{}, ErrEmptyIdentity
	}
	now := m.now()
	expires := now.Add(m.ttl)
	claims := Claims{
		Email: string(identity),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(identity),
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Parse validates tokenString and returns the identity in its subject.
func (m *TokenManager) Parse(tokenString string) (credit.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return credit.Identity(claims.Subject), nil
}
