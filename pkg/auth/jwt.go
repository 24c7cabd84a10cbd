package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mahaj/chatcore/pkg/model"
)

type Claims struct {
	UserID  string `json:"user_id"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 tokens. It is the identity resolver
// used by the gateway and the REST API.
type TokenIssuer struct {
	key    []byte
	ttl    time.Duration
	issuer string
}

func NewTokenIssuer(secret string, ttl time.Duration, issuer string) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("auth: signing secret is empty")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{key: []byte(secret), ttl: ttl, issuer: issuer}, nil
}

// GenerateToken creates a new token for the given identity.
func (t *TokenIssuer) GenerateToken(id Identity) (string, error) {
	if id.UserID == "" {
		return "", errors.New("auth: user id is required")
	}
	now := time.Now()
	claims := &Claims{
		UserID:  id.UserID,
		Name:    id.DisplayName,
		Picture: id.PhotoURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.key)
}

// ValidateToken parses and validates a token string.
func (t *TokenIssuer) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return t.key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no user id")
	}

	return claims, nil
}

// Resolve implements Resolver. Every failure is reported as model.ErrAuth.
func (t *TokenIssuer) Resolve(_ context.Context, credential string) (*Identity, error) {
	token := StripBearer(credential)
	if token == "" {
		return nil, fmt.Errorf("%w: no credential", model.ErrAuth)
	}
	claims, err := t.ValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrAuth, err)
	}
	return &Identity{
		UserID:      claims.UserID,
		DisplayName: claims.Name,
		PhotoURL:    claims.Picture,
	}, nil
}

// StripBearer removes an optional "Bearer " prefix.
func StripBearer(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 7 && strings.EqualFold(s[:7], "Bearer ") {
		return strings.TrimSpace(s[7:])
	}
	return s
}
