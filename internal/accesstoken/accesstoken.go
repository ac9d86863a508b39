// Package accesstoken issues the short-lived credentials bots run under.
package accesstoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"carehooks/internal/domain"
)

// Claims are the JWT claims for bot access tokens.
type Claims struct {
	LoginID string `json:"login_id"`
	Profile string `json:"profile,omitempty"`
	Scope   string `json:"scope"`
	jwt.RegisteredClaims
}

// Service signs and validates bot access tokens.
type Service struct {
	signingKey []byte
	issuer     string
}

// NewService constructs a token service.
func NewService(signingKey, issuer string) *Service {
	return &Service{signingKey: []byte(signingKey), issuer: issuer}
}

// Generate signs an access token bound to the given synthetic login.
func (s *Service) Generate(login *domain.Login, membership *domain.Membership, expiresIn time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		LoginID: login.ID,
		Profile: membership.Profile,
		Scope:   login.Scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   membership.UserRef,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
		},
	})

	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies an access token.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("access token expired: %w", err)
		}
		return nil, fmt.Errorf("invalid access token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid access token claims")
	}
	return claims, nil
}
