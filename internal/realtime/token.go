package realtime

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the lifetime of tokens minted by the CLI.
const DefaultTokenTTL = 24 * time.Hour

// ErrUnauthorized reports a missing, malformed, expired or wrongly signed
// token.
var ErrUnauthorized = errors.New("realtime: unauthorized")

// Claims are the JWT claims of a realtime token.
type Claims struct {
	UserID string `json:"user_id"`
	gojwt.RegisteredClaims
}

// IssueToken mints an HS256 token for userID valid from now for ttl.
func IssueToken(secret []byte, userID string, now time.Time, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("issue token: empty secret")
	}
	if userID == "" {
		return "", errors.New("issue token: empty user id")
	}
	claims := Claims{
		UserID: userID,
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies a token and returns its claims.
func ParseToken(secret []byte, token string) (*Claims, error) {
	claims := &Claims{}
	parser := gojwt.NewParser(
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
	)
	_, err := parser.ParseWithClaims(token, claims, func(*gojwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: token has no user", ErrUnauthorized)
	}
	return claims, nil
}
