// Package auth verifies the HS256 bearer tokens the note application issues
// to its users.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the token subject, which is the numeric user id. The
// application encodes sub as a JSON number or a string depending on the
// issuer, and json.Number accepts both.
type Claims struct {
	Sub  json.Number `json:"sub"`
	Name string      `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject as a numeric user id.
func (c Claims) UserID() (int64, error) {
	id, err := c.Sub.Int64()
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

func ParseToken(secret []byte, token string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Claims{}, ErrExpiredToken
	}
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	if _, err := claims.UserID(); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

// TokensMatch compares two shared secrets in constant time.
func TokensMatch(got, want string) bool {
	if want == "" {
		return false
	}
	a := sha256.Sum256([]byte(got))
	b := sha256.Sum256([]byte(want))
	return hmac.Equal(a[:], b[:])
}
