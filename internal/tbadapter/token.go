package tbadapter

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired indicates a platform JWT whose exp is in the past.
var ErrTokenExpired = errors.New("tbadapter: platform token expired")

// TokenInfo describes the platform credential. Opaque tokens carry no claims.
type TokenInfo struct {
	Opaque    bool
	Subject   string
	ExpiresAt *time.Time
}

// InspectToken reads the claims of a JWT without verifying its signature; the
// platform verifies it. A token that is not a JWT is accepted as opaque.
func InspectToken(token string, now time.Time) (TokenInfo, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return TokenInfo{}, errors.New("tbadapter: empty token")
	}
	if strings.Count(token, ".") != 2 {
		return TokenInfo{Opaque: true}, nil
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return TokenInfo{}, fmt.Errorf("tbadapter: malformed platform token: %w", err)
	}
	info := TokenInfo{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time.UTC()
		info.ExpiresAt = &exp
		if !exp.After(now) {
			return info, fmt.Errorf("%w at %s", ErrTokenExpired, exp.Format(time.RFC3339))
		}
	}
	return info, nil
}
