// Package tokens issues and verifies the signed bridging tokens external
// partners use to prove a household association without re-querying the
// lookup API on every request.
package tokens

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TTL is the lifetime of an issued bridging token.
const TTL = 24 * time.Hour

// Claims is the JWT payload issued for a bridged identity.
type Claims struct {
	Subject     string `json:"sub"`
	HouseholdID string `json:"household"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies bridging tokens with a shared secret.
type Issuer struct {
	secret []byte
}

// NewIssuer constructs an Issuer from the configured signing secret.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// Issue mints a signed token for subject (the device or user id) bridged
// to householdID, expiring TTL from now.
func (i *Issuer) Issue(subject, householdID string, now time.Time) (string, error) {
	claims := Claims{
		Subject:     subject,
		HouseholdID: householdID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify parses and validates a bridging token, returning its claims.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid bridging token")
	}
	return claims, nil
}
