// Package apptoken mints and verifies the signed bearer credential handed
// to the tool. The token is stateless: subject is the athlete id, lifetime
// is fixed, and verification is signature plus expiry only. It decouples the
// tool's credential from Strava's; the tool never holds a provider secret.
package apptoken

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Lifetime is the fixed validity of an application token. There is no
// refresh for it; the tool repeats the bridging flow once it expires.
const Lifetime = 7 * 24 * time.Hour

var (
	// ErrMissingToken is returned for an absent or malformed bearer value.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken is returned when signature or expiry checks fail.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Issuer mints and verifies application tokens with an HMAC-SHA256 key.
type Issuer struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// NewIssuer creates an Issuer signing with the given secret.
func NewIssuer(secret string) *Issuer {
	return &Issuer{
		secret:   []byte(secret),
		lifetime: Lifetime,
		now:      time.Now,
	}
}

// NewIssuerAt creates an Issuer with an injected clock.
func NewIssuerAt(secret string, now func() time.Time) *Issuer {
	i := NewIssuer(secret)
	i.now = now
	return i
}

// Lifetime returns the fixed token validity.
func (i *Issuer) Lifetime() time.Duration {
	return i.lifetime
}

// Issue mints a signed token whose subject is the athlete id.
func (i *Issuer) Issue(athleteID int64) (string, error) {
	now := i.now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(athleteID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.lifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify checks signature and expiry and returns the athlete id. An empty
// token yields ErrMissingToken; anything failing validation yields
// ErrInvalidToken. Callers reject both with unauthorized.
func (i *Issuer) Verify(token string) (int64, error) {
	if token == "" {
		return 0, ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil || !parsed.Valid {
		return 0, ErrInvalidToken
	}

	athleteID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || athleteID <= 0 {
		return 0, ErrInvalidToken
	}
	return athleteID, nil
}
