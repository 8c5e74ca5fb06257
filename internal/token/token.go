package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrExpired   = errors.New("token expired")
	ErrMalformed = errors.New("token malformed")
)

// Issuer mints and verifies the two stateless credentials: a short-lived
// access token and a longer-lived refresh token, each signed with its own
// secret so one cannot stand in for the other.
type Issuer struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

func NewIssuer(accessSecret, refreshSecret, issuer string, accessTTL, refreshTTL time.Duration) *Issuer {
	return &Issuer{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		issuer:        issuer,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the issuer clock. Test hook.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

func (i *Issuer) IssueAccessToken(identityID string) (string, time.Time, error) {
	return i.sign(identityID, i.accessSecret, i.accessTTL)
}

func (i *Issuer) IssueRefreshToken(identityID string) (string, time.Time, error) {
	return i.sign(identityID, i.refreshSecret, i.refreshTTL)
}

func (i *Issuer) VerifyAccessToken(tokenString string) (string, error) {
	return i.verify(tokenString, i.accessSecret)
}

func (i *Issuer) VerifyRefreshToken(tokenString string) (string, error) {
	return i.verify(tokenString, i.refreshSecret)
}

func (i *Issuer) sign(identityID string, secret []byte, ttl time.Duration) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(ttl)
	// The jti makes every mint unique: iat/exp have second granularity, so
	// without it two tokens issued back-to-back for the same identity would
	// be byte-identical and refresh rotation could not invalidate the old one.
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   identityID,
		Issuer:    i.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (i *Issuer) verify(tokenString string, secret []byte) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpired
		}
		return "", ErrMalformed
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return "", ErrMalformed
	}
	return claims.Subject, nil
}
