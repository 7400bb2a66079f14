// Package auth issues and verifies the short-lived tokens that
// authenticate requests against the upload API.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL bounds how long a minted token stays valid. Tokens are minted
// per request, so the window only needs to cover one round trip.
const TokenTTL = 2 * time.Minute

// Claims is the payload carried inside each signed token.
type Claims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// Signer mints HS256 bearer tokens bound to one device.
type Signer struct {
	secret []byte
	device string
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret []byte, deviceID string) *Signer {
	return &Signer{
		secret: secret,
		device: deviceID,
		ttl:    TokenTTL,
		now:    time.Now,
	}
}

// Sign returns a fresh token acting on behalf of userID.
func (s *Signer) Sign(userID string) (string, error) {
	now := s.now()
	claims := &Claims{
		DeviceID: s.device,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			Issuer:    "uplink",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses a token string and checks its signature and expiration.
func Verify(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrSignatureInvalid
}
