package hook

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opst/caf/pkg/calibration"
)

const DefaultTokenTTL = 5 * time.Minute

var ErrInvalidToken = errors.New("invalid token")

// Claims of tokens on hook requests.
//
// Subject is the calibration.
type Claims struct {
	jwt.RegisteredClaims

	// State is the destination state of the transition.
	State string `json:"caf_state"`
}

// Signer issues HS256 tokens for transitions.
type Signer struct {
	Key []byte

	// TTL of tokens. If zero, DefaultTokenTTL.
	TTL time.Duration

	now func() time.Time
}

func NewSigner(key []byte) *Signer {
	return &Signer{Key: key, TTL: DefaultTokenTTL, now: time.Now}
}

// Sign a transition.
func (s *Signer) Sign(t calibration.Transition) (string, error) {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	issued := now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   t.Calibration,
			Issuer:    "caf",
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
		},
		State: string(t.To),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Key)
}

// Verify a token signed by the key.
//
// # Returns
//
// - *Claims: claims in the token.
//
// - error: ErrInvalidToken when the token is malformed, expired or has a wrong signature.
func Verify(key []byte, token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected algorithm: %s", t.Method.Alg())
		}
		return key, nil
	})
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	return claims, nil
}
