package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	GuestTokenHeader = "X-Guest-Token"
	guestIssuer      = "bus-ticket"
	guestPrefix      = "guest_"
)

var ErrInvalidGuestToken = errors.New("security: invalid guest token")

// GuestToken is a signed guest session. The session id doubles as the
// guest's holder id in the seat lock table.
type GuestToken struct {
	Token     string    `json:"token"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GuestTokens issues and checks HS256 guest session tokens.
type GuestTokens struct {
	secret []byte
	ttl    time.Duration
	clock  clockwork.Clock
}

func NewGuestTokens(secret string, ttl time.Duration, clock clockwork.Clock) (*GuestTokens, error) {
	if secret == "" {
		return nil, errors.New("security: guest token secret is empty")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &GuestTokens{secret: []byte(secret), ttl: ttl, clock: clock}, nil
}

func (g *GuestTokens) Issue() (*GuestToken, error) {
	now := g.clock.Now().UTC()
	exp := now.Add(g.ttl)
	sessionID := guestPrefix + uuid.NewString()

	claims := jwt.RegisteredClaims{
		Issuer:    guestIssuer,
		Subject:   sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return nil, fmt.Errorf("security: sign guest token: %w", err)
	}
	return &GuestToken{Token: signed, SessionID: sessionID, ExpiresAt: exp}, nil
}

// Verify returns the guest session id carried by raw.
func (g *GuestTokens) Verify(raw string) (string, error) {
	var claims jwt.RegisteredClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return g.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(guestIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.clock.Now),
	)
	if err != nil || !tok.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidGuestToken, err)
	}
	if claims.Subject == "" {
		return "", ErrInvalidGuestToken
	}
	return claims.Subject, nil
}
