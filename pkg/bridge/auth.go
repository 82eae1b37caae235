package bridge

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const pairingTokenTTL = 30 * 24 * time.Hour

// Pairing authenticates websocket connections from the injected UI. The
// companion prints a signed pairing token on startup; the extension presents
// it on connect. An empty secret disables pairing entirely, which is the
// loopback-only default.
type Pairing struct {
	secret []byte
}

// NewPairing creates a Pairing from the shared secret. Returns nil when the
// secret is empty, meaning no authentication is required.
func NewPairing(secret string) *Pairing {
	if secret == "" {
		return nil
	}
	return &Pairing{secret: []byte(secret)}
}

// IssueToken signs a pairing token for one client.
func (p *Pairing) IssueToken(clientID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": "optibridge",
		"sub": clientID,
		"exp": jwt.NewNumericDate(now.Add(pairingTokenTTL)),
		"iat": jwt.NewNumericDate(now),
		"nbf": jwt.NewNumericDate(now),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign pairing token: %w", err)
	}
	return signed, nil
}

// Verify checks a presented pairing token and returns its subject.
func (p *Pairing) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("invalid pairing token: %w", err)
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("invalid pairing token: %w", err)
	}
	return subject, nil
}
