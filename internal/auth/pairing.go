// Package auth issues and validates the pairing tokens that authenticate
// the websocket link between the two nodes. Tokens assert the peer's node
// role; payload integrity is out of scope.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	pairingIssuer   = "dripsync-pairing"
	pairingAudience = "dripsync-transport"
	defaultTokenTTL = 24 * time.Hour
)

var (
	errMissingPairingSecret = errors.New("pairing secret must be provided")
	errMissingNodeRole      = errors.New("node role claim must be provided")
)

// PairingConfig configures the token issuer/validator. Both nodes share the
// same secret, established at pairing time.
type PairingConfig struct {
	Secret   []byte
	TokenTTL time.Duration
	Clock    func() time.Time
}

// Pairing issues and validates HMAC-signed pairing tokens.
type Pairing struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// NewPairing constructs a Pairing with sane defaults.
func NewPairing(cfg PairingConfig) *Pairing {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Pairing{secret: cfg.Secret, ttl: ttl, clock: clock}
}

// IssueToken produces a signed token asserting this node's role.
func (p *Pairing) IssueToken(nodeRole string) (string, error) {
	if len(p.secret) == 0 {
		return "", errMissingPairingSecret
	}
	if nodeRole == "" {
		return "", errMissingNodeRole
	}

	now := p.clock().UTC()
	registered := jwt.RegisteredClaims{
		Subject:   nodeRole,
		Issuer:    pairingIssuer,
		Audience:  []string{pairingAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	return token.SignedString(p.secret)
}

// ValidateToken checks the token and returns the peer's node role.
func (p *Pairing) ValidateToken(tokenString string) (string, error) {
	if len(p.secret) == 0 {
		return "", errMissingPairingSecret
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return p.secret, nil
		},
		jwt.WithAudience(pairingAudience),
		jwt.WithIssuer(pairingIssuer),
		jwt.WithTimeFunc(p.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingNodeRole
	}
	return claims.Subject, nil
}
