package space

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// PeerAuth issues and validates short-lived admission tokens scoped to a
// given agent id. Space.Add and the transports do not call VerifyToken, so
// a Space accepts every Add regardless of tokens.
type PeerAuth struct {
	secret []byte
	ttl    time.Duration
}

// NewPeerAuth builds a PeerAuth signing/verifying with secret. ttl bounds
// how long an issued token remains valid; zero defaults to one hour.
func NewPeerAuth(secret string, ttl time.Duration) *PeerAuth {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &PeerAuth{secret: []byte(secret), ttl: ttl}
}

type peerClaims struct {
	AgentID string `json:"agent_id"`
	jwt.RegisteredClaims
}

// IssueToken mints a token admitting agentID for the configured ttl.
func (p *PeerAuth) IssueToken(agentID string) (string, error) {
	now := time.Now()
	claims := peerClaims{
		AgentID: agentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("space: issue peer token: %w", err)
	}
	return token, nil
}

// VerifyToken checks that token was issued by this PeerAuth, is unexpired,
// and admits exactly agentID.
func (p *PeerAuth) VerifyToken(agentID, token string) error {
	claims := &peerClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		return fmt.Errorf("space: invalid peer token: %w", err)
	}
	if !parsed.Valid {
		return fmt.Errorf("space: peer token rejected")
	}
	if claims.AgentID != agentID {
		return fmt.Errorf("space: peer token admits %q, not %q", claims.AgentID, agentID)
	}
	return nil
}

// HashSecret and CheckSecret back static peer secrets distributed out of
// band (e.g. an AMQP vhost's basic-auth credentials), grounded on the
// bcrypt usage in eldtechnologies-aicq/internal/handlers/room.go.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("space: hash peer secret: %w", err)
	}
	return string(hash), nil
}

// CheckSecret reports whether secret matches hash produced by HashSecret.
func CheckSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
