// Package auth implements the authentication gate: HMAC-signed bearer
// tokens, the login/refresh/switch-tenant service, and the HTTP pre-handlers
// that install a tenant.Context on every authenticated request.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidToken covers malformed tokens and signature mismatches.
var ErrInvalidToken = errors.New("invalid token")

// ErrExpiredToken is returned for a well-signed token past its expiry.
var ErrExpiredToken = errors.New("token expired")

type (
	// Claims is the signed token payload. The platform-admin flag lives in
	// the token, not in a database lookup, so the repository layer can honor
	// it without a round trip.
	Claims struct {
		UserID        string   `json:"userId"`
		TenantID      string   `json:"tenantId,omitempty"`
		Roles         []string `json:"roles,omitempty"`
		Permissions   []string `json:"permissions,omitempty"`
		PlatformAdmin bool     `json:"platformAdmin,omitempty"`
		IssuedAt      int64    `json:"iat"`
		ExpiresAt     int64    `json:"exp"`
	}

	// Signer signs and verifies bearer tokens with a shared HMAC-SHA256
	// secret. Tokens are payload.signature with URL-safe base64 parts.
	Signer struct {
		secret []byte
		ttl    time.Duration
		now    func() time.Time
	}
)

// NewSigner constructs a Signer. The secret is required; ttl bounds token
// validity from issuance.
func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("signing secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Sign issues a token for the claims. Zero IssuedAt/ExpiresAt are stamped
// from the signer's clock and ttl.
func (s *Signer) Sign(c Claims) (string, error) {
	now := s.now().UTC()
	if c.IssuedAt == 0 {
		c.IssuedAt = now.Unix()
	}
	if c.ExpiresAt == 0 {
		c.ExpiresAt = now.Add(s.ttl).Unix()
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	enc := base64.RawURLEncoding.EncodeToString(payload)
	return enc + "." + s.sign(enc), nil
}

// Verify checks the signature and expiry and returns the claims.
func (s *Signer) Verify(token string) (Claims, error) {
	return s.verify(token, 0)
}

// VerifyWithGrace accepts tokens expired by at most grace. The refresh
// endpoint uses it; every other caller verifies strictly.
func (s *Signer) VerifyWithGrace(token string, grace time.Duration) (Claims, error) {
	return s.verify(token, grace)
}

func (s *Signer) verify(token string, grace time.Duration) (Claims, error) {
	enc, sig, ok := strings.Cut(token, ".")
	if !ok || enc == "" || sig == "" {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(s.sign(enc)), []byte(sig)) {
		return Claims{}, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if c.UserID == "" || c.ExpiresAt == 0 {
		return Claims{}, ErrInvalidToken
	}
	expiry := time.Unix(c.ExpiresAt, 0).Add(grace)
	if s.now().After(expiry) {
		return Claims{}, ErrExpiredToken
	}
	return c, nil
}

func (s *Signer) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
