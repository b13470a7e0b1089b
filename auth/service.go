package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/fieldline/fieldline/engine/telemetry"
	"github.com/fieldline/fieldline/store"
	"github.com/fieldline/fieldline/tenant"
)

// RefreshGrace is how long past expiry a token can still be refreshed.
const RefreshGrace = time.Hour

// ErrInvalidCredentials is returned for an unknown email or wrong password.
// Both cases share one error so accounts cannot be enumerated.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrNoMembership is returned when switching to a tenant the user does not
// belong to.
var ErrNoMembership = errors.New("no membership in tenant")

type (
	// Session is the login result: the signed token plus the user and their
	// memberships for tenant pickers.
	Session struct {
		Token       string              `json:"token"`
		User        *store.User         `json:"user"`
		Memberships []*store.Membership `json:"memberships"`
	}

	// Service implements login, refresh, me, and tenant switching on top of
	// the identity store and the token signer.
	Service struct {
		identity store.IdentityStore
		signer   *Signer
		logger   telemetry.Logger
	}
)

// NewService constructs the auth service. A nil logger is substituted with a
// noop.
func NewService(identity store.IdentityStore, signer *Signer, logger telemetry.Logger) *Service {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Service{identity: identity, signer: signer, logger: logger}
}

// Login verifies the password and issues a token bound to the user's first
// membership tenant. Platform admins without memberships get an unbound
// admin token.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	u, err := s.identity.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	memberships, err := s.identity.Memberships(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	claims := Claims{UserID: u.ID, PlatformAdmin: u.PlatformAdmin}
	if len(memberships) > 0 {
		claims.TenantID = memberships[0].TenantID
		claims.Roles = memberships[0].Roles
		claims.Permissions = memberships[0].Permissions
	}
	if claims.TenantID == "" && !u.PlatformAdmin {
		return nil, fmt.Errorf("%w: user has no tenant membership", ErrInvalidCredentials)
	}
	token, err := s.signer.Sign(claims)
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "login", "userId", u.ID, "tenantId", claims.TenantID)
	return &Session{Token: token, User: u, Memberships: memberships}, nil
}

// Refresh exchanges a token for a fresh one with extended expiry. Tokens
// expired by less than RefreshGrace are still accepted.
func (s *Service) Refresh(ctx context.Context, token string) (string, error) {
	claims, err := s.signer.VerifyWithGrace(token, RefreshGrace)
	if err != nil {
		return "", err
	}
	if _, err := s.identity.UserByID(ctx, claims.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrInvalidToken
		}
		return "", err
	}
	claims.IssuedAt = 0
	claims.ExpiresAt = 0
	return s.signer.Sign(claims)
}

// Me returns the current user and memberships for the authenticated context.
func (s *Service) Me(ctx context.Context, tc tenant.Context) (*store.User, []*store.Membership, error) {
	u, err := s.identity.UserByID(ctx, tc.UserID)
	if err != nil {
		return nil, nil, err
	}
	memberships, err := s.identity.Memberships(ctx, tc.UserID)
	if err != nil {
		return nil, nil, err
	}
	return u, memberships, nil
}

// SwitchTenant issues a token bound to another tenant. Non-admin callers must
// hold a membership there; the membership's roles and permissions replace the
// current ones.
func (s *Service) SwitchTenant(ctx context.Context, tc tenant.Context, tenantID string) (string, error) {
	if _, err := s.identity.TenantByID(ctx, tenantID); err != nil {
		return "", err
	}
	claims := Claims{UserID: tc.UserID, TenantID: tenantID, PlatformAdmin: tc.PlatformAdmin}
	if !tc.PlatformAdmin {
		memberships, err := s.identity.Memberships(ctx, tc.UserID)
		if err != nil {
			return "", err
		}
		found := false
		for _, m := range memberships {
			if m.TenantID == tenantID {
				claims.Roles = m.Roles
				claims.Permissions = m.Permissions
				found = true
				break
			}
		}
		if !found {
			return "", ErrNoMembership
		}
	}
	return s.signer.Sign(claims)
}
