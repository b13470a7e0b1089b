package auth

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/fieldline/fieldline/engine/telemetry"
	"github.com/fieldline/fieldline/store"
	"github.com/fieldline/fieldline/tenant"
)

// Gate is the HTTP pre-handler family. Every variant shares one token
// verification path and differs only in the post-verification assertion.
type Gate struct {
	signer   *Signer
	identity store.IdentityStore
	logger   telemetry.Logger
}

// NewGate constructs the gate. A nil logger is substituted with a noop.
func NewGate(signer *Signer, identity store.IdentityStore, logger telemetry.Logger) *Gate {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Gate{signer: signer, identity: identity, logger: logger}
}

// RequireAuth rejects requests without a valid bearer token and installs the
// tenant context for downstream handlers.
func (g *Gate) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, err := g.authenticate(r)
		if err != nil {
			g.deny(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.WithContext(r.Context(), tc)))
	})
}

// OptionalAuth installs the tenant context when a valid token is present and
// otherwise passes the request through unauthenticated. An invalid token is
// still rejected.
func (g *Gate) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bearer(r) == "" {
			next.ServeHTTP(w, r)
			return
		}
		tc, err := g.authenticate(r)
		if err != nil {
			g.deny(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.WithContext(r.Context(), tc)))
	})
}

// RequirePlatformAdmin rejects callers whose token does not carry the
// platform-admin flag.
func (g *Gate) RequirePlatformAdmin(next http.Handler) http.Handler {
	return g.requireThat(next, func(tc tenant.Context) bool { return tc.PlatformAdmin },
		"platform administrator access required")
}

// RequireTenantAdmin rejects callers who are not admins of the current tenant.
func (g *Gate) RequireTenantAdmin(next http.Handler) http.Handler {
	return g.requireThat(next, func(tc tenant.Context) bool {
		return tc.PlatformAdmin || tc.HasRole("admin")
	}, "tenant administrator access required")
}

// RequirePermission rejects callers missing the given permission.
func (g *Gate) RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return g.requireThat(next, func(tc tenant.Context) bool {
			return tc.HasPermission(perm)
		}, "permission "+perm+" required")
	}
}

func (g *Gate) requireThat(next http.Handler, check func(tenant.Context) bool, msg string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, err := g.authenticate(r)
		if err != nil {
			g.deny(w, r, err)
			return
		}
		if !check(tc) {
			writeError(w, http.StatusForbidden, "forbidden", msg)
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.WithContext(r.Context(), tc)))
	})
}

// authenticate is the single verification path every gate variant runs:
// extract the bearer token, verify signature and expiry, confirm the user
// still exists, and build the immutable tenant context.
func (g *Gate) authenticate(r *http.Request) (tenant.Context, error) {
	token := bearer(r)
	if token == "" {
		return tenant.Context{}, ErrInvalidToken
	}
	claims, err := g.signer.Verify(token)
	if err != nil {
		return tenant.Context{}, err
	}
	if _, err := g.identity.UserByID(r.Context(), claims.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return tenant.Context{}, ErrInvalidToken
		}
		return tenant.Context{}, err
	}
	return tenant.Context{
		UserID:        claims.UserID,
		TenantID:      claims.TenantID,
		Roles:         claims.Roles,
		Permissions:   claims.Permissions,
		PlatformAdmin: claims.PlatformAdmin,
		RequestID:     r.Header.Get("X-Request-Id"),
		IPAddress:     clientIP(r),
		UserAgent:     r.UserAgent(),
	}, nil
}

func (g *Gate) deny(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrExpiredToken):
		writeError(w, http.StatusUnauthorized, "token_expired", "token expired")
	case errors.Is(err, ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
	default:
		g.logger.Error(r.Context(), "auth gate failure", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return token
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if ip, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(ip)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg},
	})
}
