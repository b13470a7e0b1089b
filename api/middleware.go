package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/fieldline/fieldline/tenant"
)

// requestID assigns a request id when the caller did not send one and echoes
// it back. The auth gate reads the header when building the tenant context,
// so the id is installed on the request before the gate runs.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// recoverer converts handler panics into opaque 500s.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.opts.Logger.Error(r.Context(), "handler panic", "panic", rec, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, "internal", "internal error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// recordMetrics times each request on the duration histogram, labeled by
// method, chi route pattern, status, and tenant.
func (s *Server) recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		bucket := "anonymous"
		if tc, ok := tenant.FromContext(r.Context()); ok && tc.TenantID != "" {
			bucket = tc.TenantID
		}
		s.opts.Metrics.HTTPRequest(r.Method, route, strconv.Itoa(ww.Status()), bucket, time.Since(start))
	})
}

// limit enforces the per-tenant quota for one endpoint group. It runs after
// the auth gate so the tenant context is present.
func (s *Server) limit(group string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.opts.Limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			tc, ok := tenant.FromContext(r.Context())
			if !ok {
				// Unauthenticated endpoints bucket by client address.
				tc = tenant.Context{UserID: remoteHost(r)}
			}
			if err := s.opts.Limiter.Allow(tc, group); err != nil {
				s.respondError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func remoteHost(r *http.Request) string {
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
