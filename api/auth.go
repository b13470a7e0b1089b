package api

import (
	"net/http"
	"strings"

	"github.com/fieldline/fieldline/auth"
	"github.com/fieldline/fieldline/tenant"
)

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		respondBadRequest(w, "email and password are required")
		return
	}
	sess, err := s.opts.Auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		s.respondError(w, r, auth.ErrInvalidToken)
		return
	}
	fresh, err := s.opts.Auth.Refresh(r.Context(), token)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": fresh})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	tc, _ := tenant.FromContext(r.Context())
	u, memberships, err := s.opts.Auth.Me(r.Context(), tc)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":        u,
		"memberships": memberships,
		"tenantId":    tc.TenantID,
		"roles":       tc.Roles,
		"permissions": tc.Permissions,
	})
}

func (s *Server) switchTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenantId"`
	}
	if err := decode(r, &req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	if req.TenantID == "" {
		respondBadRequest(w, "tenantId is required")
		return
	}
	tc, _ := tenant.FromContext(r.Context())
	token, err := s.opts.Auth.SwitchTenant(r.Context(), tc, req.TenantID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
