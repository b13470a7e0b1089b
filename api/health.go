package api

import (
	"net/http"
	"time"

	"goa.design/clue/health"
)

// health serves the detailed status: uptime, version, and backing store
// health including pool statistics. Degraded dependencies turn the response
// into a 503 so load balancers stop routing here.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
		"version":       s.opts.Version,
	}
	status := http.StatusOK
	if s.opts.StoreStatus != nil {
		healthy, details := s.opts.StoreStatus(r.Context())
		for k, v := range details {
			body[k] = v
		}
		if !healthy {
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, body)
}

// ready is the readiness probe: every registered pinger must answer.
func (s *Server) ready() http.HandlerFunc {
	if len(s.opts.Pingers) == 0 {
		return func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		}
	}
	return health.Handler(health.NewChecker(s.opts.Pingers...))
}

func (s *Server) alive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}
