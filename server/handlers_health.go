package server

import (
	"fmt"
	"net/http"
	"sort"
)

// HandleHealthz responds to liveness probes. The process being able to answer
// is the whole check.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once both network sessions are up and, when
// persistence is configured, the database answers.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	type check struct {
		name string
		fn   func() error
	}
	var checks []check

	names := make([]string, 0, len(h.deps.Adapters))
	for name := range h.deps.Adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		up := h.deps.Adapters[name]
		checks = append(checks, check{name, func() error {
			if !up() {
				return fmt.Errorf("%s session down", name)
			}
			return nil
		}})
	}
	if h.deps.DB != nil {
		checks = append(checks, check{"database", func() error { return h.deps.DB.PingContext(r.Context()) }})
	}

	for _, c := range checks {
		if err := c.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": c.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
