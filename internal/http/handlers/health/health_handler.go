package health

import (
	"amqpav/internal/http/responses"
	"context"
	"net/http"
)

// Pinger is anything the health check can ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	checks map[string]Pinger
}

// NewHandler builds a health handler over the named dependencies. Nil
// pingers are skipped, so optional services can be passed unconditionally.
func NewHandler(checks map[string]Pinger) *Handler {
	h := &Handler{checks: make(map[string]Pinger, len(checks))}
	for name, p := range checks {
		if p != nil {
			h.checks[name] = p
		}
	}
	return h
}

type checkResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Check pings every dependency and reports 503 if any of them fails.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	resp := checkResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}

	for name, p := range h.checks {
		if err := p.Ping(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	responses.WriteJSON(w, status, resp)
}
