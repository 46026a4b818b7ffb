package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Health is the body returned by HealthHandler.
type Health struct {
	Status    string     `json:"status"`
	Wallets   int        `json:"wallets"`
	Cycles    uint64     `json:"cycles"`
	LastCycle *time.Time `json:"lastCycle,omitempty"`
	LastError string     `json:"lastError,omitempty"`
	TopUps    *int       `json:"topUps,omitempty"`
}

// Health returns the current state of the monitor. The status is "degraded" when the last cycle failed.
func (m *Monitor) Health(ctx context.Context) Health {
	h := Health{Status: "ok", Wallets: m.Subscribed()}

	m.stMu.Lock()
	h.Cycles = m.cycles
	h.LastError = m.lastErr

	if !m.lastCycle.IsZero() {
		t := m.lastCycle
		h.LastCycle = &t
	}
	m.stMu.Unlock()

	if h.LastError != "" {
		h.Status = "degraded"
	}

	if m.audit != nil {
		if es, err := m.audit.Entries(ctx); err == nil {
			n := len(es)
			h.TopUps = &n
		}
	}

	return h
}

// HealthHandler replies the health of the monitor as JSON.
func (m *Monitor) HealthHandler(rw http.ResponseWriter, r *http.Request) {
	h := m.Health(r.Context())

	rw.Header().Set("Content-Type", "application/json;charset=utf8")

	if h.Status != "ok" {
		rw.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(rw).Encode(h)
}
