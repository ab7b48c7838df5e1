package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gatewarden/gatewarden/internal/domain/scan"
	"github.com/gatewarden/gatewarden/internal/service"
)

// StorePinger is implemented by counter stores with a remote backend.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// StoreSizer is implemented by in-process counter stores.
type StoreSizer interface {
	Size() int
}

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "degraded"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// HealthChecker verifies component health. Only the counter store and
// the journal can mark the gateway degraded; everything else reports
// informationally.
type HealthChecker struct {
	store   any // StorePinger or StoreSizer
	journal *service.JournalService
	actors  *scan.ActorTable
	version string
}

// NewHealthChecker creates a HealthChecker with optional components.
// Pass nil for components that aren't available.
func NewHealthChecker(store any, journal *service.JournalService, actors *scan.ActorTable, version string) *HealthChecker {
	return &HealthChecker{
		store:   store,
		journal: journal,
		actors:  actors,
		version: version,
	}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	switch s := h.store.(type) {
	case StorePinger:
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := s.Ping(pingCtx)
		cancel()
		if err != nil {
			// Rate limiting fails open on store errors, so the gateway
			// keeps serving but reports the degradation.
			checks["counter_store"] = fmt.Sprintf("degraded: %v", err)
			healthy = false
		} else {
			checks["counter_store"] = "ok"
		}
	case StoreSizer:
		checks["counter_store"] = fmt.Sprintf("ok: %d buckets", s.Size())
	default:
		checks["counter_store"] = "not configured"
	}

	if h.journal != nil {
		depth := h.journal.ChannelDepth()
		capacity := h.journal.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}

		if percentFull > 90 {
			// >90% full means the sink is not keeping up.
			checks["journal"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["journal"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}

		if drops := h.journal.DroppedEntries(); drops > 0 {
			checks["journal_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["journal"] = "not configured"
	}

	if h.actors != nil {
		checks["suspicious_actors"] = fmt.Sprintf("%d tracked", h.actors.Size())
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
