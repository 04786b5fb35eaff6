package httpapi

import (
	"net/http"
	"time"

	"github.com/avery-chen/ticketflow/internal/readiness"
)

// metricsSnapshot is GET /metrics's rendered body: the metrics registry's
// counters alongside the store's live ticket/reply counts, per SPEC_FULL.md
// 4.K. There is no Prometheus exposition here, matching the registry's own
// JSON-snapshot design.
type metricsSnapshot struct {
	GuardRejects      any `json:"guard_rejects"`
	RequiredUnavail   any `json:"required_unavailable_total"`
	ReadinessDegraded any `json:"readiness_degraded"`
	RequiredReady     any `json:"required_ready"`
	OptionalReady     any `json:"optional_ready"`
	ReadinessAsOf     any `json:"readiness_as_of,omitempty"`
	Tickets           any `json:"tickets"`
	Replies           any `json:"replies"`
}

// handleMetrics implements GET /metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	snap := s.readiness.Evaluate(now)
	s.metrics.SetReadinessSnapshot(snap.Degraded, readyMap(snap.Required), readyMap(snap.Optional), now.Format(time.RFC3339))

	m := s.metrics.Snapshot()
	writeJSON(w, http.StatusOK, metricsSnapshot{
		GuardRejects:      m.GuardRejects,
		RequiredUnavail:   m.RequiredUnavail,
		ReadinessDegraded: m.ReadinessDegraded,
		RequiredReady:     m.RequiredReady,
		OptionalReady:     m.OptionalReady,
		ReadinessAsOf:     m.ReadinessAsOf,
		Tickets:           s.store.CountByStatus(),
		Replies:           s.store.ReplyCountsByStatus(),
	})
}

func readyMap(in map[string]readiness.DepState) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v.Ready
	}
	return out
}

// handleHealth implements GET /health, rendering the readiness snapshot as
// {status, required, optional, at}; status is "degraded" when any dep is
// unready, else "ok". It always answers 200: /health is a diagnostic
// surface, the 503 admission gate lives on the individual write endpoints.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	snap := s.readiness.Evaluate(now)
	status := "ok"
	if snap.Degraded {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"required": snap.Required,
		"optional": snap.Optional,
		"at":       snap.AsOf,
	})
}
