// Package metrics implements the counters and gauges named in spec.md 4.K.
// There is no external metrics library wired here: the teacher
// (vsavkov-kilroy) never imports one either, and /metrics renders a JSON
// snapshot rather than Prometheus exposition text (spec.md 6.1), so a small
// mutex-guarded counter map is the idiomatic match for this teacher's style.
package metrics

import "sync"

// Registry holds every counter and gauge the orchestrator exposes on
// GET /metrics.
type Registry struct {
	mu sync.Mutex

	guardRejects      map[guardKey]uint64
	requiredUnavail   map[string]uint64
	readinessDegraded bool
	requiredReady     map[string]bool
	optionalReady     map[string]bool
	readinessAsOf     string
}

type guardKey struct {
	code   string
	action string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		guardRejects:    make(map[guardKey]uint64),
		requiredUnavail: make(map[string]uint64),
		requiredReady:   make(map[string]bool),
		optionalReady:   make(map[string]bool),
	}
}

// IncGuardReject increments ticket_store_guard_reject_total{code,action}.
func (r *Registry) IncGuardReject(code, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guardRejects[guardKey{code: code, action: action}]++
}

// IncRequiredUnavailable increments
// required_unavailable_total{depKey|MCP_REQUIRED_UNAVAILABLE} by 1.
func (r *Registry) IncRequiredUnavailable(depKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requiredUnavail[depKey+"|MCP_REQUIRED_UNAVAILABLE"]++
}

// SetReadinessSnapshot records the latest readiness evaluation as a gauge.
func (r *Registry) SetReadinessSnapshot(degraded bool, required, optional map[string]bool, asOf string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readinessDegraded = degraded
	r.requiredReady = cloneBoolMap(required)
	r.optionalReady = cloneBoolMap(optional)
	r.readinessAsOf = asOf
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Snapshot is the JSON-serializable view returned by GET /metrics.
type Snapshot struct {
	GuardRejects      []GuardRejectCount `json:"guard_rejects"`
	RequiredUnavail   map[string]uint64  `json:"required_unavailable_total"`
	ReadinessDegraded bool               `json:"readiness_degraded"`
	RequiredReady     map[string]bool    `json:"required_ready"`
	OptionalReady     map[string]bool    `json:"optional_ready"`
	ReadinessAsOf     string             `json:"readiness_as_of,omitempty"`
}

// GuardRejectCount is one {code, action, count} row in the snapshot.
type GuardRejectCount struct {
	Code   string `json:"code"`
	Action string `json:"action"`
	Count  uint64 `json:"count"`
}

// Snapshot returns a point-in-time copy of every counter and gauge.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	rejects := make([]GuardRejectCount, 0, len(r.guardRejects))
	for k, v := range r.guardRejects {
		rejects = append(rejects, GuardRejectCount{Code: k.code, Action: k.action, Count: v})
	}
	return Snapshot{
		GuardRejects:      rejects,
		RequiredUnavail:   cloneUintMap(r.requiredUnavail),
		ReadinessDegraded: r.readinessDegraded,
		RequiredReady:     cloneBoolMap(r.requiredReady),
		OptionalReady:     cloneBoolMap(r.optionalReady),
		ReadinessAsOf:     r.readinessAsOf,
	}
}

func cloneUintMap(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
