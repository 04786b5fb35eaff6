// Package readiness implements the Readiness Evaluator & Dependency Gate
// (spec.md 4.D). It aggregates per-provider dep-state into a single snapshot
// and backs the HTTP surface's 503 admission gate.
package readiness

import (
	"strings"
	"sync"
	"time"
)

// DepState is the reported state of one dependency provider.
type DepState struct {
	Ready  bool   `json:"ready"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Snapshot is the immutable, point-in-time readiness picture returned by
// Evaluate; GET /health and GET /metrics render views of it.
type Snapshot struct {
	Degraded bool                `json:"degraded"`
	Required map[string]DepState `json:"required"`
	Optional map[string]DepState `json:"optional"`
	AsOf     time.Time           `json:"as_of"`
}

// EndpointRequirement names the dep keys an HTTP endpoint must have ready
// before it will be admitted.
type EndpointRequirement struct {
	Path     string
	Required []string
}

// Evaluator holds the static, build-time-configured partition of known
// providers into required/optional, plus the most recently reported state of
// each. It is safe for concurrent use.
type Evaluator struct {
	mu sync.Mutex

	requiredKeys []string
	optionalKeys []string
	states       map[string]DepState

	// endpointDeps maps an HTTP path to the dep keys it additionally gates
	// on, per spec.md 4.D's "per-endpoint dependency requirement list".
	endpointDeps map[string][]string
}

// New builds an Evaluator. requiredKeys/optionalKeys partition the known
// provider ids; every provider starts unready (code DEP_UNAVAILABLE) until
// ReportState is called, matching the "missing -> DEP_UNAVAILABLE" rule.
func New(requiredKeys, optionalKeys []string, endpointDeps map[string][]string) *Evaluator {
	e := &Evaluator{
		requiredKeys: append([]string(nil), requiredKeys...),
		optionalKeys: append([]string(nil), optionalKeys...),
		states:       make(map[string]DepState),
		endpointDeps: endpointDeps,
	}
	for _, k := range requiredKeys {
		e.states[k] = DepState{Ready: false, Code: "DEP_UNAVAILABLE"}
	}
	for _, k := range optionalKeys {
		e.states[k] = DepState{Ready: false, Code: "DEP_UNAVAILABLE"}
	}
	return e
}

// Validate fails fast at startup if any required dep's configured code looks
// like an HTTP-layer code, per spec.md 4.D's "Validator rejects that at
// build-time" requirement. Call this once, immediately after New.
func (e *Evaluator) Validate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range e.requiredKeys {
		st := e.states[k]
		if isHTTPLayerCode(st.Code) {
			return &ConfigError{DepKey: k, Code: st.Code}
		}
	}
	return nil
}

func isHTTPLayerCode(code string) bool {
	if code == "MCP_REQUIRED_UNAVAILABLE" {
		return true
	}
	return strings.Contains(strings.ToUpper(code), "HTTP")
}

// ConfigError is returned by Validate when a required dep is misconfigured
// with an HTTP-layer code.
type ConfigError struct {
	DepKey string
	Code   string
}

func (e *ConfigError) Error() string {
	return "readiness: required dep " + e.DepKey + " configured with HTTP-layer code " + e.Code
}

// ReportState updates a provider's last-known state. Unknown keys are
// accepted so a provider can be wired without a config change, but it is
// never considered required unless it appears in requiredKeys.
func (e *Evaluator) ReportState(key string, st DepState) {
	if st.Code == "" && !st.Ready {
		st.Code = "DEP_UNAVAILABLE"
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[key] = st
}

// Evaluate returns the current readiness snapshot. degraded is true if any
// dep (required or optional) is not ready.
func (e *Evaluator) Evaluate(now time.Time) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	required := make(map[string]DepState, len(e.requiredKeys))
	optional := make(map[string]DepState, len(e.optionalKeys))
	degraded := false

	for _, k := range e.requiredKeys {
		st := e.states[k]
		required[k] = st
		if !st.Ready {
			degraded = true
		}
	}
	for _, k := range e.optionalKeys {
		st := e.states[k]
		optional[k] = st
		if !st.Ready {
			degraded = true
		}
	}

	return Snapshot{Degraded: degraded, Required: required, Optional: optional, AsOf: now.UTC()}
}

// MissingRequired returns the required dep keys that are currently not
// ready, used to populate the canonical 503 body's missing_required list.
func (e *Evaluator) MissingRequired(keys []string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	missing := make([]string, 0, len(keys))
	for _, k := range keys {
		st, ok := e.states[k]
		if !ok || !st.Ready {
			missing = append(missing, k)
		}
	}
	return missing
}

// EndpointDeps returns the dep keys path additionally requires, if any were
// configured for it.
func (e *Evaluator) EndpointDeps(path string) []string {
	return e.endpointDeps[path]
}
