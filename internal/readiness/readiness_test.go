package readiness

import (
	"testing"
	"time"
)

func TestDefaultsUnreadyAndDegraded(t *testing.T) {
	e := New([]string{"memory"}, []string{"mcp"}, nil)
	snap := e.Evaluate(time.Now())
	if !snap.Degraded {
		t.Fatalf("want degraded with no reported state")
	}
	if snap.Required["memory"].Code != "DEP_UNAVAILABLE" {
		t.Fatalf("want DEP_UNAVAILABLE, got %+v", snap.Required["memory"])
	}
}

func TestReportStateClearsDegraded(t *testing.T) {
	e := New([]string{"memory"}, []string{"mcp"}, nil)
	e.ReportState("memory", DepState{Ready: true})
	e.ReportState("mcp", DepState{Ready: true})
	snap := e.Evaluate(time.Now())
	if snap.Degraded {
		t.Fatalf("want not degraded once all deps ready")
	}
}

func TestOptionalUnreadyStillDegradesButDoesNotBlock(t *testing.T) {
	e := New([]string{"memory"}, []string{"mcp"}, map[string][]string{"/v1/tickets/lease": {"memory"}})
	e.ReportState("memory", DepState{Ready: true})
	snap := e.Evaluate(time.Now())
	if !snap.Degraded {
		t.Fatalf("optional dep unready should still mark the snapshot degraded")
	}
	missing := e.MissingRequired(e.EndpointDeps("/v1/tickets/lease"))
	if len(missing) != 0 {
		t.Fatalf("memory is ready, lease endpoint should have no missing required deps, got %v", missing)
	}
}

func TestMissingRequiredForGatedEndpoint(t *testing.T) {
	e := NewDefault()
	missing := e.MissingRequired(e.EndpointDeps("/v1/tickets/lease"))
	if len(missing) != 1 || missing[0] != "memory" {
		t.Fatalf("want [memory] missing, got %v", missing)
	}
}

func TestValidateRejectsHTTPLayerCode(t *testing.T) {
	e := New([]string{"memory"}, nil, nil)
	e.ReportState("memory", DepState{Ready: false, Code: "HTTP_502"})
	if err := e.Validate(); err == nil {
		t.Fatalf("want ConfigError for HTTP-layer code on a required dep")
	}

	e2 := New([]string{"memory"}, nil, nil)
	e2.ReportState("memory", DepState{Ready: false, Code: "MCP_REQUIRED_UNAVAILABLE"})
	if err := e2.Validate(); err == nil {
		t.Fatalf("want ConfigError for MCP_REQUIRED_UNAVAILABLE itself on a required dep")
	}
}

func TestValidatePassesForLegitimateProviderCode(t *testing.T) {
	e := New([]string{"memory"}, nil, nil)
	e.ReportState("memory", DepState{Ready: false, Code: "DEP_UNAVAILABLE"})
	if err := e.Validate(); err != nil {
		t.Fatalf("Validate: unexpected error %v", err)
	}
}
