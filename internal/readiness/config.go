package readiness

// KnownProviders is the build-time partition of dependency providers into
// required and optional sets, per spec.md 4.D ("configurable at build, not
// runtime"). memory and schema are required because every HTTP-admitted
// operation eventually touches the ticket store or the evidence schema
// registry; mcp and tool_gateway are optional collaborators that degrade the
// snapshot without blocking admission, except where an endpoint lists one in
// EndpointDependencies (/v1/tools/execute gates on tool_gateway).
var (
	RequiredProviders = []string{"memory", "schema"}
	OptionalProviders = []string{"mcp", "tool_gateway"}
)

// EndpointDependencies names the extra dep keys specific HTTP endpoints gate
// admission on, beyond the universal required set.
var EndpointDependencies = map[string][]string{
	"/v1/tickets/lease":     {"memory"},
	"/v1/tickets/fill":      {"memory"},
	"/v1/triage/batch":      {"memory"},
	"/v1/tools/execute":     {"memory", "tool_gateway"},
}

// NewDefault builds an Evaluator wired with the default provider partition.
func NewDefault() *Evaluator {
	return New(RequiredProviders, OptionalProviders, EndpointDependencies)
}
