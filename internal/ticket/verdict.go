package ticket

import "strings"

// NormalizeVerdict implements the Tool Verdict Normalizer (spec.md 4.G). It
// accepts either a bare string ("proceed", "DEFER", "BLOCK") or an object
// shaped {status, reason?} and produces a canonical ToolVerdict. Unparseable
// input yields ok=false and the caller should report {status: null, raw,
// invalid_status} rather than writing a verdict.
func NormalizeVerdict(raw any) (v ToolVerdict, ok bool) {
	switch val := raw.(type) {
	case string:
		return normalizeVerdictStatus(val, "")
	case map[string]any:
		status, _ := val["status"].(string)
		reason, _ := val["reason"].(string)
		return normalizeVerdictStatus(status, reason)
	default:
		return ToolVerdict{}, false
	}
}

func normalizeVerdictStatus(status, reason string) (ToolVerdict, bool) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case string(VerdictProceed):
		return ToolVerdict{Status: VerdictProceed, Reason: reason}, true
	case string(VerdictDefer):
		return ToolVerdict{Status: VerdictDefer, Reason: reason}, true
	case string(VerdictBlock):
		return ToolVerdict{Status: VerdictBlock, Reason: reason}, true
	default:
		return ToolVerdict{}, false
	}
}

// VerdictFromOutputs resolves the tool_verdict to use at Complete-time: the
// spec's read precedence is outputs.tool_verdict over the ticket's existing
// tool_verdict, and no legacy locations are ever consulted.
func VerdictFromOutputs(outputs map[string]any, existing *ToolVerdict) (v ToolVerdict, ok bool) {
	if outputs != nil {
		if raw, present := outputs["tool_verdict"]; present {
			return NormalizeVerdict(raw)
		}
	}
	if existing != nil {
		return *existing, true
	}
	return ToolVerdict{}, false
}
