package evidence

import "sort"

// Artifact is one file listed in an evidence manifest. SHA256 is a pointer
// so the manifest's own not-yet-computed self-entry serializes as JSON null
// rather than the empty string (spec.md 3.3.7).
type Artifact struct {
	Kind   string  `json:"kind"`
	Path   string  `json:"path"`
	Bytes  int64   `json:"bytes,omitempty"`
	SHA256 *string `json:"sha256"`
}

// Check is one manifest-level assertion about the run (e.g. the guarded
// rejection that triggered it).
type Check struct {
	Name        string   `json:"name"`
	OK          bool     `json:"ok"`
	ReasonCodes []string `json:"reason_codes,omitempty"`
	DetailsRef  string   `json:"details_ref,omitempty"`
}

// StepReport is one entry in run_report_v1.steps.
type StepReport struct {
	StepIndex    int    `json:"step_index"`
	ToolName     string `json:"tool_name"`
	Status       string `json:"status"`
	Code         string `json:"code"`
	ResultSummary string `json:"result_summary"`
}

// RunReport is the run_report_v1.json document (spec.md 4.H step 4).
type RunReport struct {
	Ver   int          `json:"ver"`
	Steps []StepReport `json:"steps"`
}

// Manifest is the evidence_manifest_v1 document.
type Manifest struct {
	Ver            int        `json:"ver"`
	EvidenceRunID  string     `json:"evidence_run_id"`
	ModeSnapshotRef string    `json:"mode_snapshot_ref"`
	Artifacts      []Artifact `json:"artifacts"`
	Checks         []Check    `json:"checks"`
	ReasonCodes    []string   `json:"reason_codes"`
}

// SelfHash is the manifest_self_hash_v1.json document.
type SelfHash struct {
	Algo         string `json:"algo"`
	Canonicalizer string `json:"canonicalizer"`
	Value        string `json:"value"`
}

// SortManifest applies spec.md 4.H step 6's deterministic ordering:
// artifacts by (kind, path), checks by name, reason_codes sorted+deduped.
func SortManifest(m *Manifest) {
	sort.Slice(m.Artifacts, func(i, j int) bool {
		if m.Artifacts[i].Kind != m.Artifacts[j].Kind {
			return m.Artifacts[i].Kind < m.Artifacts[j].Kind
		}
		return m.Artifacts[i].Path < m.Artifacts[j].Path
	})
	sort.Slice(m.Checks, func(i, j int) bool {
		return m.Checks[i].Name < m.Checks[j].Name
	})
	m.ReasonCodes = sortDedup(m.ReasonCodes)
}

func sortDedup(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// toMap renders m as a generic map tree for canonical stringification,
// matching the manifest's JSON field names.
func (m Manifest) toMap(omitSelfHashArtifact bool, zeroSelfSHA bool) map[string]any {
	artifacts := make([]any, 0, len(m.Artifacts))
	for _, a := range m.Artifacts {
		if omitSelfHashArtifact && a.Kind == "manifest_self_hash_v1" {
			continue
		}
		var sha string
		if a.SHA256 != nil {
			sha = *a.SHA256
		}
		if zeroSelfSHA && a.Kind == "evidence_manifest_v1" {
			sha = ""
		}
		entry := map[string]any{
			"kind": a.Kind,
			"path": a.Path,
		}
		if a.Bytes > 0 {
			entry["bytes"] = float64(a.Bytes)
		}
		if sha == "" {
			entry["sha256"] = nil
		} else {
			entry["sha256"] = sha
		}
		artifacts = append(artifacts, entry)
	}

	checks := make([]any, 0, len(m.Checks))
	for _, c := range m.Checks {
		entry := map[string]any{
			"name": c.Name,
			"ok":   c.OK,
		}
		if len(c.ReasonCodes) > 0 {
			rc := make([]any, len(c.ReasonCodes))
			for i, r := range c.ReasonCodes {
				rc[i] = r
			}
			entry["reason_codes"] = rc
		}
		if c.DetailsRef != "" {
			entry["details_ref"] = c.DetailsRef
		}
		checks = append(checks, entry)
	}

	reasonCodes := make([]any, len(m.ReasonCodes))
	for i, r := range m.ReasonCodes {
		reasonCodes[i] = r
	}

	return map[string]any{
		"ver":               float64(m.Ver),
		"evidence_run_id":   m.EvidenceRunID,
		"mode_snapshot_ref": m.ModeSnapshotRef,
		"artifacts":         artifacts,
		"checks":            checks,
		"reason_codes":      reasonCodes,
	}
}
