package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCanonicalizeDropsNilAndNonFinite(t *testing.T) {
	in := map[string]any{
		"a": nil,
		"b": math.NaN(),
		"c": math.Inf(1),
		"d": "keep",
	}
	out := Canonicalize(in).(map[string]any)
	if _, ok := out["a"]; ok {
		t.Fatalf("nil entry must be dropped")
	}
	if out["b"] != nil || out["c"] != nil {
		t.Fatalf("non-finite floats must become nil, got %+v", out)
	}
	if out["d"] != "keep" {
		t.Fatalf("finite values must be preserved")
	}
}

func TestCanonicalJSONStringifyIsKeySorted(t *testing.T) {
	in := map[string]any{"z": 1.0, "a": 2.0, "m": map[string]any{"y": 1.0, "x": 2.0}}
	b, err := CanonicalJSONStringify(in)
	if err != nil {
		t.Fatalf("CanonicalJSONStringify: %v", err)
	}
	want := `{"a":2,"m":{"x":2,"y":1},"z":1}`
	if string(b) != want {
		t.Fatalf("want %s, got %s", want, string(b))
	}
}

func TestSortManifestOrdering(t *testing.T) {
	m := Manifest{
		Artifacts: []Artifact{
			{Kind: "z_kind", Path: "b.json"},
			{Kind: "a_kind", Path: "b.json"},
			{Kind: "a_kind", Path: "a.json"},
		},
		Checks: []Check{
			{Name: "zz"},
			{Name: "aa"},
		},
		ReasonCodes: []string{"b", "a", "a", "c"},
	}
	SortManifest(&m)
	if m.Artifacts[0].Kind != "a_kind" || m.Artifacts[0].Path != "a.json" {
		t.Fatalf("artifacts not sorted by (kind, path): %+v", m.Artifacts)
	}
	if m.Artifacts[1].Path != "b.json" || m.Artifacts[2].Kind != "z_kind" {
		t.Fatalf("artifacts not fully sorted: %+v", m.Artifacts)
	}
	if m.Checks[0].Name != "aa" {
		t.Fatalf("checks not sorted by name: %+v", m.Checks)
	}
	if len(m.ReasonCodes) != 3 || m.ReasonCodes[0] != "a" {
		t.Fatalf("reason_codes not sorted+deduped: %+v", m.ReasonCodes)
	}
}

func TestEmitProducesSelfConsistentManifest(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, nil, GateWarn, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	runID, err := w.Emit(Emission{
		TicketID:    "01JZZZZZZZZZZZZZZZZZZZZZZZ",
		Code:        "lease_owner_mismatch",
		DetailsKind: "lease_debug_v1",
		Details:     map[string]any{"lease_token_hash": "abc123"},
		CheckName:   "guard_rejection_evidence_ok",
		ReasonCodes: []string{"lease_owner_mismatch"},
	}, now)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	runDir := filepath.Join(dir, runID)
	manifestPath := filepath.Join(runDir, "evidence_manifest_v1.json")
	selfHashPath := filepath.Join(runDir, "manifest_self_hash_v1.json")

	manifestBytes, err := os.ReadFile(manifestPath)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var manifest map[string]any
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}

	selfHashBytes, err := os.ReadFile(selfHashPath)
	if err != nil {
		t.Fatalf("read self hash: %v", err)
	}
	var selfHash map[string]any
	if err := json.Unmarshal(selfHashBytes, &selfHash); err != nil {
		t.Fatalf("unmarshal self hash: %v", err)
	}

	// Recompute the self-hash the same way Emit did: canonicalize the
	// manifest with the self-hash artifact entry excluded and the
	// manifest's own sha256 forced to null.
	artifacts := manifest["artifacts"].([]any)
	filtered := make([]any, 0, len(artifacts))
	for _, a := range artifacts {
		am := a.(map[string]any)
		if am["kind"] == "manifest_self_hash_v1" {
			continue
		}
		if am["kind"] == "evidence_manifest_v1" {
			am["sha256"] = nil
		}
		filtered = append(filtered, am)
	}
	manifest["artifacts"] = filtered

	recomputed, err := CanonicalJSONStringify(manifest)
	if err != nil {
		t.Fatalf("CanonicalJSONStringify: %v", err)
	}
	sum := sha256.Sum256(recomputed)
	if got := hex.EncodeToString(sum[:]); selfHash["value"] != got {
		t.Fatalf("self hash value = %v, recomputed %s", selfHash["value"], got)
	}

	if selfHash["algo"] != "sha256" {
		t.Fatalf("want algo sha256, got %v", selfHash["algo"])
	}
	if selfHash["value"] == "" {
		t.Fatalf("want non-empty self hash value")
	}

	// detail artifacts must carry a real sha256, the manifest's own entry
	// must be null.
	for _, a := range artifacts {
		am := a.(map[string]any)
		if am["kind"] == "evidence_manifest_v1" {
			if am["sha256"] != nil {
				t.Fatalf("evidence_manifest_v1 entry must have sha256:null, got %v", am["sha256"])
			}
			continue
		}
		if am["sha256"] == nil || am["sha256"] == "" {
			t.Fatalf("artifact %v missing sha256", am)
		}
	}
}

func TestEmitRollsBackOnInvariantFailure(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, nil, GateWarn, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// A details_kind of run_report_v1 lists a second artifact at
	// run_report_v1.json, so the duplicate-path invariant fails after the
	// run report has already been written.
	_, err := w.Emit(Emission{
		TicketID:    "ticket-1",
		Code:        "x",
		DetailsKind: "run_report_v1",
		Details:     map[string]any{},
		CheckName:   "c1",
	}, now)
	if err == nil {
		t.Fatalf("want an error when manifest invariants fail")
	}
	runDir := filepath.Join(dir, newEvidenceRunID("ticket-1", now))
	if _, statErr := os.Stat(filepath.Join(runDir, "run_report_v1.json")); !os.IsNotExist(statErr) {
		t.Fatalf("run_report_v1.json must be removed on rollback, stat err = %v", statErr)
	}
	if tmps, _ := filepath.Glob(filepath.Join(runDir, "*.tmp")); len(tmps) != 0 {
		t.Fatalf("no .tmp file may remain after rollback, got %v", tmps)
	}
}

func TestValidateManifestInvariantsCatchesDuplicatePaths(t *testing.T) {
	m := Manifest{
		ModeSnapshotRef: "run_report_v1.json",
		Artifacts: []Artifact{
			{Kind: "run_report_v1", Path: "run_report_v1.json"},
			{Kind: "run_report_v1", Path: "run_report_v1.json"},
		},
	}
	if err := validateManifestInvariants(m); err == nil {
		t.Fatalf("want error for duplicate artifact path")
	}
}

func TestValidateManifestInvariantsRequiresModeSnapshotRef(t *testing.T) {
	m := Manifest{
		ModeSnapshotRef: "missing.json",
		Artifacts:       []Artifact{{Kind: "run_report_v1", Path: "run_report_v1.json"}},
	}
	if err := validateManifestInvariants(m); err == nil {
		t.Fatalf("want error for unresolved mode_snapshot_ref")
	}
}
