package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/zeebo/blake3"
)

// SchemaGateMode controls how Emit reacts to a details document that fails
// its compiled schema, mirroring config.SchemaGateMode's three values
// without importing the config package.
type SchemaGateMode string

const (
	GateOff    SchemaGateMode = "off"
	GateWarn   SchemaGateMode = "warn"
	GateStrict SchemaGateMode = "strict"
)

// ErrSchemaStrictReject is returned by Emit when a details document fails
// schema validation under GateStrict. Callers map it to
// ticket.CodeSchemaStrictReject.
var ErrSchemaStrictReject = errors.New("evidence: details failed schema validation under strict gate mode")

// SchemaRegistry compiles the fixed set of evidence detail schemas once at
// startup and holds them by name, grounded on tool_registry.go's
// compileSchema/registry pattern.
type SchemaRegistry struct {
	schemas map[string]*jsonschema.Schema
}

// KnownDetailsKinds is the fixed registry named in spec.md 4.H.
var KnownDetailsKinds = []string{"lease_debug_v1", "readiness_debug_v1", "tool_debug_v1"}

// CompileSchemas compiles the named JSON schema sources (schema name -> raw
// JSON schema text) into a SchemaRegistry.
func CompileSchemas(sources map[string]string) (*SchemaRegistry, error) {
	c := jsonschema.NewCompiler()
	for name, src := range sources {
		if err := c.AddResource(name+".json", strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("evidence: add schema %s: %w", name, err)
		}
	}
	reg := &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema, len(sources))}
	for name := range sources {
		sch, err := c.Compile(name + ".json")
		if err != nil {
			return nil, fmt.Errorf("evidence: compile schema %s: %w", name, err)
		}
		reg.schemas[name] = sch
	}
	return reg, nil
}

// Validate checks doc (already unmarshaled into a generic any tree) against
// the named schema.
func (r *SchemaRegistry) Validate(kind string, doc any) error {
	sch, ok := r.schemas[kind]
	if !ok {
		return fmt.Errorf("evidence: unknown details_kind %q", kind)
	}
	return sch.Validate(doc)
}

// Writer emits evidence runs for guarded rejections the system itself
// causes, per spec.md 4.H. It holds the compiled schema registry and the
// evidence/blob storage roots.
type Writer struct {
	logsDir       string
	evidenceStore string
	schemas       *SchemaRegistry
	gateMode      SchemaGateMode
	logger        *log.Logger
}

// New builds a Writer rooted at logsDir, with blobs off-loaded under
// logsDir/evidence_store. gateMode governs Emit's reaction to a details
// document that fails schema validation.
func New(logsDir string, schemas *SchemaRegistry, gateMode SchemaGateMode, logger *log.Logger) *Writer {
	return &Writer{
		logsDir:       logsDir,
		evidenceStore: filepath.Join(logsDir, "evidence_store"),
		schemas:       schemas,
		gateMode:      gateMode,
		logger:        logger,
	}
}

// Emission is the input to Emit: one system-side guarded rejection.
type Emission struct {
	TicketID    string
	Code        string
	DetailsKind string
	Details     map[string]any
	CheckName   string
	ReasonCodes []string
}

// Emit performs the evidence emission described in spec.md 4.H and returns
// the evidence_run_id. The details document is checked against its compiled
// schema (when a registry is set); the manifest is checked only against its
// cross-field invariants, not against a JSON schema.
func (w *Writer) Emit(e Emission, now time.Time) (string, error) {
	runID := newEvidenceRunID(e.TicketID, now)
	runDir := filepath.Join(w.logsDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("evidence: mkdir run dir: %w", err)
	}

	if w.schemas != nil {
		if err := w.schemas.Validate(e.DetailsKind, e.Details); err != nil {
			w.logf("evidence run %s: details failed schema validation: %v", runID, err)
			if w.gateMode == GateStrict {
				_ = os.RemoveAll(runDir)
				return "", ErrSchemaStrictReject
			}
		}
	}
	detailsPath := filepath.Join(runDir, e.DetailsKind+".json")
	if err := writeJSONFile(detailsPath, e.Details); err != nil {
		return "", fmt.Errorf("evidence: write details: %w", err)
	}

	report := RunReport{
		Ver: 1,
		Steps: []StepReport{{
			StepIndex:     1,
			ToolName:      "SYSTEM_REJECT",
			Status:        "failed",
			Code:          e.Code,
			ResultSummary: "system_reject:" + e.Code,
		}},
	}
	reportPath := filepath.Join(runDir, "run_report_v1.json")
	if err := writeJSONFile(reportPath, report); err != nil {
		return "", fmt.Errorf("evidence: write run report: %w", err)
	}

	manifest := Manifest{
		Ver:             1,
		EvidenceRunID:   runID,
		ModeSnapshotRef: "run_report_v1.json",
		Artifacts: []Artifact{
			{Kind: "run_report_v1", Path: "run_report_v1.json"},
			{Kind: e.DetailsKind, Path: e.DetailsKind + ".json"},
			{Kind: "evidence_manifest_v1", Path: "evidence_manifest_v1.json"},
			{Kind: "manifest_self_hash_v1", Path: "manifest_self_hash_v1.json"},
		},
		Checks: []Check{{
			Name:        e.CheckName,
			OK:          false,
			ReasonCodes: e.ReasonCodes,
			DetailsRef:  e.DetailsKind + ".json",
		}},
		ReasonCodes: e.ReasonCodes,
	}
	SortManifest(&manifest)

	if err := w.fillArtifactHashes(&manifest, runDir); err != nil {
		w.rollback(reportPath, runDir)
		return "", fmt.Errorf("evidence: hash artifacts: %w", err)
	}

	if err := validateManifestInvariants(manifest); err != nil {
		w.rollback(reportPath, runDir)
		return "", fmt.Errorf("evidence: manifest invariants: %w", err)
	}

	selfHashBytes, err := CanonicalJSONStringify(manifest.toMap(true, true))
	if err != nil {
		w.rollback(reportPath, runDir)
		return "", fmt.Errorf("evidence: canonicalize manifest: %w", err)
	}
	sum := sha256.Sum256(selfHashBytes)
	selfHash := SelfHash{Algo: "sha256", Canonicalizer: "canonicalJsonStringify/v1", Value: hex.EncodeToString(sum[:])}

	selfHashPath := filepath.Join(runDir, "manifest_self_hash_v1.json")
	if err := writeJSONFile(selfHashPath, selfHash); err != nil {
		w.rollback(reportPath, runDir)
		return "", fmt.Errorf("evidence: write self hash: %w", err)
	}
	if err := refreshArtifactHash(&manifest, "manifest_self_hash_v1.json", selfHashPath); err != nil {
		w.rollback(reportPath, runDir)
		return "", fmt.Errorf("evidence: refresh self hash artifact: %w", err)
	}

	manifestPath := filepath.Join(runDir, "evidence_manifest_v1.json")
	if err := writeJSONFileAtomic(manifestPath, manifest); err != nil {
		w.rollback(reportPath, runDir)
		return "", fmt.Errorf("evidence: write manifest: %w", err)
	}

	return runID, nil
}

// OffloadBlob content-addresses raw bytes with blake3 and writes them to
// evidence_store/<date>/<uuid>_<kind>.bin, per spec.md 4.H's off-load rule
// for oversized payloads. It returns the blob's path (joined under the
// Writer's logs directory) and hex digest. Emit does not call it.
func (w *Writer) OffloadBlob(kind string, data []byte, now time.Time) (path string, digestHex string, err error) {
	dateDir := filepath.Join(w.evidenceStore, now.UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dateDir, 0o755); err != nil {
		return "", "", fmt.Errorf("evidence: mkdir blob dir: %w", err)
	}
	h := blake3.New()
	_, _ = h.Write(data)
	digestHex = hex.EncodeToString(h.Sum(nil))
	name := uuid.NewString() + "_" + kind + ".bin"
	full := filepath.Join(dateDir, name)
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", "", fmt.Errorf("evidence: write blob: %w", err)
	}
	return full, digestHex, nil
}

func (w *Writer) fillArtifactHashes(m *Manifest, runDir string) error {
	for i := range m.Artifacts {
		a := &m.Artifacts[i]
		if a.Kind == "evidence_manifest_v1" {
			a.SHA256 = nil
			continue
		}
		full := filepath.Join(runDir, a.Path)
		b, err := os.ReadFile(full)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		sum := sha256.Sum256(b)
		hashHex := hex.EncodeToString(sum[:])
		a.Bytes = int64(len(b))
		a.SHA256 = &hashHex
	}
	return nil
}

func refreshArtifactHash(m *Manifest, path, fullPath string) error {
	b, err := os.ReadFile(fullPath)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	hashHex := hex.EncodeToString(sum[:])
	for i := range m.Artifacts {
		if m.Artifacts[i].Path == path {
			m.Artifacts[i].Bytes = int64(len(b))
			m.Artifacts[i].SHA256 = &hashHex
			return nil
		}
	}
	return fmt.Errorf("artifact %s not listed in manifest", path)
}

func validateManifestInvariants(m Manifest) error {
	paths := make(map[string]bool, len(m.Artifacts))
	var haveModeSnapshot bool
	for _, a := range m.Artifacts {
		if paths[a.Path] {
			return fmt.Errorf("duplicate artifact path %s", a.Path)
		}
		paths[a.Path] = true
		if a.Path == m.ModeSnapshotRef && a.Kind == "run_report_v1" {
			haveModeSnapshot = true
		}
	}
	if !haveModeSnapshot {
		return fmt.Errorf("mode_snapshot_ref %s is not a listed run_report_v1 artifact", m.ModeSnapshotRef)
	}
	names := make(map[string]bool, len(m.Checks))
	for _, c := range m.Checks {
		if names[c.Name] {
			return fmt.Errorf("duplicate check name %s", c.Name)
		}
		names[c.Name] = true
		if c.DetailsRef != "" && !paths[c.DetailsRef] {
			return fmt.Errorf("details_ref %s is not a listed artifact", c.DetailsRef)
		}
	}
	return nil
}

// rollback removes runDir's run_report_v1.json and any .tmp file, per
// spec.md 4.H step 11: "the previously written run_report_v1.json is
// removed; no .tmp file may remain."
func (w *Writer) rollback(reportPath, runDir string) {
	_ = os.Remove(reportPath)
	matches, _ := filepath.Glob(filepath.Join(runDir, "*.tmp"))
	for _, m := range matches {
		_ = os.Remove(m)
	}
}

func (w *Writer) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}

// newEvidenceRunID composes "gr_" + first 8 chars of ticket id + "_" +
// base36(now_ms), per spec.md 4.H step 1.
func newEvidenceRunID(ticketID string, now time.Time) string {
	prefix := ticketID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	ms := now.UnixMilli()
	return fmt.Sprintf("gr_%s_%s", prefix, base36(ms))
}

func base36(n int64) string {
	return new(big.Int).SetInt64(n).Text(36)
}

func writeJSONFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func writeJSONFileAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
