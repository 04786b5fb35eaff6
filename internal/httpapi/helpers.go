package httpapi

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/avery-chen/ticketflow/internal/store"
	"github.com/avery-chen/ticketflow/internal/ticket"
)

// writeJSON is the teacher's handlers.go helper, unchanged in shape.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{ErrorCode: code, Error: msg})
}

func writeGuardError(w http.ResponseWriter, status int, ge *ticket.GuardError, evidenceRunID string) {
	writeJSON(w, status, ErrorResponse{
		ErrorCode:     string(ge.Code),
		Error:         ge.Error(),
		EvidenceRunID: evidenceRunID,
	})
}

// writeReadinessReject renders the canonical 503 body (spec.md 6.1).
func writeReadinessReject(w http.ResponseWriter, missing []string, degraded bool, asOf time.Time) {
	writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
		ErrorCode:       "MCP_REQUIRED_UNAVAILABLE",
		MissingRequired: missing,
		Degraded:        degraded,
		AsOf:            asOf.UTC().Format(time.RFC3339),
	})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryTime(r *http.Request, name string) time.Time {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// buildFilter assembles a ticket.Filter from a list/export request's common
// query parameters.
func buildFilter(r *http.Request, kind ticket.Kind) ticket.Filter {
	f := ticket.Filter{
		Kind:        kind,
		Status:      ticket.Status(r.URL.Query().Get("state")),
		CandidateID: r.URL.Query().Get("candidate_id"),
		Since:       queryTime(r, "since"),
		Until:       queryTime(r, "until"),
		Limit:       store.ClampListLimit(queryInt(r, "limit", 100)),
		Cursor:      r.URL.Query().Get("cursor"),
	}
	return f
}

// matchReasonLike glob-matches a ticket's recorded reason/block-reason
// against the reason_like query filter, using doublestar so callers can
// write shell-style patterns ("policy:gate0b:*") instead of exact strings.
func matchReasonLike(pattern string, t *ticket.Ticket) bool {
	if pattern == "" {
		return true
	}
	candidates := make([]string, 0, 2)
	if t.Block != nil {
		candidates = append(candidates, t.Block.Reason)
	}
	if reason, _ := t.FinalOutputs["short_reason"].(string); reason != "" {
		candidates = append(candidates, reason)
	}
	if reason, _ := t.FinalOutputs["reason"].(string); reason != "" {
		candidates = append(candidates, reason)
	}
	for _, c := range candidates {
		if ok, _ := doublestar.Match(pattern, c); ok {
			return true
		}
	}
	return false
}

// matchDecision filters by the decision recorded in final_outputs.decision,
// case-insensitive.
func matchDecision(want string, t *ticket.Ticket) bool {
	if want == "" {
		return true
	}
	got, _ := t.FinalOutputs["decision"].(string)
	return strings.EqualFold(got, want)
}

// applyListFilters narrows an already Filter-matched list by the
// decision/reason_like query params ticket.Filter itself doesn't know about.
func applyListFilters(r *http.Request, in []*ticket.Ticket) []*ticket.Ticket {
	decision := r.URL.Query().Get("decision")
	reasonLike := r.URL.Query().Get("reason_like")
	if decision == "" && reasonLike == "" {
		return in
	}
	out := make([]*ticket.Ticket, 0, len(in))
	for _, t := range in {
		if !matchDecision(decision, t) {
			continue
		}
		if !matchReasonLike(reasonLike, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// writeList renders a ticket slice in the requested format (json default,
// ndjson, or csv), per spec.md 6.1's `format=json|ndjson|csv`.
func writeList(w http.ResponseWriter, r *http.Request, tickets []*ticket.Ticket) {
	switch r.URL.Query().Get("format") {
	case "ndjson":
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		enc := json.NewEncoder(w)
		for _, t := range tickets {
			_ = enc.Encode(t)
		}
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		cw := csv.NewWriter(w)
		defer cw.Flush()
		_ = cw.Write([]string{"id", "kind", "status", "candidate_id", "created_at", "updated_at"})
		for _, t := range tickets {
			_ = cw.Write([]string{
				t.ID, string(t.Kind), string(t.Status), t.CandidateID,
				t.Metadata.CreatedAt.UTC().Format(time.RFC3339),
				t.Metadata.UpdatedAt.UTC().Format(time.RFC3339),
			})
		}
	default:
		writeJSON(w, http.StatusOK, tickets)
	}
}
