package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/avery-chen/ticketflow/internal/snapshot"
	"github.com/avery-chen/ticketflow/internal/store"
	"github.com/avery-chen/ticketflow/internal/ticket"
	"github.com/avery-chen/ticketflow/internal/triage"
)

// handleTriageBatch implements POST /v1/triage/batch (spec.md 6.1).
func (s *Server) handleTriageBatch(w http.ResponseWriter, r *http.Request) {
	var req TriageBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Candidates) == 0 {
		writeError(w, http.StatusBadRequest, "ERR_INVALID_PAYLOAD", "candidates is required")
		return
	}

	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = "async"
	}
	waitMS := queryInt(r, "wait_ms", 0)
	dedupe := r.URL.Query().Get("dedupe") == "true"
	dedupeField := r.URL.Query().Get("dedupe_field")
	if dedupeField == "" {
		dedupeField = "candidate_id"
	}

	results := make([]TriageBatchResult, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		results = append(results, s.ingestOneCandidate(c, dedupe, dedupeField))
	}

	if mode == "sync" && waitMS > 0 {
		s.waitForDone(results, time.Duration(waitMS)*time.Millisecond)
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) ingestOneCandidate(c CandidateLite, dedupe bool, dedupeField string) TriageBatchResult {
	if dedupe {
		var existingID string
		var ok bool
		switch dedupeField {
		case "seed.value":
			if c.Seed != nil {
				var cid string
				cid, ok = s.store.SeedCandidateID(c.Seed.Value)
				if ok {
					existingID, ok = s.store.TriageTicketForCandidate(cid)
				}
			}
		default:
			existingID, ok = s.store.TriageTicketForCandidate(c.CandidateID)
		}
		if ok {
			return triageResultFromTicketID(s.store, c.CandidateID, existingID)
		}
	}

	likes, comments := engagementFrom(c.Features)
	result := triage.Evaluate(s.rules, triage.Candidate{Content: c.Content, Likes: likes, Comments: comments})
	if !result.Pass {
		s.snapshots.AppendTriageDecision(snapshot.Decision{
			State: snapshot.StateSkipped, CandidateID: c.CandidateID, Reason: result.Reason,
		})
		return TriageBatchResult{CandidateID: c.CandidateID, State: "SKIPPED", Reason: result.Reason}
	}

	event := ticket.Event{Type: "candidate", EventID: c.CandidateID, ThreadID: c.ThreadID, Content: c.Content, Actor: c.Actor, Features: c.Features}
	t, err := s.store.Create(store.CreateParams{
		Kind: ticket.KindTriage, FlowID: "triage_zh_hant_v1", CandidateID: c.CandidateID,
		Event: event, Source: "http_ingest",
	})
	if err != nil {
		return TriageBatchResult{CandidateID: c.CandidateID, State: "SKIPPED", Reason: "create_failed"}
	}
	seedValue := ""
	if c.Seed != nil {
		seedValue = c.Seed.Value
		s.store.IndexSeed(seedValue, c.CandidateID)
	}
	s.snapshots.AppendTriageDecision(snapshot.Decision{
		State: snapshot.StatePending, CandidateID: c.CandidateID, TicketID: t.ID, SeedValue: seedValue,
	})
	return TriageBatchResult{CandidateID: c.CandidateID, State: "PENDING", TriageTicketID: t.ID}
}

func triageResultFromTicketID(st *store.Store, candidateID, ticketID string) TriageBatchResult {
	t, ok := st.Get(ticketID)
	if !ok {
		return TriageBatchResult{CandidateID: candidateID, State: "PENDING", TriageTicketID: ticketID}
	}
	return ticketToTriageResult(candidateID, t)
}

func ticketToTriageResult(candidateID string, t *ticket.Ticket) TriageBatchResult {
	res := TriageBatchResult{CandidateID: candidateID, TriageTicketID: t.ID}
	switch t.Status {
	case ticket.StatusDone:
		res.State = "DONE"
		res.TriageResult = t.FinalOutputs
	default:
		res.State = "PENDING"
	}
	return res
}

// waitForDone polls the store for up to budget, upgrading any still-PENDING
// result whose ticket has since completed, per the sync mode contract.
func (s *Server) waitForDone(results []TriageBatchResult, budget time.Duration) {
	deadline := time.Now().Add(budget)
	const pollEvery = 25 * time.Millisecond
	for time.Now().Before(deadline) {
		pending := false
		for i := range results {
			if results[i].State != "PENDING" || results[i].TriageTicketID == "" {
				continue
			}
			t, ok := s.store.Get(results[i].TriageTicketID)
			if !ok {
				continue
			}
			if t.Status == ticket.StatusDone {
				results[i].State = "DONE"
				results[i].TriageResult = t.FinalOutputs
			} else {
				pending = true
			}
		}
		if !pending {
			return
		}
		time.Sleep(pollEvery)
	}
}

// handleTriageResults implements GET /v1/triage/results?ids=a,b,c.
func (s *Server) handleTriageResults(w http.ResponseWriter, r *http.Request) {
	idsParam := r.URL.Query().Get("ids")
	if idsParam == "" {
		writeError(w, http.StatusBadRequest, "ERR_INVALID_PAYLOAD", "ids is required")
		return
	}
	ids := strings.Split(idsParam, ",")
	results := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		ticketID, ok := s.store.TriageTicketForCandidate(id)
		if !ok {
			results = append(results, map[string]any{"id": id, "state": "UNKNOWN"})
			continue
		}
		t, ok := s.store.Get(ticketID)
		if !ok {
			results = append(results, map[string]any{"id": id, "state": "UNKNOWN"})
			continue
		}
		entry := map[string]any{"id": id, "triage_ticket_id": t.ID}
		if t.Status == ticket.StatusDone {
			entry["state"] = "DONE"
			entry["triage_result"] = t.FinalOutputs
		} else {
			entry["state"] = "PENDING"
		}
		results = append(results, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleTriageList implements GET /v1/triage/list and /v1/triage/export,
// which share the same filter/format contract (spec.md 6.1).
func (s *Server) handleTriageList(w http.ResponseWriter, r *http.Request) {
	f := buildFilter(r, ticket.KindTriage)
	list := s.store.List(f)
	list = applyListFilters(r, list)
	writeList(w, r, list)
}
