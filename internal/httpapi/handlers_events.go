package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/avery-chen/ticketflow/internal/snapshot"
	"github.com/avery-chen/ticketflow/internal/store"
	"github.com/avery-chen/ticketflow/internal/ticket"
	"github.com/avery-chen/ticketflow/internal/triage"
)

// handleIngestEvent implements POST /events (spec.md 6.1).
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ERR_SCHEMA_VALIDATION", "invalid request body: "+err.Error())
		return
	}
	if req.Type == "" || req.EventID == "" || req.Actor == "" {
		writeError(w, http.StatusBadRequest, "ERR_SCHEMA_VALIDATION", "type, event_id, and actor are required")
		return
	}
	ts, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil {
		writeError(w, http.StatusBadRequest, "ERR_SCHEMA_VALIDATION", "timestamp must be ISO-8601")
		return
	}

	if existing, ok := s.store.TicketForEvent(req.EventID); ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "ticket_id": existing})
		return
	}

	event := ticket.Event{
		Type: req.Type, EventID: req.EventID, ThreadID: req.ThreadID,
		Content: req.Content, Actor: req.Actor, Timestamp: ts, Features: req.Features,
	}

	result := triage.Evaluate(s.rules, candidateFromFeatures(event.Content, req.Features))
	if !result.Pass {
		s.snapshots.AppendTriageDecision(snapshot.Decision{
			State: snapshot.StateSkipped, CandidateID: req.EventID, Reason: result.Reason,
		})
		writeJSON(w, http.StatusOK, map[string]string{"status": "skipped", "reason": result.Reason})
		return
	}

	t, err := s.store.Create(store.CreateParams{
		Kind: ticket.KindTriage, FlowID: "triage_zh_hant_v1", CandidateID: req.EventID,
		Event: event, Source: "http_ingest",
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create_failed", err.Error())
		return
	}
	s.snapshots.AppendTriageDecision(snapshot.Decision{
		State: snapshot.StatePending, CandidateID: req.EventID, TicketID: t.ID,
	})
	writeJSON(w, http.StatusOK, map[string]string{"ticket_id": t.ID, "status": "queued"})
}

// candidateFromFeatures builds a triage.Candidate from wire content and the
// optional features object, reading engagement counts from the documented
// features.engagement.{likes,comments} shape (spec.md 8 scenario 1).
func candidateFromFeatures(content string, features map[string]any) triage.Candidate {
	c := triage.Candidate{Content: content}
	likes, comments := engagementFrom(features)
	c.Likes, c.Comments = likes, comments
	return c
}

// engagementFrom reads likes/comments from features.engagement.{likes,comments}.
func engagementFrom(features map[string]any) (likes, comments int) {
	if features == nil {
		return 0, 0
	}
	engagement, ok := features["engagement"].(map[string]any)
	if !ok {
		return 0, 0
	}
	if v, ok := engagement["likes"].(float64); ok {
		likes = int(v)
	}
	if v, ok := engagement["comments"].(float64); ok {
		comments = int(v)
	}
	return likes, comments
}
