package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/avery-chen/ticketflow/internal/derive"
	"github.com/avery-chen/ticketflow/internal/evidence"
	"github.com/avery-chen/ticketflow/internal/snapshot"
	"github.com/avery-chen/ticketflow/internal/store"
	"github.com/avery-chen/ticketflow/internal/ticket"
)

// handleLease implements POST /v1/tickets/lease (spec.md 6.1).
func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	var req LeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ERR_INVALID_PAYLOAD", "invalid request body: "+err.Error())
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, "ERR_INVALID_PAYLOAD", "kind is required")
		return
	}
	leased := s.store.Lease(req.Kind, req.Limit, req.LeaseSec, req.Owner)

	out := make([]LeasedTicket, 0, len(leased))
	for _, t := range leased {
		out = append(out, LeasedTicket{
			TicketID:      t.ID,
			PromptID:      t.Metadata.PromptID,
			SchemaRef:     schemaRefFor(t.Kind),
			Inputs:        t.Inputs,
			LeaseID:       t.LeaseToken,
			LeaseExpireAt: t.LeaseExpiresAt.UTC().Format(time.RFC3339),
			Metadata: map[string]any{
				"kind":              t.Kind,
				"candidate_id":      t.CandidateID,
				"parent_ticket_id":  t.ParentTicketID,
			},
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleFill implements POST /v1/tickets/{id}/fill (spec.md 6.1): the sole
// write path that advances a ticket to done or failed, fans out the
// Derivation Engine on success, and emits evidence for system-caused guard
// rejections.
func (s *Server) handleFill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req FillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ERR_INVALID_PAYLOAD", "invalid request body: "+err.Error())
		return
	}

	var proof *store.LeaseProof
	if req.LeaseOwner != "" || req.LeaseToken != "" {
		proof = &store.LeaseProof{Owner: req.LeaseOwner, Token: req.LeaseToken}
	}

	if req.LeaseExpiresAt != nil {
		if expiry, err := store.ParseLeaseExpiry(req.LeaseExpiresAt); err == nil {
			s.snapshots.AppendAudit("fill_lease_expiry_echo", map[string]any{
				"ticket_id": id, "lease_expires_at": expiry.Format(time.RFC3339),
			})
		}
	}

	errCode, isFailure := req.Outputs["error_code"].(string)
	var (
		t   *ticket.Ticket
		err error
	)
	if isFailure && errCode != "" {
		t, err = s.store.Fail(id, errCode, req.By, proof)
	} else {
		t, err = s.store.Complete(id, req.Outputs, req.By, proof)
	}
	if err != nil {
		s.handleFillGuardError(w, id, err)
		return
	}

	s.fanOutDerivation(t)
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleFillGuardError(w http.ResponseWriter, ticketID string, err error) {
	ge, ok := err.(*ticket.GuardError)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	status := http.StatusConflict
	if ge.Code == ticket.CodeNotFound {
		status = http.StatusNotFound
	}

	evidenceRunID := ""
	if ge.IsSystemCaused() && s.evidence != nil {
		detailsKind, details := detailsForGuardError(ticketID, ge)
		runID, emitErr := s.evidence.Emit(evidence.Emission{
			TicketID:    ticketID,
			Code:        string(ge.Code),
			DetailsKind: detailsKind,
			Details:     details,
			CheckName:   "fill_guard_" + ge.Action,
			ReasonCodes: []string{string(ge.Code)},
		}, time.Now().UTC())
		switch {
		case emitErr == nil:
			evidenceRunID = runID
		case errors.Is(emitErr, evidence.ErrSchemaStrictReject):
			strict := ticket.NewGuardError(ge.Action, ticket.CodeSchemaStrictReject, "evidence_details_schema_invalid:"+string(ge.Code))
			writeGuardError(w, http.StatusInternalServerError, strict, "")
			return
		default:
			s.logf("evidence emit failed for ticket %s: %v", ticketID, emitErr)
		}
	}
	writeGuardError(w, status, ge, evidenceRunID)
}

// detailsForGuardError builds the evidence details document for a
// system-caused guard reject, keyed to the details_kind that best matches
// the reject's cause (spec.md 8 scenario 2: lease_debug_v1 carries
// lease_token_hash, never the raw token).
func detailsForGuardError(ticketID string, ge *ticket.GuardError) (string, map[string]any) {
	if ge.Code == ticket.CodeLeaseOwnerMismatch {
		sum := sha256.Sum256([]byte(ge.RejectedLeaseToken))
		return "lease_debug_v1", map[string]any{
			"ticket_id":        ticketID,
			"action":           ge.Action,
			"lease_token_hash": hex.EncodeToString(sum[:]),
		}
	}
	return "tool_debug_v1", map[string]any{
		"ticket_id": ticketID,
		"detail":    ge.Detail,
	}
}

// fanOutDerivation advances the pipeline after a successful fill, per
// spec.md 4.F. Skips and errors are logged, not surfaced: the fill itself
// already succeeded and derivation failures must not roll it back.
func (s *Server) fanOutDerivation(t *ticket.Ticket) {
	switch t.Kind {
	case ticket.KindTriage:
		s.recordTriageDone(t)
		if !s.flags.EnableToolDerivation {
			return
		}
		res, err := derive.DeriveToolFromTriage(s.store.AsToolCreator(), t, t.FinalOutputs)
		if err != nil {
			s.logf("derive tool from triage %s: %v", t.ID, err)
			return
		}
		if res.Outcome == derive.OutcomeSkipped {
			s.logf("tool derivation skipped for triage %s: %s", t.ID, res.Reason)
		}

	case ticket.KindTool:
		shortReason, _ := t.FinalOutputs["short_reason"].(string)
		res, err := derive.DeriveReplyFromTool(s.store.AsReplyCreator(), t, derive.ReplyDerivationFlags{
			EnableReplyDerivation: s.flags.EnableReplyDerivation,
			ToolOnlyMode:          s.flags.ToolOnlyMode,
			BrandVoice:            s.flags.ReplyBrandVoice,
		}, shortReason, contextNotesFrom(t.FinalOutputs))
		if err != nil {
			s.logf("derive reply from tool %s: %v", t.ID, err)
			return
		}
		if res.Outcome == derive.OutcomeSkipped {
			s.logf("reply derivation skipped for tool %s: %s", t.ID, res.Reason)
		}

	case ticket.KindReply:
		s.recordReplyDone(t)
	}
}

func contextNotesFrom(outputs map[string]any) []string {
	raw, ok := outputs["context_notes"].([]any)
	if !ok {
		return nil
	}
	notes := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			notes = append(notes, s)
		}
	}
	return notes
}

func (s *Server) recordTriageDone(t *ticket.Ticket) {
	decision, _ := t.FinalOutputs["decision"].(string)
	shortReason, _ := t.FinalOutputs["short_reason"].(string)
	s.snapshots.AppendTriageDecision(snapshot.Decision{
		State:       snapshot.StateDone,
		CandidateID: t.CandidateID,
		TicketID:    t.ID,
		Decision:    decision,
		TriageResult: &snapshot.TriageResult{
			Decision:    decision,
			ShortReason: shortReason,
		},
	})
}

func (s *Server) recordReplyDone(t *ticket.Ticket) {
	status, _ := t.FinalOutputs["status"].(string)
	text, _ := t.FinalOutputs["text"].(string)
	s.snapshots.AppendReplyResult(snapshot.Decision{
		State:       snapshot.StateDone,
		CandidateID: t.CandidateID,
		TicketID:    t.ID,
		ReplyResult: &snapshot.ReplyResult{
			Status: status,
			Text:   text,
		},
	})
}

// handleListTickets implements GET /v1/tickets.
func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	kind := ticket.Kind(r.URL.Query().Get("kind"))
	f := buildFilter(r, kind)
	if status := r.URL.Query().Get("status"); status != "" {
		f.Status = ticket.Status(status)
	}
	list := s.store.List(f)
	list = applyListFilters(r, list)
	writeList(w, r, list)
}

// handleGetTicket implements GET /v1/tickets/{id}.
func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, ok := s.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "ticket not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}
