package httpapi

import (
	"net/http"

	"github.com/avery-chen/ticketflow/internal/ticket"
)

// handleReplyList implements GET /v1/reply/list and /v1/reply/export, which
// share the same filter/format contract as their triage counterparts.
func (s *Server) handleReplyList(w http.ResponseWriter, r *http.Request) {
	f := buildFilter(r, ticket.KindReply)
	list := s.store.List(f)
	list = applyListFilters(r, list)
	writeList(w, r, list)
}

// handleReplyRaw implements GET /v1/reply/tickets/{id}/raw: the rendered
// reply text, unwrapped from the ticket envelope, for callers that only
// want the final draft.
func (s *Server) handleReplyRaw(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, ok := s.store.Get(id)
	if !ok || t.Kind != ticket.KindReply {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "reply ticket not found")
		return
	}
	if t.Status != ticket.StatusDone {
		writeError(w, http.StatusConflict, "not_ready", "reply ticket is not done")
		return
	}
	text, _ := t.FinalOutputs["text"].(string)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}
