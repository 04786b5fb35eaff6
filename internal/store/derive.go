package store

import (
	"time"

	"github.com/avery-chen/ticketflow/internal/derive"
	"github.com/avery-chen/ticketflow/internal/ticket"
)

// CreateTool creates a TOOL ticket derived from a TRIAGE ticket.
func (s *Store) CreateTool(p derive.ToolCreateParams) (*ticket.Ticket, error) {
	return s.createFull(CreateParams{
		Kind:              ticket.KindTool,
		FlowID:            "reply_zh_hant_v1",
		ParentTicketID:    p.TriageID,
		TriageReferenceID: p.TriageID,
		Event:             p.Event,
		Inputs:            p.Inputs,
		Source:            "derive:triage_to_tool",
	})
}

// CreateReply creates a REPLY ticket derived from a TOOL ticket, or, when
// ToolID is empty (the tail follower's parent-less path), directly from a
// candidate id.
func (s *Store) CreateReply(p derive.ReplyCreateParams) (*ticket.Ticket, error) {
	source := "derive:tool_to_reply"
	if p.ToolID == "" {
		source = "tail:auto"
	}
	return s.createFull(CreateParams{
		Kind:              ticket.KindReply,
		FlowID:            "reply_zh_hant_v1",
		CandidateID:       p.CandidateID,
		ParentTicketID:    p.ToolID,
		TriageReferenceID: p.TriageReferenceID,
		Event:             p.Event,
		Inputs:            p.Inputs,
		Source:            source,
	})
}

// createFull is Create's body, shared by CreateTool/CreateReply above and
// the public Create(CreateParams) in store.go's sibling definition is kept
// separate deliberately: each caller (HTTP ingest vs. the derivation engine)
// has a distinct, narrow parameter shape, and funnelling both through one
// generic struct would let either caller set fields the other must not
// (e.g. derived tickets inherit CandidateID from their parent; only the
// tail follower's parent-less REPLY path passes one directly).
func (s *Store) createFull(p CreateParams) (*ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := p.ID
	if id == "" {
		id = s.entropy.next()
	}
	if _, exists := s.tickets[id]; exists {
		return nil, ticket.NewGuardError("create", ticket.GuardCode("duplicate_id"), id)
	}

	now := time.Now().UTC()
	candidateID := p.CandidateID
	if candidateID == "" {
		if parent, ok := s.tickets[p.ParentTicketID]; ok {
			candidateID = parent.CandidateID
		}
	}

	t := &ticket.Ticket{
		ID:                id,
		Kind:              p.Kind,
		Status:            ticket.StatusPending,
		FlowID:            p.FlowID,
		CandidateID:       candidateID,
		ParentTicketID:    p.ParentTicketID,
		TriageReferenceID: p.TriageReferenceID,
		Event:             p.Event,
		Inputs:            p.Inputs,
		Metadata: ticket.Metadata{
			CreatedAt:      now,
			UpdatedAt:      now,
			Source:         p.Source,
			PromptID:       p.PromptID,
			Kind:           p.Kind,
			ParentTicketID: p.ParentTicketID,
			CandidateID:    candidateID,
		},
	}

	s.tickets[id] = t
	switch p.Kind {
	case ticket.KindTriage:
		if candidateID != "" {
			s.triageByCandidate[candidateID] = id
		}
	case ticket.KindReply:
		if candidateID != "" {
			s.replyByCandidate[candidateID] = id
		}
		if p.ParentTicketID != "" {
			s.replyByParentTool[p.ParentTicketID] = id
		}
	}

	return t.Clone(), nil
}

// SetDerived records the weak child back-reference on a parent ticket.
func (s *Store) SetDerived(parentID, childID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.getLocked(parentID)
	if !ok {
		return ticket.NewGuardError("set_derived", ticket.CodeNotFound, parentID)
	}
	t.Derived = &ticket.Derived{ChildTicketID: childID, At: time.Now().UTC()}
	return nil
}

// toolCreatorAdapter narrows Store to derive.ToolCreator (whose Create
// method takes derive.ToolCreateParams).
type toolCreatorAdapter struct{ *Store }

func (a toolCreatorAdapter) Create(p derive.ToolCreateParams) (*ticket.Ticket, error) {
	return a.Store.CreateTool(p)
}

// AsToolCreator returns s adapted to derive.ToolCreator.
func (s *Store) AsToolCreator() derive.ToolCreator {
	return toolCreatorAdapter{s}
}

// replyCreatorAdapter narrows Store to derive.ReplyCreator (whose Create
// method takes derive.ReplyCreateParams).
type replyCreatorAdapter struct{ *Store }

func (a replyCreatorAdapter) Create(p derive.ReplyCreateParams) (*ticket.Ticket, error) {
	return a.Store.CreateReply(p)
}

// AsReplyCreator returns s adapted to derive.ReplyCreator.
func (s *Store) AsReplyCreator() derive.ReplyCreator {
	return replyCreatorAdapter{s}
}

// AsTailReplyCreator returns s adapted to derive.TailReplyCreator. The same
// adapter type satisfies both interfaces: ReplyTicketForCandidate is
// promoted straight from the embedded *Store.
func (s *Store) AsTailReplyCreator() derive.TailReplyCreator {
	return replyCreatorAdapter{s}
}
