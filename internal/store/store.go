// Package store implements the Ticket Store & State Machine (spec.md 4.B)
// and the Lease Manager nested inside its boundary (spec.md 4.C). It is
// grounded on the teacher's internal/server/registry.go PipelineRegistry:
// a single mutex guarding a map, generalized from tracking pipeline runs to
// tracking tickets through a guarded state machine.
package store

import (
	"crypto/rand"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/avery-chen/ticketflow/internal/snapshot"
	"github.com/avery-chen/ticketflow/internal/ticket"
)

// Metrics is the narrow slice of the metrics registry the store needs.
type Metrics interface {
	IncGuardReject(code, action string)
}

// Snapshots is the narrow slice of the snapshot sink the store needs.
type Snapshots interface {
	AppendTriageDecision(d snapshot.Decision)
	AppendReplyResult(d snapshot.Decision)
	AppendAudit(kind string, detail map[string]any)
}

// Store is the sole owner of ticket state. Every mutator and every reader
// acquires mu for the duration of its read-modify-write sequence, per
// spec.md 5: this serializes all state transitions globally and keeps the
// triage/seed/reply indices moving in lockstep with the ticket map.
type Store struct {
	mu sync.Mutex

	tickets map[string]*ticket.Ticket

	// triageByCandidate indexes the single non-SKIPPED TRIAGE ticket for a
	// candidate_id (invariant: at most one such ticket exists).
	triageByCandidate map[string]string
	// replyByCandidate indexes the single REPLY ticket for a candidate_id.
	replyByCandidate map[string]string
	// replyByParentTool indexes REPLY tickets by their parent TOOL ticket id,
	// used by orphan recovery in the derivation engine.
	replyByParentTool map[string]string
	// seedIndex is the dedup secondary index keyed by seed.value (spec.md 4.I).
	seedIndex map[string]string
	// eventIndex dedupes inbound POST /events by event_id, per spec.md 6.1's
	// "duplicate event_id -> 200 {status:duplicate}" rule.
	eventIndex map[string]string

	allowlist map[string]bool

	metrics   Metrics
	snapshots Snapshots
	logger    *log.Logger

	entropy *ulidEntropy
}

// New creates an empty Store. allowlist names the caller identities allowed
// to directly fill a pending ticket (default {"http_fill"} per spec.md 4.B).
func New(allowlist map[string]bool, m Metrics, s Snapshots, logger *log.Logger) *Store {
	if allowlist == nil {
		allowlist = map[string]bool{"http_fill": true}
	}
	return &Store{
		tickets:           make(map[string]*ticket.Ticket),
		triageByCandidate: make(map[string]string),
		replyByCandidate:  make(map[string]string),
		replyByParentTool: make(map[string]string),
		seedIndex:         make(map[string]string),
		eventIndex:        make(map[string]string),
		allowlist:         allowlist,
		metrics:           m,
		snapshots:         s,
		logger:            logger,
		entropy:           newULIDEntropy(),
	}
}

// NewTicketID returns a fresh, sortable, unique ticket identifier.
func (s *Store) NewTicketID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entropy.next()
}

// CreateParams are the fields a caller may set when creating a ticket. Empty
// ID means one is generated.
type CreateParams struct {
	ID                string
	Kind              ticket.Kind
	FlowID            string
	CandidateID       string
	ParentTicketID    string
	TriageReferenceID string
	Event             ticket.Event
	Inputs            map[string]any
	Source            string
	PromptID          string
}

// Create inserts a new pending ticket and returns a clone of it.
func (s *Store) Create(p CreateParams) (*ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := p.ID
	if id == "" {
		id = s.entropy.next()
	}
	if _, exists := s.tickets[id]; exists {
		return nil, fmt.Errorf("store: ticket id %s already exists", id)
	}

	now := time.Now().UTC()
	t := &ticket.Ticket{
		ID:                id,
		Kind:              p.Kind,
		Status:            ticket.StatusPending,
		FlowID:            p.FlowID,
		CandidateID:       p.CandidateID,
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
			CandidateID:    p.CandidateID,
		},
	}

	s.tickets[id] = t
	switch p.Kind {
	case ticket.KindTriage:
		if p.CandidateID != "" {
			s.triageByCandidate[p.CandidateID] = id
		}
		if p.Event.EventID != "" {
			s.eventIndex[p.Event.EventID] = id
		}
	case ticket.KindReply:
		if p.CandidateID != "" {
			s.replyByCandidate[p.CandidateID] = id
		}
		if p.ParentTicketID != "" {
			s.replyByParentTool[p.ParentTicketID] = id
		}
	}

	return t.Clone(), nil
}

// TicketForEvent returns the TRIAGE ticket id created for an inbound
// event_id, if one was already ingested.
func (s *Store) TicketForEvent(eventID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.eventIndex[eventID]
	return id, ok
}

// Get returns a clone of the ticket with the given id.
func (s *Store) Get(id string) (*ticket.Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// getLocked returns the live (non-cloned) ticket; callers must hold s.mu.
func (s *Store) getLocked(id string) (*ticket.Ticket, bool) {
	t, ok := s.tickets[id]
	return t, ok
}

// List returns clones of every ticket matching filter, oldest-created first,
// limited to filter.Limit (already clamped by the caller).
func (s *Store) List(filter ticket.Filter) []*ticket.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ticket.Ticket, 0)
	for _, t := range s.tickets {
		if filter.Matches(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.CreatedAt.Before(out[j].Metadata.CreatedAt)
	})
	limit := filter.Limit
	if limit <= 0 || limit > len(out) {
		limit = len(out)
	}
	clones := make([]*ticket.Ticket, limit)
	for i := 0; i < limit; i++ {
		clones[i] = out[i].Clone()
	}
	return clones
}

// Count returns the number of tickets matching filter.
func (s *Store) Count(filter ticket.Filter) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tickets {
		if filter.Matches(t) {
			n++
		}
	}
	return n
}

// CountByStatus returns the count of tickets in each status plus the total
// and success rate, backing the `tickets{...}` metric (spec.md 4.K).
type Counts struct {
	Pending     int     `json:"pending"`
	Running     int     `json:"running"`
	Done        int     `json:"done"`
	Failed      int     `json:"failed"`
	Blocked     int     `json:"blocked"`
	Total       int     `json:"total"`
	SuccessRate float64 `json:"success_rate"`
}

func (s *Store) CountByStatus() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c Counts
	for _, t := range s.tickets {
		switch t.Status {
		case ticket.StatusPending:
			c.Pending++
		case ticket.StatusRunning:
			c.Running++
		case ticket.StatusDone:
			c.Done++
		case ticket.StatusFailed:
			c.Failed++
		case ticket.StatusBlocked:
			c.Blocked++
		}
	}
	c.Total = len(s.tickets)
	if c.Total > 0 {
		c.SuccessRate = float64(c.Done) / float64(c.Total)
	}
	return c
}

// ReplyCounts backs the replies{done,pending} metric (SPEC_FULL.md 4.K).
type ReplyCounts struct {
	Done    int `json:"done"`
	Pending int `json:"pending"`
}

func (s *Store) ReplyCountsByStatus() ReplyCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c ReplyCounts
	for _, t := range s.tickets {
		if t.Kind != ticket.KindReply {
			continue
		}
		switch t.Status {
		case ticket.StatusDone:
			c.Done++
		case ticket.StatusPending, ticket.StatusRunning:
			c.Pending++
		}
	}
	return c
}

// TriageTicketForCandidate returns the non-SKIPPED TRIAGE ticket id for a
// candidate, if one exists.
func (s *Store) TriageTicketForCandidate(candidateID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.triageByCandidate[candidateID]
	return id, ok
}

// ReplyTicketForCandidate returns the REPLY ticket id for a candidate, if
// one exists.
func (s *Store) ReplyTicketForCandidate(candidateID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.replyByCandidate[candidateID]
	return id, ok
}

// ReplyTicketForParentTool returns the REPLY ticket id derived from the
// given parent TOOL ticket id, if one exists — the orphan-recovery lookup
// from spec.md 4.F.2.
func (s *Store) ReplyTicketForParentTool(toolTicketID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.replyByParentTool[toolTicketID]
	return id, ok
}

// SeedCandidateID resolves the dedup secondary index.
func (s *Store) SeedCandidateID(seedValue string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.seedIndex[seedValue]
	return id, ok
}

// IndexSeed registers a seed.value -> candidate_id mapping (used by warm
// reindex and normal ingest alike).
func (s *Store) IndexSeed(seedValue, candidateID string) {
	if seedValue == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seedIndex[seedValue] = candidateID
}

// IndexTriage registers the triage index for warm-reindex replay, where the
// ticket itself is not re-created but the index must still reflect it.
func (s *Store) IndexTriage(candidateID, ticketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triageByCandidate[candidateID] = ticketID
}

// IndexReply registers the reply index for warm-reindex replay.
func (s *Store) IndexReply(candidateID, ticketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyByCandidate[candidateID] = ticketID
}

// IndexReplyParent registers the reply-by-parent-tool index for warm-reindex
// replay, mirroring what Create does for a freshly created REPLY ticket.
func (s *Store) IndexReplyParent(toolTicketID, replyTicketID string) {
	if toolTicketID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyByParentTool[toolTicketID] = replyTicketID
}

func (s *Store) guardReject(action string, code ticket.GuardCode, detail string) *ticket.GuardError {
	if s.metrics != nil {
		s.metrics.IncGuardReject(string(code), action)
	}
	if s.snapshots != nil {
		s.snapshots.AppendAudit("guard_reject", map[string]any{
			"action": action,
			"code":   string(code),
			"detail": detail,
		})
	}
	return ticket.NewGuardError(action, code, detail)
}

// guardRejectLeaseMismatch is guardReject's lease_owner_mismatch variant: it
// carries the ticket's real lease token forward on the returned GuardError
// so the evidence writer can hash it, without ever recording the raw token
// in the audit trail itself.
func (s *Store) guardRejectLeaseMismatch(action, id, leaseToken string) *ticket.GuardError {
	if s.metrics != nil {
		s.metrics.IncGuardReject(string(ticket.CodeLeaseOwnerMismatch), action)
	}
	if s.snapshots != nil {
		s.snapshots.AppendAudit("guard_reject", map[string]any{
			"action": action,
			"code":   string(ticket.CodeLeaseOwnerMismatch),
			"detail": id,
		})
	}
	return ticket.NewLeaseMismatchGuardError(action, id, leaseToken)
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// ulidEntropy is a monotonic ULID generator, grounded on the teacher's use
// of github.com/oklog/ulid/v2 for call ids and session ids.
type ulidEntropy struct {
	entropy *ulid.MonotonicEntropy
}

func newULIDEntropy() *ulidEntropy {
	return &ulidEntropy{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (e *ulidEntropy) next() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), e.entropy).String()
}
