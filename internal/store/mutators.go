package store

import (
	"time"

	"github.com/avery-chen/ticketflow/internal/ticket"
)

// Lease selects up to limit pending tickets of the given kind, in insertion
// (creation) order, and transitions each to running with a fresh lease.
func (s *Store) Lease(kind ticket.Kind, limit int, leaseSec int, owner string) []*ticket.Ticket {
	limit = ClampLeaseLimit(limit)
	leaseSec = clampLeaseSec(leaseSec)

	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*ticket.Ticket, 0)
	for _, t := range s.tickets {
		if t.Kind == kind && t.Status == ticket.StatusPending {
			candidates = append(candidates, t)
		}
	}
	sortByCreatedAt(candidates)

	now := time.Now().UTC()
	out := make([]*ticket.Ticket, 0, limit)
	for _, t := range candidates {
		if len(out) >= limit {
			break
		}
		t.Status = ticket.StatusRunning
		t.LeaseOwner = owner
		t.LeaseToken = newLeaseToken()
		t.LeaseExpiresAt = now.Add(time.Duration(leaseSec) * time.Second)
		t.Metadata.UpdatedAt = now
		t.Metadata.AuditTrail = append(t.Metadata.AuditTrail, ticket.AuditEntry{
			At: now, Action: "lease", By: owner,
			FromStatus: ticket.StatusPending, ToStatus: ticket.StatusRunning,
		})
		out = append(out, t.Clone())
	}
	return out
}

func sortByCreatedAt(ts []*ticket.Ticket) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j].Metadata.CreatedAt.Before(ts[j-1].Metadata.CreatedAt); j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}

func checkLeaseProof(t *ticket.Ticket, proof *LeaseProof) bool {
	if proof == nil {
		return false
	}
	return t.LeaseOwner == proof.Owner && t.LeaseToken == proof.Token
}

func clearLease(t *ticket.Ticket) {
	t.LeaseOwner = ""
	t.LeaseToken = ""
	t.LeaseExpiresAt = time.Time{}
}

// Complete transitions a ticket to done. From running it requires a matching
// lease proof; from pending it requires the caller `by` to be in the
// direct-fill allowlist. Complete on an already-done ticket is a no-op that
// returns the existing record without touching final_outputs (invariant 2).
func (s *Store) Complete(id string, outputs map[string]any, by string, proof *LeaseProof) (*ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.getLocked(id)
	if !ok {
		return nil, s.guardReject("complete", ticket.CodeNotFound, id)
	}

	switch t.Status {
	case ticket.StatusDone:
		return t.Clone(), nil

	case ticket.StatusRunning:
		if !checkLeaseProof(t, proof) {
			return nil, s.guardRejectLeaseMismatch("complete", id, t.LeaseToken)
		}
		if !verdictParsable(outputs) {
			return nil, s.guardReject("complete", ticket.CodeInvalidToolVerdict, id)
		}
		from := t.Status
		clearLease(t)
		t.Status = ticket.StatusDone
		t.FinalOutputs = outputs
		applyVerdictLocked(t, outputs)
		s.stampLocked(t, "complete", by, from, ticket.StatusDone, "")
		return t.Clone(), nil

	case ticket.StatusPending:
		if by == "" {
			return nil, s.guardReject("complete", ticket.CodeDirectFillMissingBy, id)
		}
		if !s.allowlist[by] {
			return nil, s.guardReject("complete", ticket.CodeDirectFillNotAllowed, by)
		}
		if !verdictParsable(outputs) {
			return nil, s.guardReject("complete", ticket.CodeInvalidToolVerdict, id)
		}
		from := t.Status
		t.Status = ticket.StatusDone
		t.FinalOutputs = outputs
		applyVerdictLocked(t, outputs)
		s.stampLocked(t, "complete", by, from, ticket.StatusDone, "")
		return t.Clone(), nil

	default:
		return nil, s.guardReject("complete", ticket.CodeInvalidTransition, string(t.Status))
	}
}

// verdictParsable reports whether outputs carries no tool_verdict, or one
// the Tool Verdict Normalizer can parse. A present-but-unparseable
// tool_verdict must guard-reject rather than silently complete with no
// verdict recorded (spec.md 4.G).
func verdictParsable(outputs map[string]any) bool {
	raw, present := outputs["tool_verdict"]
	if !present {
		return true
	}
	_, ok := ticket.NormalizeVerdict(raw)
	return ok
}

// applyVerdictLocked writes ticket.tool_verdict whenever outputs.tool_verdict
// normalizes successfully, per spec.md 4.B. Callers must hold s.mu.
func applyVerdictLocked(t *ticket.Ticket, outputs map[string]any) {
	if v, ok := ticket.VerdictFromOutputs(outputs, t.ToolVerdict); ok {
		t.ToolVerdict = &v
	}
}

// Fail transitions a running ticket to failed. Requires a matching lease
// proof.
func (s *Store) Fail(id string, errCode string, by string, proof *LeaseProof) (*ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.getLocked(id)
	if !ok {
		return nil, s.guardReject("fail", ticket.CodeNotFound, id)
	}
	if !transitionAllowed(t.Status, ticket.StatusFailed) {
		return nil, s.guardReject("fail", ticket.CodeInvalidTransition, string(t.Status))
	}
	if !checkLeaseProof(t, proof) {
		return nil, s.guardRejectLeaseMismatch("fail", id, t.LeaseToken)
	}
	from := t.Status
	clearLease(t)
	t.Status = ticket.StatusFailed
	if t.FinalOutputs == nil {
		t.FinalOutputs = map[string]any{}
	}
	t.FinalOutputs["error_code"] = errCode
	s.stampLocked(t, "fail", by, from, ticket.StatusFailed, errCode)
	return t.Clone(), nil
}

// Block transitions pending or running to blocked, clearing lease fields.
func (s *Store) Block(id string, info ticket.BlockInfo) (*ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.getLocked(id)
	if !ok {
		return nil, s.guardReject("block", ticket.CodeNotFound, id)
	}
	if !transitionAllowed(t.Status, ticket.StatusBlocked) {
		return nil, s.guardReject("block", ticket.CodeInvalidTransition, string(t.Status))
	}
	from := t.Status
	clearLease(t)
	t.Status = ticket.StatusBlocked
	b := info
	t.Block = &b
	t.Metadata.BlockReason = info.Reason
	s.stampLocked(t, "block", info.Source, from, ticket.StatusBlocked, info.Code)
	return t.Clone(), nil
}

// Unblock transitions blocked back to pending.
func (s *Store) Unblock(id string, by string) (*ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.getLocked(id)
	if !ok {
		return nil, s.guardReject("unblock", ticket.CodeNotFound, id)
	}
	if t.Status != ticket.StatusBlocked {
		return nil, s.guardReject("unblock", ticket.CodeInvalidTransition, string(t.Status))
	}
	from := t.Status
	t.Status = ticket.StatusPending
	t.Block = nil
	s.stampLocked(t, "unblock", by, from, ticket.StatusPending, "")
	return t.Clone(), nil
}

// Retry transitions failed back to pending, incrementing retry_count.
func (s *Store) Retry(id string, by string) (*ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.getLocked(id)
	if !ok {
		return nil, s.guardReject("retry", ticket.CodeNotFound, id)
	}
	if t.Status != ticket.StatusFailed {
		return nil, s.guardReject("retry", ticket.CodeInvalidTransition, string(t.Status))
	}
	from := t.Status
	t.Status = ticket.StatusPending
	t.Metadata.RetryCount++
	s.stampLocked(t, "retry", by, from, ticket.StatusPending, "")
	return t.Clone(), nil
}

// Release moves a running ticket back to pending ahead of its lease
// expiring. Requires a matching lease proof.
func (s *Store) Release(id string, proof *LeaseProof) (*ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.getLocked(id)
	if !ok {
		return nil, s.guardReject("release", ticket.CodeNotFound, id)
	}
	if !transitionAllowed(t.Status, ticket.StatusPending) || t.Status != ticket.StatusRunning {
		return nil, s.guardReject("release", ticket.CodeInvalidTransition, string(t.Status))
	}
	if !checkLeaseProof(t, proof) {
		return nil, s.guardRejectLeaseMismatch("release", id, t.LeaseToken)
	}
	from := t.Status
	clearLease(t)
	t.Status = ticket.StatusPending
	s.stampLocked(t, "release", proof.Owner, from, ticket.StatusPending, "")
	return t.Clone(), nil
}

// ReleaseExpiredLeases reclaims every running ticket whose lease has
// expired as of now, reverting it to pending and clearing lease fields. It
// is itself a normal mutator (spec.md 5), invoked by the reaper on a fixed
// interval.
func (s *Store) ReleaseExpiredLeases(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tickets {
		if t.Status != ticket.StatusRunning {
			continue
		}
		if t.LeaseExpiresAt.IsZero() || now.Before(t.LeaseExpiresAt) {
			continue
		}
		from := t.Status
		clearLease(t)
		t.Status = ticket.StatusPending
		s.stampLocked(t, "reap", "lease_reaper", from, ticket.StatusPending, "")
		n++
	}
	return n
}

// stampLocked updates Metadata.UpdatedAt, appends an in-memory audit entry,
// and writes a durable audit record. Callers must hold s.mu.
func (s *Store) stampLocked(t *ticket.Ticket, action, by string, from, to ticket.Status, code string) {
	now := time.Now().UTC()
	t.Metadata.UpdatedAt = now
	t.Metadata.AuditTrail = append(t.Metadata.AuditTrail, ticket.AuditEntry{
		At: now, Action: action, By: by, FromStatus: from, ToStatus: to, Code: code,
	})
	if s.snapshots != nil {
		s.snapshots.AppendAudit("transition", map[string]any{
			"ticket_id": t.ID, "action": action, "by": by,
			"from": string(from), "to": string(to), "code": code,
		})
	}
}
