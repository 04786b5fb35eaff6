package store

import (
	"testing"
	"time"

	"github.com/avery-chen/ticketflow/internal/snapshot"
	"github.com/avery-chen/ticketflow/internal/ticket"
)

type noopMetrics struct{ rejects int }

func (m *noopMetrics) IncGuardReject(code, action string) { m.rejects++ }

type noopSnapshots struct{}

func (noopSnapshots) AppendTriageDecision(d snapshot.Decision)   {}
func (noopSnapshots) AppendReplyResult(d snapshot.Decision)      {}
func (noopSnapshots) AppendAudit(kind string, detail map[string]any) {}

func newTestStore(t *testing.T) (*Store, *noopMetrics) {
	t.Helper()
	m := &noopMetrics{}
	s := New(nil, m, noopSnapshots{}, nil)
	return s, m
}

func TestCreateGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	tk, err := s.Create(CreateParams{Kind: ticket.KindTriage, CandidateID: "c1", FlowID: "triage_zh_hant_v1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tk.Status != ticket.StatusPending {
		t.Fatalf("want pending, got %s", tk.Status)
	}
	got, ok := s.Get(tk.ID)
	if !ok {
		t.Fatalf("Get: not found")
	}
	if got.ID != tk.ID {
		t.Fatalf("id mismatch")
	}
}

func TestLeaseAndCompleteHappyPath(t *testing.T) {
	s, _ := newTestStore(t)
	tk, _ := s.Create(CreateParams{Kind: ticket.KindTriage, CandidateID: "c1"})

	leased := s.Lease(ticket.KindTriage, 10, 60, "worker-a")
	if len(leased) != 1 || leased[0].ID != tk.ID {
		t.Fatalf("expected to lease the one pending ticket, got %+v", leased)
	}
	lt := leased[0]
	if lt.Status != ticket.StatusRunning {
		t.Fatalf("want running, got %s", lt.Status)
	}

	proof := &LeaseProof{Owner: lt.LeaseOwner, Token: lt.LeaseToken}
	done, err := s.Complete(tk.ID, map[string]any{"decision": "APPROVE"}, "worker-a", proof)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != ticket.StatusDone {
		t.Fatalf("want done, got %s", done.Status)
	}
	if done.FinalOutputs["decision"] != "APPROVE" {
		t.Fatalf("final_outputs not recorded")
	}
}

func TestCompleteIdempotentOnDone(t *testing.T) {
	s, _ := newTestStore(t)
	tk, _ := s.Create(CreateParams{Kind: ticket.KindTriage, CandidateID: "c1"})
	_, err := s.Complete(tk.ID, map[string]any{"decision": "APPROVE"}, "http_fill", nil)
	if err != nil {
		t.Fatalf("first complete: %v", err)
	}
	again, err := s.Complete(tk.ID, map[string]any{"decision": "REJECT"}, "http_fill", nil)
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if again.FinalOutputs["decision"] != "APPROVE" {
		t.Fatalf("final_outputs must not change on second complete, got %v", again.FinalOutputs)
	}
}

func TestDirectFillRequiresAllowlistedBy(t *testing.T) {
	s, m := newTestStore(t)
	tk, _ := s.Create(CreateParams{Kind: ticket.KindTriage, CandidateID: "c1"})

	if _, err := s.Complete(tk.ID, nil, "", nil); err == nil {
		t.Fatalf("expected error for missing by")
	} else if ge, ok := err.(*ticket.GuardError); !ok || ge.Code != ticket.CodeDirectFillMissingBy {
		t.Fatalf("want direct_fill_missing_by, got %v", err)
	}

	if _, err := s.Complete(tk.ID, nil, "random-caller", nil); err == nil {
		t.Fatalf("expected error for non-allowlisted by")
	} else if ge, ok := err.(*ticket.GuardError); !ok || ge.Code != ticket.CodeDirectFillNotAllowed {
		t.Fatalf("want direct_fill_not_allowed, got %v", err)
	}

	if m.rejects != 2 {
		t.Fatalf("want 2 guard rejects recorded, got %d", m.rejects)
	}
}

func TestLeaseOwnerMismatch(t *testing.T) {
	s, _ := newTestStore(t)
	tk, _ := s.Create(CreateParams{Kind: ticket.KindTriage, CandidateID: "c1"})
	leased := s.Lease(ticket.KindTriage, 1, 60, "worker-a")
	lt := leased[0]

	_, err := s.Complete(tk.ID, nil, "worker-b", &LeaseProof{Owner: "B-WRONG", Token: lt.LeaseToken})
	if err == nil {
		t.Fatalf("expected lease_owner_mismatch")
	}
	ge, ok := err.(*ticket.GuardError)
	if !ok || ge.Code != ticket.CodeLeaseOwnerMismatch {
		t.Fatalf("want lease_owner_mismatch, got %v", err)
	}

	got, _ := s.Get(tk.ID)
	if got.Status != ticket.StatusRunning {
		t.Fatalf("ticket must remain running after mismatched fill, got %s", got.Status)
	}
}

func TestInvalidTransition(t *testing.T) {
	s, _ := newTestStore(t)
	tk, _ := s.Create(CreateParams{Kind: ticket.KindTriage, CandidateID: "c1"})
	// Fail from pending is not in the transition table.
	_, err := s.Fail(tk.ID, "TOOL_TIMEOUT", "worker-a", nil)
	ge, ok := err.(*ticket.GuardError)
	if !ok || ge.Code != ticket.CodeInvalidTransition {
		t.Fatalf("want invalid_transition, got %v", err)
	}
}

func TestLeaseExpiryReclaim(t *testing.T) {
	s, _ := newTestStore(t)
	tk, _ := s.Create(CreateParams{Kind: ticket.KindTriage, CandidateID: "c1"})
	leased := s.Lease(ticket.KindTriage, 1, 30, "worker-a")
	expiresAt := leased[0].LeaseExpiresAt

	// One ms before expiry: no-op.
	n := s.ReleaseExpiredLeases(expiresAt.Add(-time.Millisecond))
	if n != 0 {
		t.Fatalf("want 0 reclaimed before expiry, got %d", n)
	}
	got, _ := s.Get(tk.ID)
	if got.Status != ticket.StatusRunning {
		t.Fatalf("want still running before expiry")
	}

	// One ms after expiry: reclaimed.
	n = s.ReleaseExpiredLeases(expiresAt.Add(time.Millisecond))
	if n != 1 {
		t.Fatalf("want 1 reclaimed after expiry, got %d", n)
	}
	got, _ = s.Get(tk.ID)
	if got.Status != ticket.StatusPending {
		t.Fatalf("want pending after reclaim, got %s", got.Status)
	}
	if got.LeaseOwner != "" || got.LeaseToken != "" {
		t.Fatalf("want lease fields cleared after reclaim")
	}
}

func TestLeaseLimitClamping(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < 5; i++ {
		s.Create(CreateParams{Kind: ticket.KindTriage, CandidateID: "c" + string(rune('a'+i))})
	}
	leased := s.Lease(ticket.KindTriage, 0, 60, "w")
	if len(leased) != 1 {
		t.Fatalf("limit=0 should clamp to 1, got %d", len(leased))
	}
	// release them back to pending to re-lease under a higher clamp.
	for _, t2 := range leased {
		s.Release(t2.ID, &LeaseProof{Owner: t2.LeaseOwner, Token: t2.LeaseToken})
	}
	leased = s.Lease(ticket.KindTriage, 10_000, 60, "w")
	if len(leased) > 5 {
		t.Fatalf("should not exceed available pending tickets")
	}
}

func TestRetryIncrementsCount(t *testing.T) {
	s, _ := newTestStore(t)
	tk, _ := s.Create(CreateParams{Kind: ticket.KindTool, CandidateID: "c1"})
	leased := s.Lease(ticket.KindTool, 1, 60, "w")
	lt := leased[0]
	proof := &LeaseProof{Owner: lt.LeaseOwner, Token: lt.LeaseToken}
	if _, err := s.Fail(tk.ID, "TOOL_TIMEOUT", "w", proof); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, err := s.Retry(tk.ID, "operator")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got.Status != ticket.StatusPending || got.Metadata.RetryCount != 1 {
		t.Fatalf("want pending with retry_count=1, got %+v", got)
	}
}

func TestBlockAndUnblock(t *testing.T) {
	s, _ := newTestStore(t)
	tk, _ := s.Create(CreateParams{Kind: ticket.KindTriage, CandidateID: "c1"})
	blocked, err := s.Block(tk.ID, ticket.BlockInfo{Code: "policy", Reason: "manual hold", Source: "operator"})
	if err != nil {
		t.Fatalf("Block: %v", err)
	}
	if blocked.Status != ticket.StatusBlocked {
		t.Fatalf("want blocked, got %s", blocked.Status)
	}
	unblocked, err := s.Unblock(tk.ID, "operator")
	if err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	if unblocked.Status != ticket.StatusPending {
		t.Fatalf("want pending, got %s", unblocked.Status)
	}
}

func TestCountByStatus(t *testing.T) {
	s, _ := newTestStore(t)
	s.Create(CreateParams{Kind: ticket.KindTriage, CandidateID: "c1"})
	tk2, _ := s.Create(CreateParams{Kind: ticket.KindTriage, CandidateID: "c2"})
	s.Complete(tk2.ID, nil, "http_fill", nil)

	counts := s.CountByStatus()
	if counts.Total != 2 || counts.Pending != 1 || counts.Done != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if counts.SuccessRate != 0.5 {
		t.Fatalf("want success_rate 0.5, got %f", counts.SuccessRate)
	}
}
