package derive

import (
	"testing"

	"github.com/avery-chen/ticketflow/internal/ticket"
)

type fakeToolCreator struct {
	created map[string]*ticket.Ticket
	parents map[string]*ticket.Ticket
	next    int
}

func newFakeToolCreator(parents ...*ticket.Ticket) *fakeToolCreator {
	f := &fakeToolCreator{created: map[string]*ticket.Ticket{}, parents: map[string]*ticket.Ticket{}}
	for _, p := range parents {
		f.parents[p.ID] = p
	}
	return f
}

func (f *fakeToolCreator) Create(p ToolCreateParams) (*ticket.Ticket, error) {
	f.next++
	id := "tool-generated"
	t := &ticket.Ticket{ID: id, Kind: ticket.KindTool, Status: ticket.StatusPending, ParentTicketID: p.TriageID, Inputs: p.Inputs}
	f.created[id] = t
	return t, nil
}

func (f *fakeToolCreator) SetDerived(triageID, childID string) error {
	if p, ok := f.parents[triageID]; ok {
		p.Derived = &ticket.Derived{ChildTicketID: childID}
	}
	return nil
}

func TestDeriveToolFromTriageCreatesOnApprove(t *testing.T) {
	triage := &ticket.Ticket{ID: "triage-1"}
	f := newFakeToolCreator(triage)

	res, err := DeriveToolFromTriage(f, triage, map[string]any{"decision": "approve", "reply_strategy": "standard"})
	if err != nil {
		t.Fatalf("DeriveToolFromTriage: %v", err)
	}
	if res.Outcome != OutcomeCreated {
		t.Fatalf("want created, got %+v", res)
	}
	if triage.Derived == nil || triage.Derived.ChildTicketID != res.TicketID {
		t.Fatalf("want back-reference recorded on triage, got %+v", triage.Derived)
	}
}

func TestDeriveToolFromTriageSkipsOnNonApprove(t *testing.T) {
	triage := &ticket.Ticket{ID: "triage-1"}
	f := newFakeToolCreator(triage)

	res, err := DeriveToolFromTriage(f, triage, map[string]any{"decision": "DEFER"})
	if err != nil {
		t.Fatalf("DeriveToolFromTriage: %v", err)
	}
	if res.Outcome != OutcomeSkipped || res.Reason != ReasonDecisionNotApprove {
		t.Fatalf("want skip gate_decision_not_approve, got %+v", res)
	}
}

func TestDeriveToolFromTriageIdempotent(t *testing.T) {
	triage := &ticket.Ticket{ID: "triage-1", Derived: &ticket.Derived{ChildTicketID: "tool-existing"}}
	f := newFakeToolCreator(triage)

	res, err := DeriveToolFromTriage(f, triage, map[string]any{"decision": "APPROVE"})
	if err != nil {
		t.Fatalf("DeriveToolFromTriage: %v", err)
	}
	if res.Outcome != OutcomeIdempotent || res.TicketID != "tool-existing" {
		t.Fatalf("want idempotent tool-existing, got %+v", res)
	}
	if f.next != 0 {
		t.Fatalf("idempotent path must not call Create")
	}
}

type fakeReplyCreator struct {
	created       map[string]*ticket.Ticket
	parents       map[string]*ticket.Ticket
	triageByCand  map[string]string
	replyByParent map[string]string
}

func newFakeReplyCreator() *fakeReplyCreator {
	return &fakeReplyCreator{
		created:       map[string]*ticket.Ticket{},
		parents:       map[string]*ticket.Ticket{},
		triageByCand:  map[string]string{},
		replyByParent: map[string]string{},
	}
}

func (f *fakeReplyCreator) Create(p ReplyCreateParams) (*ticket.Ticket, error) {
	id := "reply-generated"
	t := &ticket.Ticket{ID: id, Kind: ticket.KindReply, Status: ticket.StatusPending, ParentTicketID: p.ToolID, TriageReferenceID: p.TriageReferenceID, Inputs: p.Inputs}
	f.created[id] = t
	return t, nil
}

func (f *fakeReplyCreator) SetDerived(toolID, childID string) error {
	if p, ok := f.parents[toolID]; ok {
		p.Derived = &ticket.Derived{ChildTicketID: childID}
	}
	return nil
}

func (f *fakeReplyCreator) ReplyTicketForParentTool(toolTicketID string) (string, bool) {
	id, ok := f.replyByParent[toolTicketID]
	return id, ok
}

func (f *fakeReplyCreator) TriageTicketForCandidate(candidateID string) (string, bool) {
	id, ok := f.triageByCand[candidateID]
	return id, ok
}

func (f *fakeReplyCreator) Get(id string) (*ticket.Ticket, bool) {
	t, ok := f.created[id]
	return t, ok
}

func proceedTool(id, candidateID string) *ticket.Ticket {
	return &ticket.Ticket{
		ID:          id,
		Kind:        ticket.KindTool,
		CandidateID: candidateID,
		ToolVerdict: &ticket.ToolVerdict{Status: ticket.VerdictProceed},
	}
}

func TestDeriveReplyFromToolCreatesOnProceed(t *testing.T) {
	tool := proceedTool("tool-1", "cand-1")
	f := newFakeReplyCreator()
	f.parents[tool.ID] = tool
	f.triageByCand["cand-1"] = "triage-1"

	res, err := DeriveReplyFromTool(f, tool, ReplyDerivationFlags{EnableReplyDerivation: true}, "short reason", nil)
	if err != nil {
		t.Fatalf("DeriveReplyFromTool: %v", err)
	}
	if res.Outcome != OutcomeCreated {
		t.Fatalf("want created, got %+v", res)
	}
}

func TestDeriveReplyFromToolGateOrdering(t *testing.T) {
	// Wrong kind wins over every other gate.
	nonTool := &ticket.Ticket{ID: "t1", Kind: ticket.KindTriage}
	f := newFakeReplyCreator()
	res, _ := DeriveReplyFromTool(f, nonTool, ReplyDerivationFlags{}, "", nil)
	if res.Reason != ReasonGateKindNotTool {
		t.Fatalf("want gate_kind_not_tool, got %+v", res)
	}

	// Kind is TOOL but derivation disabled.
	tool := proceedTool("t2", "cand-2")
	res, _ = DeriveReplyFromTool(f, tool, ReplyDerivationFlags{EnableReplyDerivation: false}, "", nil)
	if res.Reason != ReasonReplyDerivationDisabled {
		t.Fatalf("want gate_reply_derivation_disabled, got %+v", res)
	}

	// Enabled, but tool-only mode.
	res, _ = DeriveReplyFromTool(f, tool, ReplyDerivationFlags{EnableReplyDerivation: true, ToolOnlyMode: true}, "", nil)
	if res.Reason != ReasonToolOnlyMode {
		t.Fatalf("want gate_tool_only_mode, got %+v", res)
	}

	// Enabled, not tool-only, but no verdict.
	noVerdict := &ticket.Ticket{ID: "t3", Kind: ticket.KindTool}
	res, _ = DeriveReplyFromTool(f, noVerdict, ReplyDerivationFlags{EnableReplyDerivation: true}, "", nil)
	if res.Reason != ReasonMissingToolVerdict {
		t.Fatalf("want missing_tool_verdict, got %+v", res)
	}

	// Verdict present but not PROCEED.
	deferred := &ticket.Ticket{ID: "t4", Kind: ticket.KindTool, ToolVerdict: &ticket.ToolVerdict{Status: ticket.VerdictDefer}}
	res, _ = DeriveReplyFromTool(f, deferred, ReplyDerivationFlags{EnableReplyDerivation: true}, "", nil)
	if res.Reason != ReasonToolVerdictNotProceed {
		t.Fatalf("want gate_tool_verdict_not_proceed, got %+v", res)
	}
}

func TestDeriveReplyFromToolMissingParentTriage(t *testing.T) {
	tool := proceedTool("tool-1", "cand-missing")
	f := newFakeReplyCreator()
	res, err := DeriveReplyFromTool(f, tool, ReplyDerivationFlags{EnableReplyDerivation: true}, "", nil)
	if err != nil {
		t.Fatalf("DeriveReplyFromTool: %v", err)
	}
	if res.Reason != ReasonMissingParentTriage {
		t.Fatalf("want missing_parent_triage_ticket, got %+v", res)
	}
}

func TestDeriveReplyFromToolRecoversOrphan(t *testing.T) {
	tool := proceedTool("tool-1", "cand-1")
	f := newFakeReplyCreator()
	f.parents[tool.ID] = tool
	f.triageByCand["cand-1"] = "triage-1"
	f.replyByParent[tool.ID] = "reply-orphan"

	res, err := DeriveReplyFromTool(f, tool, ReplyDerivationFlags{EnableReplyDerivation: true}, "", nil)
	if err != nil {
		t.Fatalf("DeriveReplyFromTool: %v", err)
	}
	if res.Outcome != OutcomeRecoveredOrphan || res.TicketID != "reply-orphan" {
		t.Fatalf("want recovered_orphan reply-orphan, got %+v", res)
	}
}

func TestDeriveReplyFromToolIdempotent(t *testing.T) {
	tool := proceedTool("tool-1", "cand-1")
	tool.Derived = &ticket.Derived{ChildTicketID: "reply-existing"}
	f := newFakeReplyCreator()

	res, err := DeriveReplyFromTool(f, tool, ReplyDerivationFlags{EnableReplyDerivation: true}, "", nil)
	if err != nil {
		t.Fatalf("DeriveReplyFromTool: %v", err)
	}
	if res.Outcome != OutcomeIdempotent || res.TicketID != "reply-existing" {
		t.Fatalf("want idempotent reply-existing, got %+v", res)
	}
}
