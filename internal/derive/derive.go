// Package derive implements the Derivation Engine (spec.md 4.F): the two
// pure, idempotent steps that advance a ticket from TRIAGE to TOOL and from
// TOOL to REPLY. Each exported function is a thin impure shell around a pure
// decision function, grounded on the teacher's engine/next_hop.go split of
// resolveNextHop (impure, touches the graph) from its pure helpers.
package derive

import (
	"strings"

	"github.com/avery-chen/ticketflow/internal/ticket"
)

// SkipReason is a stable machine-readable reason a derivation step declined
// to create a child ticket.
type SkipReason string

const (
	ReasonGateKindNotTool          SkipReason = "gate_kind_not_tool"
	ReasonReplyDerivationDisabled  SkipReason = "gate_reply_derivation_disabled"
	ReasonToolOnlyMode             SkipReason = "gate_tool_only_mode"
	ReasonToolVerdictNotProceed    SkipReason = "gate_tool_verdict_not_proceed"
	ReasonMissingToolVerdict       SkipReason = "missing_tool_verdict"
	ReasonMissingParentTriage     SkipReason = "missing_parent_triage_ticket"
	ReasonDecisionNotApprove       SkipReason = "gate_decision_not_approve"
)

// Outcome is what either derivation step decided to do.
type Outcome string

const (
	OutcomeCreated         Outcome = "created"
	OutcomeIdempotent      Outcome = "idempotent"
	OutcomeRecoveredOrphan Outcome = "recovered_orphan"
	OutcomeSkipped         Outcome = "skipped"
)

// Result carries the child ticket id (if any) and why.
type Result struct {
	Outcome  Outcome
	TicketID string
	Reason   SkipReason
}

// ToolDerivationInputs is the pure subset of state deriveToolFromTriage needs.
type ToolDerivationInputs struct {
	Decision           string
	AlreadyDerivedID   string
}

// decideToolFromTriage is the pure decision function: given only the values
// that matter, decide whether a TOOL ticket should be created.
func decideToolFromTriage(in ToolDerivationInputs) Result {
	if in.AlreadyDerivedID != "" {
		return Result{Outcome: OutcomeIdempotent, TicketID: in.AlreadyDerivedID}
	}
	if !strings.EqualFold(strings.TrimSpace(in.Decision), "APPROVE") {
		return Result{Outcome: OutcomeSkipped, Reason: ReasonDecisionNotApprove}
	}
	return Result{Outcome: OutcomeCreated}
}

// ToolCreator is the narrow store surface deriveToolFromTriage needs to
// actually create the TOOL ticket.
type ToolCreator interface {
	Create(p ToolCreateParams) (*ticket.Ticket, error)
	SetDerived(triageID, childID string) error
}

// ToolCreateParams are the fields deriveToolFromTriage fills in for the new
// TOOL ticket.
type ToolCreateParams struct {
	TriageID string
	Event    ticket.Event
	Inputs   map[string]any
}

// DeriveToolFromTriage implements spec.md 4.F.1. triage is the TRIAGE
// ticket just completed; outputs are its final_outputs.
func DeriveToolFromTriage(store ToolCreator, triage *ticket.Ticket, outputs map[string]any) (Result, error) {
	decision, _ := outputs["decision"].(string)
	already := ""
	if triage.Derived != nil {
		already = triage.Derived.ChildTicketID
	}

	res := decideToolFromTriage(ToolDerivationInputs{Decision: decision, AlreadyDerivedID: already})
	if res.Outcome != OutcomeCreated {
		return res, nil
	}

	inputs := map[string]any{
		"reply_strategy": outputs["reply_strategy"],
	}
	if needs, ok := outputs["information_needs"]; ok {
		inputs["information_needs"] = needs
	}

	child, err := store.Create(ToolCreateParams{
		TriageID: triage.ID,
		Event:    triage.Event,
		Inputs:   inputs,
	})
	if err != nil {
		return Result{}, err
	}
	if err := store.SetDerived(triage.ID, child.ID); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeCreated, TicketID: child.ID}, nil
}

// ReplyDerivationFlags is the subset of Config that gates and parameterizes
// deriveReplyFromTool.
type ReplyDerivationFlags struct {
	EnableReplyDerivation bool
	ToolOnlyMode          bool
	BrandVoice            string
}

// decideReplyFromTool is the pure gate chain from spec.md 4.F.2, evaluated
// in order with the first failure winning.
func decideReplyFromTool(kind ticket.Kind, flags ReplyDerivationFlags, verdict *ticket.ToolVerdict, verdictOK bool, alreadyDerivedID string) Result {
	if alreadyDerivedID != "" {
		return Result{Outcome: OutcomeIdempotent, TicketID: alreadyDerivedID}
	}
	if kind != ticket.KindTool {
		return Result{Outcome: OutcomeSkipped, Reason: ReasonGateKindNotTool}
	}
	if !flags.EnableReplyDerivation {
		return Result{Outcome: OutcomeSkipped, Reason: ReasonReplyDerivationDisabled}
	}
	if flags.ToolOnlyMode {
		return Result{Outcome: OutcomeSkipped, Reason: ReasonToolOnlyMode}
	}
	if !verdictOK || verdict == nil {
		return Result{Outcome: OutcomeSkipped, Reason: ReasonMissingToolVerdict}
	}
	if verdict.Status != ticket.VerdictProceed {
		return Result{Outcome: OutcomeSkipped, Reason: ReasonToolVerdictNotProceed}
	}
	return Result{Outcome: OutcomeCreated}
}

// ReplyCreator is the narrow store surface deriveReplyFromTool needs.
type ReplyCreator interface {
	Create(p ReplyCreateParams) (*ticket.Ticket, error)
	SetDerived(toolID, childID string) error
	ReplyTicketForParentTool(toolTicketID string) (string, bool)
	TriageTicketForCandidate(candidateID string) (string, bool)
	Get(id string) (*ticket.Ticket, bool)
}

// ReplyCreateParams are the fields deriveReplyFromTool fills in for the new
// REPLY ticket. CandidateID is only set directly by the tail-follower's
// parent-less path; the normal TOOL->REPLY path leaves it empty and lets the
// store inherit it from the parent TOOL ticket.
type ReplyCreateParams struct {
	ToolID            string
	TriageReferenceID string
	CandidateID       string
	Event             ticket.Event
	Inputs            map[string]any
}

// DeriveReplyFromTool implements spec.md 4.F.2. tool is the TOOL ticket just
// completed (its canonical tool_verdict drives the gates); shortReason and
// contextNotes become the new REPLY's stance_summary and context_notes.
func DeriveReplyFromTool(store ReplyCreator, tool *ticket.Ticket, flags ReplyDerivationFlags, shortReason string, contextNotes []string) (Result, error) {
	already := ""
	if tool.Derived != nil {
		already = tool.Derived.ChildTicketID
	}

	res := decideReplyFromTool(tool.Kind, flags, tool.ToolVerdict, tool.ToolVerdict != nil, already)
	if res.Outcome != OutcomeCreated {
		return res, nil
	}

	triageID, ok := store.TriageTicketForCandidate(tool.CandidateID)
	if !ok {
		return Result{Outcome: OutcomeSkipped, Reason: ReasonMissingParentTriage}, nil
	}

	if orphanID, ok := store.ReplyTicketForParentTool(tool.ID); ok {
		if err := store.SetDerived(tool.ID, orphanID); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeRecoveredOrphan, TicketID: orphanID}, nil
	}

	inputs := map[string]any{
		"brand_voice":      flags.BrandVoice,
		"stance_summary":   shortReason,
		"context_notes":    contextNotes,
		"reply_objectives": []string{"address_concern", "on_brand"},
	}
	if content := tool.Event.Content; content != "" {
		inputs["candidate_snippet"] = content
	}

	child, err := store.Create(ReplyCreateParams{
		ToolID:            tool.ID,
		TriageReferenceID: triageID,
		Event:             tool.Event,
		Inputs:            inputs,
	})
	if err != nil {
		return Result{}, err
	}
	if err := store.SetDerived(tool.ID, child.ID); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeCreated, TicketID: child.ID}, nil
}

// TailReplyCreator is the narrow store surface the tail follower needs to
// synthesize a REPLY ticket directly from an externally appended triage
// decision. There is no TOOL ticket to derive from in this path: the
// decision line was written by something other than this orchestrator's own
// fill path, so the normal TOOL stage is skipped entirely.
type TailReplyCreator interface {
	ReplyTicketForCandidate(candidateID string) (string, bool)
	Create(p ReplyCreateParams) (*ticket.Ticket, error)
}

// TailReplyParams is the subset of a tailed DONE+APPROVE triage decision
// line DeriveReplyFromTailDecision needs.
type TailReplyParams struct {
	CandidateID string
	TriageID    string
	ShortReason string
}

// DeriveReplyFromTailDecision implements the tail follower's auto-derive
// rule (spec.md 4.I): a DONE+APPROVE triage decision with no existing REPLY
// for its candidate synthesizes one directly, tagged source tail:auto by the
// caller.
func DeriveReplyFromTailDecision(store TailReplyCreator, p TailReplyParams) (Result, error) {
	if id, ok := store.ReplyTicketForCandidate(p.CandidateID); ok {
		return Result{Outcome: OutcomeIdempotent, TicketID: id}, nil
	}
	child, err := store.Create(ReplyCreateParams{
		TriageReferenceID: p.TriageID,
		CandidateID:       p.CandidateID,
		Inputs: map[string]any{
			"stance_summary": p.ShortReason,
		},
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeCreated, TicketID: child.ID}, nil
}
