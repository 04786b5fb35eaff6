package ticket

import "fmt"

// GuardCode is a stable, closed-set error code returned by guarded rejects.
// Callers match on the code, never on GuardError.Error()'s message.
type GuardCode string

const (
	CodeInvalidTransition     GuardCode = "invalid_transition"
	CodeLeaseOwnerMismatch    GuardCode = "lease_owner_mismatch"
	CodeDirectFillNotAllowed  GuardCode = "direct_fill_not_allowed"
	CodeDirectFillMissingBy   GuardCode = "direct_fill_missing_by"
	CodeRequiredUnavailable   GuardCode = "MCP_REQUIRED_UNAVAILABLE"
	CodeSchemaStrictReject    GuardCode = "schema_strict_reject"
	CodeMissingParentTriage   GuardCode = "missing_parent_triage_ticket"
	CodeInvalidToolVerdict    GuardCode = "invalid_tool_verdict"
	CodeNotFound              GuardCode = "NOT_FOUND"
)

// GuardError is a synchronous, user-facing rejection. It carries the action
// being attempted (e.g. "complete", "fail", "lease") so callers can increment
// ticket_store_guard_reject_total{code,action} without re-deriving it.
type GuardError struct {
	Code   GuardCode
	Action string
	Detail string

	// RejectedLeaseToken is the ticket's real lease token at the moment a
	// lease_owner_mismatch fires (spec.md 8 scenario 2). Only the evidence
	// writer may read it, and only to hash it — it must never be logged or
	// serialized raw.
	RejectedLeaseToken string
}

func (e *GuardError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Action, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Action, e.Code, e.Detail)
}

// NewGuardError builds a GuardError for the given action/code pair.
func NewGuardError(action string, code GuardCode, detail string) *GuardError {
	return &GuardError{Action: action, Code: code, Detail: detail}
}

// NewLeaseMismatchGuardError builds a lease_owner_mismatch GuardError,
// carrying the ticket's real lease token so the evidence writer can hash it.
func NewLeaseMismatchGuardError(action, detail, leaseToken string) *GuardError {
	return &GuardError{Action: action, Code: CodeLeaseOwnerMismatch, Detail: detail, RejectedLeaseToken: leaseToken}
}

// IsSystemCaused reports whether this guard reject is caused by the system
// itself (and therefore must be accompanied by an evidence emission) rather
// than by a filler-reported failure.
func (e *GuardError) IsSystemCaused() bool {
	switch e.Code {
	case CodeLeaseOwnerMismatch, CodeRequiredUnavailable, CodeSchemaStrictReject:
		return true
	default:
		return false
	}
}
