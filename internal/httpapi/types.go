package httpapi

import "github.com/avery-chen/ticketflow/internal/ticket"

// ErrorResponse is the body shape for every non-2xx response, grounded on
// the teacher's handlers.go ErrorResponse{Error string}.
type ErrorResponse struct {
	ErrorCode      string   `json:"error_code"`
	Error          string   `json:"error,omitempty"`
	EvidenceRunID  string   `json:"evidence_run_id,omitempty"`
	MissingRequired []string `json:"missing_required,omitempty"`
	Degraded       bool     `json:"degraded,omitempty"`
	AsOf           string   `json:"as_of,omitempty"`
}

// EventRequest is POST /events's body.
type EventRequest struct {
	Type      string         `json:"type"`
	EventID   string         `json:"event_id"`
	ThreadID  string         `json:"thread_id"`
	Content   string         `json:"content"`
	Actor     string         `json:"actor"`
	Timestamp string         `json:"timestamp"`
	Features  map[string]any `json:"features,omitempty"`
}

// CandidateLite is one entry in POST /v1/triage/batch's candidates array:
// {candidate_id, seed?, content, actor?, timestamp?, features?}. Engagement
// counts (likes/comments) live under features.engagement, not top-level.
type CandidateLite struct {
	CandidateID string         `json:"candidate_id"`
	Content     string         `json:"content"`
	Actor       string         `json:"actor,omitempty"`
	ThreadID    string         `json:"thread_id,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Features    map[string]any `json:"features,omitempty"`
	Seed        *SeedRef       `json:"seed,omitempty"`
}

// SeedRef is the optional dedup-by-seed-value handle on a candidate.
type SeedRef struct {
	Value string `json:"value"`
}

// TriageBatchRequest is POST /v1/triage/batch's body.
type TriageBatchRequest struct {
	Candidates []CandidateLite `json:"candidates"`
}

// TriageBatchResult is one entry in the batch response's results array.
type TriageBatchResult struct {
	CandidateID    string         `json:"candidate_id"`
	State          string         `json:"state"`
	TriageTicketID string         `json:"triage_ticket_id,omitempty"`
	TriageResult   map[string]any `json:"triage_result,omitempty"`
	Reason         string         `json:"reason,omitempty"`
}

// LeaseRequest is POST /v1/tickets/lease's body.
type LeaseRequest struct {
	Kind     ticket.Kind `json:"kind"`
	Limit    int         `json:"limit,omitempty"`
	LeaseSec int         `json:"lease_sec,omitempty"`
	Owner    string       `json:"owner,omitempty"`
}

// LeasedTicket is one entry in the lease response array.
type LeasedTicket struct {
	TicketID      string         `json:"ticket_id"`
	PromptID      string         `json:"prompt_id,omitempty"`
	SchemaRef     string         `json:"schema_ref"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	LeaseID       string         `json:"lease_id"`
	LeaseExpireAt string         `json:"lease_expire_at"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// FillRequest is POST /v1/tickets/:id/fill's body.
type FillRequest struct {
	Outputs         map[string]any `json:"outputs"`
	By              string         `json:"by,omitempty"`
	LeaseOwner      string         `json:"lease_owner,omitempty"`
	LeaseToken      string         `json:"lease_token,omitempty"`
	Tokens          int            `json:"tokens,omitempty"`
	// LeaseExpiresAt is only ever echoed by legacy fillers that mirror back
	// the lease_expire_at they were handed; it never participates in the
	// fill guard itself (lease proof is owner+token only), it is recorded
	// for forensic purposes in the fill audit record.
	LeaseExpiresAt any `json:"lease_expires_at,omitempty"`
}

// schemaRefFor maps a ticket kind to its filler-facing schema identifier.
func schemaRefFor(k ticket.Kind) string {
	switch k {
	case ticket.KindTriage:
		return "triage_zh_hant_v1.schema.json"
	case ticket.KindTool:
		return "tool_zh_hant_v1.schema.json"
	case ticket.KindReply:
		return "reply_zh_hant_v1.schema.json"
	default:
		return ""
	}
}
