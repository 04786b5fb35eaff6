package store

import "github.com/avery-chen/ticketflow/internal/ticket"

// transitionKey is a (from, to) pair checked against the allowed-transitions
// table in spec.md 3.2.
type transitionKey struct {
	from ticket.Status
	to   ticket.Status
}

// allowedTransitions is the closed set of state changes the store permits.
// Any other (from, to) pair is rejected with invalid_transition. "done ->
// done" is listed explicitly because Complete is idempotent on an
// already-done ticket.
var allowedTransitions = map[transitionKey]bool{
	{ticket.StatusPending, ticket.StatusRunning}: true, // lease
	{ticket.StatusPending, ticket.StatusDone}:    true, // direct fill (allowlisted callers only)
	{ticket.StatusPending, ticket.StatusBlocked}: true, // block
	{ticket.StatusRunning, ticket.StatusDone}:    true, // complete
	{ticket.StatusRunning, ticket.StatusFailed}:  true, // fail
	{ticket.StatusRunning, ticket.StatusPending}: true, // release / expiry reclaim
	{ticket.StatusRunning, ticket.StatusBlocked}: true, // block
	{ticket.StatusBlocked, ticket.StatusPending}: true, // unblock
	{ticket.StatusFailed, ticket.StatusPending}:  true, // retry
	{ticket.StatusDone, ticket.StatusDone}:       true, // complete is idempotent
}

func transitionAllowed(from, to ticket.Status) bool {
	return allowedTransitions[transitionKey{from, to}]
}
