package ticket

import "time"

// Filter narrows List/Count/export queries. Zero values mean "no constraint"
// except Limit, which callers must clamp before passing in (see store.ClampListLimit).
type Filter struct {
	Kind        Kind
	Status      Status
	CandidateID string
	Decision    string
	ReasonLike  string
	Since       time.Time
	Until       time.Time
	Limit       int
	Cursor      string
}

// Matches reports whether t satisfies every non-zero Kind, Status,
// CandidateID, Since and Until constraint in f. Decision, ReasonLike and
// Cursor are not checked here.
func (f Filter) Matches(t *Ticket) bool {
	if f.Kind != "" && t.Kind != f.Kind {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.CandidateID != "" && t.CandidateID != f.CandidateID {
		return false
	}
	if !f.Since.IsZero() && t.Metadata.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && t.Metadata.CreatedAt.After(f.Until) {
		return false
	}
	return true
}
