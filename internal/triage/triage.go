// Package triage implements the Triage Filter (spec.md 4.E): Gate-0 and
// Gate-0B, evaluated before a TRIAGE ticket is created for an inbound
// candidate.
package triage

import (
	"fmt"
	"strings"
)

// Gate0 rejects candidates below a minimum content length.
type Gate0 struct {
	Enabled bool `yaml:"enabled"`
	MinLen  int  `yaml:"min_len"`
}

// Gate0B rejects candidates below minimum content length, like count, or
// comment count. Any zero threshold is treated as "no floor" for that field.
type Gate0B struct {
	Enabled     bool `yaml:"enabled"`
	MinLen      int  `yaml:"min_len"`
	MinLikes    int  `yaml:"min_likes"`
	MinComments int  `yaml:"min_comments"`
}

// Rules is the Triage Filter's full configuration, loaded from a YAML rule
// file (shape only — the file format itself is an external collaborator per
// spec.md's Non-goals) and overridable by GATE0B_* environment variables.
type Rules struct {
	Gate0  Gate0  `yaml:"gate0"`
	Gate0B Gate0B `yaml:"gate0b"`
}

// Candidate is the minimal view of an inbound candidate the filter needs.
type Candidate struct {
	Content  string
	Likes    int
	Comments int
}

// Result is the filter's verdict: Pass true admits the candidate to TRIAGE
// ticket creation; Pass false carries a policy reason of the form
// "policy:<gate>:<field>".
type Result struct {
	Pass   bool
	Reason string
}

// Evaluate runs Gate-0 then Gate-0B in order, short-circuiting on the first
// rejection, per spec.md 4.E.
func Evaluate(r Rules, c Candidate) Result {
	if r.Gate0.Enabled && len(c.Content) < r.Gate0.MinLen {
		return Result{Pass: false, Reason: "policy:gate0:min_len"}
	}
	if r.Gate0B.Enabled {
		if len(c.Content) < r.Gate0B.MinLen {
			return Result{Pass: false, Reason: "policy:gate0b:min_len"}
		}
		if c.Likes < r.Gate0B.MinLikes {
			return Result{Pass: false, Reason: "policy:gate0b:min_likes"}
		}
		if c.Comments < r.Gate0B.MinComments {
			return Result{Pass: false, Reason: "policy:gate0b:min_comments"}
		}
	}
	return Result{Pass: true}
}

// FormatReason renders a policy reason into a human-readable gate/field pair,
// used by audit logging.
func FormatReason(reason string) (gate, field string, ok bool) {
	parts := strings.SplitN(reason, ":", 3)
	if len(parts) != 3 || parts[0] != "policy" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func (r Rules) String() string {
	return fmt.Sprintf("gate0{enabled=%v,min_len=%d} gate0b{enabled=%v,min_len=%d,min_likes=%d,min_comments=%d}",
		r.Gate0.Enabled, r.Gate0.MinLen, r.Gate0B.Enabled, r.Gate0B.MinLen, r.Gate0B.MinLikes, r.Gate0B.MinComments)
}
