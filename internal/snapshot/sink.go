package snapshot

import (
	"log"
	"time"
)

// Sink groups the four append-only files the orchestrator writes during
// normal operation, matching the Snapshot Writer's public operations in
// spec.md 4.A.
type Sink struct {
	TriageDecisions *Writer
	ReplyResults    *Writer
	TriageAudit     *Writer
	ReplyAudit      *Writer
}

// Paths names the on-disk locations for a Sink, mirroring the
// LOGS_DIR-relative layout in spec.md 6.2.
type Paths struct {
	TriageDecisions string
	ReplyResults    string
	TriageAudit     string
	ReplyAudit      string
}

// Open2 opens all four files that make up a Sink.
func Open2(p Paths, logger *log.Logger) (*Sink, error) {
	td, err := Open(p.TriageDecisions, logger)
	if err != nil {
		return nil, err
	}
	rr, err := Open(p.ReplyResults, logger)
	if err != nil {
		return nil, err
	}
	ta, err := Open(p.TriageAudit, logger)
	if err != nil {
		return nil, err
	}
	ra, err := Open(p.ReplyAudit, logger)
	if err != nil {
		return nil, err
	}
	return &Sink{TriageDecisions: td, ReplyResults: rr, TriageAudit: ta, ReplyAudit: ra}, nil
}

// AppendTriageDecision appends a decision about a TRIAGE-stage outcome.
func (s *Sink) AppendTriageDecision(d Decision) {
	d.Ver = 1
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	s.TriageDecisions.Append(d)
}

// AppendReplyResult appends a decision about a REPLY-stage outcome.
func (s *Sink) AppendReplyResult(d Decision) {
	d.Ver = 1
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	s.ReplyResults.Append(d)
}

// AppendAudit appends an operational audit record of the given kind. kind
// selects triage vs reply audit stream by convention ("triage:*" / "reply:*");
// unmatched kinds fall back to the triage stream.
func (s *Sink) AppendAudit(kind string, detail map[string]any) {
	a := Audit{Ver: 1, At: time.Now().UTC(), Kind: kind, Detail: detail}
	if len(kind) >= 6 && kind[:6] == "reply:" {
		s.ReplyAudit.Append(a)
		return
	}
	s.TriageAudit.Append(a)
}

// Close closes every underlying file.
func (s *Sink) Close() {
	s.TriageDecisions.Close()
	s.ReplyResults.Close()
	s.TriageAudit.Close()
	s.ReplyAudit.Close()
}
