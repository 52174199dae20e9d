package store

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
)

// ReplayedSession is the state reconstructed from a persisted event log.
type ReplayedSession struct {
	Record      schemas.SessionRecord
	Findings    []schemas.Finding
	LastSeq     uint64
	Invocations int
	// Terminated is set when the log contains a terminal event; an absent
	// terminal event means the process died mid-session.
	Terminated bool
}

// ReplaySession rebuilds a session's state by folding its event log. The
// returned LastSeq lets a client resume a live stream from where the
// persisted log ends.
func (s *Store) ReplaySession(ctx context.Context, sessionID string) (ReplayedSession, error) {
	rec, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return ReplayedSession{}, err
	}

	events, err := s.LoadEvents(ctx, sessionID, 0)
	if err != nil {
		return ReplayedSession{}, fmt.Errorf("replay %s: %w", sessionID, err)
	}

	out := ReplayedSession{Record: rec}
	for _, event := range events {
		if event.Seq <= out.LastSeq {
			return ReplayedSession{}, fmt.Errorf("replay %s: sequence regression at %d", sessionID, event.Seq)
		}
		out.LastSeq = event.Seq

		switch p := event.Payload.(type) {
		case schemas.PhaseTransitionPayload:
			out.Record.Phase = p.To
		case schemas.FindingRecordedPayload:
			out.Findings = append(out.Findings, p.Finding)
		case schemas.ToolCompletedPayload:
			out.Invocations++
		case schemas.SessionTerminatedPayload:
			out.Record.Status = p.Status
			out.Terminated = true
		}
	}
	return out, nil
}
