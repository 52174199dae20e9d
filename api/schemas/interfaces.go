package schemas

import (
	"context"
	"time"
)

// Provider is one interchangeable AI backend. Implementations normalize their
// wire format into CompletionResponse and classify failures as ProviderError.
type Provider interface {
	Name() string
	Class() CapabilityClass
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// SessionSnapshot is the read-only view of session state handed to the
// router. The orchestrator owns the session; the router never mutates it.
type SessionSnapshot struct {
	SessionID        string
	Target           Target
	Phase            Phase
	PhaseActionCount int
	Findings         []Finding
	LastInvocation   *ToolInvocation
}

// Analysis is the router's interpretation of a tool result.
type Analysis struct {
	Findings []Finding
	// NextAction, when set, is the follow-up the provider wants executed.
	NextAction *Action
	// PhaseComplete signals that no further actions are pending in the
	// current phase.
	PhaseComplete bool
	Reasoning     string
}

// Router selects a provider for the session's phase and drives the
// propose/analyze conversation, failing over between backends as needed.
type Router interface {
	// Propose asks for the next action. A nil action with a nil error means
	// the provider considers the phase complete.
	Propose(ctx context.Context, snap SessionSnapshot) (*Action, error)
	// Analyze interprets a tool result, yielding findings and optionally the
	// next action.
	Analyze(ctx context.Context, snap SessionSnapshot, inv ToolInvocation) (Analysis, error)
}

// Guard validates targets against the session's allow-list. Check runs before
// every tool execution, not only at session start; denial is sticky.
type Guard interface {
	Check(target string) error
}

// Decision is the outcome of a confirmation request.
type Decision struct {
	Approved bool
	// TimedOut marks a denial produced by the confirmation window expiring
	// rather than an explicit operator response.
	TimedOut bool
	Note     string
}

// Gate suspends destructive actions until an operator resolves them. Absence
// of a decision is always a denial, never an implicit approval.
type Gate interface {
	// Request registers a pending confirmation and returns its token.
	Request(ctx context.Context, sessionID string, action Action) (string, error)
	// Resolve records the operator's decision for a pending token.
	Resolve(token string, approved bool, note string) error
	// Wait blocks until the token is resolved, the window times out, or ctx
	// is cancelled (which counts as denial).
	Wait(ctx context.Context, token string) (Decision, error)
}

// ToolAdapter executes actions against external tools and normalizes the
// result. On timeout the underlying process is terminated, never leaked.
type ToolAdapter interface {
	Execute(ctx context.Context, sessionID string, action Action) (ToolInvocation, error)
}

// Publisher is the write side of the event bus.
type Publisher interface {
	// Publish appends the event to the session stream and returns it with
	// its assigned sequence number.
	Publish(event Event) Event
}

// SessionRecord is the durable identity row for a session.
type SessionRecord struct {
	ID        string
	Target    Target
	Status    SessionStatus
	Phase     Phase
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists the session log so a session can be reconstructed by
// replaying its events after a restart.
type Store interface {
	CreateSession(ctx context.Context, rec SessionRecord) error
	UpdateSession(ctx context.Context, id string, status SessionStatus, phase Phase) error
	AppendEvent(ctx context.Context, event Event) error
	SaveFindings(ctx context.Context, findings []Finding) error
	UpdateFindingStatus(ctx context.Context, findingID string, status FindingStatus) error
	LoadEvents(ctx context.Context, sessionID string, fromSeq uint64) ([]Event, error)
	FindingsBySession(ctx context.Context, sessionID string) ([]Finding, error)
}
