package schemas

import (
	"encoding/json"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// EventType tags the closed set of session events.
type EventType string

const (
	EventReasoningStep         EventType = "reasoning_step"
	EventToolStarted           EventType = "tool_started"
	EventToolCompleted         EventType = "tool_completed"
	EventProviderFallback      EventType = "provider_fallback"
	EventConfirmationRequested EventType = "confirmation_requested"
	EventConfirmationResolved  EventType = "confirmation_resolved"
	EventPhaseTransition       EventType = "phase_transition"
	EventFindingRecorded       EventType = "finding_recorded"
	EventSessionTerminated     EventType = "session_terminated"
)

// Event is one entry in a session's ordered, append-only log. Seq is assigned
// by the event bus at publish time and is strictly increasing per session;
// events are immutable once published.
type Event struct {
	Seq       uint64    `json:"seq"`
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// -- Event payloads --

type ReasoningStepPayload struct {
	Phase    Phase  `json:"phase"`
	Provider string `json:"provider,omitempty"`
	Text     string `json:"text"`
}

type ToolStartedPayload struct {
	ActionID    string `json:"action_id"`
	Tool        string `json:"tool"`
	Command     string `json:"command,omitempty"`
	Target      string `json:"target"`
	Destructive bool   `json:"destructive"`
}

type ToolCompletedPayload struct {
	ActionID   string `json:"action_id"`
	Tool       string `json:"tool"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type ProviderFallbackPayload struct {
	Class  CapabilityClass `json:"class"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	Reason string          `json:"reason"`
}

type ConfirmationRequestedPayload struct {
	Token    string `json:"token"`
	ActionID string `json:"action_id"`
	Summary  string `json:"summary"`
}

type ConfirmationResolvedPayload struct {
	Token    string `json:"token"`
	ActionID string `json:"action_id"`
	Approved bool   `json:"approved"`
	TimedOut bool   `json:"timed_out"`
	Note     string `json:"note,omitempty"`
}

type PhaseTransitionPayload struct {
	From Phase `json:"from,omitempty"`
	To   Phase `json:"to"`
	// Reason names why the previous phase closed. Empty on the first
	// transition of a session.
	Reason string `json:"reason,omitempty"`
}

type FindingRecordedPayload struct {
	Finding Finding `json:"finding"`
}

type SessionTerminatedPayload struct {
	Status SessionStatus `json:"status"`
	// Kind is the taxonomy name of the terminating condition, when the
	// session did not complete normally.
	Kind  string `json:"kind,omitempty"`
	Cause string `json:"cause,omitempty"`
}

var eventCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// DecodePayload reconstructs a typed payload from its serialized form. Used
// when replaying a persisted session log.
func DecodePayload(t EventType, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	switch t {
	case EventReasoningStep:
		return decodeAs[ReasoningStepPayload](t, raw)
	case EventToolStarted:
		return decodeAs[ToolStartedPayload](t, raw)
	case EventToolCompleted:
		return decodeAs[ToolCompletedPayload](t, raw)
	case EventProviderFallback:
		return decodeAs[ProviderFallbackPayload](t, raw)
	case EventConfirmationRequested:
		return decodeAs[ConfirmationRequestedPayload](t, raw)
	case EventConfirmationResolved:
		return decodeAs[ConfirmationResolvedPayload](t, raw)
	case EventPhaseTransition:
		return decodeAs[PhaseTransitionPayload](t, raw)
	case EventFindingRecorded:
		return decodeAs[FindingRecordedPayload](t, raw)
	case EventSessionTerminated:
		return decodeAs[SessionTerminatedPayload](t, raw)
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}

func decodeAs[T any](t EventType, raw json.RawMessage) (T, error) {
	var p T
	if err := eventCodec.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// EncodePayload serializes an event payload for persistence.
func EncodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	b, err := eventCodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return b, nil
}
