package schemas

import (
	"encoding/json"
	"time"
)

// Severity ranks a finding. Values are lowercase to align with database ENUMs.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Valid reports whether s is a member of the severity scale.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// FindingStatus tracks remediation progress. Only mutated through an explicit
// status update; everything else on a Finding is immutable once recorded.
type FindingStatus string

const (
	FindingOpen          FindingStatus = "open"
	FindingRemediated    FindingStatus = "remediated"
	FindingAccepted      FindingStatus = "accepted"
	FindingFalsePositive FindingStatus = "false_positive"
)

// Finding is a security issue derived from a tool invocation or provider
// analysis. Owned by its session.
type Finding struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	// ActionID references the action whose execution or analysis produced
	// this finding, when one exists.
	ActionID string `json:"action_id,omitempty"`

	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Description string   `json:"description"`

	// Evidence is structured, machine-readable proof, stored as JSONB.
	Evidence json.RawMessage `json:"evidence,omitempty"`

	Remediation string        `json:"remediation,omitempty"`
	Status      FindingStatus `json:"status"`
	ObservedAt  time.Time     `json:"observed_at"`
}
