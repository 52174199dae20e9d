package schemas

import (
	"time"
)

// ActionKind distinguishes what a proposed unit of work does.
type ActionKind string

const (
	// ActionQuery is an informational request answered by a provider alone;
	// nothing executes against the target.
	ActionQuery ActionKind = "query"
	// ActionTool invokes an external tool through the adapter.
	ActionTool ActionKind = "tool"
	// ActionExploit is an exploit attempt. Always destructive.
	ActionExploit ActionKind = "exploit"
)

// Action is a unit of work proposed by the provider router. Destructive
// actions never reach the tool adapter without an approved confirmation.
type Action struct {
	ID   string     `json:"id"`
	Kind ActionKind `json:"kind"`

	// Tool names the adapter binding ("exec", "nmap", "browser"). Empty for
	// pure queries.
	Tool string `json:"tool,omitempty"`
	// Command is the raw command line for the exec binding. Parsed into argv
	// by the adapter; never handed to a shell.
	Command string `json:"command,omitempty"`
	// Params carries structured arguments for library-backed bindings.
	Params map[string]any `json:"params,omitempty"`

	// Target is the host the action touches. Providers may propose pivots,
	// which is why the guard re-checks this before every execution.
	Target string `json:"target"`

	Destructive bool   `json:"destructive"`
	Rationale   string `json:"rationale,omitempty"`
}

// ToolInvocation is the immutable record of one tool execution. Appended to
// the session log; never mutated after the run completes.
type ToolInvocation struct {
	ActionID  string    `json:"action_id"`
	SessionID string    `json:"session_id"`
	Tool      string    `json:"tool"`
	Command   string    `json:"command"`
	Args      []string  `json:"args,omitempty"`
	Stdout    string    `json:"stdout"`
	Stderr    string    `json:"stderr"`
	ExitCode  int       `json:"exit_code"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Duration is the wall-clock execution time of the invocation.
func (ti ToolInvocation) Duration() time.Duration {
	return ti.EndedAt.Sub(ti.StartedAt)
}
