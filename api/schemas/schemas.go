package schemas

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// Phase is a named stage of an assessment session. Phases only ever advance
// forward.
type Phase string

const (
	PhaseRecon        Phase = "recon"
	PhaseAnalysis     Phase = "analysis"
	PhaseExploitation Phase = "exploitation"
	PhaseReporting    Phase = "reporting"
)

// phaseOrder fixes the forward progression of the assessment.
var phaseOrder = []Phase{PhaseRecon, PhaseAnalysis, PhaseExploitation, PhaseReporting}

// Next returns the phase following p, or false when p is the last phase.
func (p Phase) Next() (Phase, bool) {
	for i, cur := range phaseOrder {
		if cur == p && i+1 < len(phaseOrder) {
			return phaseOrder[i+1], true
		}
	}
	return "", false
}

// Index returns the position of p in the phase progression, or -1 for an
// unknown phase. Used to enforce the monotonic-forward invariant.
func (p Phase) Index() int {
	for i, cur := range phaseOrder {
		if cur == p {
			return i
		}
	}
	return -1
}

// Phases returns the full forward progression.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusRunning   SessionStatus = "running"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusAborted   SessionStatus = "aborted"
	StatusFailed    SessionStatus = "failed"
)

// Terminal reports whether the status is absorbing; no transition leaves it.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusFailed
}

// TargetKind classifies the normalized form of an assessment target.
type TargetKind string

const (
	TargetIP     TargetKind = "ip"
	TargetCIDR   TargetKind = "cidr"
	TargetDomain TargetKind = "domain"
	TargetURL    TargetKind = "url"
)

// Target is the normalized identifier an assessment runs against. It is
// immutable once a session has started.
type Target struct {
	// Raw is the operator-supplied value, kept for display and logging.
	Raw string `json:"raw"`
	// Kind is the detected form of the target.
	Kind TargetKind `json:"kind"`
	// Host is the comparable identity: an IP, a CIDR prefix, or a hostname.
	Host string `json:"host"`
}

func (t Target) String() string { return t.Raw }

// ParseTarget normalizes a raw target string into a Target. It accepts an IP
// address, a CIDR range, a bare domain, or a URL.
func ParseTarget(raw string) (Target, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Target{}, fmt.Errorf("%w: empty target", ErrInvalidTarget)
	}

	if addr, err := netip.ParseAddr(trimmed); err == nil {
		return Target{Raw: trimmed, Kind: TargetIP, Host: addr.String()}, nil
	}
	if prefix, err := netip.ParsePrefix(trimmed); err == nil {
		return Target{Raw: trimmed, Kind: TargetCIDR, Host: prefix.String()}, nil
	}

	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil || u.Hostname() == "" {
			return Target{}, fmt.Errorf("%w: %q is not a valid URL", ErrInvalidTarget, raw)
		}
		return Target{Raw: trimmed, Kind: TargetURL, Host: strings.ToLower(u.Hostname())}, nil
	}

	// A bare hostname. Strip a port if one is present.
	host := trimmed
	if h, _, err := net.SplitHostPort(trimmed); err == nil {
		host = h
	}
	if !isPlausibleHostname(host) {
		return Target{}, fmt.Errorf("%w: %q is not an IP, CIDR, domain, or URL", ErrInvalidTarget, raw)
	}
	return Target{Raw: trimmed, Kind: TargetDomain, Host: strings.ToLower(host)}, nil
}

func isPlausibleHostname(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			default:
				return false
			}
		}
	}
	return true
}
