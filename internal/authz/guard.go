// Package authz enforces the engagement scope. Every action's target is
// checked against the operator supplied allow-list before anything touches
// the network; a target that was ever denied stays denied for the life of
// the guard.
package authz

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
)

// entry is one compiled allow-list rule.
type entry struct {
	raw string

	addr     netip.Addr
	hasAddr  bool
	prefix   netip.Prefix
	hasCIDR  bool
	domain   string // eTLD+1, matched against the target's organizational domain
	hostOnly string // exact hostname match when eTLD+1 extraction is not possible
}

// Guard is a compiled allow-list. Immutable after construction except for
// the denial record, so concurrent Check calls only contend on denials.
type Guard struct {
	logger  *zap.Logger
	entries []entry

	mu     sync.Mutex
	denied map[string]string // target -> reason, sticky
}

// New compiles the allow-list. Entries may be IP addresses, CIDR ranges,
// domains (matched by organizational domain, so "example.com" also admits
// "api.example.com"), or URLs. An empty allow-list is an error: a guard
// that admits nothing is almost certainly a misconfiguration.
func New(logger *zap.Logger, allowed []string) (*Guard, error) {
	if len(allowed) == 0 {
		return nil, fmt.Errorf("authorization scope is empty")
	}

	g := &Guard{
		logger: logger.Named("authz"),
		denied: make(map[string]string),
	}
	for _, raw := range allowed {
		target, err := schemas.ParseTarget(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid scope entry %q: %w", raw, err)
		}
		e, err := compile(target)
		if err != nil {
			return nil, fmt.Errorf("invalid scope entry %q: %w", raw, err)
		}
		g.entries = append(g.entries, e)
	}
	return g, nil
}

func compile(target schemas.Target) (entry, error) {
	e := entry{raw: target.Raw}
	switch target.Kind {
	case schemas.TargetIP:
		addr, err := netip.ParseAddr(target.Host)
		if err != nil {
			return entry{}, err
		}
		e.addr = addr
		e.hasAddr = true
	case schemas.TargetCIDR:
		prefix, err := netip.ParsePrefix(target.Host)
		if err != nil {
			return entry{}, err
		}
		e.prefix = prefix.Masked()
		e.hasCIDR = true
	case schemas.TargetDomain, schemas.TargetURL:
		host := strings.ToLower(target.Host)
		// IP hosts inside URLs degrade to address matching.
		if addr, err := netip.ParseAddr(host); err == nil {
			e.addr = addr
			e.hasAddr = true
			break
		}
		if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
			e.domain = domain
		} else {
			e.hostOnly = host
		}
	default:
		return entry{}, fmt.Errorf("unsupported target kind %q", target.Kind)
	}
	return e, nil
}

// Check returns nil when raw is inside the engagement scope. Out of scope
// targets get a *schemas.DenialError, and the denial is recorded so any
// later check of the same target fails immediately with the original
// reason. Check is called before every single action; a provider that
// pivots mid-phase hits this wall.
func (g *Guard) Check(raw string) error {
	g.mu.Lock()
	if reason, ok := g.denied[raw]; ok {
		g.mu.Unlock()
		return &schemas.DenialError{Target: raw, Reason: reason}
	}
	g.mu.Unlock()

	target, err := schemas.ParseTarget(raw)
	if err != nil {
		return g.deny(raw, fmt.Sprintf("unparseable target: %v", err))
	}

	for _, e := range g.entries {
		if e.matches(target) {
			return nil
		}
	}
	return g.deny(raw, "target is outside the authorized scope")
}

func (g *Guard) deny(raw, reason string) error {
	g.mu.Lock()
	g.denied[raw] = reason
	g.mu.Unlock()

	g.logger.Warn("Denied out-of-scope target",
		zap.String("target", raw),
		zap.String("reason", reason))
	return &schemas.DenialError{Target: raw, Reason: reason}
}

func (e entry) matches(target schemas.Target) bool {
	host := strings.ToLower(target.Host)

	if addr, err := netip.ParseAddr(host); err == nil {
		if e.hasAddr {
			return e.addr == addr
		}
		if e.hasCIDR {
			return e.prefix.Contains(addr)
		}
		return false
	}

	// A CIDR entry can admit every address inside it, including ones named
	// as CIDR sub-ranges.
	if target.Kind == schemas.TargetCIDR {
		if !e.hasCIDR {
			return false
		}
		prefix, err := netip.ParsePrefix(target.Host)
		if err != nil {
			return false
		}
		return e.prefix.Contains(prefix.Addr()) && prefix.Bits() >= e.prefix.Bits()
	}

	if e.hostOnly != "" {
		return e.hostOnly == host
	}
	if e.domain != "" {
		domain, err := publicsuffix.EffectiveTLDPlusOne(host)
		if err != nil {
			return false
		}
		return domain == e.domain
	}
	return false
}
