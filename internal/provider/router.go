// Package provider implements the AI backend layer: concrete API clients,
// the cross-session health registry, and the router that drives the
// propose/analyze conversation with ranked failover between backends.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
	"github.com/xkilldash9x/greyhat-cli/internal/config"
)

var fastjson = jsoniter.ConfigCompatibleWithStandardLibrary

// Pool is the process-wide provider set: every configured backend, ranked
// within its capability class, plus shared health tracking and request
// pacing. Sessions share one pool.
type Pool struct {
	logger   *zap.Logger
	byClass  map[schemas.CapabilityClass][]rankedProvider
	health   *HealthRegistry
	limiters map[string]*rate.Limiter
}

type rankedProvider struct {
	provider schemas.Provider
	rank     int
}

// NewPool indexes the providers by class and attaches per-backend rate
// limiters from the configured requests-per-second budget.
func NewPool(logger *zap.Logger, cfg config.ProvidersConfig, providers []schemas.Provider, health *HealthRegistry) (*Pool, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one provider backend is required")
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}

	ranks := make(map[string]int, len(cfg.Backends))
	for _, b := range cfg.Backends {
		ranks[b.Name] = b.Rank
	}

	p := &Pool{
		logger:   logger.Named("provider_pool"),
		byClass:  make(map[schemas.CapabilityClass][]rankedProvider),
		health:   health,
		limiters: make(map[string]*rate.Limiter, len(providers)),
	}
	for _, prov := range providers {
		p.byClass[prov.Class()] = append(p.byClass[prov.Class()], rankedProvider{
			provider: prov,
			rank:     ranks[prov.Name()],
		})
		p.limiters[prov.Name()] = rate.NewLimiter(rate.Limit(rps), 1)
	}
	for class := range p.byClass {
		list := p.byClass[class]
		sort.SliceStable(list, func(i, j int) bool { return list[i].rank < list[j].rank })
	}
	return p, nil
}

// Has reports whether a backend with the given name is configured.
func (p *Pool) Has(name string) bool {
	_, ok := p.limiters[name]
	return ok
}

// candidates returns the class's providers in preference order: healthy by
// rank first, degraded by rank after, unavailable excluded entirely.
func (p *Pool) candidates(class schemas.CapabilityClass) []schemas.Provider {
	var healthy, degraded []schemas.Provider
	for _, rp := range p.byClass[class] {
		switch p.health.StateOf(rp.provider.Name()) {
		case schemas.HealthHealthy:
			healthy = append(healthy, rp.provider)
		case schemas.HealthDegraded:
			degraded = append(degraded, rp.provider)
		}
	}
	return append(healthy, degraded...)
}

// Router drives one session's conversation with the provider pool. It binds
// the shared pool to the session's event stream so reasoning and failover
// become visible to observers.
type Router struct {
	logger       *zap.Logger
	pool         *Pool
	bus          schemas.Publisher
	orchestrator config.OrchestratorConfig
	// allow restricts this session to a subset of the pool; nil means every
	// configured backend.
	allow map[string]bool
}

// NewRouter creates the per-session router. enabled restricts the session to
// the named backends; empty means the whole pool.
func NewRouter(logger *zap.Logger, pool *Pool, orchestrator config.OrchestratorConfig, bus schemas.Publisher, enabled []string) *Router {
	var allow map[string]bool
	if len(enabled) > 0 {
		allow = make(map[string]bool, len(enabled))
		for _, name := range enabled {
			allow[name] = true
		}
	}
	return &Router{
		logger:       logger.Named("router"),
		pool:         pool,
		bus:          bus,
		orchestrator: orchestrator,
		allow:        allow,
	}
}

// complete runs the request against the preferred class, failing over down
// the ranked candidate list. A fallback event is published only when a
// failure pushes the backend out of the healthy set; failures below the
// degradation threshold fail over silently.
func (r *Router) complete(ctx context.Context, class schemas.CapabilityClass, req schemas.CompletionRequest) (schemas.CompletionResponse, error) {
	candidates := r.pool.candidates(class)
	if r.allow != nil {
		var kept []schemas.Provider
		for _, prov := range candidates {
			if r.allow[prov.Name()] {
				kept = append(kept, prov)
			}
		}
		candidates = kept
	}
	if len(candidates) == 0 {
		return schemas.CompletionResponse{}, fmt.Errorf("class %q: %w", class, schemas.ErrNoProviderAvailable)
	}

	var lastErr error
	for i, prov := range candidates {
		if err := r.pool.limiters[prov.Name()].Wait(ctx); err != nil {
			return schemas.CompletionResponse{}, err
		}

		resp, err := prov.Complete(ctx, req)
		if err == nil {
			r.pool.health.RecordSuccess(prov.Name())
			return resp, nil
		}
		if ctx.Err() != nil {
			return schemas.CompletionResponse{}, ctx.Err()
		}

		lastErr = err
		prev := r.pool.health.StateOf(prov.Name())
		state := r.pool.health.RecordFailure(prov.Name(), err)
		r.logger.Warn("Provider call failed",
			zap.String("provider", prov.Name()),
			zap.String("health", string(state)),
			zap.Error(err))

		if state != prev && i+1 < len(candidates) {
			next := candidates[i+1]
			r.bus.Publish(schemas.Event{
				Type: schemas.EventProviderFallback,
				Payload: schemas.ProviderFallbackPayload{
					Class:  class,
					From:   prov.Name(),
					To:     next.Name(),
					Reason: err.Error(),
				},
			})
		}
	}
	return schemas.CompletionResponse{}, fmt.Errorf("class %q exhausted: %w (last: %v)", class, schemas.ErrNoProviderAvailable, lastErr)
}

// -- propose/analyze conversation --

const systemPrompt = `You are the planning engine of an authorized security assessment.
You operate strictly inside the engagement scope you are given and never
propose actions against any other host. Respond with a single JSON object
and nothing else.`

type proposalPayload struct {
	PhaseComplete bool           `json:"phase_complete"`
	Reasoning     string         `json:"reasoning"`
	Action        *actionPayload `json:"action"`
}

type actionPayload struct {
	Kind        string         `json:"kind"`
	Tool        string         `json:"tool"`
	Command     string         `json:"command"`
	Params      map[string]any `json:"params"`
	Target      string         `json:"target"`
	Destructive bool           `json:"destructive"`
	Rationale   string         `json:"rationale"`
}

type analysisPayload struct {
	PhaseComplete bool             `json:"phase_complete"`
	Reasoning     string           `json:"reasoning"`
	Findings      []findingPayload `json:"findings"`
	NextAction    *actionPayload   `json:"next_action"`
}

type findingPayload struct {
	Severity    string          `json:"severity"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Evidence    json.RawMessage `json:"evidence"`
	Remediation string          `json:"remediation"`
}

// Propose asks the phase's preferred class for the next action. A nil action
// with nil error means the provider declared the phase complete.
func (r *Router) Propose(ctx context.Context, snap schemas.SessionSnapshot) (*schemas.Action, error) {
	policy := r.orchestrator.PolicyFor(snap.Phase)

	resp, err := r.complete(ctx, policy.PreferredClass, schemas.CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   buildProposePrompt(snap, policy),
		Temperature:  0.2,
		MaxTokens:    2048,
		ForceJSON:    true,
	})
	if err != nil {
		return nil, err
	}

	var parsed proposalPayload
	if err := unmarshalResponse(resp.Text, &parsed); err != nil {
		return nil, fmt.Errorf("provider %s: %w", resp.Provider, err)
	}

	r.publishReasoning(snap.Phase, resp.Provider, parsed.Reasoning)

	if parsed.PhaseComplete || parsed.Action == nil {
		return nil, nil
	}
	action, err := normalizeAction(parsed.Action, snap)
	if err != nil {
		return nil, fmt.Errorf("provider %s proposed invalid action: %w", resp.Provider, err)
	}
	return action, nil
}

// Analyze interprets a tool result, yielding findings and optionally a
// follow-up action.
func (r *Router) Analyze(ctx context.Context, snap schemas.SessionSnapshot, inv schemas.ToolInvocation) (schemas.Analysis, error) {
	policy := r.orchestrator.PolicyFor(snap.Phase)

	resp, err := r.complete(ctx, policy.PreferredClass, schemas.CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   buildAnalyzePrompt(snap, inv),
		Temperature:  0.2,
		MaxTokens:    4096,
		ForceJSON:    true,
	})
	if err != nil {
		return schemas.Analysis{}, err
	}

	var parsed analysisPayload
	if err := unmarshalResponse(resp.Text, &parsed); err != nil {
		return schemas.Analysis{}, fmt.Errorf("provider %s: %w", resp.Provider, err)
	}

	r.publishReasoning(snap.Phase, resp.Provider, parsed.Reasoning)

	analysis := schemas.Analysis{
		PhaseComplete: parsed.PhaseComplete,
		Reasoning:     parsed.Reasoning,
	}
	for _, f := range parsed.Findings {
		severity := schemas.Severity(strings.ToLower(f.Severity))
		if !severity.Valid() {
			severity = schemas.SeverityInfo
		}
		analysis.Findings = append(analysis.Findings, schemas.Finding{
			ID:          uuid.NewString(),
			SessionID:   snap.SessionID,
			ActionID:    inv.ActionID,
			Severity:    severity,
			Title:       f.Title,
			Description: f.Description,
			Evidence:    f.Evidence,
			Remediation: f.Remediation,
			Status:      schemas.FindingOpen,
			ObservedAt:  time.Now().UTC(),
		})
	}
	if parsed.NextAction != nil && !parsed.PhaseComplete {
		action, err := normalizeAction(parsed.NextAction, snap)
		if err != nil {
			return schemas.Analysis{}, fmt.Errorf("provider %s proposed invalid action: %w", resp.Provider, err)
		}
		analysis.NextAction = action
	}
	return analysis, nil
}

func (r *Router) publishReasoning(phase schemas.Phase, providerName, reasoning string) {
	if reasoning == "" {
		return
	}
	r.bus.Publish(schemas.Event{
		Type: schemas.EventReasoningStep,
		Payload: schemas.ReasoningStepPayload{
			Phase:    phase,
			Provider: providerName,
			Text:     reasoning,
		},
	})
}

func normalizeAction(p *actionPayload, snap schemas.SessionSnapshot) (*schemas.Action, error) {
	kind := schemas.ActionKind(strings.ToLower(p.Kind))
	switch kind {
	case schemas.ActionQuery, schemas.ActionTool, schemas.ActionExploit:
	default:
		return nil, fmt.Errorf("unknown action kind %q", p.Kind)
	}
	if kind != schemas.ActionQuery && p.Tool == "" {
		return nil, fmt.Errorf("action of kind %q requires a tool", kind)
	}

	target := p.Target
	if target == "" {
		target = snap.Target.Raw
	}

	return &schemas.Action{
		ID:      uuid.NewString(),
		Kind:    kind,
		Tool:    p.Tool,
		Command: p.Command,
		Params:  p.Params,
		Target:  target,
		// Exploits are destructive no matter what the provider claims.
		Destructive: p.Destructive || kind == schemas.ActionExploit,
		Rationale:   p.Rationale,
	}, nil
}

const maxOutputInPrompt = 16 * 1024

func buildProposePrompt(snap schemas.SessionSnapshot, policy config.PhasePolicy) string {
	findings, _ := fastjson.MarshalToString(snap.Findings)
	var b strings.Builder
	fmt.Fprintf(&b, "Engagement target: %s (%s)\n", snap.Target.Raw, snap.Target.Kind)
	fmt.Fprintf(&b, "Current phase: %s (actions so far this phase: %d, budget: %d)\n",
		snap.Phase, snap.PhaseActionCount, policy.ActionBudget)
	fmt.Fprintf(&b, "Findings so far: %s\n\n", findings)
	b.WriteString(`Propose the single next action for this phase, or declare the phase complete.
Available tools: "exec" (shell command from an allow-list of binaries),
"nmap" (port and service scan, params: ports, service_detection),
"browser" (params: op = navigate|extract|screenshot, url, selector).

Respond with JSON:
{"phase_complete": bool, "reasoning": "...", "action": {"kind": "query|tool|exploit",
"tool": "...", "command": "...", "params": {...}, "target": "...",
"destructive": bool, "rationale": "..."}}
Set "action" to null when the phase is complete. Stay strictly on the engagement target.`)
	return b.String()
}

func buildAnalyzePrompt(snap schemas.SessionSnapshot, inv schemas.ToolInvocation) string {
	stdout := truncate(inv.Stdout, maxOutputInPrompt)
	stderr := truncate(inv.Stderr, 4*1024)

	var b strings.Builder
	fmt.Fprintf(&b, "Engagement target: %s (%s)\n", snap.Target.Raw, snap.Target.Kind)
	fmt.Fprintf(&b, "Current phase: %s\n\n", snap.Phase)
	fmt.Fprintf(&b, "Tool %q just completed (exit code %d, duration %s).\n",
		inv.Tool, inv.ExitCode, inv.Duration())
	fmt.Fprintf(&b, "stdout:\n%s\n", stdout)
	if stderr != "" {
		fmt.Fprintf(&b, "stderr:\n%s\n", stderr)
	}
	b.WriteString(`
Interpret this result. Record any security findings and either propose the
next action or declare the phase complete.

Respond with JSON:
{"phase_complete": bool, "reasoning": "...",
"findings": [{"severity": "critical|high|medium|low|info", "title": "...",
"description": "...", "evidence": {...}, "remediation": "..."}],
"next_action": {...} or null}`)
	return b.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[output truncated]"
}

// A regex to extract a JSON object from a markdown code block.
var jsonBlockRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// unmarshalResponse extracts a JSON object from the provider's response,
// tolerating markdown fences and surrounding prose.
func unmarshalResponse(response string, out any) error {
	response = strings.TrimSpace(response)
	var candidate string

	matches := jsonBlockRegex.FindStringSubmatch(response)
	if len(matches) > 1 {
		candidate = strings.TrimSpace(matches[1])
	} else {
		first := strings.Index(response, "{")
		last := strings.LastIndex(response, "}")
		if first != -1 && last > first {
			candidate = response[first : last+1]
		} else {
			candidate = response
		}
	}
	if candidate == "" {
		return fmt.Errorf("no JSON object in response")
	}
	if err := fastjson.UnmarshalFromString(candidate, out); err != nil {
		return fmt.Errorf("unmarshal response JSON: %w", err)
	}
	return nil
}
