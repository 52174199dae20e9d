// Package session owns the assessment lifecycle: the orchestrator drives one
// session through its phases, and the manager runs many sessions side by
// side. All provider and tool work flows through the pipeline here, so scope
// checks and confirmation gates cannot be bypassed.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
	"github.com/xkilldash9x/greyhat-cli/internal/config"
)

// terminationKind names in the session taxonomy.
const (
	terminationCompleted    = "completed"
	terminationCancelled    = "cancelled"
	terminationUnauthorized = "authorization_denied"
	terminationProviderLoss = "provider_unavailable"
	terminationInternal     = "internal_error"
)

// Orchestrator runs a single session from recon to reporting.
type Orchestrator struct {
	logger  *zap.Logger
	cfg     config.OrchestratorConfig
	guard   schemas.Guard
	router  schemas.Router
	gate    schemas.Gate
	adapter schemas.ToolAdapter
	bus     schemas.Publisher

	id     string
	target schemas.Target

	mu          sync.Mutex
	status      schemas.SessionStatus
	phase       schemas.Phase
	phaseCount  int
	findings    []schemas.Finding
	lastInv     *schemas.ToolInvocation
	executed    map[string]struct{}
	pauseCh     chan struct{} // closed when running; open (blocking) while paused
	statusHooks []func(schemas.SessionStatus, schemas.Phase)
}

// NewOrchestrator wires the session pipeline.
func NewOrchestrator(
	logger *zap.Logger,
	cfg config.OrchestratorConfig,
	id string,
	target schemas.Target,
	guard schemas.Guard,
	router schemas.Router,
	gate schemas.Gate,
	adapter schemas.ToolAdapter,
	bus schemas.Publisher,
) *Orchestrator {
	running := make(chan struct{})
	close(running)
	return &Orchestrator{
		logger:   logger.Named("orchestrator").With(zap.String("session_id", id)),
		cfg:      cfg,
		guard:    guard,
		router:   router,
		gate:     gate,
		adapter:  adapter,
		bus:      bus,
		id:       id,
		target:   target,
		status:   schemas.StatusPending,
		phase:    schemas.PhaseRecon,
		executed: make(map[string]struct{}),
		pauseCh:  running,
	}
}

// OnStatusChange registers a hook invoked after every status or phase
// change. Used by the manager to persist session rows.
func (o *Orchestrator) OnStatusChange(hook func(schemas.SessionStatus, schemas.Phase)) {
	o.mu.Lock()
	o.statusHooks = append(o.statusHooks, hook)
	o.mu.Unlock()
}

// Status returns the current lifecycle state.
func (o *Orchestrator) Status() (schemas.SessionStatus, schemas.Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status, o.phase
}

// Findings returns a copy of everything recorded so far.
func (o *Orchestrator) Findings() []schemas.Finding {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]schemas.Finding, len(o.findings))
	copy(out, o.findings)
	return out
}

func (o *Orchestrator) setStatus(status schemas.SessionStatus) {
	o.mu.Lock()
	o.status = status
	phase := o.phase
	hooks := o.statusHooks
	o.mu.Unlock()
	for _, hook := range hooks {
		hook(status, phase)
	}
}

func (o *Orchestrator) snapshot() schemas.SessionSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	findings := make([]schemas.Finding, len(o.findings))
	copy(findings, o.findings)
	return schemas.SessionSnapshot{
		SessionID:        o.id,
		Target:           o.target,
		Phase:            o.phase,
		PhaseActionCount: o.phaseCount,
		Findings:         findings,
		LastInvocation:   o.lastInv,
	}
}

// Pause suspends the pipeline between actions. In-flight work finishes.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != schemas.StatusRunning {
		return fmt.Errorf("cannot pause session in status %q", o.status)
	}
	o.status = schemas.StatusPaused
	o.pauseCh = make(chan struct{})
	o.logger.Info("Session paused")
	return nil
}

// Resume releases a paused pipeline.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != schemas.StatusPaused {
		return fmt.Errorf("cannot resume session in status %q", o.status)
	}
	o.status = schemas.StatusRunning
	close(o.pauseCh)
	o.logger.Info("Session resumed")
	return nil
}

func (o *Orchestrator) waitIfPaused(ctx context.Context) error {
	o.mu.Lock()
	ch := o.pauseCh
	o.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the session to termination. It always publishes exactly one
// session_terminated event before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.setStatus(schemas.StatusRunning)
	o.logger.Info("Session starting",
		zap.String("target", o.target.Raw),
		zap.String("kind", string(o.target.Kind)))

	// The whole engagement scope is re-validated up front; an operator who
	// typo-ed the target should find out before any phase runs.
	if err := o.guard.Check(o.target.Raw); err != nil {
		return o.terminate(schemas.StatusAborted, terminationUnauthorized, err)
	}

	var prev schemas.Phase
	var closeReason string
	for _, phase := range schemas.Phases() {
		o.mu.Lock()
		o.phase = phase
		o.phaseCount = 0
		o.mu.Unlock()

		o.bus.Publish(schemas.Event{
			Type:    schemas.EventPhaseTransition,
			Payload: schemas.PhaseTransitionPayload{From: prev, To: phase, Reason: closeReason},
		})
		o.logger.Info("Phase transition", zap.String("phase", string(phase)))

		reason, err := o.runPhase(ctx, phase)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled):
				return o.terminate(schemas.StatusAborted, terminationCancelled, err)
			case errors.Is(err, schemas.ErrUnauthorized):
				return o.terminate(schemas.StatusAborted, terminationUnauthorized, err)
			case errors.Is(err, schemas.ErrNoProviderAvailable):
				return o.terminate(schemas.StatusFailed, terminationProviderLoss, err)
			default:
				return o.terminate(schemas.StatusFailed, terminationInternal, err)
			}
		}
		prev = phase
		closeReason = reason
	}

	return o.terminate(schemas.StatusCompleted, terminationCompleted, nil)
}

// runPhase drives the propose/execute/analyze loop until the provider
// declares the phase complete or the action budget is spent. The returned
// string names why the phase closed; it rides on the next phase transition.
func (o *Orchestrator) runPhase(ctx context.Context, phase schemas.Phase) (string, error) {
	policy := o.cfg.PolicyFor(phase)

	action, err := o.router.Propose(ctx, o.snapshot())
	if err != nil {
		if ferr := o.providerFailure(err); ferr != nil {
			return "", ferr
		}
		return "provider failure tolerated", nil
	}

	for action != nil {
		if err := o.waitIfPaused(ctx); err != nil {
			return "", err
		}

		o.mu.Lock()
		count := o.phaseCount
		o.mu.Unlock()
		if policy.ActionBudget > 0 && count >= policy.ActionBudget {
			o.logger.Warn("Phase action budget exhausted, moving on",
				zap.String("phase", string(phase)),
				zap.Int("budget", policy.ActionBudget))
			return "action budget exhausted", nil
		}

		next, err := o.step(ctx, policy, *action)
		if err != nil {
			return "", err
		}

		o.mu.Lock()
		o.phaseCount++
		o.mu.Unlock()

		if next.done {
			return "phase complete", nil
		}
		action = next.action
		if action == nil {
			action, err = o.router.Propose(ctx, o.snapshot())
			if err != nil {
				if ferr := o.providerFailure(err); ferr != nil {
					return "", ferr
				}
				return "provider failure tolerated", nil
			}
		}
	}
	return "phase complete", nil
}

// stepResult carries the phase loop's continuation: the follow-up action, or
// done when the provider closed the phase.
type stepResult struct {
	action *schemas.Action
	done   bool
}

// step runs one action through the full pipeline: scope check, confirmation
// gate, execution, analysis.
func (o *Orchestrator) step(ctx context.Context, policy config.PhasePolicy, action schemas.Action) (stepResult, error) {
	// The guard runs for every action, no matter how the action came to be.
	// A provider that pivots to an out-of-scope host ends the session here.
	if err := o.guard.Check(action.Target); err != nil {
		return stepResult{}, err
	}

	if action.Destructive || policy.GateAll {
		approved, err := o.confirm(ctx, action)
		if err != nil {
			return stepResult{}, err
		}
		if !approved {
			o.logger.Info("Action not approved, proposing alternative",
				zap.String("action_id", action.ID))
			return stepResult{}, nil
		}
	}

	if action.Kind == schemas.ActionQuery {
		// Queries carry no tool; the router already published the reasoning.
		return stepResult{}, nil
	}

	inv, ok, err := o.execute(ctx, action)
	if err != nil {
		return stepResult{}, err
	}
	if !ok {
		return stepResult{}, nil
	}

	analysis, err := o.router.Analyze(ctx, o.snapshot(), inv)
	if err != nil {
		if ferr := o.providerFailure(err); ferr != nil {
			return stepResult{}, ferr
		}
		// Tolerated provider loss: close the phase with what we have.
		return stepResult{done: true}, nil
	}

	o.record(analysis.Findings)

	if analysis.PhaseComplete {
		return stepResult{done: true}, nil
	}
	return stepResult{action: analysis.NextAction}, nil
}

// confirm runs the action through the human gate.
func (o *Orchestrator) confirm(ctx context.Context, action schemas.Action) (bool, error) {
	token, err := o.gate.Request(ctx, o.id, action)
	if err != nil {
		return false, err
	}
	decision, err := o.gate.Wait(ctx, token)
	if err != nil {
		return false, err
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return decision.Approved, nil
}

// execute runs the action's tool exactly once. The returned bool is false
// when no invocation was produced and the loop should just propose again.
func (o *Orchestrator) execute(ctx context.Context, action schemas.Action) (schemas.ToolInvocation, bool, error) {
	o.mu.Lock()
	if _, seen := o.executed[action.ID]; seen {
		o.mu.Unlock()
		o.logger.Warn("Duplicate action suppressed", zap.String("action_id", action.ID))
		return schemas.ToolInvocation{}, false, nil
	}
	o.executed[action.ID] = struct{}{}
	o.mu.Unlock()

	o.bus.Publish(schemas.Event{
		Type: schemas.EventToolStarted,
		Payload: schemas.ToolStartedPayload{
			ActionID:    action.ID,
			Tool:        action.Tool,
			Command:     action.Command,
			Target:      action.Target,
			Destructive: action.Destructive,
		},
	})

	inv, execErr := o.adapter.Execute(ctx, o.id, action)

	completed := schemas.ToolCompletedPayload{
		ActionID:   action.ID,
		Tool:       action.Tool,
		ExitCode:   inv.ExitCode,
		DurationMs: inv.Duration().Milliseconds(),
	}
	if execErr != nil {
		completed.Error = execErr.Error()
	}
	o.bus.Publish(schemas.Event{Type: schemas.EventToolCompleted, Payload: completed})

	switch {
	case execErr == nil:
	case errors.Is(execErr, context.Canceled):
		return inv, false, execErr
	case errors.Is(execErr, schemas.ErrToolNotFound):
		// The provider asked for a tool we do not carry; let it try again.
		o.logger.Warn("Provider requested unknown tool", zap.String("tool", action.Tool))
		return inv, false, nil
	default:
		// Timeouts and non-zero exits still produce analyzable output.
		o.logger.Warn("Tool invocation failed",
			zap.String("tool", action.Tool),
			zap.Error(execErr))
	}

	o.mu.Lock()
	o.lastInv = &inv
	o.mu.Unlock()
	return inv, true, nil
}

// record publishes and retains new findings.
func (o *Orchestrator) record(findings []schemas.Finding) {
	if len(findings) == 0 {
		return
	}
	o.mu.Lock()
	o.findings = append(o.findings, findings...)
	o.mu.Unlock()

	for _, f := range findings {
		o.logger.Info("Finding recorded",
			zap.String("severity", string(f.Severity)),
			zap.String("title", f.Title))
		o.bus.Publish(schemas.Event{
			Type:    schemas.EventFindingRecorded,
			Payload: schemas.FindingRecordedPayload{Finding: f},
		})
	}
}

// providerFailure applies the configured policy: fatal by default, otherwise
// the current phase is abandoned and the session limps forward.
func (o *Orchestrator) providerFailure(err error) error {
	if o.cfg.ProviderFailureFatal || errors.Is(err, context.Canceled) {
		return err
	}
	o.logger.Error("Provider failure tolerated by policy, abandoning phase", zap.Error(err))
	return nil
}

// terminate closes out the session with its final status and the one
// terminal event.
func (o *Orchestrator) terminate(status schemas.SessionStatus, kind string, cause error) error {
	o.setStatus(status)

	payload := schemas.SessionTerminatedPayload{Status: status}
	if status != schemas.StatusCompleted {
		payload.Kind = kind
		if cause != nil {
			payload.Cause = cause.Error()
		}
	}
	o.bus.Publish(schemas.Event{Type: schemas.EventSessionTerminated, Payload: payload})

	if cause != nil {
		o.logger.Warn("Session terminated",
			zap.String("status", string(status)),
			zap.String("kind", kind),
			zap.Error(cause))
		return fmt.Errorf("session %s %s: %w", o.id, status, cause)
	}
	o.logger.Info("Session completed", zap.Int("findings", len(o.Findings())))
	return nil
}
