// Package tooladapter normalizes external tool execution. Every binding
// turns an action into a captured invocation; the adapter owns timeouts and
// guarantees a timed-out process is terminated, never leaked.
package tooladapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
	"github.com/xkilldash9x/greyhat-cli/internal/config"
)

// Result is a binding's raw outcome before the adapter wraps it into a
// ToolInvocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Binding executes one tool family. Implementations must honor ctx
// cancellation and kill whatever they started.
type Binding interface {
	Name() string
	Run(ctx context.Context, action schemas.Action) (Result, error)
}

// Adapter dispatches actions to registered bindings.
type Adapter struct {
	logger         *zap.Logger
	bindings       map[string]Binding
	defaultTimeout time.Duration
}

// New creates the adapter and registers the bindings.
func New(logger *zap.Logger, cfg config.ToolsConfig, bindings ...Binding) *Adapter {
	a := &Adapter{
		logger:         logger.Named("tool_adapter"),
		bindings:       make(map[string]Binding, len(bindings)),
		defaultTimeout: cfg.DefaultTimeout,
	}
	for _, b := range bindings {
		a.bindings[b.Name()] = b
	}
	return a
}

// Tools returns the registered binding names.
func (a *Adapter) Tools() []string {
	names := make([]string, 0, len(a.bindings))
	for name := range a.bindings {
		names = append(names, name)
	}
	return names
}

// Execute runs the action through its binding and returns the captured
// invocation. A non-zero exit produces both the invocation and an
// *schemas.ExecutionError: the output is still analyzable evidence. A
// timeout surfaces as ErrToolTimeout after the process is dead.
func (a *Adapter) Execute(ctx context.Context, sessionID string, action schemas.Action) (schemas.ToolInvocation, error) {
	binding, ok := a.bindings[action.Tool]
	if !ok {
		return schemas.ToolInvocation{}, fmt.Errorf("tool %q: %w", action.Tool, schemas.ErrToolNotFound)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if a.defaultTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, a.defaultTimeout)
		defer cancel()
	}

	started := time.Now().UTC()
	a.logger.Info("Executing tool",
		zap.String("session_id", sessionID),
		zap.String("action_id", action.ID),
		zap.String("tool", action.Tool),
		zap.String("target", action.Target))

	result, runErr := binding.Run(runCtx, action)
	ended := time.Now().UTC()

	inv := schemas.ToolInvocation{
		ActionID:  action.ID,
		SessionID: sessionID,
		Tool:      action.Tool,
		Command:   action.Command,
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
		ExitCode:  result.ExitCode,
		StartedAt: started,
		EndedAt:   ended,
	}

	switch {
	case runErr == nil && result.ExitCode == 0:
		return inv, nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		a.logger.Warn("Tool invocation exceeded its window, process terminated",
			zap.String("tool", action.Tool),
			zap.Duration("timeout", a.defaultTimeout))
		return inv, fmt.Errorf("tool %q after %s: %w", action.Tool, a.defaultTimeout, schemas.ErrToolTimeout)
	case runErr != nil:
		return inv, runErr
	default:
		return inv, &schemas.ExecutionError{
			Tool:     action.Tool,
			ExitCode: result.ExitCode,
			Stderr:   result.Stderr,
		}
	}
}
