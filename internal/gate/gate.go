// Package gate implements human-in-the-loop confirmation for destructive
// actions. A request parks the calling pipeline until an operator resolves
// the token, the configured timeout elapses, or the session is cancelled.
// Silence is always a denial.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
	"github.com/xkilldash9x/greyhat-cli/internal/config"
)

type pending struct {
	sessionID string
	action    schemas.Action
	created   time.Time
	resolved  bool
	done      chan schemas.Decision // buffered; exactly one resolution wins
}

// Gate tracks outstanding confirmation requests across all sessions.
type Gate struct {
	logger  *zap.Logger
	timeout time.Duration
	bus     schemas.Publisher

	mu      sync.Mutex
	pending map[string]*pending
}

// New creates a gate with the configured confirmation timeout. The publisher
// receives the confirmation lifecycle events; it may be nil when no session
// stream exists (terminal mode wires its own).
func New(logger *zap.Logger, cfg config.GateConfig, bus schemas.Publisher) *Gate {
	return &Gate{
		logger:  logger.Named("gate"),
		timeout: cfg.ConfirmationTimeout,
		bus:     bus,
		pending: make(map[string]*pending),
	}
}

// Request registers a confirmation request for the action and returns its
// token. The caller then blocks in Wait.
func (g *Gate) Request(ctx context.Context, sessionID string, action schemas.Action) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	token := uuid.NewString()
	p := &pending{
		sessionID: sessionID,
		action:    action,
		created:   time.Now().UTC(),
		done:      make(chan schemas.Decision, 1),
	}

	g.mu.Lock()
	g.pending[token] = p
	g.mu.Unlock()

	g.logger.Info("Confirmation requested",
		zap.String("token", token),
		zap.String("session_id", sessionID),
		zap.String("action_id", action.ID),
		zap.Bool("destructive", action.Destructive))

	if g.bus != nil {
		g.bus.Publish(schemas.Event{
			Type: schemas.EventConfirmationRequested,
			Payload: schemas.ConfirmationRequestedPayload{
				Token:    token,
				ActionID: action.ID,
				Summary:  summarize(action),
			},
		})
	}
	return token, nil
}

// Resolve delivers the operator's verdict. The first resolution wins;
// resolving an unknown or already resolved token returns ErrTokenNotFound.
// The entry stays registered until its waiter consumes the decision, so
// Resolve racing ahead of Wait still works.
func (g *Gate) Resolve(token string, approved bool, note string) error {
	g.mu.Lock()
	p, ok := g.pending[token]
	if ok && !p.resolved {
		p.resolved = true
	} else {
		ok = false
	}
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("resolve %s: %w", token, schemas.ErrTokenNotFound)
	}

	p.done <- schemas.Decision{Approved: approved, Note: note}
	return nil
}

// Wait blocks until the token is resolved, the gate timeout fires, or ctx
// is cancelled. Timeout and cancellation both produce an explicit denial,
// never an implicit approval.
func (g *Gate) Wait(ctx context.Context, token string) (schemas.Decision, error) {
	g.mu.Lock()
	p, ok := g.pending[token]
	g.mu.Unlock()
	if !ok {
		return schemas.Decision{}, fmt.Errorf("wait %s: %w", token, schemas.ErrTokenNotFound)
	}

	defer g.expire(token)

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	var decision schemas.Decision
	select {
	case decision = <-p.done:
	case <-timer.C:
		g.markResolved(p)
		decision = schemas.Decision{Approved: false, TimedOut: true, Note: "confirmation window elapsed"}
		g.logger.Warn("Confirmation timed out",
			zap.String("token", token),
			zap.Duration("timeout", g.timeout))
	case <-ctx.Done():
		g.markResolved(p)
		decision = schemas.Decision{Approved: false, Note: "session cancelled while awaiting confirmation"}
	}

	if g.bus != nil {
		g.bus.Publish(schemas.Event{
			Type: schemas.EventConfirmationResolved,
			Payload: schemas.ConfirmationResolvedPayload{
				Token:    token,
				ActionID: p.action.ID,
				Approved: decision.Approved,
				TimedOut: decision.TimedOut,
				Note:     decision.Note,
			},
		})
	}
	return decision, nil
}

// expire removes a finished token. A Resolve racing a timeout may still
// have delivered into the buffered channel; that verdict is discarded
// because the waiter already gave up.
func (g *Gate) expire(token string) {
	g.mu.Lock()
	delete(g.pending, token)
	g.mu.Unlock()
}

// markResolved closes the resolution window so late Resolve calls are
// rejected rather than silently swallowed.
func (g *Gate) markResolved(p *pending) {
	g.mu.Lock()
	p.resolved = true
	g.mu.Unlock()
}

// Pending returns the tokens currently awaiting resolution. Used by the
// HTTP surface to list open requests.
func (g *Gate) Pending() map[string]schemas.Action {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]schemas.Action, len(g.pending))
	for token, p := range g.pending {
		if p.resolved {
			continue
		}
		out[token] = p.action
	}
	return out
}

func summarize(action schemas.Action) string {
	if action.Command != "" {
		return fmt.Sprintf("%s: %s", action.Tool, action.Command)
	}
	return fmt.Sprintf("%s against %s", action.Tool, action.Target)
}
