package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
	"github.com/xkilldash9x/greyhat-cli/internal/authz"
	"github.com/xkilldash9x/greyhat-cli/internal/config"
	"github.com/xkilldash9x/greyhat-cli/internal/eventbus"
	"github.com/xkilldash9x/greyhat-cli/internal/gate"
	"github.com/xkilldash9x/greyhat-cli/internal/provider"
)

// Observer consumes a session's event stream from the beginning. Observers
// run on their own goroutine and must return when the stream closes.
type Observer interface {
	Observe(ctx context.Context, sessionID string, sub *eventbus.Subscription)
}

// running bundles everything owned by one live session.
type running struct {
	record schemas.SessionRecord
	orch   *Orchestrator
	bus    *eventbus.Bus
	gate   *gate.Gate
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager starts, tracks, and stops concurrent sessions.
type Manager struct {
	logger    *zap.Logger
	cfg       *config.Config
	pool      *provider.Pool
	adapter   schemas.ToolAdapter
	store     schemas.Store
	observers []Observer
	voice     Observer

	mu       sync.Mutex
	sessions map[string]*running
}

// NewManager creates the manager. store may be nil when persistence is not
// configured; observers are attached to every new session's stream.
func NewManager(
	logger *zap.Logger,
	cfg *config.Config,
	pool *provider.Pool,
	adapter schemas.ToolAdapter,
	store schemas.Store,
	observers ...Observer,
) *Manager {
	return &Manager{
		logger:    logger.Named("session_manager"),
		cfg:       cfg,
		pool:      pool,
		adapter:   adapter,
		store:     store,
		observers: observers,
		sessions:  make(map[string]*running),
	}
}

// SetVoiceObserver registers the narrator attached to sessions that opt in
// through StartOptions.VoiceEnabled.
func (m *Manager) SetVoiceObserver(obs Observer) {
	m.voice = obs
}

// StartOptions tunes a single session.
type StartOptions struct {
	// Scope is the engagement allow-list. Empty means the target itself is
	// the entire scope; when set, the target must fall inside it.
	Scope []string
	// EnabledProviders restricts the session to the named backends. Empty
	// means every configured backend.
	EnabledProviders []string
	// VoiceEnabled attaches the voice narrator to this session's stream.
	VoiceEnabled bool
}

// Start launches a session against the target.
func (m *Manager) Start(ctx context.Context, targetRaw string, opts StartOptions) (schemas.SessionRecord, error) {
	target, err := schemas.ParseTarget(targetRaw)
	if err != nil {
		return schemas.SessionRecord{}, err
	}

	// An explicit scope is authoritative: the target is checked against it
	// like any other host, so a target outside its own engagement scope is
	// denied before anything runs.
	allowed := opts.Scope
	if len(allowed) == 0 {
		allowed = []string{target.Raw}
	}
	guard, err := authz.New(m.logger, allowed)
	if err != nil {
		return schemas.SessionRecord{}, fmt.Errorf("build scope: %w", err)
	}

	for _, name := range opts.EnabledProviders {
		if !m.pool.Has(name) {
			return schemas.SessionRecord{}, fmt.Errorf("backend %q is not configured: %w", name, schemas.ErrNoProviderAvailable)
		}
	}

	id := uuid.NewString()
	bus := eventbus.New(m.logger, id)
	sessionGate := gate.New(m.logger, m.cfg.Gate, bus)
	router := provider.NewRouter(m.logger, m.pool, m.cfg.Orchestrator, bus, opts.EnabledProviders)

	orch := NewOrchestrator(m.logger, m.cfg.Orchestrator, id, target,
		guard, router, sessionGate, m.adapter, bus)

	now := time.Now().UTC()
	record := schemas.SessionRecord{
		ID:        id,
		Target:    target,
		Status:    schemas.StatusPending,
		Phase:     schemas.PhaseRecon,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if m.store != nil {
		if err := m.store.CreateSession(ctx, record); err != nil {
			return schemas.SessionRecord{}, fmt.Errorf("persist session: %w", err)
		}
		orch.OnStatusChange(func(status schemas.SessionStatus, phase schemas.Phase) {
			uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.store.UpdateSession(uctx, id, status, phase); err != nil {
				m.logger.Error("Failed to persist session status",
					zap.String("session_id", id),
					zap.Error(err))
			}
		})
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &running{
		record: record,
		orch:   orch,
		bus:    bus,
		gate:   sessionGate,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[id] = r
	m.mu.Unlock()

	if m.store != nil {
		go m.persistEvents(id, bus.Subscribe(0))
	}
	for _, obs := range m.observers {
		go obs.Observe(runCtx, id, bus.Subscribe(0))
	}
	if m.voice != nil && opts.VoiceEnabled {
		go m.voice.Observe(runCtx, id, bus.Subscribe(0))
	}

	go func() {
		defer close(r.done)
		defer bus.Close()
		if err := orch.Run(runCtx); err != nil {
			m.logger.Warn("Session ended with error",
				zap.String("session_id", id),
				zap.Error(err))
		}
	}()

	m.logger.Info("Session started",
		zap.String("session_id", id),
		zap.String("target", target.Raw))
	return record, nil
}

// persistEvents drains the session stream into the store. Runs until the
// bus closes so the terminal event is always captured.
func (m *Manager) persistEvents(sessionID string, sub *eventbus.Subscription) {
	ctx := context.Background()
	for {
		event, err := sub.Next(ctx)
		if err != nil {
			return
		}
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := m.store.AppendEvent(wctx, event); err != nil {
			m.logger.Error("Failed to persist event",
				zap.String("session_id", sessionID),
				zap.Uint64("seq", event.Seq),
				zap.Error(err))
		}
		if event.Type == schemas.EventFindingRecorded {
			if p, ok := event.Payload.(schemas.FindingRecordedPayload); ok {
				if err := m.store.SaveFindings(wctx, []schemas.Finding{p.Finding}); err != nil {
					m.logger.Error("Failed to persist finding",
						zap.String("session_id", sessionID),
						zap.Error(err))
				}
			}
		}
		cancel()
	}
}

func (m *Manager) get(id string) (*running, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, schemas.ErrSessionNotFound)
	}
	return r, nil
}

// Record returns the session's identity row with live status.
func (m *Manager) Record(id string) (schemas.SessionRecord, error) {
	r, err := m.get(id)
	if err != nil {
		return schemas.SessionRecord{}, err
	}
	rec := r.record
	rec.Status, rec.Phase = r.orch.Status()
	return rec, nil
}

// List returns every tracked session.
func (m *Manager) List() []schemas.SessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schemas.SessionRecord, 0, len(m.sessions))
	for _, r := range m.sessions {
		rec := r.record
		rec.Status, rec.Phase = r.orch.Status()
		out = append(out, rec)
	}
	return out
}

// Pause suspends the session between actions.
func (m *Manager) Pause(id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	return r.orch.Pause()
}

// Resume releases a paused session.
func (m *Manager) Resume(id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	return r.orch.Resume()
}

// Cancel aborts the session and waits up to the configured grace period for
// the pipeline to wind down.
func (m *Manager) Cancel(id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	r.cancel()

	grace := m.cfg.Orchestrator.CancelGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-r.done:
	case <-time.After(grace):
		m.logger.Warn("Session did not stop within grace period",
			zap.String("session_id", id),
			zap.Duration("grace", grace))
	}
	return nil
}

// Resolve delivers a confirmation decision. The token locates its session.
func (m *Manager) Resolve(token string, approved bool, note string) error {
	m.mu.Lock()
	gates := make([]*gate.Gate, 0, len(m.sessions))
	for _, r := range m.sessions {
		gates = append(gates, r.gate)
	}
	m.mu.Unlock()

	for _, g := range gates {
		err := g.Resolve(token, approved, note)
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("resolve %s: %w", token, schemas.ErrTokenNotFound)
}

// PendingConfirmations lists open confirmation tokens across all sessions.
func (m *Manager) PendingConfirmations() map[string]schemas.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]schemas.Action)
	for _, r := range m.sessions {
		for token, action := range r.gate.Pending() {
			out[token] = action
		}
	}
	return out
}

// Subscribe opens a cursor on the session's event stream, replaying from
// fromSeq.
func (m *Manager) Subscribe(id string, fromSeq uint64) (*eventbus.Subscription, error) {
	r, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return r.bus.Subscribe(fromSeq), nil
}

// Findings returns the session's recorded findings.
func (m *Manager) Findings(id string) ([]schemas.Finding, error) {
	r, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return r.orch.Findings(), nil
}

// Wait blocks until the session terminates or ctx expires.
func (m *Manager) Wait(ctx context.Context, id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every session and waits for them to stop.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	all := make([]*running, 0, len(m.sessions))
	for _, r := range m.sessions {
		all = append(all, r)
	}
	m.mu.Unlock()

	for _, r := range all {
		r.cancel()
	}
	for _, r := range all {
		select {
		case <-r.done:
		case <-ctx.Done():
			return
		}
	}
}
