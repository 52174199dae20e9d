package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
	"github.com/xkilldash9x/greyhat-cli/internal/config"
	"github.com/xkilldash9x/greyhat-cli/internal/eventbus"
	"github.com/xkilldash9x/greyhat-cli/internal/provider"
)

// idleBackend declares every phase complete so a session finishes without
// touching tools.
type idleBackend struct {
	name  string
	class schemas.CapabilityClass
}

func (b *idleBackend) Name() string                   { return b.name }
func (b *idleBackend) Class() schemas.CapabilityClass { return b.class }

func (b *idleBackend) Complete(_ context.Context, _ schemas.CompletionRequest) (schemas.CompletionResponse, error) {
	return schemas.CompletionResponse{
		Text:     `{"phase_complete": true, "reasoning": "", "action": null}`,
		Provider: b.name,
	}, nil
}

// countingBackend tallies completions so tests can assert a backend was, or
// was not, consulted.
type countingBackend struct {
	idleBackend
	calls atomic.Int32
}

func (b *countingBackend) Complete(ctx context.Context, req schemas.CompletionRequest) (schemas.CompletionResponse, error) {
	b.calls.Add(1)
	return b.idleBackend.Complete(ctx, req)
}

// stuckBackend blocks until the caller gives up.
type stuckBackend struct {
	idleBackend
}

func (b *stuckBackend) Complete(ctx context.Context, _ schemas.CompletionRequest) (schemas.CompletionResponse, error) {
	<-ctx.Done()
	return schemas.CompletionResponse{}, ctx.Err()
}

// memStore is an in-memory Store for asserting persistence behavior.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]schemas.SessionRecord
	events   []schemas.Event
	findings []schemas.Finding
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]schemas.SessionRecord)}
}

func (m *memStore) CreateSession(_ context.Context, rec schemas.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.ID] = rec
	return nil
}

func (m *memStore) UpdateSession(_ context.Context, id string, status schemas.SessionStatus, phase schemas.Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return schemas.ErrSessionNotFound
	}
	rec.Status, rec.Phase = status, phase
	m.sessions[id] = rec
	return nil
}

func (m *memStore) AppendEvent(_ context.Context, event schemas.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memStore) SaveFindings(_ context.Context, findings []schemas.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findings = append(m.findings, findings...)
	return nil
}

func (m *memStore) UpdateFindingStatus(context.Context, string, schemas.FindingStatus) error {
	return nil
}

func (m *memStore) LoadEvents(_ context.Context, sessionID string, fromSeq uint64) ([]schemas.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schemas.Event
	for _, e := range m.events {
		if e.SessionID == sessionID && e.Seq > fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) FindingsBySession(_ context.Context, sessionID string) ([]schemas.Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schemas.Finding
	for _, f := range m.findings {
		if f.SessionID == sessionID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *memStore) snapshot(sessionID string) (schemas.SessionRecord, []schemas.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := make([]schemas.Event, 0, len(m.events))
	for _, e := range m.events {
		if e.SessionID == sessionID {
			events = append(events, e)
		}
	}
	return m.sessions[sessionID], events
}

func setupManager(t *testing.T, store schemas.Store, backends ...schemas.Provider) *Manager {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg := config.NewDefaultConfig()
	cfg.Providers.RequestsPerSecond = 100
	if len(backends) == 0 {
		backends = []schemas.Provider{
			&idleBackend{name: "fast-1", class: schemas.ClassFast},
			&idleBackend{name: "deep-1", class: schemas.ClassDeep},
			&idleBackend{name: "code-1", class: schemas.ClassCode},
		}
	}
	for _, b := range backends {
		cfg.Providers.Backends = append(cfg.Providers.Backends, schemas.ProviderConfig{
			Name: b.Name(), Class: b.Class(),
		})
	}

	health := provider.NewHealthRegistry(logger, cfg.Providers)
	pool, err := provider.NewPool(logger, cfg.Providers, backends, health)
	require.NoError(t, err)

	m := NewManager(logger, cfg, pool, &fakeAdapter{}, store)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

// drainEvents replays the session's full stream after it has ended.
func drainEvents(t *testing.T, m *Manager, id string) []schemas.Event {
	t.Helper()
	sub, err := m.Subscribe(id, 0)
	require.NoError(t, err)
	var out []schemas.Event
	for {
		event, err := sub.Next(context.Background())
		if err != nil {
			return out
		}
		out = append(out, event)
	}
}

func TestManager_StartInvalidTarget(t *testing.T) {
	m := setupManager(t, nil)
	_, err := m.Start(context.Background(), "not a target!!", StartOptions{})
	assert.ErrorIs(t, err, schemas.ErrInvalidTarget)
}

func TestManager_TargetOutsideExplicitScopeAborts(t *testing.T) {
	backends := []schemas.Provider{
		&countingBackend{idleBackend: idleBackend{name: "fast-1", class: schemas.ClassFast}},
		&countingBackend{idleBackend: idleBackend{name: "deep-1", class: schemas.ClassDeep}},
		&countingBackend{idleBackend: idleBackend{name: "code-1", class: schemas.ClassCode}},
	}
	m := setupManager(t, nil, backends...)

	// The target is not inside the declared scope, so the session must stop
	// before any provider or tool runs.
	record, err := m.Start(context.Background(), "10.0.0.5", StartOptions{
		Scope: []string{"10.0.1.0/24"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx, record.ID))

	final, err := m.Record(record.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusAborted, final.Status)

	for _, b := range backends {
		assert.Zero(t, b.(*countingBackend).calls.Load(), "no provider is ever consulted")
	}

	events := drainEvents(t, m, record.ID)
	require.NotEmpty(t, events)
	for _, e := range events {
		assert.NotEqual(t, schemas.EventToolStarted, e.Type, "no tool activity on a denied target")
	}
	terminal := events[len(events)-1]
	require.Equal(t, schemas.EventSessionTerminated, terminal.Type)
	assert.Equal(t, "authorization_denied", terminal.Payload.(schemas.SessionTerminatedPayload).Kind)
}

func TestManager_SessionUsesOnlyEnabledProviders(t *testing.T) {
	preferred := &countingBackend{idleBackend: idleBackend{name: "fast-1", class: schemas.ClassFast}}
	restricted := &countingBackend{idleBackend: idleBackend{name: "fast-2", class: schemas.ClassFast}}
	m := setupManager(t, nil,
		preferred,
		restricted,
		&countingBackend{idleBackend: idleBackend{name: "deep-1", class: schemas.ClassDeep}},
		&countingBackend{idleBackend: idleBackend{name: "code-1", class: schemas.ClassCode}},
	)

	record, err := m.Start(context.Background(), "example.com", StartOptions{
		EnabledProviders: []string{"fast-2", "deep-1", "code-1"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx, record.ID))

	final, err := m.Record(record.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusCompleted, final.Status)
	assert.Zero(t, preferred.calls.Load(), "the first-ranked backend is excluded for this session")
	assert.Positive(t, restricted.calls.Load())
}

func TestManager_StartRejectsUnknownProvider(t *testing.T) {
	m := setupManager(t, nil)
	_, err := m.Start(context.Background(), "example.com", StartOptions{
		EnabledProviders: []string{"fast-9"},
	})
	assert.ErrorIs(t, err, schemas.ErrNoProviderAvailable)
}

func TestManager_SessionPersistsEventsAndStatus(t *testing.T) {
	store := newMemStore()
	m := setupManager(t, store)

	record, err := m.Start(context.Background(), "example.com", StartOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx, record.ID))

	// The persistence goroutine races the session end; give it a beat.
	require.Eventually(t, func() bool {
		_, events := store.snapshot(record.ID)
		return len(events) > 0 && events[len(events)-1].Type == schemas.EventSessionTerminated
	}, 3*time.Second, 20*time.Millisecond)

	rec, events := store.snapshot(record.ID)
	assert.Equal(t, schemas.StatusCompleted, rec.Status)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
	}
}

func TestManager_CancelAbortsRunningSession(t *testing.T) {
	backends := []schemas.Provider{
		&stuckBackend{idleBackend{name: "fast-1", class: schemas.ClassFast}},
		&stuckBackend{idleBackend{name: "deep-1", class: schemas.ClassDeep}},
		&stuckBackend{idleBackend{name: "code-1", class: schemas.ClassCode}},
	}
	m := setupManager(t, nil, backends...)

	record, err := m.Start(context.Background(), "example.com", StartOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Cancel(record.ID))

	final, err := m.Record(record.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusAborted, final.Status)
}

func TestManager_ResolveUnknownToken(t *testing.T) {
	m := setupManager(t, nil)
	err := m.Resolve("no-such-token", true, "")
	assert.ErrorIs(t, err, schemas.ErrTokenNotFound)
}

func TestManager_UnknownSessionOperations(t *testing.T) {
	m := setupManager(t, nil)

	_, err := m.Record("missing")
	assert.ErrorIs(t, err, schemas.ErrSessionNotFound)
	assert.ErrorIs(t, m.Pause("missing"), schemas.ErrSessionNotFound)
	assert.ErrorIs(t, m.Cancel("missing"), schemas.ErrSessionNotFound)

	_, err = m.Subscribe("missing", 0)
	assert.ErrorIs(t, err, schemas.ErrSessionNotFound)
}

func TestManager_ListIncludesLiveStatus(t *testing.T) {
	m := setupManager(t, nil)

	record, err := m.Start(context.Background(), "example.com", StartOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx, record.ID))

	listed := m.List()
	require.Len(t, listed, 1)
	assert.Equal(t, schemas.StatusCompleted, listed[0].Status)
}

// recordingObserver notes which sessions it was attached to.
type recordingObserver struct {
	mu       sync.Mutex
	sessions []string
}

func (r *recordingObserver) Observe(_ context.Context, sessionID string, sub *eventbus.Subscription) {
	r.mu.Lock()
	r.sessions = append(r.sessions, sessionID)
	r.mu.Unlock()
	for {
		if _, err := sub.Next(context.Background()); err != nil {
			return
		}
	}
}

func (r *recordingObserver) observed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sessions))
	copy(out, r.sessions)
	return out
}

func TestManager_VoiceObserverFollowsSessionFlag(t *testing.T) {
	m := setupManager(t, nil)
	narrator := &recordingObserver{}
	m.SetVoiceObserver(narrator)

	quiet, err := m.Start(context.Background(), "example.com", StartOptions{})
	require.NoError(t, err)
	narrated, err := m.Start(context.Background(), "example.org", StartOptions{VoiceEnabled: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx, quiet.ID))
	require.NoError(t, m.Wait(ctx, narrated.ID))

	require.Eventually(t, func() bool {
		return len(narrator.observed()) == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{narrated.ID}, narrator.observed())
}
