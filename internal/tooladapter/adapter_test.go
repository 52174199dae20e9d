package tooladapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
	"github.com/xkilldash9x/greyhat-cli/internal/config"
)

// stubBinding scripts one binding outcome.
type stubBinding struct {
	name   string
	result Result
	err    error
	delay  time.Duration
}

func (s *stubBinding) Name() string { return s.name }

func (s *stubBinding) Run(ctx context.Context, _ schemas.Action) (Result, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return s.result, s.err
}

func setupAdapter(t *testing.T, timeout time.Duration, bindings ...Binding) *Adapter {
	t.Helper()
	return New(zaptest.NewLogger(t), config.ToolsConfig{DefaultTimeout: timeout}, bindings...)
}

func action(tool string) schemas.Action {
	return schemas.Action{ID: "action-1", Kind: schemas.ActionTool, Tool: tool, Target: "example.com"}
}

func TestExecute_UnknownTool(t *testing.T) {
	adapter := setupAdapter(t, time.Second)

	_, err := adapter.Execute(context.Background(), "session-1", action("metasploit"))
	assert.ErrorIs(t, err, schemas.ErrToolNotFound)
}

func TestExecute_Success(t *testing.T) {
	stub := &stubBinding{name: "fake", result: Result{Stdout: "80/tcp open http"}}
	adapter := setupAdapter(t, time.Second, stub)

	inv, err := adapter.Execute(context.Background(), "session-1", action("fake"))
	require.NoError(t, err)
	assert.Equal(t, "action-1", inv.ActionID)
	assert.Equal(t, "session-1", inv.SessionID)
	assert.Equal(t, "80/tcp open http", inv.Stdout)
	assert.Equal(t, 0, inv.ExitCode)
	assert.False(t, inv.StartedAt.IsZero())
	assert.False(t, inv.EndedAt.Before(inv.StartedAt))
}

func TestExecute_NonZeroExitKeepsInvocation(t *testing.T) {
	stub := &stubBinding{name: "fake", result: Result{Stderr: "permission denied", ExitCode: 1}}
	adapter := setupAdapter(t, time.Second, stub)

	inv, err := adapter.Execute(context.Background(), "session-1", action("fake"))
	require.Error(t, err)

	var execErr *schemas.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 1, execErr.ExitCode)
	assert.Equal(t, "permission denied", execErr.Stderr)

	// The invocation is still usable evidence.
	assert.Equal(t, 1, inv.ExitCode)
	assert.Equal(t, "permission denied", inv.Stderr)
}

func TestExecute_TimeoutTerminates(t *testing.T) {
	stub := &stubBinding{name: "slow", delay: 5 * time.Second}
	adapter := setupAdapter(t, 50*time.Millisecond, stub)

	start := time.Now()
	_, err := adapter.Execute(context.Background(), "session-1", action("slow"))
	assert.ErrorIs(t, err, schemas.ErrToolTimeout)
	assert.Less(t, time.Since(start), time.Second, "timeout must cut the run short")
}

func TestExecute_CallerCancellationIsNotTimeout(t *testing.T) {
	stub := &stubBinding{name: "slow", delay: 5 * time.Second}
	adapter := setupAdapter(t, time.Minute, stub)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := adapter.Execute(ctx, "session-1", action("slow"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, schemas.ErrToolTimeout)
}

func TestTools_ListsBindings(t *testing.T) {
	adapter := setupAdapter(t, time.Second,
		&stubBinding{name: "exec"},
		&stubBinding{name: "nmap"},
	)
	assert.ElementsMatch(t, []string{"exec", "nmap"}, adapter.Tools())
}
