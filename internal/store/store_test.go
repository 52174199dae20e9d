package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
)

// flexibleSQLMatcher creates a regex insensitive to whitespace for robust
// SQL mock matching.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func setupStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return s, mockPool
}

func TestNew_PingFailure(t *testing.T) {
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockPool.Close()

	pingErr := errors.New("database unavailable")
	mockPool.ExpectPing().WillReturnError(pingErr)

	_, err = New(context.Background(), mockPool, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, pingErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestCreateSession(t *testing.T) {
	s, mockPool := setupStore(t)

	rec := schemas.SessionRecord{
		ID:        uuid.NewString(),
		Target:    schemas.Target{Raw: "example.com", Kind: schemas.TargetDomain, Host: "example.com"},
		Status:    schemas.StatusPending,
		Phase:     schemas.PhaseRecon,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	mockPool.ExpectExec(flexibleSQLMatcher(`INSERT INTO sessions`)).
		WithArgs(rec.ID, "example.com", "domain", "pending", "recon", rec.CreatedAt, rec.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.CreateSession(context.Background(), rec))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestUpdateSession_NotFound(t *testing.T) {
	s, mockPool := setupStore(t)

	mockPool.ExpectExec(flexibleSQLMatcher(`UPDATE sessions SET`)).
		WithArgs("missing", "running", "recon").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateSession(context.Background(), "missing", schemas.StatusRunning, schemas.PhaseRecon)
	assert.ErrorIs(t, err, schemas.ErrSessionNotFound)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestGetSession_NotFound(t *testing.T) {
	s, mockPool := setupStore(t)

	mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT id, target, target_kind, status, phase, created_at, updated_at`)).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, schemas.ErrSessionNotFound)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestGetSession_DerivesHostFromRawTarget(t *testing.T) {
	s, mockPool := setupStore(t)

	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{"id", "target", "target_kind", "status", "phase", "created_at", "updated_at"}).
		AddRow("session-1", "https://app.example.com:8443/login", "url", "completed", "reporting", now, now)
	mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT id, target, target_kind, status, phase, created_at, updated_at`)).
		WithArgs("session-1").
		WillReturnRows(rows)

	rec, err := s.GetSession(context.Background(), "session-1")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com:8443/login", rec.Target.Raw)
	assert.Equal(t, schemas.TargetURL, rec.Target.Kind)
	assert.Equal(t, "app.example.com", rec.Target.Host, "host is re-derived, not the raw value")
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestAppendEvent_EncodesPayload(t *testing.T) {
	s, mockPool := setupStore(t)

	event := schemas.Event{
		Seq:       7,
		SessionID: "session-1",
		Type:      schemas.EventPhaseTransition,
		Timestamp: time.Now().UTC(),
		Payload:   schemas.PhaseTransitionPayload{From: schemas.PhaseRecon, To: schemas.PhaseAnalysis},
	}

	mockPool.ExpectExec(flexibleSQLMatcher(`INSERT INTO session_events`)).
		WithArgs("session-1", uint64(7), "phase_transition", pgxmock.AnyArg(), event.Timestamp).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.AppendEvent(context.Background(), event))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestLoadEvents_DecodesPayloads(t *testing.T) {
	s, mockPool := setupStore(t)

	now := time.Now().UTC()
	transition, err := schemas.EncodePayload(schemas.PhaseTransitionPayload{To: schemas.PhaseRecon})
	require.NoError(t, err)
	finding, err := schemas.EncodePayload(schemas.FindingRecordedPayload{
		Finding: schemas.Finding{ID: "f-1", Title: "Weak TLS", Severity: schemas.SeverityLow},
	})
	require.NoError(t, err)

	rows := pgxmock.NewRows([]string{"seq", "type", "payload", "occurred_at"}).
		AddRow(uint64(1), "phase_transition", json.RawMessage(transition), now).
		AddRow(uint64(2), "finding_recorded", json.RawMessage(finding), now)

	mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT seq, type, payload, occurred_at`)).
		WithArgs("session-1", uint64(0)).
		WillReturnRows(rows)

	events, err := s.LoadEvents(context.Background(), "session-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, uint64(1), events[0].Seq)
	payload, ok := events[0].Payload.(schemas.PhaseTransitionPayload)
	require.True(t, ok)
	assert.Equal(t, schemas.PhaseRecon, payload.To)

	recorded, ok := events[1].Payload.(schemas.FindingRecordedPayload)
	require.True(t, ok)
	assert.Equal(t, "Weak TLS", recorded.Finding.Title)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveFindings_CopyFrom(t *testing.T) {
	s, mockPool := setupStore(t)

	findings := []schemas.Finding{
		{
			ID: uuid.NewString(), SessionID: "session-1", ActionID: "action-1",
			Severity: schemas.SeverityHigh, Title: "SQL injection",
			Description: "Login form is injectable.",
			Evidence:    json.RawMessage(`{"param":"username"}`),
			Status:      schemas.FindingOpen, ObservedAt: time.Now().UTC(),
		},
		{
			ID: uuid.NewString(), SessionID: "session-1",
			Severity: schemas.SeverityInfo, Title: "Server header exposed",
			Status: schemas.FindingOpen, ObservedAt: time.Now().UTC(),
		},
	}

	mockPool.ExpectCopyFrom(
		pgx.Identifier{"findings"},
		[]string{"id", "session_id", "action_id", "severity", "title", "description", "evidence", "remediation", "status", "observed_at"},
	).WillReturnResult(2)

	require.NoError(t, s.SaveFindings(context.Background(), findings))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveFindings_EmptyIsNoop(t *testing.T) {
	s, mockPool := setupStore(t)
	require.NoError(t, s.SaveFindings(context.Background(), nil))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestUpdateFindingStatus(t *testing.T) {
	s, mockPool := setupStore(t)

	mockPool.ExpectExec(flexibleSQLMatcher(`UPDATE findings SET status`)).
		WithArgs("f-1", "remediated").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.UpdateFindingStatus(context.Background(), "f-1", schemas.FindingRemediated))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestFindingsBySession(t *testing.T) {
	s, mockPool := setupStore(t)

	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{"id", "action_id", "severity", "title", "description", "evidence", "remediation", "status", "observed_at"}).
		AddRow("f-1", "action-1", "high", "SQL injection", "Injectable login.",
			json.RawMessage(`{}`), "Parameterize queries.", "open", now)

	mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT id, action_id, severity, title, description, evidence, remediation, status, observed_at`)).
		WithArgs("session-1").
		WillReturnRows(rows)

	findings, err := s.FindingsBySession(context.Background(), "session-1")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, schemas.SeverityHigh, findings[0].Severity)
	assert.Equal(t, "session-1", findings[0].SessionID)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestReplaySession_FoldsLog(t *testing.T) {
	s, mockPool := setupStore(t)

	now := time.Now().UTC()
	sessionRows := pgxmock.NewRows([]string{"id", "target", "target_kind", "status", "phase", "created_at", "updated_at"}).
		AddRow("session-1", "example.com", "domain", "failed", "analysis", now, now)
	mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT id, target, target_kind, status, phase, created_at, updated_at`)).
		WithArgs("session-1").
		WillReturnRows(sessionRows)

	encode := func(p any) json.RawMessage {
		raw, err := schemas.EncodePayload(p)
		require.NoError(t, err)
		return json.RawMessage(raw)
	}
	eventRows := pgxmock.NewRows([]string{"seq", "type", "payload", "occurred_at"}).
		AddRow(uint64(1), "phase_transition", encode(schemas.PhaseTransitionPayload{To: schemas.PhaseRecon}), now).
		AddRow(uint64(2), "tool_completed", encode(schemas.ToolCompletedPayload{ActionID: "a-1", Tool: "nmap"}), now).
		AddRow(uint64(3), "finding_recorded", encode(schemas.FindingRecordedPayload{
			Finding: schemas.Finding{ID: "f-1", Title: "Exposed admin panel"},
		}), now).
		AddRow(uint64(4), "phase_transition", encode(schemas.PhaseTransitionPayload{From: schemas.PhaseRecon, To: schemas.PhaseAnalysis}), now).
		AddRow(uint64(5), "session_terminated", encode(schemas.SessionTerminatedPayload{Status: schemas.StatusAborted}), now)

	mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT seq, type, payload, occurred_at`)).
		WithArgs("session-1", uint64(0)).
		WillReturnRows(eventRows)

	replayed, err := s.ReplaySession(context.Background(), "session-1")
	require.NoError(t, err)

	assert.Equal(t, schemas.PhaseAnalysis, replayed.Record.Phase)
	assert.Equal(t, schemas.StatusAborted, replayed.Record.Status)
	assert.True(t, replayed.Terminated)
	assert.Equal(t, uint64(5), replayed.LastSeq)
	assert.Equal(t, 1, replayed.Invocations)
	require.Len(t, replayed.Findings, 1)
	assert.Equal(t, "Exposed admin panel", replayed.Findings[0].Title)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
