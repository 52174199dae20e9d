// Package store persists sessions as an event log in PostgreSQL. A session
// can be reconstructed after a restart by replaying its events in sequence
// order.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
)

// DBPool abstracts pgxpool.Pool so tests can run against a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store is the PostgreSQL implementation of schemas.Store.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates the store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// CreateSession inserts the session identity row.
func (s *Store) CreateSession(ctx context.Context, rec schemas.SessionRecord) error {
	query := `
        INSERT INTO sessions (id, target, target_kind, status, phase, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7);
    `
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Target.Raw, string(rec.Target.Kind),
		string(rec.Status), string(rec.Phase),
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// UpdateSession records a status or phase change.
func (s *Store) UpdateSession(ctx context.Context, id string, status schemas.SessionStatus, phase schemas.Phase) error {
	query := `
        UPDATE sessions SET status = $2, phase = $3, updated_at = NOW()
        WHERE id = $1;
    `
	tag, err := s.pool.Exec(ctx, query, id, string(status), string(phase))
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update session %s: %w", id, schemas.ErrSessionNotFound)
	}
	return nil
}

// GetSession loads one session row.
func (s *Store) GetSession(ctx context.Context, id string) (schemas.SessionRecord, error) {
	query := `
        SELECT id, target, target_kind, status, phase, created_at, updated_at
        FROM sessions WHERE id = $1;
    `
	var rec schemas.SessionRecord
	var kind, status, phase string
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.Target.Raw, &kind, &status, &phase,
		&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return schemas.SessionRecord{}, fmt.Errorf("session %s: %w", id, schemas.ErrSessionNotFound)
	}
	if err != nil {
		return schemas.SessionRecord{}, fmt.Errorf("failed to query session: %w", err)
	}
	rec.Status = schemas.SessionStatus(status)
	rec.Phase = schemas.Phase(phase)

	// Only the raw target is stored; the host is derived, so URL and ported
	// targets round-trip through a re-parse.
	if target, perr := schemas.ParseTarget(rec.Target.Raw); perr == nil {
		rec.Target = target
	} else {
		rec.Target.Kind = schemas.TargetKind(kind)
		rec.Target.Host = rec.Target.Raw
	}
	return rec, nil
}

// AppendEvent persists one event of the session log.
func (s *Store) AppendEvent(ctx context.Context, event schemas.Event) error {
	payload, err := schemas.EncodePayload(event.Payload)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	query := `
        INSERT INTO session_events (session_id, seq, type, payload, occurred_at)
        VALUES ($1, $2, $3, $4, $5);
    `
	_, err = s.pool.Exec(ctx, query,
		event.SessionID, event.Seq, string(event.Type), payload, event.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// LoadEvents returns the session's events with Seq > fromSeq, in order, with
// typed payloads reconstructed.
func (s *Store) LoadEvents(ctx context.Context, sessionID string, fromSeq uint64) ([]schemas.Event, error) {
	query := `
        SELECT seq, type, payload, occurred_at
        FROM session_events
        WHERE session_id = $1 AND seq > $2
        ORDER BY seq ASC;
    `
	rows, err := s.pool.Query(ctx, query, sessionID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []schemas.Event
	for rows.Next() {
		var (
			event   schemas.Event
			typeStr string
			raw     json.RawMessage
		)
		if err := rows.Scan(&event.Seq, &typeStr, &raw, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		event.SessionID = sessionID
		event.Type = schemas.EventType(typeStr)

		payload, err := schemas.DecodePayload(event.Type, raw)
		if err != nil {
			// An unknown type in the log is a schema drift problem, not a
			// reason to refuse the whole replay.
			s.log.Warn("Skipping undecodable event payload",
				zap.String("session_id", sessionID),
				zap.Uint64("seq", event.Seq),
				zap.Error(err))
		} else {
			event.Payload = payload
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return events, nil
}

// SaveFindings bulk-inserts findings with CopyFrom.
func (s *Store) SaveFindings(ctx context.Context, findings []schemas.Finding) error {
	if len(findings) == 0 {
		return nil
	}

	rows := make([][]interface{}, len(findings))
	for i, f := range findings {
		evidence := f.Evidence
		if len(evidence) == 0 || string(evidence) == "null" {
			evidence = json.RawMessage("{}")
		}
		rows[i] = []interface{}{
			f.ID, f.SessionID, f.ActionID,
			string(f.Severity), f.Title, f.Description,
			evidence, f.Remediation, string(f.Status),
			f.ObservedAt.UTC(),
		}
	}

	copyCount, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"findings"},
		[]string{"id", "session_id", "action_id", "severity", "title", "description", "evidence", "remediation", "status", "observed_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy findings: %w", err)
	}
	if int(copyCount) != len(findings) {
		return fmt.Errorf("mismatch in copied findings count: expected %d, got %d", len(findings), copyCount)
	}
	return nil
}

// UpdateFindingStatus mutates the one mutable field of a finding.
func (s *Store) UpdateFindingStatus(ctx context.Context, findingID string, status schemas.FindingStatus) error {
	query := `UPDATE findings SET status = $2 WHERE id = $1;`
	tag, err := s.pool.Exec(ctx, query, findingID, string(status))
	if err != nil {
		return fmt.Errorf("failed to update finding status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finding %s not found", findingID)
	}
	return nil
}

// FindingsBySession returns a session's findings ordered by observation time.
func (s *Store) FindingsBySession(ctx context.Context, sessionID string) ([]schemas.Finding, error) {
	query := `
        SELECT id, action_id, severity, title, description, evidence, remediation, status, observed_at
        FROM findings
        WHERE session_id = $1
        ORDER BY observed_at ASC;
    `
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var findings []schemas.Finding
	for rows.Next() {
		var f schemas.Finding
		var severity, status string
		err := rows.Scan(
			&f.ID, &f.ActionID, &severity, &f.Title, &f.Description,
			&f.Evidence, &f.Remediation, &status, &f.ObservedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan finding row: %w", err)
		}
		f.SessionID = sessionID
		f.Severity = schemas.Severity(severity)
		f.Status = schemas.FindingStatus(status)
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return findings, nil
}
