package postgres

import (
	"context"
	"database/sql"
	"fmt"

	audit "cardreader/pkg/platform/audit"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id              UUID PRIMARY KEY,
	category        TEXT NOT NULL,
	severity        TEXT NOT NULL,
	timestamp       TIMESTAMPTZ NOT NULL,
	action          TEXT NOT NULL,
	subject         TEXT NOT NULL DEFAULT '',
	ip              TEXT NOT NULL DEFAULT '',
	session_id      TEXT NOT NULL DEFAULT '',
	subject_id_hash TEXT NOT NULL DEFAULT '',
	reason          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS audit_events_timestamp_idx ON audit_events (timestamp);
`

// Store persists audit events in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects with the lib/pq driver and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}
	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate audit schema: %w", err)
	}
	return nil
}

// Append inserts an event. Idempotent on event ID.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}
	if event.Severity == "" {
		event.Severity = audit.AuditEvent(event.Action).Severity()
	}
	query := `
		INSERT INTO audit_events (
			id, category, severity, timestamp, action,
			subject, ip, session_id, subject_id_hash, reason
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		string(event.Category),
		string(event.Severity),
		event.Timestamp,
		event.Action,
		event.Subject,
		event.IP,
		event.SessionID,
		event.SubjectIDHash,
		event.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListRecent returns the N most recent events, oldest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `
		SELECT id, category, severity, timestamp, action,
			   subject, ip, session_id, subject_id_hash, reason
		FROM (
			SELECT * FROM audit_events ORDER BY timestamp DESC LIMIT $1
		) recent
		ORDER BY timestamp ASC
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return s.scanEvents(rows)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event

	for rows.Next() {
		var (
			category string
			severity string
			event    audit.Event
		)
		err := rows.Scan(
			&event.ID,
			&category,
			&severity,
			&event.Timestamp,
			&event.Action,
			&event.Subject,
			&event.IP,
			&event.SessionID,
			&event.SubjectIDHash,
			&event.Reason,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Category = audit.EventCategory(category)
		event.Severity = audit.Severity(severity)
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}

	return events, nil
}
