package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists the delivery log: one row per event fanned out to an
// endpoint and one row per HTTP attempt.
type Store struct {
	db *sql.DB
}

// Attempt captures a single delivery try.
type Attempt struct {
	Delivery    string
	Attempt     int
	Status      string
	StatusCode  int
	Error       string
	NextAttempt time.Time
	CreatedAt   time.Time
}

// NewStore opens (or creates) the SQLite delivery log at path. ":memory:"
// keeps the log in process.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
            id TEXT PRIMARY KEY,
            endpoint TEXT NOT NULL,
            event_sequence INTEGER NOT NULL,
            event_type TEXT NOT NULL,
            attributes BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS webhook_attempts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            delivery_id TEXT NOT NULL,
            attempt INTEGER NOT NULL,
            status TEXT NOT NULL,
            status_code INTEGER,
            error TEXT,
            next_attempt TIMESTAMP,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS webhook_attempts_delivery ON webhook_attempts(delivery_id);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordDelivery registers a new fan-out of evt to endpoint.
func (s *Store) RecordDelivery(ctx context.Context, id, endpoint string, evt Event) error {
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return err
	}
	const stmt = `INSERT OR IGNORE INTO webhook_deliveries(id, endpoint, event_sequence, event_type, attributes, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt, id, endpoint, evt.Sequence, evt.Type, attrs, evt.EmittedAt.UTC())
	return err
}

// RecordAttempt appends one attempt row.
func (s *Store) RecordAttempt(ctx context.Context, attempt Attempt) error {
	const stmt = `INSERT INTO webhook_attempts(delivery_id, attempt, status, status_code, error, next_attempt, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, attempt.Delivery, attempt.Attempt, attempt.Status, attempt.StatusCode,
		attempt.Error, nullTime(attempt.NextAttempt), attempt.CreatedAt.UTC())
	return err
}

// Attempts lists the attempts made for a delivery in order.
func (s *Store) Attempts(ctx context.Context, delivery string) ([]Attempt, error) {
	const query = `SELECT delivery_id, attempt, status, status_code, error, next_attempt, created_at FROM webhook_attempts WHERE delivery_id = ? ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, delivery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		var (
			a       Attempt
			code    sql.NullInt64
			errText sql.NullString
			next    sql.NullTime
		)
		if err := rows.Scan(&a.Delivery, &a.Attempt, &a.Status, &code, &errText, &next, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.StatusCode = int(code.Int64)
		a.Error = errText.String
		if next.Valid {
			a.NextAttempt = next.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Deliveries lists delivery ids recorded for an event sequence.
func (s *Store) Deliveries(ctx context.Context, sequence int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM webhook_deliveries WHERE event_sequence = ? ORDER BY endpoint`, sequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
