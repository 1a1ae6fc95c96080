// Package usage is the append-only attempt ledger. Every request the
// gateway sends to the backend is recorded with its outcome class,
// latency and token counts, keyed by session. Conversation text and
// full credentials are never stored.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Outcome classes for an attempt.
const (
	ClassSuccess      = "success"
	ClassTransient    = "transient"
	ClassNonTransient = "non_transient"
)

// Record is a single gateway attempt against one credential.
type Record struct {
	ID           string
	Timestamp    time.Time
	SessionID    string
	Model        string
	CredentialID string // last four characters of the credential
	Class        string // ClassSuccess, ClassTransient, ClassNonTransient
	Status       int    // HTTP status, 0 for transport failures
	Latency      time.Duration
	InputTokens  int
	OutputTokens int
}

// Summary holds aggregated attempt totals.
type Summary struct {
	TotalAttempts     int           `json:"total_attempts"`
	TotalInputTokens  int64         `json:"total_input_tokens"`
	TotalOutputTokens int64         `json:"total_output_tokens"`
	AvgLatency        time.Duration `json:"avg_latency_ns"`
}

// Store is an append-only SQLite store for attempt records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a ledger at the given database path. The schema is
// created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS attempts (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		session_id    TEXT,
		model         TEXT NOT NULL,
		credential_id TEXT NOT NULL,
		class         TEXT NOT NULL,
		status        INTEGER NOT NULL,
		latency_ms    INTEGER NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_timestamp ON attempts(timestamp);
	CREATE INDEX IF NOT EXISTS idx_attempts_session ON attempts(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists an attempt. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate attempt ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts
			(id, timestamp, session_id, model, credential_id, class, status,
			 latency_ms, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.SessionID,
		rec.Model,
		rec.CredentialID,
		rec.Class,
		rec.Status,
		rec.Latency.Milliseconds(),
		rec.InputTokens,
		rec.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for attempts within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(AVG(latency_ms), 0)
		 FROM attempts
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	var avgMS float64
	if err := row.Scan(&sum.TotalAttempts, &sum.TotalInputTokens, &sum.TotalOutputTokens, &avgMS); err != nil {
		return nil, fmt.Errorf("query attempt summary: %w", err)
	}
	sum.AvgLatency = time.Duration(avgMS * float64(time.Millisecond))
	return &sum, nil
}

// SummaryByClass returns per-outcome-class totals within [start, end).
func (s *Store) SummaryByClass(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("class", start, end)
}

// SummaryByCredential returns per-credential totals within [start, end),
// keyed by credential suffix.
func (s *Store) SummaryByCredential(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("credential_id", start, end)
}

func (s *Store) summaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a constant from our own methods, never user input.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(AVG(latency_ms), 0)
		 FROM attempts
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY COUNT(*) DESC`,
		column, column,
	)

	rows, err := s.db.Query(query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		var avgMS float64
		if err := rows.Scan(&key, &sum.TotalAttempts, &sum.TotalInputTokens, &sum.TotalOutputTokens, &avgMS); err != nil {
			return nil, fmt.Errorf("scan attempts by %s: %w", column, err)
		}
		sum.AvgLatency = time.Duration(avgMS * float64(time.Millisecond))
		result[key] = &sum
	}
	return result, rows.Err()
}

// CredentialID returns the loggable suffix of a credential: its last
// four characters, or "****" when it is shorter than that.
func CredentialID(credential string) string {
	if len(credential) < 4 {
		return "****"
	}
	return credential[len(credential)-4:]
}
