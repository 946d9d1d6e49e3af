// Package journal persists extraction outcomes for later inspection and
// prunes them on a schedule.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"tabrelay/internal/domain"
)

// Store records completed extractions in SQLite. It subscribes to the
// extraction.completed event and is otherwise invisible to the request
// path: a journal failure is logged, never surfaced to the server.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	unsub  func()
}

// Open opens (or creates) the journal database at dbPath and runs the
// schema migration.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS extractions (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT NOT NULL,
			target_id      TEXT NOT NULL DEFAULT '',
			received_at    TEXT NOT NULL,
			completed_at   TEXT NOT NULL,
			success        INTEGER NOT NULL,
			error          TEXT NOT NULL DEFAULT '',
			delivered      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_extractions_completed_at
			ON extractions(completed_at);
	`)
	return err
}

// Attach subscribes the store to completion events on bus.
func (s *Store) Attach(bus domain.EventBus) {
	s.unsub = bus.Subscribe(domain.EventExtractionCompleted, func(ctx context.Context, ev domain.Event) {
		var rec domain.ExtractionCompleted
		if err := json.Unmarshal(ev.Payload, &rec); err != nil {
			s.logger.Error("journal: unreadable completion event", "error", err)
			return
		}
		if err := s.Record(ctx, rec); err != nil {
			s.logger.Error("journal: record failed",
				"correlation_id", rec.CorrelationID.String(), "error", err)
		}
	})
}

// Record inserts one completed extraction.
func (s *Store) Record(_ context.Context, rec domain.ExtractionCompleted) error {
	_, err := s.db.Exec(
		`INSERT INTO extractions
			(correlation_id, target_id, received_at, completed_at, success, error, delivered)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.CorrelationID.String(), rec.TargetID,
		rec.ReceivedAt.UTC().Format(time.RFC3339Nano),
		rec.CompletedAt.UTC().Format(time.RFC3339Nano),
		boolInt(rec.Success), rec.Error, boolInt(rec.Delivered),
	)
	return err
}

// Recent returns the latest records, newest first.
func (s *Store) Recent(_ context.Context, limit int) ([]domain.ExtractionCompleted, error) {
	rows, err := s.db.Query(
		`SELECT correlation_id, target_id, received_at, completed_at, success, error, delivered
		 FROM extractions ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ExtractionCompleted
	for rows.Next() {
		var (
			rec                    domain.ExtractionCompleted
			corr, received, done   string
			successInt, deliverInt int
		)
		if err := rows.Scan(&corr, &rec.TargetID, &received, &done,
			&successInt, &rec.Error, &deliverInt); err != nil {
			return nil, err
		}
		rec.CorrelationID = domain.CorrelationID(corr)
		rec.ReceivedAt, _ = time.Parse(time.RFC3339Nano, received)
		rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, done)
		rec.Success = successInt != 0
		rec.Delivered = deliverInt != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes records completed before cutoff and returns how many were
// removed.
func (s *Store) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		"DELETE FROM extractions WHERE completed_at < ?",
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close detaches from the bus and closes the database.
func (s *Store) Close() error {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
