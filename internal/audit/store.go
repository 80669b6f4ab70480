// Package audit provides PostgreSQL-backed storage for moderation decisions.
// Every non-exempt message produces one row so moderators can review what
// the bot did and why.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/whisper/aimodbot/internal/moderation"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store manages moderation decisions in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Entry is one stored decision.
type Entry struct {
	ID             string    `json:"id"`
	EventID        string    `json:"event_id"`
	RoomID         string    `json:"room_id"`
	SenderID       string    `json:"sender_id"`
	MsgType        string    `json:"msgtype"`
	Action         string    `json:"action"`
	Reason         string    `json:"reason,omitempty"`
	Score          *float64  `json:"score,omitempty"`
	Classification string    `json:"classification"`
	Redacted       bool      `json:"redacted"`
	CreatedAt      time.Time `json:"created_at"`
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("audit: migrations source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("audit: migrations driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("audit: migrate up: %w", err)
	}
	return nil
}

// NewStore creates a new audit store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts the outcome. Exempt senders are not audited.
func (s *Store) Record(ctx context.Context, o moderation.Outcome) error {
	if o.Exempt {
		return nil
	}

	var verdict sql.NullString
	if o.Verdict != nil {
		b, err := json.Marshal(o.Verdict)
		if err != nil {
			return fmt.Errorf("audit: marshal verdict: %w", err)
		}
		verdict = sql.NullString{String: string(b), Valid: true}
	}
	rec := o.Record()

	const query = `
		INSERT INTO moderation_decisions
			(id, event_id, room_id, sender_id, msgtype, action, reason, score,
			 classification, attempts, redacted, error, verdict, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.EventID,
		rec.RoomID,
		rec.SenderID,
		rec.MsgType,
		rec.Action,
		rec.Reason,
		rec.Score,
		rec.Classification,
		rec.Attempts,
		rec.Redacted,
		rec.Error,
		verdict,
		o.Duration.Milliseconds(),
		o.At,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// CountRedactions returns how many of a sender's messages in a room were
// redacted within the given window.
func (s *Store) CountRedactions(ctx context.Context, roomID, senderID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM moderation_decisions
		WHERE room_id = $1
		  AND sender_id = $2
		  AND redacted
		  AND created_at >= NOW() - $3::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, roomID, senderID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("audit: count redactions: %w", err)
	}
	return count, nil
}

// Recent returns the latest decisions for a room, newest first.
func (s *Store) Recent(ctx context.Context, roomID string, limit int) ([]Entry, error) {
	const query = `
		SELECT id, event_id, room_id, sender_id, msgtype, action, reason, score,
		       classification, redacted, created_at
		FROM moderation_decisions
		WHERE room_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e     Entry
			score sql.NullFloat64
		)
		if err := rows.Scan(&e.ID, &e.EventID, &e.RoomID, &e.SenderID, &e.MsgType,
			&e.Action, &e.Reason, &score, &e.Classification, &e.Redacted, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if score.Valid {
			e.Score = &score.Float64
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: recent rows: %w", err)
	}
	return entries, nil
}
