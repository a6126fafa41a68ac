package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgLog is a PostgreSQL-backed event log.
type PgLog struct {
	pool *pgxpool.Pool
}

// NewPgLog creates a PgLog.
func NewPgLog(pool *pgxpool.Pool) *PgLog {
	return &PgLog{pool: pool}
}

// EnsureSchema creates the events table if it doesn't exist.
func (s *PgLog) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			id        TEXT PRIMARY KEY,
			channel   TEXT NOT NULL,
			kind      TEXT NOT NULL,
			source    TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			payload   JSONB NOT NULL DEFAULT '{}'
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_events_channel ON events(channel)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_events_timestamp_id ON events(timestamp, id)`)
	return err
}

// Append creates and stores a new event.
func (s *PgLog) Append(ctx context.Context, channel, kind, source string, payload map[string]any) (*Event, error) {
	if payload == nil {
		payload = map[string]any{}
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	e := &Event{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Channel:   channel,
		Kind:      kind,
		Source:    source,
		Timestamp: time.Now().Truncate(time.Microsecond),
		Payload:   payload,
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (id, channel, kind, source, timestamp, payload)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)`,
		e.ID, e.Channel, e.Kind, e.Source, e.Timestamp, string(payloadJSON))
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return e, nil
}

// Recent returns the most recent events in reverse chronological order.
func (s *PgLog) Recent(ctx context.Context, limit int) ([]Event, error) {
	return s.scanMany(ctx, `
		SELECT id, channel, kind, source, timestamp, payload
		FROM events ORDER BY timestamp DESC, id DESC LIMIT $1`, limit)
}

// ByChannel returns events on a channel in reverse chronological order.
func (s *PgLog) ByChannel(ctx context.Context, channel string, limit int) ([]Event, error) {
	return s.scanMany(ctx, `
		SELECT id, channel, kind, source, timestamp, payload
		FROM events WHERE channel = $1 ORDER BY timestamp DESC, id DESC LIMIT $2`, channel, limit)
}

// Count returns the total number of events.
func (s *PgLog) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *PgLog) scanMany(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var payloadJSON []byte
		if err := rows.Scan(&e.ID, &e.Channel, &e.Kind, &e.Source, &e.Timestamp, &payloadJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return events, nil
}
