package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a PostgreSQL-backed task store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema creates the tasks table, its indexes, and the task number
// sequence if they don't exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id                 TEXT PRIMARY KEY,
			number             BIGINT NOT NULL UNIQUE,
			chat_id            BIGINT NOT NULL,
			message_id         BIGINT NOT NULL,
			chat_title         TEXT NOT NULL DEFAULT '',
			user_id            BIGINT NOT NULL DEFAULT 0,
			first_name         TEXT NOT NULL DEFAULT '',
			last_name          TEXT NOT NULL DEFAULT '',
			username           TEXT NOT NULL DEFAULT '',
			text               TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL DEFAULT 'unreacted',
			assignee           TEXT NOT NULL DEFAULT '',
			reply              TEXT NOT NULL DEFAULT '',
			reply_author       TEXT NOT NULL DEFAULT '',
			reply_at           TIMESTAMPTZ,
			support_message_id BIGINT NOT NULL DEFAULT 0,
			assigned_at        TIMESTAMPTZ,
			reminded_at        JSONB NOT NULL DEFAULT '{}',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at       TIMESTAMPTZ,
			version            BIGINT NOT NULL DEFAULT 1
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee) WHERE assignee != ''`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE SEQUENCE IF NOT EXISTS task_numbers`)
	return err
}

const taskColumns = `id, number, chat_id, message_id, chat_title, user_id, first_name, last_name, username,
	text, status, assignee, reply, reply_author, reply_at, support_message_id,
	assigned_at, reminded_at, created_at, updated_at, completed_at, version`

// Create inserts a new task in status unreacted. The id must already be
// set (OriginID); fails with ErrAlreadyExists when the id is taken.
func (s *PgStore) Create(ctx context.Context, t *Task) (*Task, error) {
	now := time.Now().Truncate(time.Microsecond)
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusUnreacted
	}
	if t.RemindedAt == nil {
		t.RemindedAt = map[string]time.Time{}
	}
	t.Version = 1

	remindedJSON, err := json.Marshal(t.RemindedAt)
	if err != nil {
		return nil, fmt.Errorf("marshal reminded_at: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, number, chat_id, message_id, chat_title, user_id, first_name, last_name, username,
			text, status, assignee, reply, reply_author, reply_at, support_message_id,
			assigned_at, reminded_at, created_at, updated_at, completed_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18::jsonb, $19, $20, $21, $22)`,
		t.ID, t.Number, t.ChatID, t.MessageID, t.ChatTitle, t.UserID, t.FirstName, t.LastName, t.Username,
		t.Text, t.Status, t.Assignee, t.Reply, t.ReplyAuthor, t.ReplyAt, t.SupportMessageID,
		t.AssignedAt, string(remindedJSON), t.CreatedAt, t.UpdatedAt, t.CompletedAt, t.Version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

// Get retrieves a single task by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// Update commits the snapshot only if its version still matches the
// stored row, bumping the version. Fails with ErrConflict when another
// writer got there first, ErrNotFound when the row is gone.
func (s *PgStore) Update(ctx context.Context, t *Task) (*Task, error) {
	remindedJSON, err := json.Marshal(t.RemindedAt)
	if err != nil {
		return nil, fmt.Errorf("marshal reminded_at: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE tasks SET
			status = $3, assignee = $4, reply = $5, reply_author = $6, reply_at = $7,
			support_message_id = $8, assigned_at = $9, reminded_at = $10::jsonb,
			updated_at = $11, completed_at = $12, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING `+taskColumns,
		t.ID, t.Version,
		t.Status, t.Assignee, t.Reply, t.ReplyAuthor, t.ReplyAt,
		t.SupportMessageID, t.AssignedAt, string(remindedJSON),
		t.UpdatedAt, t.CompletedAt)
	updated, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := s.Get(ctx, t.ID); errors.Is(getErr, ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return updated, nil
}

// Delete removes the task, guarded by the same version check as Update.
func (s *PgStore) Delete(ctx context.Context, id string, version int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1 AND version = $2`, id, version)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// ListByStatus returns tasks in the given status (empty = all), oldest first.
func (s *PgStore) ListByStatus(ctx context.Context, status Status, limit int) ([]Task, error) {
	var rows pgx.Rows
	var err error
	if status != "" {
		rows, err = s.pool.Query(ctx, `SELECT `+taskColumns+`
			FROM tasks WHERE status = $1 ORDER BY created_at ASC, number ASC LIMIT $2`, status, limit)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+taskColumns+`
			FROM tasks ORDER BY created_at ASC, number ASC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return tasks, nil
}

// NextNumber allocates the next task number. Sequence values are never
// reused, so numbers stay unique and monotonic under concurrent callers
// and across restarts.
func (s *PgStore) NextNumber(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT nextval('task_numbers')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next task number: %w", err)
	}
	return n, nil
}

// Stats aggregates per-assignee status counts and average completion time.
func (s *PgStore) Stats(ctx context.Context) ([]AssigneeStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT assignee, status, COUNT(*),
			COALESCE(AVG(EXTRACT(EPOCH FROM completed_at - created_at)) FILTER (WHERE completed_at IS NOT NULL), 0)
		FROM tasks
		GROUP BY assignee, status
		ORDER BY assignee, status`)
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	defer rows.Close()

	byAssignee := map[string]*AssigneeStats{}
	var order []string
	for rows.Next() {
		var assignee, status string
		var count int
		var avgSecs float64
		if err := rows.Scan(&assignee, &status, &count, &avgSecs); err != nil {
			return nil, err
		}
		st, ok := byAssignee[assignee]
		if !ok {
			st = &AssigneeStats{Assignee: assignee, CountsByStatus: map[string]int{}}
			byAssignee[assignee] = st
			order = append(order, assignee)
		}
		st.CountsByStatus[status] = count
		if status == string(StatusCompleted) {
			st.AvgCompletionSeconds = avgSecs
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}

	stats := make([]AssigneeStats, 0, len(order))
	for _, a := range order {
		stats = append(stats, *byAssignee[a])
	}
	return stats, nil
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var remindedJSON []byte
	err := row.Scan(&t.ID, &t.Number, &t.ChatID, &t.MessageID, &t.ChatTitle, &t.UserID, &t.FirstName, &t.LastName, &t.Username,
		&t.Text, &t.Status, &t.Assignee, &t.Reply, &t.ReplyAuthor, &t.ReplyAt, &t.SupportMessageID,
		&t.AssignedAt, &remindedJSON, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt, &t.Version)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(remindedJSON, &t.RemindedAt); err != nil {
		t.RemindedAt = map[string]time.Time{}
	}
	return &t, nil
}
