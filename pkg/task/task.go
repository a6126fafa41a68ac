package task

import (
	"context"
	"fmt"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusUnreacted  Status = "unreacted"
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is one of the four lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusUnreacted, StatusWaiting, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Task is a support request tracked through the lifecycle.
type Task struct {
	ID        string `json:"id"`     // origin chat id + message id
	Number    int64  `json:"number"` // human-facing, globally unique, monotonic
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	ChatTitle string `json:"chat_title"`
	UserID    int64  `json:"user_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	Text      string `json:"text"` // immutable after creation
	Status    Status `json:"status"`
	Assignee  string `json:"assignee"` // kept as history after reopen

	Reply       string     `json:"reply,omitempty"` // most recent reply only
	ReplyAuthor string     `json:"reply_author,omitempty"`
	ReplyAt     *time.Time `json:"reply_at,omitempty"`

	// SupportMessageID links to the rendered message in the support
	// channel so the outbound adapter can edit it later.
	SupportMessageID int64 `json:"support_message_id"`

	// AssignedAt marks the start of the current assignment period.
	// RemindedAt records, per reminder tier, when that tier fired during
	// the current assignment period. Both reset on take and reopen.
	AssignedAt *time.Time           `json:"assigned_at,omitempty"`
	RemindedAt map[string]time.Time `json:"reminded_at"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Version is bumped by the store on every committed update and is
	// the basis for compare-and-update.
	Version int64 `json:"version"`
}

// OriginID builds the stable task identifier from the originating
// chat and message.
func OriginID(chatID, messageID int64) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	cp := *t
	if t.RemindedAt != nil {
		cp.RemindedAt = make(map[string]time.Time, len(t.RemindedAt))
		for k, v := range t.RemindedAt {
			cp.RemindedAt[k] = v
		}
	}
	return &cp
}

// AssigneeStats is one row of the aggregated stats snapshot.
type AssigneeStats struct {
	Assignee             string         `json:"assignee"`
	CountsByStatus       map[string]int `json:"counts_by_status"`
	AvgCompletionSeconds float64        `json:"avg_completion_seconds"`
}

// Store is the contract for task persistence.
//
// Update and Delete are compare-and-update primitives: they commit only
// if the caller's Version still matches the stored row, and fail with
// ErrConflict otherwise. The caller re-reads and re-decides on conflict.
type Store interface {
	Create(ctx context.Context, t *Task) (*Task, error)
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, t *Task) (*Task, error)
	Delete(ctx context.Context, id string, version int64) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]Task, error)
	NextNumber(ctx context.Context) (int64, error)
	Stats(ctx context.Context) ([]AssigneeStats, error)
	EnsureSchema(ctx context.Context) error
}
