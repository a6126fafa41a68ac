package eventbus

import (
	"context"
	"fmt"
	"time"
)

// Channel names wired between the coordinator, the scheduler, and the
// external producer/notifier components.
const (
	ChannelNewTasks    = "new_tasks"     // inbound: task creation records
	ChannelTaskUpdates = "task_updates"  // in/out: status changes, replies, deletions
	ChannelReminders   = "reminders"     // outbound: consumed by the notifier
	ChannelStats       = "stats_updates" // outbound: periodic snapshots
)

// Event is one message on a channel. Delivery is at-least-once;
// consumers discard duplicates by DedupKey.
type Event struct {
	ID        string         `json:"id"` // UUID v7 (time-ordered)
	Channel   string         `json:"channel"`
	Kind      string         `json:"kind"`   // e.g. "new_task", "status_change"
	Source    string         `json:"source"` // component that published
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// DedupKey is the idempotency key for inbound deduplication:
// event kind + task id + timestamp.
func (e *Event) DedupKey() string {
	taskID, _ := e.Payload["task_id"].(string)
	return fmt.Sprintf("%s|%s|%d", e.Kind, taskID, e.Timestamp.UnixNano())
}

// Log is the contract for event persistence.
type Log interface {
	Append(ctx context.Context, channel, kind, source string, payload map[string]any) (*Event, error)
	Recent(ctx context.Context, limit int) ([]Event, error)
	ByChannel(ctx context.Context, channel string, limit int) ([]Event, error)
	Count(ctx context.Context) (int, error)
	EnsureSchema(ctx context.Context) error
}
