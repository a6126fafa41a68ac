// Package coordinator wires inbound bus events into the lifecycle state
// machine, persists the results through the task store's
// compare-and-update, and re-publishes outward events.
//
// Every transition is durably committed before any outbound event is
// published; a publish failure is logged, never rolled back. Inbound
// duplicates are discarded by idempotency key. Steady-state errors are
// per-event and never stop the run loop.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"taskline/pkg/eventbus"
	"taskline/pkg/reply"
	"taskline/pkg/task"
)

const (
	// maxRetries bounds the read-decide-write loop on version conflicts.
	maxRetries = 3

	// dedupWindow is how long inbound idempotency keys are remembered.
	dedupWindow = 10 * time.Minute
)

// Coordinator is the single logical process coordinating task state.
type Coordinator struct {
	bus     *eventbus.Bus
	store   task.Store
	replies *reply.Sessions
	source  string

	statsInterval time.Duration

	seenMu sync.Mutex
	seen   map[string]time.Time
}

// New creates a Coordinator. statsInterval controls how often a stats
// snapshot is published; zero disables the periodic snapshot.
func New(bus *eventbus.Bus, store task.Store, replies *reply.Sessions, statsInterval time.Duration) *Coordinator {
	return &Coordinator{
		bus:           bus,
		store:         store,
		replies:       replies,
		source:        "coordinator",
		statsInterval: statsInterval,
		seen:          make(map[string]time.Time),
	}
}

// Run consumes inbound events until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	newTasks := c.bus.Subscribe(eventbus.ChannelNewTasks)
	updates := c.bus.Subscribe(eventbus.ChannelTaskUpdates)
	defer c.bus.Unsubscribe(eventbus.ChannelNewTasks, newTasks)
	defer c.bus.Unsubscribe(eventbus.ChannelTaskUpdates, updates)

	statsInterval := c.statsInterval
	if statsInterval <= 0 {
		statsInterval = time.Duration(1<<62 - 1) // effectively never
	}
	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()

	log.Println("coordinator: running, listening for events")

	for {
		select {
		case <-ctx.Done():
			log.Println("coordinator: shutting down")
			return
		case e := <-newTasks:
			c.handleEvent(ctx, e)
		case e := <-updates:
			c.handleEvent(ctx, e)
		case <-statsTicker.C:
			if err := c.PublishStats(ctx); err != nil {
				log.Printf("coordinator: publish stats: %v", err)
			}
		}
	}
}

// handleEvent dispatches one inbound event. Never panics the loop.
func (c *Coordinator) handleEvent(ctx context.Context, e *eventbus.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("coordinator: panic handling %s event %s: %v", e.Kind, e.ID, r)
		}
	}()

	if e == nil || e.Source == c.source {
		return
	}
	if c.isDuplicate(e) {
		log.Printf("coordinator: duplicate %s event discarded (key %s)", e.Kind, e.DedupKey())
		return
	}

	switch {
	case e.Channel == eventbus.ChannelNewTasks && e.Kind == "new_task":
		if _, err := c.CreateTask(ctx, parseNewTask(e.Payload)); err != nil {
			if errors.Is(err, task.ErrAlreadyExists) {
				return // duplicate creation record, already idempotent
			}
			log.Printf("coordinator: create task: %v", err)
		}
	case e.Channel == eventbus.ChannelTaskUpdates && e.Kind == "message_rendered":
		taskID, _ := e.Payload["task_id"].(string)
		msgID := payloadInt(e.Payload, "support_message_id")
		if err := c.LinkSupportMessage(ctx, taskID, msgID); err != nil {
			log.Printf("coordinator: link support message for %s: %v", taskID, err)
		}
	default:
		// Cross-component notifications this core doesn't act on.
	}
}

// isDuplicate records the event's idempotency key and reports whether it
// was already seen inside the dedup window.
func (c *Coordinator) isDuplicate(e *eventbus.Event) bool {
	key := e.DedupKey()
	now := time.Now()

	c.seenMu.Lock()
	defer c.seenMu.Unlock()

	if at, ok := c.seen[key]; ok && now.Sub(at) < dedupWindow {
		return true
	}
	for k, at := range c.seen {
		if now.Sub(at) >= dedupWindow {
			delete(c.seen, k)
		}
	}
	c.seen[key] = now
	return false
}

// NewTask is an inbound task creation record.
type NewTask struct {
	ChatID    int64
	MessageID int64
	ChatTitle string
	UserID    int64
	FirstName string
	LastName  string
	Username  string
	Text      string
}

// CreateTask allocates a task number and stores the task in unreacted.
// Nothing is published: the first externally visible event occurs on
// promotion.
func (c *Coordinator) CreateTask(ctx context.Context, in NewTask) (*task.Task, error) {
	if in.ChatID == 0 || in.MessageID == 0 {
		return nil, fmt.Errorf("creation record without origin chat/message id")
	}
	number, err := c.store.NextNumber(ctx)
	if err != nil {
		return nil, err
	}

	t := &task.Task{
		ID:        task.OriginID(in.ChatID, in.MessageID),
		Number:    number,
		ChatID:    in.ChatID,
		MessageID: in.MessageID,
		ChatTitle: in.ChatTitle,
		UserID:    in.UserID,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Username:  in.Username,
		Text:      in.Text,
		Status:    task.StatusUnreacted,
	}
	created, err := c.store.Create(ctx, t)
	if err != nil {
		return nil, err
	}
	log.Printf("coordinator: task #%d created (%s)", created.Number, created.ID)
	return created, nil
}

// Act applies a button-press trigger to a task. Reply text goes through
// the session flow (OpenReply/SubmitReply), not here.
func (c *Coordinator) Act(ctx context.Context, taskID string, trigger task.Trigger, actor string) (*task.Task, error) {
	if trigger == task.TriggerReply {
		return nil, fmt.Errorf("reply goes through the reply session flow")
	}
	t, _, err := c.applyChange(ctx, taskID, task.Change{Trigger: trigger, Actor: actor, Now: time.Now()})
	return t, err
}

// OpenReply starts a reply session for the actor, targeting the task.
// The task must exist; its state is not otherwise inspected, since the
// record-reply trigger validates status at submission time.
func (c *Coordinator) OpenReply(ctx context.Context, taskID, actor string) error {
	if _, err := c.store.Get(ctx, taskID); err != nil {
		return err
	}
	c.replies.Open(actor, taskID)
	return nil
}

// CancelReply destroys the actor's reply session, if any.
func (c *Coordinator) CancelReply(actor string) bool {
	return c.replies.Cancel(actor)
}

// SubmitReply captures the actor's free-text input as the reply to the
// task their open session targets.
func (c *Coordinator) SubmitReply(ctx context.Context, actor, text string) (*task.Task, error) {
	taskID, ok := c.replies.Claim(actor)
	if !ok {
		return nil, fmt.Errorf("no open reply session for %s", actor)
	}
	t, _, err := c.applyChange(ctx, taskID, task.Change{
		Trigger: task.TriggerReply,
		Actor:   actor,
		Reply:   text,
		Now:     time.Now(),
	})
	return t, err
}

// LinkSupportMessage records the rendered support-channel message id so
// the outbound adapter can edit it later. Not a lifecycle transition.
func (c *Coordinator) LinkSupportMessage(ctx context.Context, taskID string, messageID int64) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		t, err := c.store.Get(ctx, taskID)
		if err != nil {
			return err
		}
		next := t.Clone()
		next.SupportMessageID = messageID
		if _, err := c.store.Update(ctx, next); err != nil {
			if errors.Is(err, task.ErrConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return task.ErrConflict
}

// applyChange runs the read-decide-write cycle with bounded retry on
// version conflict, then publishes the outcome's events.
func (c *Coordinator) applyChange(ctx context.Context, taskID string, ch task.Change) (*task.Task, bool, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		t, err := c.store.Get(ctx, taskID)
		if err != nil {
			return nil, false, err
		}
		oldStatus := t.Status

		out, err := task.Apply(t, ch)
		if err != nil {
			return nil, false, err
		}

		if out.Removed {
			err = c.store.Delete(ctx, t.ID, t.Version)
		} else {
			out.Task, err = c.store.Update(ctx, out.Task)
		}
		if err != nil {
			if errors.Is(err, task.ErrConflict) {
				continue
			}
			return nil, false, err
		}

		// Committed. Outbound notification is fire-and-forget from here.
		c.publishOutcome(ctx, t, oldStatus, out, ch)
		if err := c.PublishStats(ctx); err != nil {
			log.Printf("coordinator: publish stats after %s: %v", ch.Trigger, err)
		}
		return out.Task, out.Removed, nil
	}
	return nil, false, task.ErrConflict
}

// publishOutcome publishes the events a committed transition calls for.
func (c *Coordinator) publishOutcome(ctx context.Context, before *task.Task, oldStatus task.Status, out *task.Outcome, ch task.Change) {
	cur := out.Task
	if cur == nil {
		cur = before
	}

	for _, kind := range out.Events {
		var channel string
		payload := map[string]any{
			"task_id":     cur.ID,
			"task_number": cur.Number,
		}

		switch kind {
		case task.EventStatusChange:
			channel = eventbus.ChannelTaskUpdates
			payload["old_status"] = string(oldStatus)
			payload["new_status"] = string(cur.Status)
			payload["actor"] = ch.Actor
			if cur.Assignee != "" {
				payload["assignee"] = cur.Assignee
			}
			payload["timestamp"] = ch.Now.Format(time.RFC3339Nano)
		case task.EventReplyDelivered:
			channel = eventbus.ChannelTaskUpdates
			payload["author"] = ch.Actor
		case task.EventTaskDeleted:
			channel = eventbus.ChannelTaskUpdates
			payload["actor"] = ch.Actor
		case task.EventReminder:
			channel = eventbus.ChannelReminders
			payload["assignee"] = cur.Assignee
			payload["tier"] = "manual"
			if cur.AssignedAt != nil {
				payload["elapsed_seconds"] = int64(ch.Now.Sub(*cur.AssignedAt).Seconds())
			}
		default:
			continue
		}

		if _, err := c.bus.Publish(ctx, channel, kind, c.source, payload); err != nil {
			log.Printf("coordinator: publish %s for task %s: %v", kind, cur.ID, err)
		}
	}
}

// PublishStats publishes a stats snapshot on the stats channel.
func (c *Coordinator) PublishStats(ctx context.Context) error {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return err
	}

	rows := make([]map[string]any, 0, len(stats))
	for _, st := range stats {
		rows = append(rows, map[string]any{
			"assignee":               st.Assignee,
			"counts_by_status":       st.CountsByStatus,
			"avg_completion_seconds": st.AvgCompletionSeconds,
		})
	}
	_, err = c.bus.Publish(ctx, eventbus.ChannelStats, "stats_snapshot", c.source, map[string]any{
		"assignees": rows,
	})
	return err
}

func parseNewTask(payload map[string]any) NewTask {
	in := NewTask{
		ChatID:    payloadInt(payload, "chat_id"),
		MessageID: payloadInt(payload, "message_id"),
		UserID:    payloadInt(payload, "user_id"),
	}
	in.ChatTitle, _ = payload["chat_title"].(string)
	in.FirstName, _ = payload["first_name"].(string)
	in.LastName, _ = payload["last_name"].(string)
	in.Username, _ = payload["username"].(string)
	in.Text, _ = payload["text"].(string)
	return in
}

// payloadInt reads an integer field that may arrive as float64 after
// JSON round-tripping.
func payloadInt(payload map[string]any, key string) int64 {
	switch v := payload[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
