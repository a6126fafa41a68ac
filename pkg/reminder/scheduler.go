// Package reminder implements the periodic sweep over in-progress tasks
// that emits tiered reminder events.
//
// Ordering inside one task is publish-then-record: the reminder event
// goes out before the fired tier is committed to the store. A crash in
// between re-fires the tier on the next sweep, so delivery is
// at-least-once; deduplication, if needed, belongs to the downstream
// notifier.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"taskline/pkg/eventbus"
	"taskline/pkg/task"
)

// sweepBatch caps how many in-progress tasks one sweep loads.
const sweepBatch = 500

// Publisher is the outbound side of the event bus.
type Publisher interface {
	Publish(ctx context.Context, channel, kind, source string, payload map[string]any) (*eventbus.Event, error)
}

// Config holds the scheduler's tuning knobs.
type Config struct {
	Tiers    []time.Duration // ascending reminder thresholds
	Interval time.Duration   // sweep interval, strictly smaller than Tiers[0]
}

// Validate checks that the tiers are ascending and the sweep interval
// is small enough that no threshold window can be missed.
func (c Config) Validate() error {
	if len(c.Tiers) == 0 {
		return errors.New("reminder: at least one tier required")
	}
	if !sort.SliceIsSorted(c.Tiers, func(i, j int) bool { return c.Tiers[i] < c.Tiers[j] }) {
		return fmt.Errorf("reminder: tiers must be ascending, got %v", c.Tiers)
	}
	for i, t := range c.Tiers {
		if t <= 0 {
			return fmt.Errorf("reminder: tier %d must be positive, got %v", i, t)
		}
	}
	if c.Interval <= 0 {
		return fmt.Errorf("reminder: sweep interval must be positive, got %v", c.Interval)
	}
	if c.Interval >= c.Tiers[0] {
		return fmt.Errorf("reminder: sweep interval %v must be smaller than smallest tier %v", c.Interval, c.Tiers[0])
	}
	return nil
}

// Scheduler periodically re-evaluates in-progress tasks against the
// configured tiers.
type Scheduler struct {
	store  task.Store
	bus    Publisher
	cfg    Config
	source string
}

// New creates a Scheduler. cfg must already be validated.
func New(store task.Store, bus Publisher, cfg Config) *Scheduler {
	return &Scheduler{store: store, bus: bus, cfg: cfg, source: "scheduler"}
}

// Run sweeps on the configured interval until ctx is cancelled. There is
// no mid-sweep cancellation: shutdown waits for the current sweep.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("scheduler: running, tiers %v, sweeping every %v", s.cfg.Tiers, s.cfg.Interval)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: shutting down")
			return
		case <-ticker.C:
			s.Sweep(ctx, time.Now())
		}
	}
}

// Sweep runs one evaluation over all in-progress tasks and returns the
// number of reminders emitted. A failing task is logged and skipped; it
// never aborts the sweep.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) int {
	tasks, err := s.store.ListByStatus(ctx, task.StatusInProgress, sweepBatch)
	if err != nil {
		log.Printf("scheduler: list in-progress tasks: %v", err)
		return 0
	}

	fired := 0
	for i := range tasks {
		ok, err := s.remind(ctx, &tasks[i], now)
		if err != nil {
			log.Printf("scheduler: task %s: %v", tasks[i].ID, err)
			continue
		}
		if ok {
			fired++
		}
	}
	return fired
}

// remind fires at most one reminder for the task: the lowest tier not
// yet fired in the current assignment period, if its threshold has been
// crossed. Reports whether a reminder was emitted.
func (s *Scheduler) remind(ctx context.Context, t *task.Task, now time.Time) (bool, error) {
	if t.AssignedAt == nil {
		return false, fmt.Errorf("in progress without assigned_at")
	}

	// Elapsed counts from the assignment or the latest fired tier,
	// whichever is later.
	base := *t.AssignedAt
	for _, firedAt := range t.RemindedAt {
		if firedAt.After(base) {
			base = firedAt
		}
	}
	elapsed := now.Sub(base)

	for _, tier := range s.cfg.Tiers {
		key := tier.String()
		if _, done := t.RemindedAt[key]; done {
			continue
		}
		if elapsed < tier {
			// Tiers are ascending; nothing larger is due either.
			return false, nil
		}

		_, err := s.bus.Publish(ctx, eventbus.ChannelReminders, task.EventReminder, s.source, map[string]any{
			"task_id":         t.ID,
			"task_number":     t.Number,
			"assignee":        t.Assignee,
			"tier":            key,
			"elapsed_seconds": int64(elapsed.Seconds()),
		})
		if err != nil {
			return false, fmt.Errorf("publish reminder: %w", err)
		}

		next := t.Clone()
		next.RemindedAt[key] = now
		if _, err := s.store.Update(ctx, next); err != nil {
			// Lost a race with a transition; the tier may re-fire next
			// sweep, which at-least-once delivery tolerates.
			return true, fmt.Errorf("record tier %s: %w", key, err)
		}
		return true, nil
	}
	return false, nil
}
