// Package task defines the task record, the lifecycle state machine that
// governs its status transitions, and the persistence contract behind it.
//
// The state machine is pure: Apply maps (snapshot, change) to a new
// snapshot plus the set of outbound event kinds to publish, without
// touching storage. The caller commits the result with the store's
// compare-and-update and retries the whole decide step on conflict.
package task

import "time"

// Trigger is an action applied to a task.
type Trigger string

const (
	TriggerPromote  Trigger = "promote"  // unreacted -> waiting
	TriggerTake     Trigger = "take"     // waiting -> in_progress
	TriggerComplete Trigger = "complete" // in_progress -> completed
	TriggerReopen   Trigger = "reopen"   // completed -> waiting
	TriggerReply    Trigger = "reply"    // waiting|in_progress, status unchanged
	TriggerRemind   Trigger = "remind"   // in_progress, status unchanged
	TriggerDelete   Trigger = "delete"   // unreacted|waiting -> record removed
)

// Outbound event kinds produced by transitions.
const (
	EventStatusChange   = "status_change"
	EventReplyDelivered = "new_reply"
	EventTaskDeleted    = "task_deleted"
	EventReminder       = "reminder"
)

// Change is one requested transition.
type Change struct {
	Trigger Trigger
	Actor   string
	Reply   string // reply text, TriggerReply only
	Now     time.Time
}

// Outcome is the result of a successful transition: the updated snapshot
// (nil when the record is to be removed) and the event kinds to publish
// after the store commit.
type Outcome struct {
	Task    *Task
	Removed bool
	Events  []string
}

// allowedFrom lists the states each trigger may be applied from.
var allowedFrom = map[Trigger][]Status{
	TriggerPromote:  {StatusUnreacted},
	TriggerTake:     {StatusWaiting},
	TriggerComplete: {StatusInProgress},
	TriggerReopen:   {StatusCompleted},
	TriggerReply:    {StatusWaiting, StatusInProgress},
	TriggerRemind:   {StatusInProgress},
	TriggerDelete:   {StatusUnreacted, StatusWaiting},
}

// Apply computes the effect of a change on a task snapshot. The snapshot
// itself is never mutated. A trigger applied from a state not listed for
// it fails with *InvalidTransitionError.
func Apply(t *Task, c Change) (*Outcome, error) {
	if !triggerAllowed(c.Trigger, t.Status) {
		return nil, &InvalidTransitionError{Status: t.Status, Trigger: c.Trigger, Actor: c.Actor}
	}

	next := t.Clone()
	next.UpdatedAt = c.Now

	switch c.Trigger {
	case TriggerPromote:
		next.Status = StatusWaiting
		return &Outcome{Task: next, Events: []string{EventStatusChange}}, nil

	case TriggerTake:
		next.Status = StatusInProgress
		next.Assignee = c.Actor
		now := c.Now
		next.AssignedAt = &now
		next.RemindedAt = map[string]time.Time{} // new assignment period
		return &Outcome{Task: next, Events: []string{EventStatusChange}}, nil

	case TriggerComplete:
		next.Status = StatusCompleted
		now := c.Now
		next.CompletedAt = &now
		return &Outcome{Task: next, Events: []string{EventStatusChange}}, nil

	case TriggerReopen:
		// Assignee is kept as a historical reference; the reminder
		// state resets so tiers can fire again after the next take.
		next.Status = StatusWaiting
		next.AssignedAt = nil
		next.RemindedAt = map[string]time.Time{}
		next.CompletedAt = nil
		return &Outcome{Task: next, Events: []string{EventStatusChange}}, nil

	case TriggerReply:
		next.Reply = c.Reply
		next.ReplyAuthor = c.Actor
		now := c.Now
		next.ReplyAt = &now
		return &Outcome{Task: next, Events: []string{EventReplyDelivered}}, nil

	case TriggerRemind:
		// Manual remind-now: one forced reminder event, no record change
		// beyond updated_at.
		return &Outcome{Task: next, Events: []string{EventReminder}}, nil

	case TriggerDelete:
		return &Outcome{Removed: true, Events: []string{EventTaskDeleted}}, nil
	}

	return nil, &InvalidTransitionError{Status: t.Status, Trigger: c.Trigger, Actor: c.Actor}
}

func triggerAllowed(tr Trigger, from Status) bool {
	for _, s := range allowedFrom[tr] {
		if s == from {
			return true
		}
	}
	return false
}
