package task

import (
	"errors"
	"testing"
	"time"
)

func sampleTask(status Status) *Task {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	t := &Task{
		ID:         OriginID(-100123, 42),
		Number:     7,
		ChatID:     -100123,
		MessageID:  42,
		Username:   "reporter",
		Text:       "printer on fire",
		Status:     status,
		RemindedAt: map[string]time.Time{},
		CreatedAt:  created,
		UpdatedAt:  created,
		Version:    3,
	}
	if status == StatusInProgress || status == StatusCompleted {
		t.Assignee = "alice"
		assigned := created.Add(10 * time.Minute)
		t.AssignedAt = &assigned
	}
	if status == StatusCompleted {
		completed := created.Add(time.Hour)
		t.CompletedAt = &completed
	}
	return t
}

// TestTransitionTable walks every (status, trigger) pair and checks that
// exactly the allowed pairs succeed, with the expected next state, and
// that everything else fails with InvalidTransitionError.
func TestTransitionTable(t *testing.T) {
	type want struct {
		next    Status
		removed bool
		event   string
	}
	table := map[Trigger]map[Status]want{
		TriggerPromote: {
			StatusUnreacted: {next: StatusWaiting, event: EventStatusChange},
		},
		TriggerTake: {
			StatusWaiting: {next: StatusInProgress, event: EventStatusChange},
		},
		TriggerComplete: {
			StatusInProgress: {next: StatusCompleted, event: EventStatusChange},
		},
		TriggerReopen: {
			StatusCompleted: {next: StatusWaiting, event: EventStatusChange},
		},
		TriggerReply: {
			StatusWaiting:    {next: StatusWaiting, event: EventReplyDelivered},
			StatusInProgress: {next: StatusInProgress, event: EventReplyDelivered},
		},
		TriggerRemind: {
			StatusInProgress: {next: StatusInProgress, event: EventReminder},
		},
		TriggerDelete: {
			StatusUnreacted: {removed: true, event: EventTaskDeleted},
			StatusWaiting:   {removed: true, event: EventTaskDeleted},
		},
	}

	statuses := []Status{StatusUnreacted, StatusWaiting, StatusInProgress, StatusCompleted}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for trigger, allowed := range table {
		for _, status := range statuses {
			snap := sampleTask(status)
			out, err := Apply(snap, Change{Trigger: trigger, Actor: "bob", Reply: "on it", Now: now})

			expect, ok := allowed[status]
			if !ok {
				var invalid *InvalidTransitionError
				if !errors.As(err, &invalid) {
					t.Errorf("%s from %s: want InvalidTransitionError, got %v", trigger, status, err)
					continue
				}
				if invalid.Status != status || invalid.Trigger != trigger || invalid.Actor != "bob" {
					t.Errorf("%s from %s: error fields = %+v", trigger, status, invalid)
				}
				// the snapshot must be untouched
				if snap.Status != status {
					t.Errorf("%s from %s: snapshot mutated to %s", trigger, status, snap.Status)
				}
				continue
			}

			if err != nil {
				t.Errorf("%s from %s: unexpected error %v", trigger, status, err)
				continue
			}
			if out.Removed != expect.removed {
				t.Errorf("%s from %s: removed = %v, want %v", trigger, status, out.Removed, expect.removed)
			}
			if !expect.removed && out.Task.Status != expect.next {
				t.Errorf("%s from %s: next status = %s, want %s", trigger, status, out.Task.Status, expect.next)
			}
			if len(out.Events) != 1 || out.Events[0] != expect.event {
				t.Errorf("%s from %s: events = %v, want [%s]", trigger, status, out.Events, expect.event)
			}
			if !expect.removed && !out.Task.UpdatedAt.Equal(now) {
				t.Errorf("%s from %s: updated_at not set to change time", trigger, status)
			}
		}
	}
}

// TestTakeSetsAssignmentPeriod verifies that take records the assignee
// and assignment time and resets all reminder tiers.
func TestTakeSetsAssignmentPeriod(t *testing.T) {
	snap := sampleTask(StatusWaiting)
	snap.RemindedAt["1h0m0s"] = snap.CreatedAt
	now := snap.CreatedAt.Add(time.Hour)

	out, err := Apply(snap, Change{Trigger: TriggerTake, Actor: "carol", Now: now})
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if out.Task.Assignee != "carol" {
		t.Errorf("assignee = %q, want carol", out.Task.Assignee)
	}
	if out.Task.AssignedAt == nil || !out.Task.AssignedAt.Equal(now) {
		t.Errorf("assigned_at = %v, want %v", out.Task.AssignedAt, now)
	}
	if len(out.Task.RemindedAt) != 0 {
		t.Errorf("reminded tiers not reset: %v", out.Task.RemindedAt)
	}
	// the snapshot keeps its fired tier
	if len(snap.RemindedAt) != 1 {
		t.Errorf("snapshot reminded tiers mutated: %v", snap.RemindedAt)
	}
}

// TestReopenKeepsAssigneeClearsTiers verifies that reopen retains the
// prior assignee as history but clears the assignment period, so a full
// sweep can fire tier 1 again after the next take.
func TestReopenKeepsAssigneeClearsTiers(t *testing.T) {
	snap := sampleTask(StatusCompleted)
	snap.RemindedAt["1h0m0s"] = snap.CreatedAt.Add(30 * time.Minute)
	now := snap.CreatedAt.Add(2 * time.Hour)

	out, err := Apply(snap, Change{Trigger: TriggerReopen, Actor: "carol", Now: now})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if out.Task.Status != StatusWaiting {
		t.Errorf("status = %s, want waiting", out.Task.Status)
	}
	if out.Task.Assignee != "alice" {
		t.Errorf("assignee = %q, want alice (historical)", out.Task.Assignee)
	}
	if out.Task.AssignedAt != nil {
		t.Errorf("assigned_at = %v, want nil", out.Task.AssignedAt)
	}
	if len(out.Task.RemindedAt) != 0 {
		t.Errorf("reminded tiers not cleared: %v", out.Task.RemindedAt)
	}
	if out.Task.CompletedAt != nil {
		t.Errorf("completed_at = %v, want nil", out.Task.CompletedAt)
	}
}

// TestRecordReplyKeepsStatus verifies that record-reply updates the
// reply fields without changing status, and that it fails on a
// completed task.
func TestRecordReplyKeepsStatus(t *testing.T) {
	snap := sampleTask(StatusWaiting)
	now := snap.CreatedAt.Add(5 * time.Minute)

	out, err := Apply(snap, Change{Trigger: TriggerReply, Actor: "dave", Reply: "restarting it now", Now: now})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if out.Task.Status != StatusWaiting {
		t.Errorf("status changed to %s", out.Task.Status)
	}
	if out.Task.Reply != "restarting it now" || out.Task.ReplyAuthor != "dave" {
		t.Errorf("reply fields = %q by %q", out.Task.Reply, out.Task.ReplyAuthor)
	}
	if out.Task.ReplyAt == nil || !out.Task.ReplyAt.Equal(now) {
		t.Errorf("reply_at = %v, want %v", out.Task.ReplyAt, now)
	}

	done := sampleTask(StatusCompleted)
	var invalid *InvalidTransitionError
	if _, err := Apply(done, Change{Trigger: TriggerReply, Actor: "dave", Reply: "too late", Now: now}); !errors.As(err, &invalid) {
		t.Errorf("reply on completed: want InvalidTransitionError, got %v", err)
	}
}

// TestCompleteSetsCompletedAt verifies the completion timestamp.
func TestCompleteSetsCompletedAt(t *testing.T) {
	snap := sampleTask(StatusInProgress)
	now := snap.CreatedAt.Add(3 * time.Hour)

	out, err := Apply(snap, Change{Trigger: TriggerComplete, Actor: "alice", Now: now})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Task.CompletedAt == nil || !out.Task.CompletedAt.Equal(now) {
		t.Errorf("completed_at = %v, want %v", out.Task.CompletedAt, now)
	}
	if out.Task.Assignee != "alice" {
		t.Errorf("assignee = %q, want alice", out.Task.Assignee)
	}
}
