package reminder

import (
	"context"
	"sort"
	"time"
)

// Task is a reminder awaiting delivery.
//
// The JSON shape is the persisted pool format and the API's list format.
type Task struct {
	TaskID     string `json:"taskId"`
	ReminderAt int64  `json:"reminderAt"` // epoch milliseconds
	Content    string `json:"content"`
	UserID     string `json:"userId"`

	// Attempts counts failed deliveries; only the retry failure policy sets it.
	Attempts int `json:"attempts,omitempty"`
	// NextAttemptAt is the retry instant of a failed task (epoch ms).
	// ReminderAt keeps the time the user asked for.
	NextAttemptAt int64 `json:"nextAttemptAt,omitempty"`
}

// WakeAt is the instant the task is next due for delivery.
func (t Task) WakeAt() int64 {
	if t.NextAttemptAt > 0 {
		return t.NextAttemptAt
	}
	return t.ReminderAt
}

func (t Task) Due(now time.Time) bool { return t.WakeAt() <= Millis(now) }

// Pool is the full taskID -> Task mapping of one scheduler instance.
// It is read and written as a whole.
type Pool map[string]Task

// Earliest returns the minimum WakeAt over the pool.
// ok is false when the pool is empty.
func (p Pool) Earliest() (at int64, ok bool) {
	for _, t := range p {
		if w := t.WakeAt(); !ok || w < at {
			at = w
			ok = true
		}
	}
	return at, ok
}

// Sorted returns the tasks ordered by ReminderAt, then TaskID.
func (p Pool) Sorted() []Task {
	out := make([]Task, 0, len(p))
	for _, t := range p {
		out = append(out, t)
	}
	sortTasks(out)
	return out
}

// Partition splits the pool into tasks due at now and the remainder.
func (p Pool) Partition(now time.Time) (due []Task, remaining Pool) {
	remaining = make(Pool, len(p))
	for id, t := range p {
		if t.Due(now) {
			due = append(due, t)
			continue
		}
		remaining[id] = t
	}
	sortTasks(due)
	return due, remaining
}

func (p Pool) has(id string) bool {
	_, ok := p[id]
	return ok
}

func (p Pool) clone() Pool {
	out := make(Pool, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	return out
}

func sortTasks(ts []Task) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].ReminderAt != ts[j].ReminderAt {
			return ts[i].ReminderAt < ts[j].ReminderAt
		}
		return ts[i].TaskID < ts[j].TaskID
	})
}

// Alarm is the single wake-up primitive of one scheduler instance.
// Setting replaces any previously armed instant.
type Alarm interface {
	Set(ctx context.Context, at time.Time) error
	Clear(ctx context.Context) error
	Get(ctx context.Context) (at time.Time, ok bool, err error)
}

// Delivery is what the notify collaborator receives for a due task.
type Delivery struct {
	Key        string
	TaskID     string
	Content    string
	UserID     string
	ReminderAt time.Time
	Attempt    int
}

// Notifier hands a due reminder to the outside world.
// A non-nil error marks the delivery as failed.
type Notifier interface {
	Notify(ctx context.Context, d Delivery) error
}

// NotifyFunc adapts a plain function to Notifier.
type NotifyFunc func(ctx context.Context, d Delivery) error

func (f NotifyFunc) Notify(ctx context.Context, d Delivery) error { return f(ctx, d) }

// FailureMode selects what happens to a task whose delivery failed.
type FailureMode string

const (
	// FailureDrop treats a failed delivery as done so one poison task can't
	// block the rest of the pool.
	FailureDrop FailureMode = "drop"
	// FailureRetry keeps the task and re-arms it after RetryDelay, up to RetryMax attempts.
	FailureRetry FailureMode = "retry"
)

// FailurePolicy configures delivery failure handling.
type FailurePolicy struct {
	Mode       FailureMode
	RetryMax   int
	RetryDelay time.Duration
}

func (p FailurePolicy) normalized() FailurePolicy {
	if p.Mode != FailureRetry {
		return FailurePolicy{Mode: FailureDrop}
	}
	if p.RetryMax <= 0 {
		p.RetryMax = 3
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = 30 * time.Second
	}
	return p
}
