package reminder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"reminderd/internal/eventbus"
	logx "reminderd/pkg/logx"
)

// Config wires one scheduler instance.
type Config struct {
	Key      string
	Region   Region
	Alarm    Alarm
	Notifier Notifier
	Policy   FailurePolicy

	// DeliveryTimeout bounds a single Notify call, sink retries included.
	// The instance stays locked for that long, so it defaults to
	// defaultDeliveryTimeout.
	DeliveryTimeout time.Duration

	Log logx.Logger
	Bus eventbus.Bus
	// Now and NewID are injectable for tests.
	Now   func() time.Time
	NewID func() string
}

const (
	defaultDeliveryTimeout = 30 * time.Second
	// drainTimeout bounds the pool write of a cycle whose ctx was canceled.
	drainTimeout = 5 * time.Second
)

// Scheduler is one logical reminder scheduler: a task pool plus the single
// wake-up that must always sit at the pool's earliest deadline.
//
// Create, Delete, List, Fire and Reconcile are serialized per instance, so a
// fire never interleaves its pool read and write with a concurrent mutation.
type Scheduler struct {
	mu sync.Mutex

	key      string
	store    *TaskStore
	alarm    Alarm
	notifier Notifier
	policy   FailurePolicy
	timeout  time.Duration

	log logx.Logger
	bus eventbus.Bus
	now func() time.Time
}

func NewScheduler(cfg Config) *Scheduler {
	if cfg.Log.IsZero() {
		cfg.Log = logx.Nop()
	}
	if cfg.Bus == nil {
		cfg.Bus = eventbus.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDeliveryTimeout
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NotifyFunc(func(context.Context, Delivery) error { return nil })
	}
	return &Scheduler{
		key:      cfg.Key,
		store:    NewTaskStore(cfg.Region, cfg.NewID),
		alarm:    cfg.Alarm,
		notifier: cfg.Notifier,
		policy:   cfg.Policy.normalized(),
		timeout:  cfg.DeliveryTimeout,
		log:      cfg.Log.With(logx.String("key", cfg.Key)),
		bus:      cfg.Bus,
		now:      cfg.Now,
	}
}

func (s *Scheduler) Key() string { return s.key }

// Create registers a reminder and re-arms the wake-up.
//
// If the returned error is an *ArmError the task WAS persisted and the
// returned Task is valid.
func (s *Scheduler) Create(ctx context.Context, reminderAt time.Time, content, userID string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, pool, err := s.store.Create(ctx, Millis(reminderAt), content, userID)
	if err != nil {
		return Task{}, err
	}
	s.log.Debug("task created",
		logx.String("task_id", t.TaskID),
		logx.Time("reminder_at", FromMillis(t.ReminderAt)),
		logx.Int("pool", len(pool)),
	)
	s.publish(eventbus.TypeTaskCreated, eventbus.TaskEvent{Key: s.key, TaskID: t.TaskID, ReminderAt: t.ReminderAt, PoolSize: len(pool)})

	return t, s.recomputeAndArm(ctx, pool)
}

// Delete removes a task. Deleting an unknown id succeeds and changes nothing.
// The wake-up is recomputed either way so it never outlives the earliest task.
func (s *Scheduler) Delete(ctx context.Context, taskID string) (removed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, pool, err := s.store.Delete(ctx, taskID)
	if err != nil {
		return false, err
	}
	if removed {
		s.log.Debug("task deleted", logx.String("task_id", taskID), logx.Int("pool", len(pool)))
		s.publish(eventbus.TypeTaskDeleted, eventbus.TaskEvent{Key: s.key, TaskID: taskID, PoolSize: len(pool)})
	}
	return removed, s.recomputeAndArm(ctx, pool)
}

// List returns a fresh snapshot of the pending tasks.
func (s *Scheduler) List(ctx context.Context) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.List(ctx)
}

// FireResult summarizes one firing cycle.
type FireResult struct {
	Due         int
	Delivered   int
	Failed      int
	Retained    int // failed tasks kept by the retry policy
	// Interrupted counts due tasks left in the pool because ctx was
	// canceled before they were delivered.
	Interrupted int
	Remaining   int
	NextAt      time.Time // zero when nothing is pending
}

// Fire runs one firing cycle at now: deliver every task whose WakeAt is at
// or before now, persist the rest and arm for the earliest remaining one.
//
// Delivery failures never fail the cycle. When ctx is canceled mid-cycle the
// undelivered due tasks stay in the pool and the wake-up is still persisted.
// A *StoreError means the pool was not rewritten (tasks already delivered in
// this cycle may be delivered again later). An *ArmError means the pool was
// written but no wake-up is armed.
func (s *Scheduler) Fire(ctx context.Context, now time.Time) (FireResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	pool, err := s.store.Load(ctx)
	if err != nil {
		s.log.Error("fire: load pool failed", logx.Err(err))
		return FireResult{}, err
	}

	due, remaining := pool.Partition(now)
	res := FireResult{Due: len(due)}

	for i, t := range due {
		if ctx.Err() != nil {
			res.Interrupted = s.putBack(remaining, due[i:])
			break
		}
		derr := s.deliver(ctx, t)
		if derr == nil {
			res.Delivered++
			s.publish(eventbus.TypeDeliverySucceeded, eventbus.TaskEvent{Key: s.key, TaskID: t.TaskID, ReminderAt: t.ReminderAt})
			continue
		}
		if ctx.Err() != nil {
			res.Interrupted = s.putBack(remaining, due[i:])
			break
		}
		res.Failed++
		s.publish(eventbus.TypeDeliveryFailed, eventbus.TaskEvent{Key: s.key, TaskID: t.TaskID, ReminderAt: t.ReminderAt, Error: derr.Error()})

		if kept, ok := s.retain(t, now); ok {
			remaining[kept.TaskID] = kept
			res.Retained++
			s.log.Warn("delivery failed; task retained for retry",
				logx.String("task_id", t.TaskID),
				logx.Int("attempt", kept.Attempts),
				logx.Time("retry_at", FromMillis(kept.NextAttemptAt)),
				logx.Err(derr),
			)
			continue
		}
		s.log.Warn("delivery failed; task dropped",
			logx.String("task_id", t.TaskID),
			logx.String("user_id", t.UserID),
			logx.Int("attempts", t.Attempts+1),
			logx.Err(derr),
		)
	}

	// A canceled cycle still records what was delivered and keeps the
	// wake-up durable, so the next start picks up the rest.
	wctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()
	}
	if err := s.store.ReplaceAll(wctx, remaining); err != nil {
		s.log.Error("fire: write pool failed", logx.Err(err), logx.Int("delivered", res.Delivered))
		return res, err
	}
	res.Remaining = len(remaining)
	if at, ok := remaining.Earliest(); ok {
		res.NextAt = FromMillis(at)
	}

	armErr := s.recomputeAndArm(wctx, remaining)

	took := s.now().Sub(start)
	if res.Due > 0 || res.Failed > 0 {
		s.log.Info("fire completed",
			logx.Int("due", res.Due),
			logx.Int("delivered", res.Delivered),
			logx.Int("failed", res.Failed),
			logx.Int("interrupted", res.Interrupted),
			logx.Int("remaining", res.Remaining),
			logx.Duration("took", took),
		)
	} else {
		s.log.Debug("fire with nothing due", logx.Int("remaining", res.Remaining))
	}
	s.publish(eventbus.TypeFireCompleted, eventbus.FireEvent{
		Key:       s.key,
		Due:       res.Due,
		Delivered: res.Delivered,
		Failed:    res.Failed,
		Remaining: res.Remaining,
		Took:      took,
	})
	return res, armErr
}

// Reconcile re-arms the wake-up when it does not match the pool's earliest
// deadline. It reports whether a repair was needed.
func (s *Scheduler) Reconcile(ctx context.Context) (repaired bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool, err := s.store.Load(ctx)
	if err != nil {
		return false, err
	}
	armed, armedOK, err := s.alarm.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("read alarm: %w", err)
	}
	want, wantOK := pool.Earliest()
	if wantOK == armedOK && (!wantOK || Millis(armed) == want) {
		return false, nil
	}

	s.log.Warn("alarm out of sync with pool; re-arming",
		logx.Bool("armed", armedOK),
		logx.Time("armed_at", armed),
		logx.Int("pool", len(pool)),
	)
	if err := s.recomputeAndArm(ctx, pool); err != nil {
		return false, err
	}
	ev := eventbus.AlarmEvent{Key: s.key, Clear: !wantOK}
	if wantOK {
		ev.At = FromMillis(want)
	}
	s.publish(eventbus.TypeReconcileRepaired, ev)
	return true, nil
}

// recomputeAndArm arms the wake-up for the pool's earliest deadline, or
// clears it when the pool is empty. Re-arming the same instant is allowed.
// Call with s.mu held.
func (s *Scheduler) recomputeAndArm(ctx context.Context, pool Pool) error {
	at, ok := pool.Earliest()
	if !ok {
		if err := s.alarm.Clear(ctx); err != nil {
			return s.armFailed(&ArmError{Key: s.key, Clear: true, Err: err})
		}
		s.log.Trace("alarm cleared")
		return nil
	}
	when := FromMillis(at)
	if err := s.alarm.Set(ctx, when); err != nil {
		return s.armFailed(&ArmError{Key: s.key, At: when, Err: err})
	}
	s.log.Trace("alarm armed", logx.Time("at", when))
	return nil
}

func (s *Scheduler) armFailed(err *ArmError) error {
	s.log.Error("alarm arm failed; pending tasks may miss their deadline", logx.Err(err))
	s.publish(eventbus.TypeArmFailed, eventbus.AlarmEvent{Key: s.key, At: err.At, Clear: err.Clear, Error: err.Err.Error()})
	return err
}

func (s *Scheduler) deliver(ctx context.Context, t Task) (err error) {
	dctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	// A panicking notifier counts as a failed delivery.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
	}()
	err = s.notifier.Notify(dctx, Delivery{
		Key:        s.key,
		TaskID:     t.TaskID,
		Content:    t.Content,
		UserID:     t.UserID,
		ReminderAt: FromMillis(t.ReminderAt),
		Attempt:    t.Attempts + 1,
	})
	return err
}

// putBack returns undelivered due tasks to the pool unchanged.
func (s *Scheduler) putBack(remaining Pool, tasks []Task) int {
	for _, t := range tasks {
		remaining[t.TaskID] = t
	}
	s.log.Warn("fire interrupted; undelivered tasks kept", logx.Int("tasks", len(tasks)))
	return len(tasks)
}

// retain applies the retry policy to a failed task.
func (s *Scheduler) retain(t Task, now time.Time) (Task, bool) {
	if s.policy.Mode != FailureRetry {
		return Task{}, false
	}
	t.Attempts++
	if t.Attempts >= s.policy.RetryMax {
		return Task{}, false
	}
	t.NextAttemptAt = Millis(now.Add(s.policy.RetryDelay))
	return t, true
}

func (s *Scheduler) publish(typ string, data any) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}
