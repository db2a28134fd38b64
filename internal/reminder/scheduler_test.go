package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"reminderd/internal/eventbus"
	"reminderd/internal/storage"
)

type fakeAlarm struct {
	mu     sync.Mutex
	at     time.Time
	armed  bool
	sets   int
	clears int
	err    error
}

func (a *fakeAlarm) Set(_ context.Context, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.at, a.armed = at, true
	a.sets++
	return nil
}

func (a *fakeAlarm) Clear(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.at, a.armed = time.Time{}, false
	a.clears++
	return nil
}

func (a *fakeAlarm) Get(context.Context) (time.Time, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.at, a.armed, nil
}

func (a *fakeAlarm) state() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.at, a.armed
}

type recordingNotifier struct {
	mu   sync.Mutex
	got  []Delivery
	fail map[string]bool
}

func (n *recordingNotifier) Notify(_ context.Context, d Delivery) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, d)
	if n.fail[d.Content] {
		return errors.New("sink down")
	}
	return nil
}

func (n *recordingNotifier) contents() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.got))
	for _, d := range n.got {
		out = append(out, d.Content)
	}
	return out
}

type harness struct {
	s     *Scheduler
	alarm *fakeAlarm
	sink  *recordingNotifier
	store storage.Store
	now   time.Time
}

func newHarness(t *testing.T, policy FailurePolicy) *harness {
	t.Helper()
	h := &harness{
		alarm: &fakeAlarm{},
		sink:  &recordingNotifier{fail: map[string]bool{}},
		store: storage.NewMemory(),
		now:   time.UnixMilli(1_700_000_000_000).UTC(),
	}
	h.s = NewScheduler(Config{
		Key:      "user-1",
		Region:   storage.NewRegion(h.store, "user-1"),
		Alarm:    h.alarm,
		Notifier: h.sink,
		Policy:   policy,
		Now:      func() time.Time { return h.now },
	})
	return h
}

func (h *harness) create(t *testing.T, offset time.Duration, content string) Task {
	t.Helper()
	task, err := h.s.Create(context.Background(), h.now.Add(offset), content, "u1")
	if err != nil {
		t.Fatalf("create %q: %v", content, err)
	}
	return task
}

func (h *harness) wantArmed(t *testing.T, at time.Time) {
	t.Helper()
	got, ok := h.alarm.state()
	if !ok {
		t.Fatalf("alarm not armed, want %s", at)
	}
	if !got.Equal(at) {
		t.Fatalf("alarm armed at %s, want %s", got, at)
	}
}

func (h *harness) wantCleared(t *testing.T) {
	t.Helper()
	if at, ok := h.alarm.state(); ok {
		t.Fatalf("alarm still armed at %s", at)
	}
}

func TestSchedulerArmsEarliestAcrossLifecycle(t *testing.T) {
	h := newHarness(t, FailurePolicy{})
	ctx := context.Background()

	a := h.create(t, time.Second, "A")
	h.create(t, 5*time.Second, "B")
	h.wantArmed(t, h.now.Add(time.Second))

	removed, err := h.s.Delete(ctx, a.TaskID)
	if err != nil || !removed {
		t.Fatalf("delete A: removed=%v err=%v", removed, err)
	}
	h.wantArmed(t, h.now.Add(5*time.Second))

	res, err := h.s.Fire(ctx, h.now.Add(6*time.Second))
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if res.Delivered != 1 || res.Remaining != 0 || !res.NextAt.IsZero() {
		t.Fatalf("unexpected fire result: %+v", res)
	}
	if got := h.sink.contents(); len(got) != 1 || got[0] != "B" {
		t.Fatalf("delivered %v, want [B]", got)
	}
	h.wantCleared(t)

	list, err := h.s.List(ctx)
	if err != nil || len(list) != 0 {
		t.Fatalf("list after fire: %v %v", list, err)
	}
}

func TestSchedulerEarlierCreateRearms(t *testing.T) {
	h := newHarness(t, FailurePolicy{})
	h.create(t, time.Minute, "late")
	h.wantArmed(t, h.now.Add(time.Minute))
	h.create(t, time.Second, "early")
	h.wantArmed(t, h.now.Add(time.Second))
	h.create(t, time.Hour, "later")
	h.wantArmed(t, h.now.Add(time.Second))
}

func TestFireDeliversOnlyDueTasks(t *testing.T) {
	h := newHarness(t, FailurePolicy{})
	ctx := context.Background()
	h.create(t, time.Second, "one")
	h.create(t, 2*time.Second, "two")
	h.create(t, 10*time.Second, "ten")

	res, err := h.s.Fire(ctx, h.now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if res.Due != 2 || res.Delivered != 2 || res.Remaining != 1 {
		t.Fatalf("unexpected fire result: %+v", res)
	}
	got := h.sink.contents()
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("delivered %v, want [one two]", got)
	}
	h.wantArmed(t, h.now.Add(10*time.Second))

	list, _ := h.s.List(ctx)
	if len(list) != 1 || list[0].Content != "ten" {
		t.Fatalf("remaining %+v", list)
	}
}

func TestFireOnEmptyPoolClearsAlarm(t *testing.T) {
	h := newHarness(t, FailurePolicy{})
	h.alarm.armed, h.alarm.at = true, h.now

	res, err := h.s.Fire(context.Background(), h.now)
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if res.Due != 0 || len(h.sink.contents()) != 0 {
		t.Fatalf("nothing should be delivered: %+v", res)
	}
	h.wantCleared(t)
}

func TestFireEarlyDeliversNothing(t *testing.T) {
	h := newHarness(t, FailurePolicy{})
	h.create(t, time.Minute, "x")
	res, err := h.s.Fire(context.Background(), h.now)
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if res.Due != 0 || res.Remaining != 1 {
		t.Fatalf("unexpected fire result: %+v", res)
	}
	h.wantArmed(t, h.now.Add(time.Minute))
}

func TestDeleteUnknownIsNoop(t *testing.T) {
	h := newHarness(t, FailurePolicy{})
	ctx := context.Background()
	h.create(t, time.Second, "keep")

	removed, err := h.s.Delete(ctx, "does-not-exist")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed {
		t.Fatal("unknown id reported as removed")
	}
	list, _ := h.s.List(ctx)
	if len(list) != 1 {
		t.Fatalf("pool changed: %+v", list)
	}
	h.wantArmed(t, h.now.Add(time.Second))
}

func TestDeleteTwiceIsIdempotent(t *testing.T) {
	h := newHarness(t, FailurePolicy{})
	ctx := context.Background()
	task := h.create(t, time.Second, "x")
	if removed, err := h.s.Delete(ctx, task.TaskID); err != nil || !removed {
		t.Fatalf("first delete: %v %v", removed, err)
	}
	if removed, err := h.s.Delete(ctx, task.TaskID); err != nil || removed {
		t.Fatalf("second delete: %v %v", removed, err)
	}
	h.wantCleared(t)
}

func TestDeliveryFailureDropsTask(t *testing.T) {
	h := newHarness(t, FailurePolicy{})
	h.sink.fail["bad"] = true
	h.create(t, time.Second, "bad")
	h.create(t, time.Second, "good")

	res, err := h.s.Fire(context.Background(), h.now.Add(time.Second))
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if res.Delivered != 1 || res.Failed != 1 || res.Retained != 0 || res.Remaining != 0 {
		t.Fatalf("unexpected fire result: %+v", res)
	}
	h.wantCleared(t)
}

func TestDeliveryFailureRetryPolicy(t *testing.T) {
	h := newHarness(t, FailurePolicy{Mode: FailureRetry, RetryMax: 2, RetryDelay: 10 * time.Second})
	ctx := context.Background()
	h.sink.fail["flaky"] = true
	h.create(t, time.Second, "flaky")

	first := h.now.Add(time.Second)
	res, err := h.s.Fire(ctx, first)
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if res.Retained != 1 || res.Remaining != 1 {
		t.Fatalf("unexpected first fire: %+v", res)
	}
	h.wantArmed(t, first.Add(10*time.Second))

	list, _ := h.s.List(ctx)
	if len(list) != 1 || list[0].Attempts != 1 {
		t.Fatalf("retained task: %+v", list)
	}
	original := Millis(h.now.Add(time.Second))
	if list[0].ReminderAt != original || list[0].NextAttemptAt != Millis(first.Add(10*time.Second)) {
		t.Fatalf("retry must keep reminderAt and set nextAttemptAt: %+v", list[0])
	}
	if res, _ := h.s.Fire(ctx, first.Add(5*time.Second)); res.Due != 0 {
		t.Fatalf("retained task fired before its retry instant: %+v", res)
	}

	second := first.Add(10 * time.Second)
	res, err = h.s.Fire(ctx, second)
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if res.Retained != 0 || res.Remaining != 0 {
		t.Fatalf("task should be dropped after RetryMax: %+v", res)
	}
	h.wantCleared(t)

	h.sink.mu.Lock()
	attempts := []int{h.sink.got[0].Attempt, h.sink.got[1].Attempt}
	h.sink.mu.Unlock()
	if attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("attempts %v, want [1 2]", attempts)
	}
	h.sink.mu.Lock()
	retried := h.sink.got[1].ReminderAt
	h.sink.mu.Unlock()
	if Millis(retried) != original {
		t.Fatalf("retry delivered reminderAt %v, want the original %v", retried, FromMillis(original))
	}
}

func TestFireKeepsUndeliveredTasksWhenCanceled(t *testing.T) {
	h := newHarness(t, FailurePolicy{})
	first := h.create(t, time.Second, "first")
	h.create(t, 2*time.Second, "second")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls int
	h.s.notifier = NotifyFunc(func(ctx context.Context, _ Delivery) error {
		calls++
		cancel()
		return ctx.Err()
	})

	res, err := h.s.Fire(ctx, h.now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if calls != 1 {
		t.Fatalf("notify called %d times after cancel, want 1", calls)
	}
	if res.Delivered != 0 || res.Failed != 0 || res.Interrupted != 2 || res.Remaining != 2 {
		t.Fatalf("unexpected fire result: %+v", res)
	}
	list, err := h.s.List(context.Background())
	if err != nil || len(list) != 2 {
		t.Fatalf("pool after canceled fire: %+v err=%v", list, err)
	}
	h.wantArmed(t, FromMillis(first.ReminderAt))
}

func TestFireOnCanceledContextDeliversNothing(t *testing.T) {
	h := newHarness(t, FailurePolicy{})
	h.create(t, time.Second, "x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.s.Fire(ctx, h.now.Add(time.Second))
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if res.Interrupted != 1 || res.Remaining != 1 || len(h.sink.contents()) != 0 {
		t.Fatalf("unexpected fire result: %+v delivered=%v", res, h.sink.contents())
	}
}

func TestDeliveryIsBoundedByDefault(t *testing.T) {
	h := newHarness(t, FailurePolicy{})
	var deadline time.Time
	h.s.notifier = NotifyFunc(func(ctx context.Context, _ Delivery) error {
		deadline, _ = ctx.Deadline()
		return nil
	})
	h.create(t, time.Second, "x")

	before := time.Now()
	if _, err := h.s.Fire(context.Background(), h.now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if deadline.IsZero() || deadline.After(before.Add(defaultDeliveryTimeout+time.Second)) {
		t.Fatalf("delivery deadline %v, want within %s", deadline, defaultDeliveryTimeout)
	}
}

func TestNotifierPanicCountsAsFailure(t *testing.T) {
	h := newHarness(t, FailurePolicy{})
	h.s.notifier = NotifyFunc(func(context.Context, Delivery) error { panic("boom") })
	h.create(t, time.Second, "x")

	res, err := h.s.Fire(context.Background(), h.now.Add(time.Second))
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if res.Failed != 1 || res.Remaining != 0 {
		t.Fatalf("unexpected fire result: %+v", res)
	}
}

func TestArmFailureIsSurfacedAfterPersist(t *testing.T) {
	h := newHarness(t, FailurePolicy{})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	h.s.bus = bus
	h.alarm.err = errors.New("alarm unavailable")

	task, err := h.s.Create(context.Background(), h.now.Add(time.Second), "x", "u1")
	var armErr *ArmError
	if !errors.As(err, &armErr) {
		t.Fatalf("want *ArmError, got %v", err)
	}
	if task.TaskID == "" {
		t.Fatal("task should be returned even when arming fails")
	}
	list, _ := h.s.List(context.Background())
	if len(list) != 1 {
		t.Fatalf("task should be persisted: %+v", list)
	}

	var sawArmFailed bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeArmFailed {
				sawArmFailed = true
			}
		case <-time.After(time.Second):
		}
	}
	if !sawArmFailed {
		t.Fatal("expected an arm failure event")
	}
}

func TestReconcileRepairsDrift(t *testing.T) {
	h := newHarness(t, FailurePolicy{})
	ctx := context.Background()
	h.create(t, time.Second, "x")

	repaired, err := h.s.Reconcile(ctx)
	if err != nil || repaired {
		t.Fatalf("in-sync reconcile: repaired=%v err=%v", repaired, err)
	}

	h.alarm.mu.Lock()
	h.alarm.armed = false
	h.alarm.mu.Unlock()

	repaired, err = h.s.Reconcile(ctx)
	if err != nil || !repaired {
		t.Fatalf("drifted reconcile: repaired=%v err=%v", repaired, err)
	}
	h.wantArmed(t, h.now.Add(time.Second))
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, FailurePolicy{})
	ctx := context.Background()
	cases := []struct {
		name   string
		at     time.Time
		userID string
	}{
		{"zero time", time.UnixMilli(0), "u1"},
		{"blank user", h.now.Add(time.Second), "  "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.s.Create(ctx, tc.at, "x", tc.userID)
			if !errors.Is(err, ErrInvalidTask) {
				t.Fatalf("want ErrInvalidTask, got %v", err)
			}
		})
	}
	if h.alarm.sets != 0 {
		t.Fatalf("alarm touched by rejected create: %d sets", h.alarm.sets)
	}
}

func TestConcurrentCreatesAreSerialized(t *testing.T) {
	h := newHarness(t, FailurePolicy{})
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := h.s.Create(ctx, h.now.Add(time.Duration(i+1)*time.Second), fmt.Sprint(i), "u1"); err != nil {
				t.Errorf("create %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	list, err := h.s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 20 {
		t.Fatalf("want 20 tasks, got %d", len(list))
	}
	h.wantArmed(t, h.now.Add(time.Second))
}
