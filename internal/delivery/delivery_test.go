package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"reminderd/internal/reminder"
	logx "reminderd/pkg/logx"
)

func sampleDelivery() reminder.Delivery {
	return reminder.Delivery{
		Key:        "user-1",
		TaskID:     "t-1",
		Content:    "stand up",
		UserID:     "42",
		ReminderAt: time.UnixMilli(1_700_000_000_000),
		Attempt:    1,
	}
}

func TestWebhookPostsJSON(t *testing.T) {
	var got Message
	var idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method %s", r.Method)
		}
		idem = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh, err := NewWebhook(WebhookConfig{URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if err := wh.Notify(context.Background(), sampleDelivery()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.TaskID != "t-1" || got.ReminderAt != 1_700_000_000_000 || got.Content != "stand up" {
		t.Fatalf("payload %+v", got)
	}
	if idem != "t-1/1" {
		t.Fatalf("idempotency key %q", idem)
	}
}

func TestWebhookNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	wh, _ := NewWebhook(WebhookConfig{URL: srv.URL})
	err := wh.Notify(context.Background(), sampleDelivery())
	if !errors.Is(err, ErrUnexpectedAck) {
		t.Fatalf("want ErrUnexpectedAck, got %v", err)
	}
}

type fakeSender struct {
	to   tele.Recipient
	what any
	err  error
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.to, f.what = to, what
	if f.err != nil {
		return nil, f.err
	}
	return &tele.Message{ID: 1}, nil
}

func TestTelegramSendsToUserChat(t *testing.T) {
	fs := &fakeSender{}
	s := &Telegram{bot: fs}
	if err := s.Notify(context.Background(), sampleDelivery()); err != nil {
		t.Fatal(err)
	}
	if fs.to.Recipient() != "42" || fs.what != "stand up" {
		t.Fatalf("sent %v to %s", fs.what, fs.to.Recipient())
	}

	d := sampleDelivery()
	d.UserID = "alice"
	if err := s.Notify(context.Background(), d); !errors.Is(err, ErrBadRecipient) {
		t.Fatalf("want ErrBadRecipient, got %v", err)
	}
}

func TestMultiFailsWhenAnySinkFails(t *testing.T) {
	var calls atomic.Int32
	ok := reminder.NotifyFunc(func(context.Context, reminder.Delivery) error { calls.Add(1); return nil })
	bad := reminder.NotifyFunc(func(context.Context, reminder.Delivery) error { calls.Add(1); return errors.New("down") })

	if err := (Multi{ok, ok}).Notify(context.Background(), sampleDelivery()); err != nil {
		t.Fatalf("all ok: %v", err)
	}
	if err := (Multi{ok, bad, ok}).Notify(context.Background(), sampleDelivery()); err == nil {
		t.Fatal("expected failure")
	}
	if calls.Load() != 5 {
		t.Fatalf("every sink should be attempted, got %d calls", calls.Load())
	}
}

func TestRetryingStopsOnSuccess(t *testing.T) {
	var calls atomic.Int32
	flaky := reminder.NotifyFunc(func(context.Context, reminder.Delivery) error {
		if calls.Add(1) < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	r := NewRetrying(flaky, 5, time.Millisecond, 5*time.Millisecond, logx.Nop())
	if err := r.Notify(context.Background(), sampleDelivery()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls %d, want 3", calls.Load())
	}
}

func TestRetryingGivesUp(t *testing.T) {
	var calls atomic.Int32
	down := reminder.NotifyFunc(func(context.Context, reminder.Delivery) error {
		calls.Add(1)
		return errors.New("down")
	})
	r := NewRetrying(down, 2, time.Millisecond, time.Millisecond, logx.Nop())
	if err := r.Notify(context.Background(), sampleDelivery()); err == nil {
		t.Fatal("expected failure")
	}
	if calls.Load() != 3 {
		t.Fatalf("calls %d, want 3", calls.Load())
	}
}

func TestRetryingHonorsCancellation(t *testing.T) {
	down := reminder.NotifyFunc(func(context.Context, reminder.Delivery) error { return errors.New("down") })
	r := NewRetrying(down, 10, time.Hour, time.Hour, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Notify(ctx, sampleDelivery())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

func TestLimitedHonorsCancellation(t *testing.T) {
	var calls atomic.Int32
	n := reminder.NotifyFunc(func(context.Context, reminder.Delivery) error { calls.Add(1); return nil })
	l := NewLimited(n, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := l.Notify(ctx, sampleDelivery()); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := l.Notify(ctx, sampleDelivery()); err == nil {
		t.Fatal("second delivery should be rate limited past the deadline")
	}
	l.SetRate(0)
	if err := l.Notify(context.Background(), sampleDelivery()); err != nil {
		t.Fatalf("unlimited delivery: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls %d, want 2", calls.Load())
	}
}

func TestBackoffIsBounded(t *testing.T) {
	for attempt := 1; attempt < 20; attempt++ {
		d := backoff(100*time.Millisecond, time.Second, attempt)
		if d < 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %s out of bounds", attempt, d)
		}
	}
}

func TestBuildRejectsUnknownSink(t *testing.T) {
	_, err := Build(Config{Sinks: []string{"log", "carrier-pigeon"}}, logx.Nop())
	if !errors.Is(err, ErrUnknownSink) {
		t.Fatalf("want ErrUnknownSink, got %v", err)
	}
}

func TestBuildDefaultsToLogSink(t *testing.T) {
	p, err := Build(Config{}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if s := p.Sinks(); len(s) != 1 || s[0] != "log" {
		t.Fatalf("sinks %v", s)
	}
	if err := p.Notify(context.Background(), sampleDelivery()); err != nil {
		t.Fatalf("notify: %v", err)
	}
}

func TestEnvelopeShape(t *testing.T) {
	env := newEnvelope(sampleDelivery(), time.Unix(10, 0))
	if env.ID == "" || env.Type != MessageTypeReminderDue || env.Payload.UserID != "42" {
		t.Fatalf("envelope %+v", env)
	}
}
