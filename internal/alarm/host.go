package alarm

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"reminderd/internal/reminder"
	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

// StorageKey is the per-namespace key holding the armed instant (epoch ms).
const StorageKey = "alarm"

const (
	defaultMaxSleep      = 60 * time.Second
	defaultMaxConcurrent = 8
	defaultRetryDelay    = 5 * time.Second
)

// FireFunc runs when the wake-up of key comes due.
type FireFunc func(ctx context.Context, key string, now time.Time) error

type Options struct {
	Store storage.Store
	Fire  FireFunc
	Log   logx.Logger

	// MaxSleep caps a single timer wait so wall-clock jumps are noticed.
	MaxSleep time.Duration
	// MaxConcurrent bounds fires running at once across keys.
	MaxConcurrent int
	// RetryDelay re-arms a key whose fire returned an error.
	RetryDelay time.Duration

	Now func() time.Time
}

// Host owns one durable wake-up per key and invokes Fire when it comes due.
//
// A wake-up is one-shot: it leaves the in-memory queue before Fire runs and
// leaves storage once Fire succeeds. Whoever handles the fire re-arms it if
// work remains.
type Host struct {
	store      storage.Store
	fire       FireFunc
	log        logx.Logger
	maxSleep   time.Duration
	retryDelay time.Duration
	now        func() time.Time

	sem  chan struct{}
	wake chan struct{}
	wg   sync.WaitGroup

	mu    sync.Mutex
	armed *armed
}

func New(opts Options) *Host {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.MaxSleep <= 0 {
		opts.MaxSleep = defaultMaxSleep
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Host{
		store:      opts.Store,
		fire:       opts.Fire,
		log:        opts.Log.With(logx.String("comp", "alarm")),
		maxSleep:   opts.MaxSleep,
		retryDelay: opts.RetryDelay,
		now:        opts.Now,
		sem:        make(chan struct{}, opts.MaxConcurrent),
		wake:       make(chan struct{}, 1),
		armed:      newArmed(),
	}
}

// SetFire installs the fire callback. It must be called before Run.
func (h *Host) SetFire(fn FireFunc) { h.fire = fn }

// For returns the wake-up handle of key.
func (h *Host) For(key string) reminder.Alarm { return &Handle{host: h, key: key} }

// Set arms key at at, replacing any earlier wake-up.
func (h *Host) Set(ctx context.Context, key string, at time.Time) error {
	h.mu.Lock()
	err := h.store.Put(ctx, key, StorageKey, encodeMillis(at))
	if err == nil {
		h.armed.set(key, at)
	}
	h.mu.Unlock()
	if err != nil {
		return fmt.Errorf("persist alarm: %w", err)
	}
	h.poke()
	return nil
}

// Clear disarms key. Clearing an unarmed key is a no-op.
func (h *Host) Clear(ctx context.Context, key string) error {
	h.mu.Lock()
	err := h.store.Delete(ctx, key, StorageKey)
	if err == nil {
		h.armed.clear(key)
	}
	h.mu.Unlock()
	if err != nil {
		return fmt.Errorf("remove alarm: %w", err)
	}
	h.poke()
	return nil
}

// Get returns the armed instant of key.
func (h *Host) Get(key string) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.armed.get(key)
}

// Pending returns the number of armed keys.
func (h *Host) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.armed.len()
}

// Restore loads every persisted wake-up. Instants already in the past fire
// as soon as Run starts.
func (h *Host) Restore(ctx context.Context) (int, error) {
	nss, err := h.store.Namespaces(ctx)
	if err != nil {
		return 0, fmt.Errorf("list namespaces: %w", err)
	}
	n := 0
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ns := range nss {
		raw, ok, err := h.store.Get(ctx, ns, StorageKey)
		if err != nil {
			return n, fmt.Errorf("read alarm of %q: %w", ns, err)
		}
		if !ok {
			continue
		}
		at, err := decodeMillis(raw)
		if err != nil {
			h.log.Warn("ignoring malformed persisted alarm", logx.String("key", ns), logx.Err(err))
			continue
		}
		h.armed.set(ns, at)
		n++
	}
	h.log.Info("alarms restored", logx.Int("armed", n))
	h.poke()
	return n, nil
}

// Run drives the wake-ups until ctx is done, then waits for in-flight fires.
func (h *Host) Run(ctx context.Context) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		h.wg.Wait()
	}()

	resetTimer := func() <-chan time.Time {
		if timer != nil {
			timer.Stop()
		}
		h.mu.Lock()
		next, ok := h.armed.next()
		h.mu.Unlock()
		if !ok {
			return nil
		}
		dur := next.Sub(h.now())
		if dur > h.maxSleep {
			dur = h.maxSleep
		}
		if dur < 0 {
			dur = 0
		}
		timer = time.NewTimer(dur)
		return timer.C
	}

	timerCh := resetTimer()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.wake:
			timerCh = resetTimer()
		case <-timerCh:
			h.dispatchDue(ctx)
			timerCh = resetTimer()
		}
	}
}

// dispatchDue pops due wake-ups from memory only. The persisted instant
// stays until its fire succeeds, so a crash mid-fire is replayed by Restore.
func (h *Host) dispatchDue(ctx context.Context) {
	h.mu.Lock()
	now := h.now()
	due := h.armed.popDue(now)
	h.mu.Unlock()

	for _, e := range due {
		select {
		case h.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		h.wg.Add(1)
		go func(key string, at time.Time) {
			defer h.wg.Done()
			defer func() { <-h.sem }()
			h.fireOne(ctx, key, at, now)
		}(e.key, e.at)
	}
}

func (h *Host) fireOne(ctx context.Context, key string, at, now time.Time) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				h.log.Error("fire panicked", logx.String("key", key), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				err = fmt.Errorf("fire panic: %v", r)
			}
		}()
		if h.fire == nil {
			return nil
		}
		return h.fire(ctx, key, now)
	}()
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		h.forget(ctx, key, at)
		return
	}

	retryAt := h.now().Add(h.retryDelay)
	h.log.Warn("fire failed; retrying", logx.String("key", key), logx.Time("retry_at", retryAt), logx.Err(err))

	h.mu.Lock()
	if _, ok := h.armed.get(key); !ok {
		if perr := h.store.Put(ctx, key, StorageKey, encodeMillis(retryAt)); perr != nil {
			h.log.Warn("persist retry alarm failed", logx.String("key", key), logx.Err(perr))
		}
		h.armed.set(key, retryAt)
	}
	h.mu.Unlock()
	h.poke()
}

// forget removes the persisted instant of a fired key unless the fire
// re-armed it.
func (h *Host) forget(ctx context.Context, key string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.armed.get(key); ok {
		return
	}
	raw, ok, err := h.store.Get(ctx, key, StorageKey)
	if err != nil || !ok {
		return
	}
	if stored, derr := decodeMillis(raw); derr != nil || stored.UnixMilli() != at.UnixMilli() {
		return
	}
	if err := h.store.Delete(ctx, key, StorageKey); err != nil {
		h.log.Warn("remove fired alarm failed", logx.String("key", key), logx.Err(err))
	}
}

func (h *Host) poke() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func encodeMillis(t time.Time) []byte {
	return []byte(strconv.FormatInt(t.UnixMilli(), 10))
}

func decodeMillis(b []byte) (time.Time, error) {
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Handle is the reminder.Alarm of a single key.
type Handle struct {
	host *Host
	key  string
}

func (a *Handle) Set(ctx context.Context, at time.Time) error { return a.host.Set(ctx, a.key, at) }
func (a *Handle) Clear(ctx context.Context) error            { return a.host.Clear(ctx, a.key) }

func (a *Handle) Get(context.Context) (time.Time, bool, error) {
	at, ok := a.host.Get(a.key)
	return at, ok, nil
}
