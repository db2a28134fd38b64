// Package reconcile repairs wake-ups that drifted from their task pools.
//
// A wake-up can go missing when arming failed after the pool was written,
// or go stale when the process died between the two writes. The sweep runs
// on a cron schedule and once at start, and re-arms every instance whose
// armed instant differs from its earliest pending task.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"reminderd/internal/reminder"
	logx "reminderd/pkg/logx"
)

const (
	defaultInterval = time.Minute
	defaultTimeout  = 10 * time.Second
)

// Instances is the part of *reminder.Registry the sweep needs.
type Instances interface {
	Keys(ctx context.Context) ([]string, error)
	Get(key string) (*reminder.Scheduler, error)
}

type Config struct {
	Enabled bool
	// Interval between sweeps (cron "@every").
	Interval time.Duration
	// Timeout bounds the repair of a single instance.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// Result summarizes one sweep.
type Result struct {
	Checked  int
	Repaired int
	Failed   int
}

type Reconciler struct {
	inst    Instances
	log     logx.Logger
	timeout atomic.Int64

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	ctx context.Context
}

func New(inst Instances, cfg Config, log logx.Logger) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	r := &Reconciler{inst: inst, cfg: cfg, log: log.With(logx.String("comp", "reconcile"))}
	r.timeout.Store(int64(cfg.Timeout))
	return r
}

// Sweep checks every known instance once.
func (r *Reconciler) Sweep(ctx context.Context) (Result, error) {
	// Runs inside cron jobs that Apply may wait on; must not take r.mu.
	timeout := time.Duration(r.timeout.Load())

	keys, err := r.inst.Keys(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list instances: %w", err)
	}
	var res Result
	for _, key := range keys {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		s, err := r.inst.Get(key)
		if err != nil {
			continue
		}
		res.Checked++
		kctx, cancel := context.WithTimeout(ctx, timeout)
		repaired, err := s.Reconcile(kctx)
		cancel()
		switch {
		case err != nil:
			res.Failed++
			r.log.Warn("reconcile failed", logx.String("key", key), logx.Err(err))
		case repaired:
			res.Repaired++
		}
	}
	if res.Repaired > 0 || res.Failed > 0 {
		r.log.Info("sweep finished", logx.Int("checked", res.Checked), logx.Int("repaired", res.Repaired), logx.Int("failed", res.Failed))
	} else {
		r.log.Debug("sweep finished", logx.Int("checked", res.Checked))
	}
	return res, nil
}

// Run sweeps once, then on schedule until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	enabled := r.cfg.Enabled
	if enabled {
		if err := r.startLocked(); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	r.mu.Unlock()

	if enabled {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("initial sweep failed", logx.Err(err))
		}
	}

	<-ctx.Done()
	r.mu.Lock()
	r.stopLocked()
	r.ctx = nil
	r.mu.Unlock()
	return ctx.Err()
}

// Apply swaps the schedule; the cron is restarted if Run is active.
func (r *Reconciler) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	r.timeout.Store(int64(cfg.Timeout))
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.cfg
	r.cfg = cfg
	if r.ctx == nil || (prev.Enabled == cfg.Enabled && prev.Interval == cfg.Interval) {
		return nil
	}
	r.stopLocked()
	if !cfg.Enabled {
		r.log.Info("reconcile disabled")
		return nil
	}
	return r.startLocked()
}

func (r *Reconciler) startLocked() error {
	cl := cronLogger{log: r.log}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	ctx := r.ctx
	spec := "@every " + r.cfg.Interval.String()
	if _, err := c.AddFunc(spec, func() {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("sweep failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	c.Start()
	r.c = c
	r.log.Info("reconcile scheduled", logx.Duration("interval", r.cfg.Interval))
	return nil
}

func (r *Reconciler) stopLocked() {
	if r.c == nil {
		return
	}
	<-r.c.Stop().Done()
	r.c = nil
}

// cronLogger routes cron's own logs into logx.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace("cron: "+msg, kv(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kv(keysAndValues), logx.Err(err))...)
}

func kv(keysAndValues []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return out
}
