package reminder

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"reminderd/internal/eventbus"
	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidKey reports whether key can address a scheduler instance.
func ValidKey(key string) bool { return keyPattern.MatchString(key) }

// AlarmProvider hands out the per-instance wake-up handle.
type AlarmProvider interface {
	For(key string) Alarm
}

// RegistryConfig wires the shared collaborators of every instance.
type RegistryConfig struct {
	Store           storage.Store
	Alarms          AlarmProvider
	Notifier        Notifier
	Policy          FailurePolicy
	DeliveryTimeout time.Duration
	Log             logx.Logger
	Bus             eventbus.Bus
	Now             func() time.Time
}

// Registry routes a key to its scheduler instance, creating instances lazily.
// Each key owns an isolated pool and alarm; nothing is shared across keys.
type Registry struct {
	cfg RegistryConfig
	log logx.Logger

	mu        sync.Mutex
	instances map[string]*Scheduler
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Log.IsZero() {
		cfg.Log = logx.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		cfg:       cfg,
		log:       cfg.Log.With(logx.String("comp", "reminder")),
		instances: map[string]*Scheduler{},
	}
}

// Get returns the scheduler for key.
func (r *Registry) Get(key string) (*Scheduler, error) {
	if !ValidKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.instances[key]; ok {
		return s, nil
	}
	s := NewScheduler(Config{
		Key:             key,
		Region:          storage.NewRegion(r.cfg.Store, key),
		Alarm:           r.cfg.Alarms.For(key),
		Notifier:        r.cfg.Notifier,
		Policy:          r.cfg.Policy,
		DeliveryTimeout: r.cfg.DeliveryTimeout,
		Log:             r.log,
		Bus:             r.cfg.Bus,
		Now:             r.cfg.Now,
	})
	r.instances[key] = s
	return s, nil
}

// Fire is the alarm host's callback: it runs the firing cycle of key.
func (r *Registry) Fire(ctx context.Context, key string, now time.Time) error {
	s, err := r.Get(key)
	if err != nil {
		return err
	}
	_, err = s.Fire(ctx, now)
	return err
}

// Keys lists every instance that has durable state, plus instances touched
// in this process.
func (r *Registry) Keys(ctx context.Context) ([]string, error) {
	nss, err := r.cfg.Store.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(nss))
	out := make([]string, 0, len(nss))
	for _, ns := range nss {
		if !ValidKey(ns) {
			continue
		}
		seen[ns] = struct{}{}
		out = append(out, ns)
	}
	r.mu.Lock()
	for k := range r.instances {
		if _, ok := seen[k]; !ok {
			out = append(out, k)
		}
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out, nil
}
