package app

import (
	"fmt"
	"strings"
	"time"

	"reminderd/internal/alarm"
	"reminderd/internal/api"
	"reminderd/internal/config"
	"reminderd/internal/delivery"
	"reminderd/internal/reconcile"
	"reminderd/internal/reminder"
	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

// schedulerSettings is the scheduler section resolved to typed values.
type schedulerSettings struct {
	policy          reminder.FailurePolicy
	deliveryTimeout time.Duration
	alarm           alarm.Options
}

// durationField parses the duration setting at field. Empty or zero means def.
func durationField(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration (e.g. 30s, 5m): %w", field, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %s is negative", field, raw)
	case d == 0:
		return def, nil
	}
	return d, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapHTTPConfig(cfg *config.Config) (api.Config, error) {
	hc := cfg.HTTP
	read, err := durationField("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	write, err := durationField("http.write_timeout", hc.WriteTimeout, 30*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	idle, err := durationField("http.idle_timeout", hc.IdleTimeout, 60*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := durationField("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pg":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path (DSN) is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", Path: path}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSchedulerConfig(cfg *config.Config) (schedulerSettings, error) {
	sc := cfg.Scheduler
	var out schedulerSettings

	switch mode := reminder.FailureMode(strings.ToLower(strings.TrimSpace(sc.FailurePolicy))); mode {
	case "", reminder.FailureDrop:
		out.policy = reminder.FailurePolicy{Mode: reminder.FailureDrop}
	case reminder.FailureRetry:
		if sc.RetryMax < 0 {
			return out, fmt.Errorf("scheduler.retry_max must be >= 0")
		}
		delay, err := durationField("scheduler.retry_delay", sc.RetryDelay, 0)
		if err != nil {
			return out, err
		}
		out.policy = reminder.FailurePolicy{Mode: mode, RetryMax: sc.RetryMax, RetryDelay: delay}
	default:
		return out, fmt.Errorf("scheduler.failure_policy: unknown %q (want drop or retry)", sc.FailurePolicy)
	}

	timeout, err := durationField("scheduler.delivery_timeout", sc.DeliveryTimeout, 0)
	if err != nil {
		return out, err
	}
	out.deliveryTimeout = timeout

	if sc.Alarm.MaxConcurrent < 0 {
		return out, fmt.Errorf("scheduler.alarm.max_concurrent must be >= 0")
	}
	maxSleep, err := durationField("scheduler.alarm.max_sleep", sc.Alarm.MaxSleep, 0)
	if err != nil {
		return out, err
	}
	retry, err := durationField("scheduler.alarm.retry_delay", sc.Alarm.RetryDelay, 0)
	if err != nil {
		return out, err
	}
	out.alarm = alarm.Options{MaxSleep: maxSleep, MaxConcurrent: sc.Alarm.MaxConcurrent, RetryDelay: retry}
	return out, nil
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	dc := cfg.Delivery
	if dc.RatePerSec < 0 {
		return delivery.Config{}, fmt.Errorf("delivery.rate_per_sec must be >= 0")
	}
	if dc.RetryMax < 0 {
		return delivery.Config{}, fmt.Errorf("delivery.retry_max must be >= 0")
	}
	for _, s := range dc.Sinks {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "log":
		case "webhook":
			if strings.TrimSpace(dc.Webhook.URL) == "" {
				return delivery.Config{}, fmt.Errorf("delivery.webhook.url is required when the webhook sink is enabled")
			}
		case "telegram":
			if strings.TrimSpace(dc.Telegram.Token) == "" {
				return delivery.Config{}, fmt.Errorf("delivery.telegram.token is required when the telegram sink is enabled")
			}
		case "amqp":
			if strings.TrimSpace(dc.AMQP.URL) == "" {
				return delivery.Config{}, fmt.Errorf("delivery.amqp.url is required when the amqp sink is enabled")
			}
		default:
			return delivery.Config{}, fmt.Errorf("delivery.sinks: unknown sink %q", s)
		}
	}
	hookTimeout, err := durationField("delivery.webhook.timeout", dc.Webhook.Timeout, 0)
	if err != nil {
		return delivery.Config{}, err
	}
	base, err := durationField("delivery.retry_base", dc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return delivery.Config{}, err
	}
	maxDelay, err := durationField("delivery.retry_max_delay", dc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		Sinks: dc.Sinks,
		Webhook: delivery.WebhookConfig{
			URL:     strings.TrimSpace(dc.Webhook.URL),
			Timeout: hookTimeout,
			Headers: dc.Webhook.Headers,
		},
		Telegram: delivery.TelegramConfig{
			Token:  strings.TrimSpace(dc.Telegram.Token),
			APIURL: strings.TrimSpace(dc.Telegram.APIURL),
		},
		AMQP: delivery.AMQPConfig{
			URL:        strings.TrimSpace(dc.AMQP.URL),
			Exchange:   strings.TrimSpace(dc.AMQP.Exchange),
			RoutingKey: strings.TrimSpace(dc.AMQP.RoutingKey),
		},
		RatePerSec:    dc.RatePerSec,
		RetryMax:      dc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func mapReconcileConfig(cfg *config.Config) (reconcile.Config, error) {
	rc := cfg.Reconcile
	interval, err := durationField("reconcile.interval", rc.Interval, 0)
	if err != nil {
		return reconcile.Config{}, err
	}
	timeout, err := durationField("reconcile.timeout", rc.Timeout, 0)
	if err != nil {
		return reconcile.Config{}, err
	}
	return reconcile.Config{
		Enabled:  rc.Enabled == nil || *rc.Enabled,
		Interval: interval,
		Timeout:  timeout,
	}, nil
}

// validate runs every mapping so a bad reload is rejected before commit.
func validate(cfg *config.Config) error {
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	if _, err := mapReconcileConfig(cfg); err != nil {
		return err
	}
	return nil
}
