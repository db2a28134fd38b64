package config

import (
	"reflect"
	"strings"

	logx "reminderd/pkg/logx"
)

// SummarizeChange returns the changed sections and safe structured attrs
// for logging. Tokens, URLs with credentials and webhook headers are never
// included; only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)))
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.failure_policy", newCfg.Scheduler.FailurePolicy),
			logx.Int("scheduler.retry_max", newCfg.Scheduler.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.String("delivery.sinks", strings.Join(newCfg.Delivery.Sinks, ",")),
			logx.Int("delivery.rate_per_sec", newCfg.Delivery.RatePerSec),
			logx.Bool("delivery.webhook_set", strings.TrimSpace(newCfg.Delivery.Webhook.URL) != ""),
			logx.Bool("delivery.telegram_set", strings.TrimSpace(newCfg.Delivery.Telegram.Token) != ""),
			logx.Bool("delivery.amqp_set", strings.TrimSpace(newCfg.Delivery.AMQP.URL) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Reconcile, newCfg.Reconcile) {
		changed = append(changed, "reconcile")
		attrs = append(attrs,
			logx.Bool("reconcile.enabled", newCfg.Reconcile.Enabled == nil || *newCfg.Reconcile.Enabled),
			logx.String("reconcile.interval", strings.TrimSpace(newCfg.Reconcile.Interval)),
		)
	}

	return changed, attrs
}

// RestartRequired reports sections whose changes only take effect on restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "http", "storage", "scheduler":
			out = append(out, s)
		}
	}
	return out
}
