package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"reminderd/internal/reminder"
	logx "reminderd/pkg/logx"
)

// Pipeline is the configured notifier: sinks behind retry and rate limit.
type Pipeline struct {
	head    reminder.Notifier
	limited *Limited
	closers []io.Closer
	sinks   []string
}

// Build opens every configured sink. An empty sink list means "log".
func Build(cfg Config, log logx.Logger) (*Pipeline, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "delivery"))

	names := cfg.Sinks
	if len(names) == 0 {
		names = []string{"log"}
	}

	p := &Pipeline{}
	var sinks Multi
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		var (
			n   reminder.Notifier
			err error
		)
		switch name {
		case "log":
			n = NewLog(log)
		case "webhook":
			n, err = NewWebhook(cfg.Webhook)
		case "telegram":
			n, err = NewTelegram(cfg.Telegram)
		case "amqp":
			var s *AMQP
			s, err = NewAMQP(cfg.AMQP, log)
			if err == nil {
				p.closers = append(p.closers, s)
				n = s
			}
		default:
			err = fmt.Errorf("%w: %s", ErrUnknownSink, raw)
		}
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("delivery sink %s: %w", name, err)
		}
		sinks = append(sinks, n)
		p.sinks = append(p.sinks, name)
	}
	if len(sinks) == 0 {
		return nil, ErrNoSinks
	}

	var head reminder.Notifier = sinks
	if len(sinks) == 1 {
		head = sinks[0]
	}
	head = NewRetrying(head, cfg.RetryMax, cfg.RetryBase, cfg.RetryMaxDelay, log)
	p.limited = NewLimited(head, cfg.RatePerSec)
	p.head = p.limited

	log.Info("delivery pipeline ready", logx.Any("sinks", p.sinks), logx.Int("rate_per_sec", cfg.RatePerSec), logx.Int("retry_max", cfg.RetryMax))
	return p, nil
}

func (p *Pipeline) Notify(ctx context.Context, d reminder.Delivery) error {
	return p.head.Notify(ctx, d)
}

// Sinks lists the active sink names.
func (p *Pipeline) Sinks() []string { return append([]string(nil), p.sinks...) }

// SetRate applies a new delivery rate without rebuilding sinks.
func (p *Pipeline) SetRate(perSec int) { p.limited.SetRate(perSec) }

func (p *Pipeline) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}
