package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"reminderd/internal/reminder"
	logx "reminderd/pkg/logx"
)

// Log writes every reminder to the structured log. It never fails.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log.With(logx.String("sink", "log"))}
}

func (s *Log) Notify(_ context.Context, d reminder.Delivery) error {
	s.log.Info("reminder due",
		logx.String("key", d.Key),
		logx.String("task_id", d.TaskID),
		logx.String("user_id", d.UserID),
		logx.Time("reminder_at", d.ReminderAt),
		logx.String("content", d.Content),
	)
	return nil
}

// Webhook POSTs each reminder as JSON.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{url: cfg.URL, headers: cfg.Headers, client: &http.Client{Timeout: timeout}}, nil
}

func (s *Webhook) Notify(ctx context.Context, d reminder.Delivery) error {
	body, err := json.Marshal(messageOf(d))
	if err != nil {
		return fmt.Errorf("marshal reminder: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", d.TaskID+"/"+strconv.Itoa(d.Attempt))
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", ErrUnexpectedAck, resp.StatusCode)
	}
	return nil
}

// sender is the part of *tele.Bot the telegram sink uses.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram sends the reminder content to the chat whose id is the task's userId.
type Telegram struct {
	bot sender
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b}, nil
}

func (s *Telegram) Notify(_ context.Context, d reminder.Delivery) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(d.UserID), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrBadRecipient, d.UserID)
	}
	text := d.Content
	if strings.TrimSpace(text) == "" {
		text = "⏰ Reminder"
	}
	if _, err := s.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
