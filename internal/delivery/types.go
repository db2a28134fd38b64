package delivery

import (
	"errors"
	"time"

	"reminderd/internal/reminder"
)

var (
	ErrNoSinks       = errors.New("no delivery sinks configured")
	ErrUnknownSink   = errors.New("unknown delivery sink")
	ErrBadRecipient  = errors.New("recipient is not a chat id")
	ErrNotConnected  = errors.New("amqp channel unavailable")
	ErrUnexpectedAck = errors.New("webhook returned non-2xx status")
)

// Config selects and tunes the delivery pipeline.
type Config struct {
	Sinks []string

	Webhook  WebhookConfig
	Telegram TelegramConfig
	AMQP     AMQPConfig

	// RatePerSec caps deliveries across all sinks. 0 disables limiting.
	RatePerSec int
	// RetryMax is the number of extra attempts per delivery.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

type TelegramConfig struct {
	Token string
	// APIURL overrides the Bot API endpoint (self-hosted servers, tests).
	APIURL string
}

type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// Message is the wire form of a due reminder for webhook and amqp sinks.
type Message struct {
	Key        string `json:"key"`
	TaskID     string `json:"taskId"`
	Content    string `json:"content"`
	UserID     string `json:"userId"`
	ReminderAt int64  `json:"reminderAt"`
	Attempt    int    `json:"attempt"`
}

func messageOf(d reminder.Delivery) Message {
	return Message{
		Key:        d.Key,
		TaskID:     d.TaskID,
		Content:    d.Content,
		UserID:     d.UserID,
		ReminderAt: reminder.Millis(d.ReminderAt),
		Attempt:    d.Attempt,
	}
}
