package config

// Config is the daemon configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected so typos surface on load and on reload.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Reconcile ReconcileConfig `json:"reconcile"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the request surface.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig selects the durable store for task pools and wake-ups.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./reminderd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedulerConfig controls firing.
//
// Defaults (when fields are omitted/zero):
//   - failure_policy: "drop"
//   - retry_max: 3, retry_delay: "30s" (retry policy only)
//   - delivery_timeout: "30s". It bounds one delivery including the
//     delivery.retry_* backoff; Create, Delete and List on the same key wait
//     while a fire is delivering.
//   - alarm.max_sleep: "60s", alarm.max_concurrent: 8, alarm.retry_delay: "5s"
type SchedulerConfig struct {
	FailurePolicy   string      `json:"failure_policy,omitempty"`
	RetryMax        int         `json:"retry_max,omitempty"`
	RetryDelay      string      `json:"retry_delay,omitempty"`
	DeliveryTimeout string      `json:"delivery_timeout,omitempty"`
	Alarm           AlarmConfig `json:"alarm"`
}

type AlarmConfig struct {
	MaxSleep      string `json:"max_sleep,omitempty"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	RetryDelay    string `json:"retry_delay,omitempty"`
}

// DeliveryConfig controls the notify pipeline.
//
// Sinks lists the enabled sinks in order: "log", "webhook", "telegram", "amqp".
// An empty list means ["log"].
type DeliveryConfig struct {
	Sinks    []string       `json:"sinks,omitempty"`
	Webhook  WebhookConfig  `json:"webhook"`
	Telegram TelegramConfig `json:"telegram"`
	AMQP     AMQPConfig     `json:"amqp"`

	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

type WebhookConfig struct {
	URL     string            `json:"url,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
	Headers map[string]string `json:"headers,omitempty"` // may carry secrets (do not log)
}

type TelegramConfig struct {
	Token  string `json:"token,omitempty"` // do not log
	APIURL string `json:"api_url,omitempty"`
}

type AMQPConfig struct {
	URL        string `json:"url,omitempty"` // may carry credentials (do not log)
	Exchange   string `json:"exchange,omitempty"`
	RoutingKey string `json:"routing_key,omitempty"`
}

// ReconcileConfig controls the missed wake-up sweep.
// Enabled is a pointer so an omitted section defaults to on.
type ReconcileConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Interval string `json:"interval,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}
