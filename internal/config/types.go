package config

// Config is the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets may be left empty in the file and supplied through CROSSPOST_*
// environment variables instead (see Secrets).
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Alerts      AlertsConfig      `json:"alerts,omitempty"`
	Server      ServerConfig      `json:"server"`
	Dispatch    DispatchConfig    `json:"dispatch,omitempty"`
	Media       MediaConfig       `json:"media"`
	Poll        PollConfig        `json:"poll,omitempty"`
	Messaging   MessagingConfig   `json:"messaging,omitempty"`
	Queue       QueueConfig       `json:"queue,omitempty"`
	Sessions    SessionsConfig    `json:"sessions,omitempty"`
	Storage     StorageConfig     `json:"storage"`
	OAuth       OAuthConfig       `json:"oauth,omitempty"`
	Channels    ChannelsConfig    `json:"channels,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
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

// AlertsConfig forwards warn+ log lines to an ops Telegram chat.
type AlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	BotToken   string `json:"bot_token,omitempty"` // do not log
	ChatID     string `json:"chat_id,omitempty"`
	APIURL     string `json:"api_url,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`    // default: "warn"
	RatePerSec int    `json:"rate_per_sec,omitempty"` // default: 1
}

// ServerConfig controls the HTTP ingress.
//
// Security note:
//   - Prefer binding to localhost behind a reverse proxy.
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ServerConfig struct {
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"` // default 0; /v1/dispatch/sync may take minutes
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	Pprof PprofConfig `json:"pprof,omitempty"`
}

// PprofConfig mounts net/http/pprof on the ingress router.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Prefix  string `json:"prefix,omitempty"` // default: "/debug/pprof"

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type DispatchConfig struct {
	CallTimeout string `json:"call_timeout,omitempty"` // default: "6m"
}

// MediaConfig: cdn_base resolves media keys into URLs.
type MediaConfig struct {
	CDNBase string `json:"cdn_base"`
}

// PollConfig is the default async-completion cadence (5s x 30 attempts).
type PollConfig struct {
	Interval string `json:"interval,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

type MessagingConfig struct {
	Threshold int    `json:"threshold,omitempty"`  // default: 50
	SendDelay string `json:"send_delay,omitempty"` // default: "50ms"
	BatchSize int    `json:"batch_size,omitempty"` // default: 10

	WhatsApp WhatsAppConfig `json:"whatsapp,omitempty"`
	Consumer ConsumerConfig `json:"consumer,omitempty"`
}

// WhatsAppConfig is the platform Cloud API number used for broadcasts.
type WhatsAppConfig struct {
	GraphURL      string `json:"graph_url,omitempty"`
	PhoneNumberID string `json:"phone_number_id,omitempty"`
	AccessToken   string `json:"access_token,omitempty"` // do not log
}

// ConsumerConfig controls the queue worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - rate_per_sec: 10
//   - retry_max: 3
//   - idle_wait: "1s"
//   - visibility_timeout: "5m"
type ConsumerConfig struct {
	Enabled           bool   `json:"enabled"`
	Workers           int    `json:"workers,omitempty"`
	RatePerSec        int    `json:"rate_per_sec,omitempty"`
	RetryMax          int    `json:"retry_max,omitempty"`
	IdleWait          string `json:"idle_wait,omitempty"`
	VisibilityTimeout string `json:"visibility_timeout,omitempty"`
}

// QueueConfig selects the messaging queue backend: "outbox" (default) or "kafka".
type QueueConfig struct {
	Driver string      `json:"driver,omitempty"`
	Kafka  KafkaConfig `json:"kafka,omitempty"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers,omitempty"`
	Topic   string   `json:"topic,omitempty"`
	GroupID string   `json:"group_id,omitempty"`
}

// SessionsConfig selects the session cache: "memory" (default) or "redis".
type SessionsConfig struct {
	Driver     string `json:"driver,omitempty"`
	RedisURL   string `json:"redis_url,omitempty"` // do not log
	MaxEntries int    `json:"max_entries,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/crosspost.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// OAuthConfig lists the token endpoints used to refresh channel tokens.
type OAuthConfig struct {
	Skew      string                   `json:"skew,omitempty"` // default: "5m"
	Endpoints map[string]OAuthEndpoint `json:"endpoints,omitempty"`
}

type OAuthEndpoint struct {
	TokenURL     string `json:"token_url"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"` // do not log
}

// ChannelsConfig overrides platform endpoints and channel tuning.
// Zero values keep each adapter's defaults.
type ChannelsConfig struct {
	Bluesky   EndpointConfig  `json:"bluesky,omitempty"`
	Facebook  FacebookConfig  `json:"facebook,omitempty"`
	Instagram InstagramConfig `json:"instagram,omitempty"`
	Snapchat  SnapchatConfig  `json:"snapchat,omitempty"`
	Discord   DiscordConfig   `json:"discord,omitempty"`
	Telegram  TelegramConfig  `json:"telegram,omitempty"`
}

type EndpointConfig struct {
	BaseURL string `json:"base_url,omitempty"`
}

type FacebookConfig struct {
	BaseURL   string `json:"base_url,omitempty"`
	UploadURL string `json:"upload_url,omitempty"`
}

type InstagramConfig struct {
	BaseURL      string `json:"base_url,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
}

type SnapchatConfig struct {
	BaseURL   string `json:"base_url,omitempty"`
	ChunkSize int    `json:"chunk_size,omitempty"`
}

type DiscordConfig struct {
	Rate  float64 `json:"rate,omitempty"`
	Burst int     `json:"burst,omitempty"`
}

type TelegramConfig struct {
	APIURL string `json:"api_url,omitempty"`
}

// MaintenanceConfig holds the cron specs of the maintenance jobs.
// An empty spec keeps the default; "-" disables the job.
type MaintenanceConfig struct {
	Enabled       bool   `json:"enabled"`
	Timezone      string `json:"timezone,omitempty"`
	TokenSweep    string `json:"token_sweep,omitempty"`    // default: "@every 5m"
	CounterReset  string `json:"counter_reset,omitempty"`  // default: "0 0 * * *"
	OutboxRedrive string `json:"outbox_redrive,omitempty"` // default: "@every 1m"
}
