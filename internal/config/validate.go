package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks cross-field constraints and every duration string.
// All problems are reported at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	dur("server.read_timeout", cfg.Server.ReadTimeout)
	dur("server.write_timeout", cfg.Server.WriteTimeout)
	dur("server.idle_timeout", cfg.Server.IdleTimeout)
	dur("dispatch.call_timeout", cfg.Dispatch.CallTimeout)
	dur("poll.interval", cfg.Poll.Interval)
	dur("messaging.send_delay", cfg.Messaging.SendDelay)
	dur("messaging.consumer.idle_wait", cfg.Messaging.Consumer.IdleWait)
	dur("messaging.consumer.visibility_timeout", cfg.Messaging.Consumer.VisibilityTimeout)
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	dur("oauth.skew", cfg.OAuth.Skew)
	dur("channels.instagram.poll_interval", cfg.Channels.Instagram.PollInterval)

	if cfg.Poll.Attempts < 0 {
		add(errors.New("poll.attempts must be >= 0"))
	}
	if cfg.Messaging.Threshold < 0 || cfg.Messaging.BatchSize < 0 {
		add(errors.New("messaging.threshold and messaging.batch_size must be >= 0"))
	}

	storage := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch storage {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required for driver %q", storage))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	storageOn := storage != "" && storage != "none"
	if !storageOn {
		add(errors.New("storage.driver is required: channel settings are read from storage"))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Queue.Driver)); d {
	case "", "outbox":
		if !storageOn {
			add(errors.New("queue.driver outbox requires storage"))
		}
	case "kafka":
		if len(cfg.Queue.Kafka.Brokers) == 0 || strings.TrimSpace(cfg.Queue.Kafka.Topic) == "" {
			add(errors.New("queue.kafka needs brokers and a topic"))
		}
	default:
		add(fmt.Errorf("queue.driver: unknown driver %q", cfg.Queue.Driver))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Sessions.Driver)); d {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(cfg.Sessions.RedisURL) == "" {
			add(errors.New("sessions.redis_url is required for driver redis"))
		}
	default:
		add(fmt.Errorf("sessions.driver: unknown driver %q", cfg.Sessions.Driver))
	}

	if base := strings.TrimSpace(cfg.Media.CDNBase); base != "" && strings.Contains(base, "://") {
		if _, err := url.Parse(base); err != nil {
			add(fmt.Errorf("media.cdn_base: %w", err))
		}
	}

	for ch, ep := range cfg.OAuth.Endpoints {
		if strings.TrimSpace(ep.TokenURL) == "" {
			add(fmt.Errorf("oauth.endpoints.%s.token_url is required", ch))
		}
	}

	if cfg.Alerts.Enabled && (strings.TrimSpace(cfg.Alerts.BotToken) == "" || strings.TrimSpace(cfg.Alerts.ChatID) == "") {
		add(errors.New("alerts needs bot_token and chat_id when enabled"))
	}

	return errors.Join(errs...)
}
