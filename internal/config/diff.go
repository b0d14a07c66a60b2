package config

import (
	"reflect"
	"sort"
	"strings"

	logx "crosspost/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// attrs for logging. Secrets are reported only as *_set booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	set := func(v string) bool { return strings.TrimSpace(v) != "" }

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", newCfg.Alerts.Enabled),
			logx.Bool("alerts.bot_token_set", set(newCfg.Alerts.BotToken)),
			logx.String("alerts.min_level", newCfg.Alerts.MinLevel),
		)
	}

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.Bool("server.token_set", set(newCfg.Server.Token)),
			logx.Bool("server.allow_insecure", newCfg.Server.AllowInsecure),
			logx.Bool("server.pprof", newCfg.Server.Pprof.Enabled),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch || oldCfg.Poll != newCfg.Poll || oldCfg.Media != newCfg.Media {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.call_timeout", newCfg.Dispatch.CallTimeout),
			logx.String("poll.interval", newCfg.Poll.Interval),
			logx.Int("poll.attempts", newCfg.Poll.Attempts),
			logx.String("media.cdn_base", newCfg.Media.CDNBase),
		)
	}

	if !reflect.DeepEqual(oldCfg.Messaging, newCfg.Messaging) {
		changed = append(changed, "messaging")
		c := newCfg.Messaging.Consumer
		attrs = append(attrs,
			logx.Int("messaging.threshold", newCfg.Messaging.Threshold),
			logx.Int("messaging.batch_size", newCfg.Messaging.BatchSize),
			logx.Bool("messaging.whatsapp_token_set", set(newCfg.Messaging.WhatsApp.AccessToken)),
			logx.Bool("messaging.consumer.enabled", c.Enabled),
			logx.Int("messaging.consumer.workers", c.Workers),
			logx.Int("messaging.consumer.rate_per_sec", c.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.driver", newCfg.Queue.Driver),
			logx.Int("queue.kafka.brokers", len(newCfg.Queue.Kafka.Brokers)),
		)
	}

	if oldCfg.Sessions != newCfg.Sessions {
		changed = append(changed, "sessions")
		attrs = append(attrs,
			logx.String("sessions.driver", newCfg.Sessions.Driver),
			logx.Bool("sessions.redis_url_set", set(newCfg.Sessions.RedisURL)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if !reflect.DeepEqual(oldCfg.OAuth, newCfg.OAuth) {
		changed = append(changed, "oauth")
		names := make([]string, 0, len(newCfg.OAuth.Endpoints))
		for ch := range newCfg.OAuth.Endpoints {
			names = append(names, ch)
		}
		sort.Strings(names)
		attrs = append(attrs, logx.Strings("oauth.endpoints", names))
	}

	if oldCfg.Channels != newCfg.Channels {
		changed = append(changed, "channels")
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled),
			logx.String("maintenance.timezone", newCfg.Maintenance.Timezone),
		)
	}

	return changed, attrs
}

// RequiresRestart reports whether any of the changed sections is only read
// at process start.
func RequiresRestart(changed []string) bool {
	for _, s := range changed {
		switch s {
		case "storage", "queue", "sessions", "oauth", "channels", "dispatch":
			return true
		}
	}
	return false
}
