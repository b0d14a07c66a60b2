package app

import (
	"fmt"
	"strings"
	"time"

	"crosspost/internal/config"
	"crosspost/internal/crosspost"
	"crosspost/internal/crosspost/token"
	"crosspost/internal/maintenance"
	"crosspost/internal/messaging"
	"crosspost/internal/server"
	logx "crosspost/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Alerts.Enabled,
			MinLevel:   cfg.Alerts.MinLevel,
			RatePerSec: cfg.Alerts.RatePerSec,
		},
	}
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	sc := cfg.Server
	read, err := config.ParseDurationOrDefault("server.read_timeout", sc.ReadTimeout, 30*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	write, err := config.ParseDurationField("server.write_timeout", sc.WriteTimeout)
	if err != nil {
		return server.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("server.idle_timeout", sc.IdleTimeout, 2*time.Minute)
	if err != nil {
		return server.Config{}, err
	}
	addr := strings.TrimSpace(sc.Addr)
	if addr == "" {
		addr = server.DefaultAddr
	}
	return server.Config{
		Addr:                 addr,
		Token:                strings.TrimSpace(sc.Token),
		AllowInsecure:        sc.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		Pprof:                sc.Pprof.Enabled,
		PprofPrefix:          sc.Pprof.Prefix,
		MutexProfileFraction: sc.Pprof.MutexProfileFraction,
		BlockProfileRate:     sc.Pprof.BlockProfileRate,
	}, nil
}

func mapBatcherConfig(cfg *config.Config) (messaging.BatcherConfig, error) {
	delay, err := config.ParseDurationField("messaging.send_delay", cfg.Messaging.SendDelay)
	if err != nil {
		return messaging.BatcherConfig{}, err
	}
	return messaging.BatcherConfig{
		Threshold: cfg.Messaging.Threshold,
		SendDelay: delay,
		BatchSize: cfg.Messaging.BatchSize,
	}, nil
}

// mapConsumerConfig also returns the outbox visibility timeout used by the
// redrive job.
func mapConsumerConfig(cfg *config.Config) (messaging.ConsumerConfig, time.Duration, error) {
	cc := cfg.Messaging.Consumer
	idle, err := config.ParseDurationOrDefault("messaging.consumer.idle_wait", cc.IdleWait, time.Second)
	if err != nil {
		return messaging.ConsumerConfig{}, 0, err
	}
	visibility, err := config.ParseDurationOrDefault("messaging.consumer.visibility_timeout", cc.VisibilityTimeout, maintenance.DefaultVisibilityTimeout)
	if err != nil {
		return messaging.ConsumerConfig{}, 0, err
	}
	workers := cc.Workers
	if workers <= 0 {
		workers = 2
	}
	retry := cc.RetryMax
	if retry <= 0 {
		retry = 3
	}
	return messaging.ConsumerConfig{
		Enabled:    cc.Enabled,
		Workers:    workers,
		RatePerSec: cc.RatePerSec,
		RetryMax:   retry,
		IdleWait:   idle,
	}, visibility, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	_, visibility, err := mapConsumerConfig(cfg)
	if err != nil {
		return maintenance.Config{}, err
	}
	mc := cfg.Maintenance
	return maintenance.Config{
		Enabled:           mc.Enabled,
		Timezone:          mc.Timezone,
		TokenSweep:        mc.TokenSweep,
		CounterReset:      mc.CounterReset,
		OutboxRedrive:     mc.OutboxRedrive,
		VisibilityTimeout: visibility,
	}, nil
}

// mapTokenEndpoints keys the OAuth endpoints by channel. Unknown channel
// names are rejected so a typo does not silently disable refresh.
func mapTokenEndpoints(cfg *config.Config) (map[crosspost.Channel]token.Endpoint, time.Duration, error) {
	skew, err := config.ParseDurationOrDefault("oauth.skew", cfg.OAuth.Skew, token.DefaultSkew)
	if err != nil {
		return nil, 0, err
	}
	out := make(map[crosspost.Channel]token.Endpoint, len(cfg.OAuth.Endpoints))
	for name, ep := range cfg.OAuth.Endpoints {
		ch, ok := crosspost.ParseChannel(name)
		if !ok {
			return nil, 0, fmt.Errorf("oauth.endpoints: unknown channel %q", name)
		}
		out[ch] = token.Endpoint{
			TokenURL:     strings.TrimSpace(ep.TokenURL),
			ClientID:     strings.TrimSpace(ep.ClientID),
			ClientSecret: strings.TrimSpace(ep.ClientSecret),
		}
	}
	return out, skew, nil
}

func mapPollConfig(cfg *config.Config) (time.Duration, int, error) {
	interval, err := config.ParseDurationField("poll.interval", cfg.Poll.Interval)
	if err != nil {
		return 0, 0, err
	}
	return interval, cfg.Poll.Attempts, nil
}

// validateReload rejects a hot reload the running components could not
// apply.
func validateReload(cfg *config.Config, maint *maintenance.Service) error {
	if _, err := mapServerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapConsumerConfig(cfg); err != nil {
		return err
	}
	mc, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return err
	}
	if maint != nil {
		return maint.Validate(mc)
	}
	return nil
}
