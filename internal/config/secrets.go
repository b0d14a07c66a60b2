package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

// Secrets are read from the environment and override file values when set.
type Secrets struct {
	ServerToken      string   `env:"CROSSPOST_SERVER_TOKEN"`
	RedisURL         string   `env:"CROSSPOST_REDIS_URL"`
	KafkaBrokers     []string `env:"CROSSPOST_KAFKA_BROKERS"`
	WhatsAppToken    string   `env:"CROSSPOST_WHATSAPP_TOKEN"`
	WhatsAppNumberID string   `env:"CROSSPOST_WHATSAPP_PHONE_NUMBER_ID"`
	AlertBotToken    string   `env:"CROSSPOST_ALERT_BOT_TOKEN"`

	Mastodon  OAuthClient `env:",prefix=CROSSPOST_MASTODON_"`
	Facebook  OAuthClient `env:",prefix=CROSSPOST_FACEBOOK_"`
	Instagram OAuthClient `env:",prefix=CROSSPOST_INSTAGRAM_"`
	Snapchat  OAuthClient `env:",prefix=CROSSPOST_SNAPCHAT_"`
}

type OAuthClient struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
}

// LoadSecrets reads Secrets through l (envconfig.OsLookuper() in production).
func LoadSecrets(ctx context.Context, l envconfig.Lookuper) (Secrets, error) {
	var s Secrets
	if l == nil {
		l = envconfig.OsLookuper()
	}
	if err := envconfig.ProcessWith(ctx, &s, l); err != nil {
		return Secrets{}, fmt.Errorf("env secrets: %w", err)
	}
	return s, nil
}

// Apply overlays the non-empty secrets onto cfg.
func (s Secrets) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.Token, s.ServerToken)
	set(&cfg.Sessions.RedisURL, s.RedisURL)
	set(&cfg.Messaging.WhatsApp.AccessToken, s.WhatsAppToken)
	set(&cfg.Messaging.WhatsApp.PhoneNumberID, s.WhatsAppNumberID)
	set(&cfg.Alerts.BotToken, s.AlertBotToken)
	if len(s.KafkaBrokers) > 0 {
		cfg.Queue.Kafka.Brokers = append([]string(nil), s.KafkaBrokers...)
	}

	for ch, c := range map[string]OAuthClient{
		"mastodon":  s.Mastodon,
		"facebook":  s.Facebook,
		"instagram": s.Instagram,
		"snapchat":  s.Snapchat,
	} {
		if c.ClientID == "" && c.ClientSecret == "" {
			continue
		}
		if cfg.OAuth.Endpoints == nil {
			cfg.OAuth.Endpoints = map[string]OAuthEndpoint{}
		}
		ep := cfg.OAuth.Endpoints[ch]
		set(&ep.ClientID, c.ClientID)
		set(&ep.ClientSecret, c.ClientSecret)
		cfg.OAuth.Endpoints[ch] = ep
	}
}
