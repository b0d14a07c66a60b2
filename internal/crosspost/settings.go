package crosspost

import (
	"context"
	"strings"
	"time"
)

type Channel string

const (
	Bluesky   Channel = "bluesky"
	Mastodon  Channel = "mastodon"
	Snapchat  Channel = "snapchat"
	Facebook  Channel = "facebook"
	Instagram Channel = "instagram"
	WhatsApp  Channel = "whatsapp"
	Discord   Channel = "discord"
	Slack     Channel = "slack"
	Telegram  Channel = "telegram"
)

// Channels lists every supported channel.
var Channels = []Channel{Bluesky, Mastodon, Snapchat, Facebook, Instagram, WhatsApp, Discord, Slack, Telegram}

// ParseChannel matches s case-insensitively against the supported channels.
func ParseChannel(s string) (Channel, bool) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Channels {
		if c == known {
			return c, true
		}
	}
	return "", false
}

// TokenState is the OAuth2 credential of one tenant on one channel.
type TokenState struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// ExpiresWithin reports whether the token expires before now+d.
// A zero expiry is treated as "unknown, assume valid".
func (t *TokenState) ExpiresWithin(now time.Time, d time.Duration) bool {
	if t == nil || t.ExpiresAt.IsZero() {
		return false
	}
	return t.ExpiresAt.Before(now.Add(d))
}

// Settings is the per-tenant, per-channel configuration owned by the
// settings collaborator. Credentials holds the platform bundle (webhook
// URLs, bot tokens, page/account/profile ids, app passwords).
type Settings struct {
	TenantID    string            `json:"tenantId"`
	Channel     Channel           `json:"channel"`
	Enabled     bool              `json:"enabled"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Token       *TokenState       `json:"token,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt,omitempty"`
}

// Get returns a trimmed credential field ("" when missing).
func (s Settings) Get(key string) string {
	if s.Credentials == nil {
		return ""
	}
	return strings.TrimSpace(s.Credentials[key])
}

// AccessToken prefers the OAuth token state and falls back to a static
// "access_token" credential.
func (s Settings) AccessToken() string {
	if s.Token != nil && strings.TrimSpace(s.Token.AccessToken) != "" {
		return strings.TrimSpace(s.Token.AccessToken)
	}
	return s.Get("access_token")
}

// Require returns a configuration error naming the first missing field.
func (s Settings) Require(fields ...string) error {
	if !s.Enabled {
		return Configuration(s.Channel, "channel disabled")
	}
	for _, f := range fields {
		if f == "access_token" {
			if s.AccessToken() == "" {
				return Configuration(s.Channel, "missing credential "+f)
			}
			continue
		}
		if s.Get(f) == "" {
			return Configuration(s.Channel, "missing credential "+f)
		}
	}
	return nil
}

// Clone deep-copies the credential map and token state.
func (s Settings) Clone() Settings {
	cp := s
	if s.Credentials != nil {
		cp.Credentials = make(map[string]string, len(s.Credentials))
		for k, v := range s.Credentials {
			cp.Credentials[k] = v
		}
	}
	if s.Token != nil {
		t := *s.Token
		cp.Token = &t
	}
	return cp
}

// SettingsSource is the read-through port the dispatcher depends on.
type SettingsSource interface {
	ListSettings(ctx context.Context, tenantID string) ([]Settings, error)
}

// TokenStore persists refreshed OAuth tokens (last write wins).
type TokenStore interface {
	SaveToken(ctx context.Context, tenantID string, ch Channel, tok TokenState) error
}
