package app

import (
	"crosspost/internal/channels"
	"crosspost/internal/channels/bluesky"
	"crosspost/internal/channels/discord"
	"crosspost/internal/channels/facebook"
	"crosspost/internal/channels/instagram"
	"crosspost/internal/channels/mastodon"
	"crosspost/internal/channels/slack"
	"crosspost/internal/channels/snapchat"
	"crosspost/internal/channels/telegram"
	"crosspost/internal/channels/whatsapp"
	"crosspost/internal/config"
	"crosspost/internal/crosspost"
	"crosspost/internal/messaging"
)

// buildAdapters registers one adapter per supported channel, in
// crosspost.Channels order.
func buildAdapters(cfg *config.Config, deps channels.Deps, batcher *messaging.Batcher, subs whatsapp.Subscribers) ([]crosspost.Adapter, error) {
	interval, attempts, err := mapPollConfig(cfg)
	if err != nil {
		return nil, err
	}
	igInterval, err := config.ParseDurationField("channels.instagram.poll_interval", cfg.Channels.Instagram.PollInterval)
	if err != nil {
		return nil, err
	}
	cc := cfg.Channels

	byChannel := map[crosspost.Channel]crosspost.Adapter{
		crosspost.Bluesky:  bluesky.New(bluesky.Config{BaseURL: cc.Bluesky.BaseURL}, deps),
		crosspost.Mastodon: mastodon.New(mastodon.Config{PollInterval: interval, PollAttempts: attempts}, deps),
		crosspost.Snapchat: snapchat.New(snapchat.Config{
			BaseURL:      cc.Snapchat.BaseURL,
			ChunkSize:    cc.Snapchat.ChunkSize,
			PollInterval: interval,
			PollAttempts: attempts,
		}, deps),
		crosspost.Facebook:  facebook.New(facebook.Config{BaseURL: cc.Facebook.BaseURL, UploadURL: cc.Facebook.UploadURL}, deps),
		crosspost.Instagram: instagram.New(instagram.Config{BaseURL: cc.Instagram.BaseURL, PollInterval: igInterval}, deps),
		crosspost.WhatsApp:  whatsapp.New(batcher, subs, deps),
		crosspost.Discord:   discord.New(discord.Config{Rate: cc.Discord.Rate, Burst: cc.Discord.Burst}, deps),
		crosspost.Slack:     slack.New(deps),
		crosspost.Telegram:  telegram.New(telegram.Config{APIURL: cc.Telegram.APIURL}, deps),
	}
	out := make([]crosspost.Adapter, 0, len(crosspost.Channels))
	for _, ch := range crosspost.Channels {
		out = append(out, byChannel[ch])
	}
	return out, nil
}
