// Package slack posts Block Kit messages through an incoming webhook.
package slack

import (
	"context"
	"net/http"
	"strings"

	"crosspost/internal/channels"
	"crosspost/internal/crosspost"
	"crosspost/internal/crosspost/httpapi"
	"crosspost/internal/crosspost/media"
	"crosspost/internal/crosspost/message"
)

const (
	maxHeader  = 150
	maxSection = 3000
)

type Adapter struct {
	client   httpapi.Client
	resolver media.Resolver
}

func New(deps channels.Deps) *Adapter {
	return &Adapter{client: deps.Client(crosspost.Slack), resolver: deps.Resolver}
}

func (a *Adapter) Channel() crosspost.Channel { return crosspost.Slack }
func (a *Adapter) Kind() crosspost.Kind       { return crosspost.KindGenericWebhook }

func (a *Adapter) Check(s crosspost.Settings, _ crosspost.Post) error {
	return s.Require("webhook_url")
}

type text struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type block map[string]any

// blocks renders the message layout: header, optional section, context,
// image and action buttons.
func (a *Adapter) blocks(p crosspost.Post) (string, []block) {
	icon := "📢"
	if p.IsShort {
		icon = "📱"
	}
	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = message.DefaultPlaceholder
	}
	header := message.Truncate(icon+" "+title, maxHeader)
	out := []block{{"type": "header", "text": text{Type: "plain_text", Text: header, Emoji: true}}}

	body := message.Detail(p.Title, p.Description)
	if p.IsShort {
		if tags := message.Tags(p.Tags); tags != "" {
			body = strings.TrimSpace(body + "\n\n" + tags)
		}
	}
	if body != "" {
		out = append(out, block{"type": "section", "text": text{Type: "mrkdwn", Text: message.Truncate(body, maxSection)}})
	}
	if loc := strings.TrimSpace(p.Location); loc != "" {
		out = append(out, block{"type": "context", "elements": []text{{Type: "mrkdwn", Text: "📍 " + loc}}})
	}
	if img := a.image(p); img != "" {
		out = append(out, block{"type": "image", "image_url": img, "alt_text": title})
	}

	var buttons []block
	if video := a.resolver.VideoURL(p); video != "" {
		buttons = append(buttons, block{"type": "button", "text": text{Type: "plain_text", Text: "🎬 Watch video", Emoji: true}, "url": video})
	}
	if link := strings.TrimSpace(p.ExternalLink); link != "" {
		buttons = append(buttons, block{"type": "button", "text": text{Type: "plain_text", Text: "Learn more →", Emoji: true}, "url": link})
	}
	if len(buttons) > 0 {
		out = append(out, block{"type": "actions", "elements": buttons})
	}
	return header, out
}

func (a *Adapter) image(p crosspost.Post) string {
	if thumb := a.resolver.ThumbnailURL(p); thumb != "" {
		return thumb
	}
	if imgs := a.resolver.Images(p); len(imgs) > 0 {
		return imgs[0].URL
	}
	return ""
}

func (a *Adapter) Dispatch(ctx context.Context, _ string, p crosspost.Post, s crosspost.Settings) crosspost.Outcome {
	fallbackText, blocks := a.blocks(p)
	_, err := a.client.JSON(ctx, http.MethodPost, s.Get("webhook_url"), nil, map[string]any{
		"text":   fallbackText,
		"blocks": blocks,
	}, nil)
	return channels.Result(crosspost.Slack, "", "", err)
}
