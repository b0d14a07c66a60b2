// Package discord posts an embed through a channel webhook.
package discord

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"crosspost/internal/channels"
	"crosspost/internal/crosspost"
	"crosspost/internal/crosspost/httpapi"
	"crosspost/internal/crosspost/media"
	"crosspost/internal/crosspost/message"
)

const (
	ColorPost  = 0x5865F2
	ColorShort = 0xFF0080

	maxTitle       = 256
	maxDescription = 4096
)

type Config struct {
	// Rate caps webhook calls per second across tenants; <=0 means 2.5/s
	// with a burst of 5.
	Rate  float64
	Burst int
}

type Adapter struct {
	client   httpapi.Client
	resolver media.Resolver
	limiter  *rate.Limiter
	now      func() time.Time
}

func New(cfg Config, deps channels.Deps) *Adapter {
	r, burst := cfg.Rate, cfg.Burst
	if r <= 0 {
		r = 2.5
	}
	if burst <= 0 {
		burst = 5
	}
	return &Adapter{
		client:   deps.Client(crosspost.Discord),
		resolver: deps.Resolver,
		limiter:  rate.NewLimiter(rate.Limit(r), burst),
		now:      time.Now,
	}
}

func (a *Adapter) Channel() crosspost.Channel { return crosspost.Discord }
func (a *Adapter) Kind() crosspost.Kind       { return crosspost.KindGenericWebhook }

func (a *Adapter) Check(s crosspost.Settings, _ crosspost.Post) error {
	return s.Require("webhook_url")
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embedImage struct {
	URL string `json:"url"`
}

type embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Image       *embedImage  `json:"image,omitempty"`
}

type payload struct {
	Content string  `json:"content"`
	Embeds  []embed `json:"embeds"`
}

// render builds the webhook body for p.
func (a *Adapter) render(p crosspost.Post) payload {
	content, color := "📢 New post!", ColorPost
	desc := message.Detail(p.Title, p.Description)
	if p.IsShort {
		content, color = "📱 New short!", ColorShort
		if tags := message.Tags(p.Tags); tags != "" {
			desc = strings.TrimSpace(desc + "\n\n" + tags)
		}
	}
	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = message.DefaultPlaceholder
	}

	ts := p.CreatedAt
	if ts.IsZero() {
		ts = a.now()
	}
	e := embed{
		Title:       message.Truncate(title, maxTitle),
		Description: message.Truncate(desc, maxDescription),
		Color:       color,
		Timestamp:   ts.UTC().Format(time.RFC3339),
	}
	if loc := strings.TrimSpace(p.Location); loc != "" {
		e.Fields = append(e.Fields, embedField{Name: "📍 Location", Value: loc, Inline: true})
	}
	if link := strings.TrimSpace(p.ExternalLink); link != "" {
		e.Fields = append(e.Fields, embedField{Name: "🔗 Link", Value: link})
	}
	if video := a.resolver.VideoURL(p); video != "" {
		e.Fields = append(e.Fields, embedField{Name: "🎬 Video", Value: video})
	}
	if img := a.image(p); img != "" {
		e.Image = &embedImage{URL: img}
	}
	return payload{Content: content, Embeds: []embed{e}}
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
	if err := a.limiter.Wait(ctx); err != nil {
		return channels.Result(crosspost.Discord, "", "", crosspost.Transient(crosspost.Discord, "rate", err))
	}
	var out struct {
		ID string `json:"id"`
	}
	_, err := a.client.JSON(ctx, http.MethodPost, waitURL(s.Get("webhook_url")), nil, a.render(p), &out)
	return channels.Result(crosspost.Discord, out.ID, "", err)
}

// waitURL asks Discord to return the created message.
func waitURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("wait", "true")
	u.RawQuery = q.Encode()
	return u.String()
}
