// Package telegram publishes posts through a tenant's Telegram bot and
// forwards operator alerts to an ops chat.
package telegram

import (
	"context"
	"errors"
	"html"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"crosspost/internal/channels"
	"crosspost/internal/crosspost"
	"crosspost/internal/crosspost/media"
	"crosspost/internal/crosspost/message"
	logx "crosspost/pkg/logx"
)

const (
	DefaultAPIURL = "https://api.telegram.org"
	MaxText       = 4096
	MaxCaption    = 1024
	maxAlbum      = 10
)

type Config struct {
	APIURL string
}

type Adapter struct {
	api      string
	http     *http.Client
	resolver media.Resolver
	log      logx.Logger

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

func New(cfg Config, deps channels.Deps) *Adapter {
	hc, _ := deps.HTTP.(*http.Client)
	return &Adapter{
		api:      channels.BaseURL(cfg.APIURL, DefaultAPIURL),
		http:     hc,
		resolver: deps.Resolver,
		log:      deps.Logger(crosspost.Telegram),
		bots:     map[string]*tele.Bot{},
	}
}

func (a *Adapter) Channel() crosspost.Channel { return crosspost.Telegram }
func (a *Adapter) Kind() crosspost.Kind       { return crosspost.KindGenericWebhook }

func (a *Adapter) Check(s crosspost.Settings, _ crosspost.Post) error {
	return s.Require("bot_token", "chat_id")
}

// chat addresses numeric ids and "@channel" usernames alike.
type chat string

func (c chat) Recipient() string { return string(c) }

// bot returns a cached offline client for token.
func (a *Adapter) bot(token string) (*tele.Bot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.bots[token]; ok {
		return b, nil
	}
	b, err := newBot(a.api, token, a.http)
	if err != nil {
		return nil, err
	}
	a.bots[token] = b
	return b, nil
}

func newBot(api, token string, hc *http.Client) (*tele.Bot, error) {
	st := tele.Settings{Token: token, URL: api, Offline: true}
	if hc != nil {
		st.Client = hc
	}
	return tele.NewBot(st)
}

// Text renders the HTML message. The description is shortened first so
// the markup stays intact; limit counts visible runes.
func Text(p crosspost.Post, limit int) string {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = message.DefaultPlaceholder
	}
	detail := message.Detail(p.Title, p.Description)
	loc := strings.TrimSpace(p.Location)
	link := strings.TrimSpace(p.ExternalLink)
	tags := message.Tags(p.Tags)

	visible := utf8.RuneCountInString(message.DefaultPrefix + title)
	if loc != "" {
		visible += utf8.RuneCountInString("\n\n📍 " + loc)
	}
	if link != "" {
		visible += utf8.RuneCountInString("\n\n🔗 Read more")
	}
	if tags != "" {
		visible += utf8.RuneCountInString("\n\n" + tags)
	}
	if detail != "" {
		detail = message.Truncate(detail, max(limit-visible-2, 0))
	}

	var b strings.Builder
	b.WriteString(message.DefaultPrefix)
	b.WriteString("<b>" + html.EscapeString(title) + "</b>")
	if detail != "" {
		b.WriteString("\n\n" + html.EscapeString(detail))
	}
	if loc != "" {
		b.WriteString("\n\n📍 " + html.EscapeString(loc))
	}
	if link != "" {
		b.WriteString("\n\n🔗 <a href=\"" + html.EscapeString(link) + "\">Read more</a>")
	}
	if tags != "" {
		b.WriteString("\n\n" + html.EscapeString(tags))
	}
	return b.String()
}

func (a *Adapter) Dispatch(ctx context.Context, _ string, p crosspost.Post, s crosspost.Settings) crosspost.Outcome {
	b, err := a.bot(s.Get("bot_token"))
	if err != nil {
		return channels.Result(crosspost.Telegram, "", "", crosspost.Configuration(crosspost.Telegram, err.Error()))
	}
	to := chat(s.Get("chat_id"))
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML}
	caption := Text(p, MaxCaption)

	send := func(what any) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", crosspost.Transient(crosspost.Telegram, "send", err)
		}
		msg, err := b.Send(to, what, opts)
		if err != nil {
			return "", classify(err)
		}
		return strconv.Itoa(msg.ID), nil
	}
	degrade := func(step string, err error) bool {
		if crosspost.IsAuth(err) {
			return false
		}
		a.log.Info(step+" failed, degrading", logx.Err(err))
		return true
	}

	video := a.resolver.VideoURL(p)
	items := a.resolver.Plan(p, true).All()
	fallback := ""

	if len(items) > 1 && !(p.IsShort && video != "") {
		id, err := a.album(ctx, b, to, items, caption, opts)
		if err == nil {
			return channels.Result(crosspost.Telegram, id, "", nil)
		}
		if !degrade("album", err) {
			return channels.Result(crosspost.Telegram, "", "", err)
		}
		fallback = crosspost.FallbackTextOnly
	} else if video != "" {
		id, err := send(&tele.Video{File: tele.FromURL(video), Caption: caption})
		if err == nil {
			return channels.Result(crosspost.Telegram, id, "", nil)
		}
		if !degrade("video", err) {
			return channels.Result(crosspost.Telegram, "", "", err)
		}
		fallback = crosspost.FallbackTextOnly
		if photo := a.photoFor(p); photo != "" {
			id, err := send(&tele.Photo{File: tele.FromURL(photo), Caption: caption})
			if err == nil {
				return channels.Result(crosspost.Telegram, id, crosspost.FallbackThumbnail, nil)
			}
			if !degrade("photo", err) {
				return channels.Result(crosspost.Telegram, "", "", err)
			}
		}
	} else if len(items) == 1 {
		id, err := send(&tele.Photo{File: tele.FromURL(items[0].URL), Caption: caption})
		if err == nil {
			return channels.Result(crosspost.Telegram, id, "", nil)
		}
		if !degrade("photo", err) {
			return channels.Result(crosspost.Telegram, "", "", err)
		}
		fallback = crosspost.FallbackTextOnly
	}

	id, err := send(Text(p, MaxText))
	return channels.Result(crosspost.Telegram, id, fallback, err)
}

func (a *Adapter) photoFor(p crosspost.Post) string {
	if thumb := a.resolver.ThumbnailURL(p); thumb != "" {
		return thumb
	}
	if imgs := a.resolver.Images(p); len(imgs) > 0 {
		return imgs[0].URL
	}
	return ""
}

// album sends up to ten items with the caption on the first one.
func (a *Adapter) album(ctx context.Context, b *tele.Bot, to tele.Recipient, items []media.Item, caption string, opts *tele.SendOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", crosspost.Transient(crosspost.Telegram, "album", err)
	}
	if len(items) > maxAlbum {
		items = items[:maxAlbum]
	}
	album := make(tele.Album, 0, len(items))
	for i, it := range items {
		c := ""
		if i == 0 {
			c = caption
		}
		if it.Kind == media.KindVideo {
			album = append(album, &tele.Video{File: tele.FromURL(it.URL), Caption: c})
		} else {
			album = append(album, &tele.Photo{File: tele.FromURL(it.URL), Caption: c})
		}
	}
	msgs, err := b.SendAlbum(to, album, opts)
	if err != nil {
		return "", classify(err)
	}
	if len(msgs) == 0 {
		return "", nil
	}
	return strconv.Itoa(msgs[0].ID), nil
}

// classify maps Bot API failures onto the channel taxonomy.
func classify(err error) error {
	var te *tele.Error
	if errors.As(err, &te) && te.Code == http.StatusUnauthorized {
		return crosspost.Authentication(crosspost.Telegram, "send", err)
	}
	return crosspost.Transient(crosspost.Telegram, "send", err)
}
