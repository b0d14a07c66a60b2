// Package instagram publishes reels, carousels and single images through
// the Instagram Graph API container flow.
package instagram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crosspost/internal/channels"
	"crosspost/internal/channels/graph"
	"crosspost/internal/crosspost"
	"crosspost/internal/crosspost/httpapi"
	"crosspost/internal/crosspost/media"
	"crosspost/internal/crosspost/message"
	"crosspost/internal/crosspost/poll"
	logx "crosspost/pkg/logx"
)

const (
	DefaultBaseURL = "https://graph.instagram.com/v21.0"
	MaxCaption     = 2200
	MaxChildren    = 10

	DefaultPollInterval = 2 * time.Second
	ReelAttempts        = 30
	ImageAttempts       = 15

	createRetries = 3
)

type Config struct {
	BaseURL      string
	PollInterval time.Duration
}

type Adapter struct {
	base       string
	client     httpapi.Client
	resolver   media.Resolver
	tokens     channels.Tokens
	reelPoll   poll.Poller
	imagePoll  poll.Poller
	retryDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	log        logx.Logger
}

func New(cfg Config, deps channels.Deps) *Adapter {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	client := deps.Client(crosspost.Instagram)
	client.Classify = graph.Classify
	sleep := deps.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
	return &Adapter{
		base:       channels.BaseURL(cfg.BaseURL, DefaultBaseURL),
		client:     client,
		resolver:   deps.Resolver,
		tokens:     deps.TokenSource(),
		reelPoll:   deps.Poller(crosspost.Instagram, interval, ReelAttempts),
		imagePoll:  deps.Poller(crosspost.Instagram, interval, ImageAttempts),
		retryDelay: interval,
		sleep:      sleep,
		log:        deps.Logger(crosspost.Instagram),
	}
}

func (a *Adapter) Channel() crosspost.Channel { return crosspost.Instagram }
func (a *Adapter) Kind() crosspost.Kind       { return crosspost.KindSocialVideo }

func (a *Adapter) Check(s crosspost.Settings, _ crosspost.Post) error {
	return s.Require("account_id", "access_token")
}

func (a *Adapter) Dispatch(ctx context.Context, _ string, p crosspost.Post, s crosspost.Settings) crosspost.Outcome {
	caption := message.Build(p, message.Style{
		MaxLen: MaxCaption, Prefix: message.DefaultPrefix, Tags: true, Location: true, Link: true,
	})
	var (
		id       string
		fallback string
	)
	err := a.tokens.Do(ctx, &s, func(ctx context.Context, token string) error {
		var err error
		id, fallback, err = a.publish(ctx, s.Get("account_id"), token, caption, p)
		return err
	})
	return channels.Result(crosspost.Instagram, id, fallback, err)
}

func (a *Adapter) publish(ctx context.Context, account, token, caption string, p crosspost.Post) (string, string, error) {
	fallback := ""
	if video := a.resolver.VideoURL(p); video != "" {
		id, err := a.reel(ctx, account, token, caption, video)
		if err == nil {
			return id, "", nil
		}
		if crosspost.IsAuth(err) || p.IsShort {
			return "", "", err
		}
		a.log.Info("reel failed, trying images", logx.Err(err))
		fallback = crosspost.FallbackImages
	}

	images := a.resolver.Images(p)
	if len(images) == 0 && fallback != "" {
		if thumb := a.resolver.ThumbnailURL(p); thumb != "" {
			images = []media.Item{{URL: thumb, Kind: media.KindImage}}
			fallback = crosspost.FallbackThumbnail
		}
	}
	switch len(images) {
	case 0:
		return "", "", crosspost.MediaConstraint(crosspost.Instagram, "media", fmt.Errorf("instagram requires an image or video"))
	case 1:
		id, err := a.single(ctx, account, token, caption, images[0].URL)
		return id, fallback, err
	}
	id, err := a.carousel(ctx, account, token, caption, images)
	return id, fallback, err
}

func (a *Adapter) reel(ctx context.Context, account, token, caption, video string) (string, error) {
	container, err := a.create(ctx, account, url.Values{
		"media_type":    {"REELS"},
		"video_url":     {video},
		"caption":       {caption},
		"share_to_feed": {"true"},
		"access_token":  {token},
	})
	if err != nil {
		return "", err
	}
	if err := a.await(ctx, a.reelPoll, token, container); err != nil {
		return "", err
	}
	return a.mediaPublish(ctx, account, token, container)
}

func (a *Adapter) single(ctx context.Context, account, token, caption, image string) (string, error) {
	container, err := a.create(ctx, account, url.Values{
		"image_url":    {image},
		"caption":      {caption},
		"access_token": {token},
	})
	if err != nil {
		return "", err
	}
	if err := a.await(ctx, a.imagePoll, token, container); err != nil {
		return "", err
	}
	return a.mediaPublish(ctx, account, token, container)
}

// carousel creates up to MaxChildren child containers, skipping the ones
// the API rejects, then the parent.
func (a *Adapter) carousel(ctx context.Context, account, token, caption string, images []media.Item) (string, error) {
	if len(images) > MaxChildren {
		images = images[:MaxChildren]
	}
	var children []string
	var lastURL string
	for _, img := range images {
		child, err := a.create(ctx, account, url.Values{
			"image_url":        {img.URL},
			"is_carousel_item": {"true"},
			"access_token":     {token},
		})
		if err == nil {
			err = a.await(ctx, a.imagePoll, token, child)
		}
		if err != nil {
			if crosspost.IsAuth(err) || ctx.Err() != nil {
				return "", err
			}
			a.log.Info("carousel item failed", logx.String("url", img.URL), logx.Err(err))
			continue
		}
		children = append(children, child)
		lastURL = img.URL
	}
	switch len(children) {
	case 0:
		return "", crosspost.MediaConstraint(crosspost.Instagram, "carousel", fmt.Errorf("no carousel item accepted"))
	case 1:
		return a.single(ctx, account, token, caption, lastURL)
	}

	parent, err := a.create(ctx, account, url.Values{
		"media_type":   {"CAROUSEL"},
		"children":     {strings.Join(children, ",")},
		"caption":      {caption},
		"access_token": {token},
	})
	if err != nil {
		return "", err
	}
	if err := a.await(ctx, a.imagePoll, token, parent); err != nil {
		return "", err
	}
	return a.mediaPublish(ctx, account, token, parent)
}

// create posts a media container and retries the transient code 2.
func (a *Adapter) create(ctx context.Context, account string, form url.Values) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= createRetries; attempt++ {
		var out graph.ID
		resp, err := a.client.Form(ctx, a.base+"/"+url.PathEscape(account)+"/media", nil, form, &out)
		if err == nil {
			if out.ID == "" {
				return "", crosspost.Transient(crosspost.Instagram, "media", fmt.Errorf("container without id"))
			}
			return out.ID, nil
		}
		lastErr = err
		if e, ok := graph.ParseError(resp.Body); !ok || e.Code != graph.CodeTransient {
			return "", err
		}
		if attempt < createRetries {
			a.log.Debug("container creation hit a transient error, retrying", logx.Int("attempt", attempt))
			if err := a.sleep(ctx, a.retryDelay); err != nil {
				return "", crosspost.Transient(crosspost.Instagram, "media", err)
			}
		}
	}
	return "", lastErr
}

func (a *Adapter) await(ctx context.Context, p poll.Poller, token, container string) error {
	_, err := p.Wait(ctx, func(ctx context.Context) (poll.Status, error) {
		var out struct {
			StatusCode string `json:"status_code"`
			Status     string `json:"status"`
		}
		endpoint := a.base + "/" + url.PathEscape(container) + "?" + url.Values{
			"fields":       {"status_code,status"},
			"access_token": {token},
		}.Encode()
		if _, err := a.client.JSON(ctx, http.MethodGet, endpoint, nil, nil, &out); err != nil {
			return poll.Status{}, err
		}
		return poll.Status{State: containerState(out.StatusCode), Handle: container, Detail: out.Status}, nil
	})
	return err
}

func containerState(code string) poll.State {
	switch strings.ToUpper(code) {
	case "FINISHED", "PUBLISHED":
		return poll.Ready
	case "ERROR", "EXPIRED":
		return poll.Failed
	}
	return poll.Processing
}

func (a *Adapter) mediaPublish(ctx context.Context, account, token, container string) (string, error) {
	var out graph.ID
	_, err := a.client.Form(ctx, a.base+"/"+url.PathEscape(account)+"/media_publish", nil, url.Values{
		"creation_id":  {container},
		"access_token": {token},
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Best(), nil
}
