// Package mastodon publishes statuses to a Mastodon instance.
package mastodon

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crosspost/internal/channels"
	"crosspost/internal/crosspost"
	"crosspost/internal/crosspost/httpapi"
	"crosspost/internal/crosspost/media"
	"crosspost/internal/crosspost/message"
	"crosspost/internal/crosspost/poll"
	logx "crosspost/pkg/logx"
)

const (
	MaxText    = 500
	MediaLimit = 40 << 20
	maxImages  = 4
)

type Config struct {
	PollInterval time.Duration
	PollAttempts int
}

type Adapter struct {
	cfg      Config
	client   httpapi.Client
	pipeline media.Pipeline
	resolver media.Resolver
	tokens   channels.Tokens
	poller   poll.Poller
	log      logx.Logger
}

func New(cfg Config, deps channels.Deps) *Adapter {
	return &Adapter{
		cfg:      cfg,
		client:   deps.Client(crosspost.Mastodon),
		pipeline: deps.Pipeline(crosspost.Mastodon),
		resolver: deps.Resolver,
		tokens:   deps.TokenSource(),
		poller:   deps.Poller(crosspost.Mastodon, cfg.PollInterval, cfg.PollAttempts),
		log:      deps.Logger(crosspost.Mastodon),
	}
}

func (a *Adapter) Channel() crosspost.Channel { return crosspost.Mastodon }
func (a *Adapter) Kind() crosspost.Kind       { return crosspost.KindFederated }

func (a *Adapter) Check(s crosspost.Settings, _ crosspost.Post) error {
	return s.Require("instance_url", "access_token")
}

// NormalizeInstanceURL trims the URL, drops trailing slashes and defaults
// the scheme to https.
func NormalizeInstanceURL(raw string) string {
	u := strings.TrimRight(strings.TrimSpace(raw), "/")
	if u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "https://" + u
	}
	return u
}

func (a *Adapter) Dispatch(ctx context.Context, _ string, p crosspost.Post, s crosspost.Settings) crosspost.Outcome {
	instance := NormalizeInstanceURL(s.Get("instance_url"))
	visibility := s.Get("visibility")
	if visibility == "" {
		visibility = "public"
	}
	text := message.Build(p, message.Style{
		MaxLen: MaxText, Prefix: message.DefaultPrefix, Tags: true, Location: true, Link: true,
	})

	var (
		id       string
		fallback string
	)
	err := a.tokens.Do(ctx, &s, func(ctx context.Context, token string) error {
		ids, fb, err := a.attachments(ctx, instance, token, p)
		if err != nil {
			return err
		}
		fallback = fb
		id, err = a.postStatus(ctx, instance, token, text, visibility, ids)
		return err
	})
	return channels.Result(crosspost.Mastodon, id, fallback, err)
}

// attachments walks video, thumbnail, then up to four images. Media
// failures degrade the post; only authentication errors abort it.
func (a *Adapter) attachments(ctx context.Context, instance, token string, p crosspost.Post) ([]string, string, error) {
	alt := strings.TrimSpace(p.Title)
	degraded := false

	if u := a.resolver.VideoURL(p); u != "" {
		id, err := a.upload(ctx, instance, token, u, alt, "video/")
		if err == nil {
			return []string{id}, "", nil
		}
		if crosspost.IsAuth(err) {
			return nil, "", err
		}
		a.log.Info("video upload failed, trying thumbnail", logx.Err(err))
		degraded = true
		if thumb := a.resolver.ThumbnailURL(p); thumb != "" {
			id, err := a.upload(ctx, instance, token, thumb, alt, "image/")
			if err == nil {
				return []string{id}, crosspost.FallbackThumbnail, nil
			}
			if crosspost.IsAuth(err) {
				return nil, "", err
			}
		}
	}

	var ids []string
	for _, img := range a.resolver.Images(p) {
		if len(ids) == maxImages {
			break
		}
		id, err := a.upload(ctx, instance, token, img.URL, alt, "image/")
		if err != nil {
			if crosspost.IsAuth(err) {
				return nil, "", err
			}
			a.log.Info("image upload failed", logx.String("url", img.URL), logx.Err(err))
			degraded = true
			continue
		}
		ids = append(ids, id)
	}
	switch {
	case len(ids) > 0 && a.resolver.VideoURL(p) != "":
		return ids, crosspost.FallbackImages, nil
	case len(ids) > 0:
		return ids, "", nil
	case degraded:
		return nil, crosspost.FallbackTextOnly, nil
	}
	return nil, "", nil
}

// upload sends one media file through v2 (falling back to v1) and waits
// for server-side processing when needed.
func (a *Adapter) upload(ctx context.Context, instance, token, src, alt string, kind string) (string, error) {
	up := media.Multipart{
		Client:    a.client,
		Endpoints: []string{instance + "/api/v2/media", instance + "/api/v1/media"},
		Field:     "file",
		Fields:    map[string]string{"description": alt},
		Header:    httpapi.Bearer(token),
	}
	h, err := a.pipeline.Transfer(ctx, src, media.Constraints{MaxBytes: MediaLimit, Kinds: []string{kind}}, up)
	if err != nil {
		if crosspost.IsAuth(err) {
			return "", err
		}
		return "", asMedia(err)
	}
	if !h.Pending {
		return h.ID, nil
	}
	st, err := a.poller.Wait(ctx, func(ctx context.Context) (poll.Status, error) {
		return a.mediaStatus(ctx, instance, token, h.ID)
	})
	if err != nil {
		return "", err
	}
	return st.Handle, nil
}

func (a *Adapter) mediaStatus(ctx context.Context, instance, token, id string) (poll.Status, error) {
	var out struct {
		ID  string  `json:"id"`
		URL *string `json:"url"`
	}
	resp, err := a.client.JSON(ctx, http.MethodGet, instance+"/api/v1/media/"+url.PathEscape(id), httpapi.Bearer(token), nil, &out)
	if err != nil {
		if crosspost.IsAuth(err) {
			return poll.Status{}, err
		}
		return poll.Status{State: poll.Failed, Detail: err.Error()}, nil
	}
	if resp.Status == http.StatusPartialContent || out.URL == nil || *out.URL == "" {
		return poll.Status{State: poll.Processing}, nil
	}
	return poll.Status{State: poll.Ready, Handle: id}, nil
}

func (a *Adapter) postStatus(ctx context.Context, instance, token, text, visibility string, mediaIDs []string) (string, error) {
	body := map[string]any{"status": text, "visibility": visibility}
	if len(mediaIDs) > 0 {
		body["media_ids"] = mediaIDs
	}
	var out struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if _, err := a.client.JSON(ctx, http.MethodPost, instance+"/api/v1/statuses", httpapi.Bearer(token), body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", crosspost.Transient(crosspost.Mastodon, "statuses", fmt.Errorf("response without id"))
	}
	return out.ID, nil
}

// asMedia reclassifies upload rejections so the fallback chain runs.
func asMedia(err error) error {
	if crosspost.IsMediaFailure(err) {
		return err
	}
	return crosspost.MediaConstraint(crosspost.Mastodon, "media", err)
}
