// Package snapchat publishes spotlights, stories and saved stories through
// the Snapchat public profile API.
package snapchat

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
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
	DefaultBaseURL = "https://businessapi.snapchat.com"
	MediaLimit     = 32 << 20

	maxSpotlightText = 160
	maxStoryTitle    = 45
	defaultTitle     = "New Post"
	locale           = "en_US"
)

type Config struct {
	BaseURL      string
	ChunkSize    int
	PollInterval time.Duration
	PollAttempts int
	// Now stamps upload names; nil uses time.Now.
	Now func() time.Time
}

type Adapter struct {
	cfg      Config
	base     string
	client   httpapi.Client
	pipeline media.Pipeline
	resolver media.Resolver
	tokens   channels.Tokens
	poller   poll.Poller
	log      logx.Logger
}

func New(cfg Config, deps channels.Deps) *Adapter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Adapter{
		cfg:      cfg,
		base:     channels.BaseURL(cfg.BaseURL, DefaultBaseURL),
		client:   deps.Client(crosspost.Snapchat),
		pipeline: deps.Pipeline(crosspost.Snapchat),
		resolver: deps.Resolver,
		tokens:   deps.TokenSource(),
		poller:   deps.Poller(crosspost.Snapchat, cfg.PollInterval, cfg.PollAttempts),
		log:      deps.Logger(crosspost.Snapchat),
	}
}

func (a *Adapter) Channel() crosspost.Channel { return crosspost.Snapchat }
func (a *Adapter) Kind() crosspost.Kind       { return crosspost.KindEphemeralMedia }

func (a *Adapter) Check(s crosspost.Settings, p crosspost.Post) error {
	if err := s.Require("profile_id", "access_token"); err != nil {
		return err
	}
	if !p.HasMedia() {
		return crosspost.Configuration(crosspost.Snapchat, "post has no media")
	}
	return nil
}

func (a *Adapter) Dispatch(ctx context.Context, _ string, p crosspost.Post, s crosspost.Settings) crosspost.Outcome {
	profile := s.Get("profile_id")
	src, kind := a.source(p)
	if src == "" {
		return channels.Result(crosspost.Snapchat, "", "", crosspost.MediaConstraint(crosspost.Snapchat, "media", fmt.Errorf("no usable media")))
	}

	var id string
	err := a.tokens.Do(ctx, &s, func(ctx context.Context, token string) error {
		mediaID, err := a.upload(ctx, profile, token, src, kind)
		if err != nil {
			return err
		}
		id, err = a.publish(ctx, profile, token, mediaID, p)
		return err
	})
	return channels.Result(crosspost.Snapchat, id, "", err)
}

// source picks the video when present, otherwise the first image.
func (a *Adapter) source(p crosspost.Post) (string, media.Kind) {
	if u := a.resolver.VideoURL(p); u != "" {
		return u, media.KindVideo
	}
	if imgs := a.resolver.Images(p); len(imgs) > 0 {
		return imgs[0].URL, media.KindImage
	}
	return "", ""
}

func (a *Adapter) profileURL(profile string, parts ...string) string {
	u := a.base + "/v1/public_profiles/" + url.PathEscape(profile)
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

func (a *Adapter) addURL(addPath string) string {
	if strings.HasPrefix(addPath, "http://") || strings.HasPrefix(addPath, "https://") {
		return addPath
	}
	return a.base + "/" + strings.TrimLeft(addPath, "/")
}

func (a *Adapter) upload(ctx context.Context, profile, token, src string, kind media.Kind) (string, error) {
	auth := httpapi.Bearer(token)
	mediaType, accept := "IMAGE", "image/"
	if kind == media.KindVideo {
		mediaType, accept = "VIDEO", "video/"
	}

	finalStatus := ""
	up := media.ThreePhase{
		Channel:   crosspost.Snapchat,
		ChunkSize: a.cfg.ChunkSize,
		Create: func(ctx context.Context, sec media.Secret, _ media.Blob) (media.Container, error) {
			var out struct {
				MediaID string `json:"media_id"`
				AddPath string `json:"add_path"`
			}
			_, err := a.client.JSON(ctx, http.MethodPost, a.profileURL(profile, "media"), auth, map[string]string{
				"type": mediaType,
				"name": "upload_" + strconv.FormatInt(a.cfg.Now().Unix(), 10),
				"key":  sec.KeyBase64(),
				"iv":   sec.IVBase64(),
			}, &out)
			if err != nil {
				return media.Container{}, err
			}
			if out.MediaID == "" || out.AddPath == "" {
				return media.Container{}, crosspost.Transient(crosspost.Snapchat, "create media", fmt.Errorf("incomplete response"))
			}
			return media.Container{ID: out.MediaID, AddPath: out.AddPath}, nil
		},
		Append: func(ctx context.Context, c media.Container, part int, chunk []byte) error {
			_, err := a.client.Multipart(ctx, a.addURL(c.AddPath), auth, map[string]string{
				"action":      "ADD",
				"part_number": strconv.Itoa(part),
			}, &httpapi.File{Field: "file", Name: "media.bin", ContentType: "application/octet-stream", Data: chunk}, nil)
			return err
		},
		Finalize: func(ctx context.Context, c media.Container) error {
			var out struct {
				Status string `json:"status"`
			}
			_, err := a.client.JSON(ctx, http.MethodPost, a.addURL(c.AddPath), auth, map[string]string{"action": "FINALIZE"}, &out)
			finalStatus = out.Status
			return err
		},
	}

	h, err := a.pipeline.Transfer(ctx, src, media.Constraints{MaxBytes: MediaLimit, Kinds: []string{accept}}, up)
	if err != nil {
		return "", err
	}
	if !pending(finalStatus) {
		return h.ID, nil
	}
	a.log.Debug("media still processing", logx.String("media_id", h.ID))
	_, err = a.poller.Wait(ctx, func(ctx context.Context) (poll.Status, error) {
		var out struct {
			Status string `json:"status"`
		}
		if _, err := a.client.JSON(ctx, http.MethodGet, a.profileURL(profile, "media", url.PathEscape(h.ID)), auth, nil, &out); err != nil {
			return poll.Status{}, err
		}
		return poll.Status{State: mediaState(out.Status), Handle: h.ID, Detail: out.Status}, nil
	})
	if err != nil {
		return "", err
	}
	return h.ID, nil
}

func pending(status string) bool {
	switch strings.ToUpper(status) {
	case "PROCESSING", "PENDING", "IN_PROGRESS":
		return true
	}
	return false
}

func mediaState(status string) poll.State {
	switch strings.ToUpper(status) {
	case "READY", "COMPLETE", "FINALIZED":
		return poll.Ready
	case "FAILED", "ERROR":
		return poll.Failed
	}
	return poll.Processing
}

// publish routes the uploaded media to the shape the post asks for.
func (a *Adapter) publish(ctx context.Context, profile, token, mediaID string, p crosspost.Post) (string, error) {
	var (
		endpoint string
		body     any
	)
	switch p.PublishShape() {
	case crosspost.ShapeStory:
		endpoint = a.profileURL(profile, "stories")
		body = map[string]string{"media_id": mediaID}
	case crosspost.ShapeSavedStory:
		title := strings.TrimSpace(p.Title)
		if title == "" {
			title = defaultTitle
		}
		endpoint = a.profileURL(profile, "saved_stories")
		body = map[string]any{"saved_stories": []map[string]any{{
			"snap_sources": []map[string]string{{"media_id": mediaID}},
			"title":        message.Truncate(title, maxStoryTitle),
		}}}
	default:
		endpoint = a.profileURL(profile, "spotlights")
		body = map[string]string{
			"media_id":    mediaID,
			"locale":      locale,
			"description": message.Truncate(strings.TrimSpace(p.Description), maxSpotlightText),
		}
	}
	var out struct {
		ID string `json:"id"`
	}
	if _, err := a.client.JSON(ctx, http.MethodPost, endpoint, httpapi.Bearer(token), body, &out); err != nil {
		return "", err
	}
	if out.ID != "" {
		return out.ID, nil
	}
	return mediaID, nil
}
