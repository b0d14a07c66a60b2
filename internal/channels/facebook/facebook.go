// Package facebook publishes to a Facebook Page: reels, videos, photos and
// feed posts.
package facebook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"crosspost/internal/channels"
	"crosspost/internal/channels/graph"
	"crosspost/internal/crosspost"
	"crosspost/internal/crosspost/httpapi"
	"crosspost/internal/crosspost/media"
	"crosspost/internal/crosspost/message"
	logx "crosspost/pkg/logx"
)

const (
	DefaultBaseURL   = "https://graph.facebook.com/v18.0"
	DefaultUploadURL = "https://rupload.facebook.com/video-upload/v18.0"
)

type Config struct {
	BaseURL   string
	UploadURL string
}

type Adapter struct {
	base     string
	upload   string
	client   httpapi.Client
	resolver media.Resolver
	tokens   channels.Tokens
	log      logx.Logger
}

func New(cfg Config, deps channels.Deps) *Adapter {
	client := deps.Client(crosspost.Facebook)
	client.Classify = graph.Classify
	return &Adapter{
		base:     channels.BaseURL(cfg.BaseURL, DefaultBaseURL),
		upload:   channels.BaseURL(cfg.UploadURL, DefaultUploadURL),
		client:   client,
		resolver: deps.Resolver,
		tokens:   deps.TokenSource(),
		log:      deps.Logger(crosspost.Facebook),
	}
}

func (a *Adapter) Channel() crosspost.Channel { return crosspost.Facebook }
func (a *Adapter) Kind() crosspost.Kind       { return crosspost.KindSocialVideo }

func (a *Adapter) Check(s crosspost.Settings, _ crosspost.Post) error {
	return s.Require("page_id", "access_token")
}

// call carries what one publish attempt needs.
type call struct {
	page  string
	token string
	text  string
	post  crosspost.Post
}

func (a *Adapter) Dispatch(ctx context.Context, _ string, p crosspost.Post, s crosspost.Settings) crosspost.Outcome {
	text := message.Build(p, message.Style{Prefix: message.DefaultPrefix, Tags: true, Location: true})
	var (
		id       string
		fallback string
	)
	err := a.tokens.Do(ctx, &s, func(ctx context.Context, token string) error {
		var err error
		id, fallback, err = a.publish(ctx, call{page: s.Get("page_id"), token: token, text: text, post: p})
		return err
	})
	return channels.Result(crosspost.Facebook, id, fallback, err)
}

func (a *Adapter) publish(ctx context.Context, c call) (string, string, error) {
	video := a.resolver.VideoURL(c.post)
	fallback := ""
	if video != "" && c.post.IsShort {
		id, err := a.reel(ctx, c, video)
		if err == nil {
			return id, "", nil
		}
		if !errReelStart(err) {
			return "", "", err
		}
		a.log.Info("reel rejected, posting as video", logx.Err(err))
		fallback = crosspost.FallbackVideoPost
	}
	if video != "" {
		id, err := a.video(ctx, c, video)
		if err == nil {
			return id, fallback, nil
		}
		if crosspost.IsAuth(err) {
			return "", "", err
		}
		a.log.Info("video post failed, trying images", logx.Err(err))
		fallback = crosspost.FallbackImages
	}

	images := a.resolver.Images(c.post)
	if len(images) == 0 && fallback != "" {
		if thumb := a.resolver.ThumbnailURL(c.post); thumb != "" {
			images = []media.Item{{URL: thumb, Kind: media.KindImage}}
			fallback = crosspost.FallbackThumbnail
		}
	}
	switch {
	case len(images) >= 2:
		id, attached, err := a.album(ctx, c, images)
		if err != nil {
			return "", "", err
		}
		if attached == 0 && fallback != "" {
			fallback = crosspost.FallbackTextOnly
		}
		return id, fallback, nil
	case len(images) == 1:
		id, err := a.photo(ctx, c, images[0].URL, true)
		if err == nil {
			return id, fallback, nil
		}
		if crosspost.IsAuth(err) || fallback == "" {
			return "", "", err
		}
		fallback = crosspost.FallbackTextOnly
	case fallback != "":
		fallback = crosspost.FallbackTextOnly
	}
	id, err := a.feed(ctx, c, nil)
	return id, fallback, err
}

// reelStartError marks a rejection of the first reel phase, the only one
// that may fall back to a regular video post.
type reelStartError struct{ err error }

func (e reelStartError) Error() string { return "reel start: " + e.err.Error() }
func (e reelStartError) Unwrap() error { return e.err }

func errReelStart(err error) bool {
	var rs reelStartError
	return errors.As(err, &rs) && !crosspost.IsAuth(err)
}

func (a *Adapter) reel(ctx context.Context, c call, video string) (string, error) {
	endpoint := a.base + "/" + url.PathEscape(c.page) + "/video_reels"
	var start struct {
		VideoID string `json:"video_id"`
	}
	_, err := a.client.Form(ctx, endpoint, nil, url.Values{
		"upload_phase": {"start"},
		"access_token": {c.token},
	}, &start)
	if err == nil && start.VideoID == "" {
		err = fmt.Errorf("start without video_id")
	}
	if err != nil {
		return "", reelStartError{err}
	}

	hdr := http.Header{}
	hdr.Set("Authorization", "OAuth "+c.token)
	hdr.Set("file_url", video)
	if _, err := a.client.Raw(ctx, http.MethodPost, a.upload+"/"+url.PathEscape(start.VideoID), hdr, "", nil, nil); err != nil {
		return "", err
	}

	var finish struct {
		Success bool `json:"success"`
	}
	_, err = a.client.Form(ctx, endpoint, nil, url.Values{
		"upload_phase": {"finish"},
		"video_id":     {start.VideoID},
		"video_state":  {"PUBLISHED"},
		"description":  {c.text},
		"access_token": {c.token},
	}, &finish)
	if err != nil {
		return "", err
	}
	if !finish.Success {
		return "", crosspost.Transient(crosspost.Facebook, "reel finish", fmt.Errorf("not published"))
	}
	return start.VideoID, nil
}

func (a *Adapter) video(ctx context.Context, c call, video string) (string, error) {
	var out graph.ID
	_, err := a.client.Form(ctx, a.base+"/"+url.PathEscape(c.page)+"/videos", nil, url.Values{
		"file_url":     {video},
		"description":  {c.text},
		"access_token": {c.token},
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Best(), nil
}

func (a *Adapter) photo(ctx context.Context, c call, src string, published bool) (string, error) {
	v := url.Values{
		"url":          {src},
		"access_token": {c.token},
	}
	if published {
		v.Set("message", c.text)
	} else {
		v.Set("published", "false")
	}
	var out graph.ID
	if _, err := a.client.Form(ctx, a.base+"/"+url.PathEscape(c.page)+"/photos", nil, v, &out); err != nil {
		return "", err
	}
	if published {
		return out.Best(), nil
	}
	return out.ID, nil
}

// album uploads each image unpublished, skipping failures, and attaches
// the survivors to one feed post.
func (a *Adapter) album(ctx context.Context, c call, images []media.Item) (string, int, error) {
	var ids []string
	for _, img := range images {
		id, err := a.photo(ctx, c, img.URL, false)
		if err != nil {
			if crosspost.IsAuth(err) {
				return "", 0, err
			}
			a.log.Info("photo upload failed", logx.String("url", img.URL), logx.Err(err))
			continue
		}
		ids = append(ids, id)
	}
	id, err := a.feed(ctx, c, ids)
	return id, len(ids), err
}

func (a *Adapter) feed(ctx context.Context, c call, attached []string) (string, error) {
	v := url.Values{
		"message":      {c.text},
		"access_token": {c.token},
	}
	if link := c.post.ExternalLink; link != "" && len(attached) == 0 {
		v.Set("link", link)
	}
	for i, id := range attached {
		v.Set("attached_media["+strconv.Itoa(i)+"]", fmt.Sprintf(`{"media_fbid":%q}`, id))
	}
	var out graph.ID
	if _, err := a.client.Form(ctx, a.base+"/"+url.PathEscape(c.page)+"/feed", nil, v, &out); err != nil {
		return "", err
	}
	return out.Best(), nil
}
