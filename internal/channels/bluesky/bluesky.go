// Package bluesky publishes posts to the AT protocol: session login, blob
// upload and feed post records with link and hashtag facets.
package bluesky

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"

	"crosspost/internal/channels"
	"crosspost/internal/crosspost"
	"crosspost/internal/crosspost/httpapi"
	"crosspost/internal/crosspost/media"
	"crosspost/internal/crosspost/message"
	"crosspost/internal/crosspost/session"
	logx "crosspost/pkg/logx"
)

const (
	DefaultBaseURL    = "https://bsky.social/xrpc"
	MaxText           = 300
	ImageLimit        = 976_560
	VideoLimit        = 50 << 20
	maxImages         = 4
	maxCardText       = 200
	defaultSessionTTL = 90 * time.Minute
	sessionSkew       = time.Minute
)

type Config struct {
	BaseURL string
}

type Adapter struct {
	cfg      Config
	base     string
	client   httpapi.Client
	pipeline media.Pipeline
	resolver media.Resolver
	sessions session.Cache
	log      logx.Logger
}

func New(cfg Config, deps channels.Deps) *Adapter {
	sessions := deps.Sessions
	if sessions == nil {
		sessions = session.NewMemory(0)
	}
	return &Adapter{
		cfg:      cfg,
		base:     channels.BaseURL(cfg.BaseURL, DefaultBaseURL),
		client:   deps.Client(crosspost.Bluesky),
		pipeline: deps.Pipeline(crosspost.Bluesky),
		resolver: deps.Resolver,
		sessions: sessions,
		log:      deps.Logger(crosspost.Bluesky),
	}
}

func (a *Adapter) Channel() crosspost.Channel { return crosspost.Bluesky }
func (a *Adapter) Kind() crosspost.Kind       { return crosspost.KindDecentralized }

func (a *Adapter) Check(s crosspost.Settings, _ crosspost.Post) error {
	return s.Require("handle", "app_password")
}

type atSession struct {
	AccessJwt string `json:"accessJwt"`
	Did       string `json:"did"`
}

func (a *Adapter) Dispatch(ctx context.Context, tenantID string, p crosspost.Post, s crosspost.Settings) crosspost.Outcome {
	key := session.Key{Tenant: tenantID, Channel: crosspost.Bluesky}
	text := message.Build(p, message.Style{MaxLen: MaxText, Prefix: message.DefaultPrefix, Tags: true})

	var (
		uri      string
		fallback string
	)
	attempt := func(fresh bool) error {
		sess, err := a.session(ctx, key, s, fresh)
		if err != nil {
			return err
		}
		var embed any
		embed, fallback, err = a.embed(ctx, sess, p)
		if err != nil {
			return err
		}
		uri, err = a.createRecord(ctx, sess, text, embed)
		return err
	}

	err := attempt(false)
	if crosspost.IsAuth(err) {
		a.log.Debug("session rejected, logging in again", logx.String("tenant", tenantID))
		_ = a.sessions.Delete(ctx, key)
		err = attempt(true)
	}
	return channels.Result(crosspost.Bluesky, uri, fallback, err)
}

func (a *Adapter) session(ctx context.Context, key session.Key, s crosspost.Settings, fresh bool) (atSession, error) {
	var sess atSession
	if !fresh {
		if ok, err := a.sessions.Get(ctx, key, &sess); err == nil && ok && sess.AccessJwt != "" {
			return sess, nil
		}
	}
	_, err := a.client.JSON(ctx, http.MethodPost, a.base+"/com.atproto.server.createSession", nil, map[string]string{
		"identifier": s.Get("handle"),
		"password":   s.Get("app_password"),
	}, &sess)
	if err != nil {
		// Bad app passwords come back as 400/401; both are credential problems.
		if st := httpapi.StatusOf(err); st == http.StatusBadRequest || st == http.StatusUnauthorized {
			return atSession{}, crosspost.Authentication(crosspost.Bluesky, "createSession", err)
		}
		return atSession{}, err
	}
	if err := a.sessions.Put(ctx, key, sess, sessionTTL(sess.AccessJwt, time.Now())); err != nil {
		a.log.Warn("cache session failed", logx.Err(err))
	}
	return sess, nil
}

// sessionTTL follows the access JWT expiry, minus a skew.
func sessionTTL(accessJwt string, now time.Time) time.Duration {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(accessJwt, claims); err != nil {
		return defaultSessionTTL
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return defaultSessionTTL
	}
	return time.Unix(int64(exp), 0).Sub(now) - sessionSkew
}

type blobRef = map[string]any

var errEmptyBlob = errors.New("upload response without blob")

func (a *Adapter) uploadBlob(ctx context.Context, sess atSession, url string, limit int64, kinds ...string) (blobRef, error) {
	var blob blobRef
	up := media.UploadFunc(func(ctx context.Context, b media.Blob) (media.Handle, error) {
		var out struct {
			Blob blobRef `json:"blob"`
		}
		_, err := a.client.Raw(ctx, http.MethodPost, a.base+"/com.atproto.repo.uploadBlob",
			httpapi.Bearer(sess.AccessJwt), b.ContentType, b.Data, &out)
		if err != nil {
			if crosspost.IsAuth(err) {
				return media.Handle{}, err
			}
			return media.Handle{}, crosspost.MediaConstraint(crosspost.Bluesky, "uploadBlob", err)
		}
		if out.Blob == nil {
			return media.Handle{}, crosspost.MediaConstraint(crosspost.Bluesky, "uploadBlob", errEmptyBlob)
		}
		blob = out.Blob
		return media.Handle{}, nil
	})
	if _, err := a.pipeline.Transfer(ctx, url, media.Constraints{MaxBytes: limit, Kinds: kinds}, up); err != nil {
		return nil, err
	}
	return blob, nil
}

// embed walks the media fallback chain: video, thumbnail, images,
// external card. A media failure never aborts the post.
func (a *Adapter) embed(ctx context.Context, sess atSession, p crosspost.Post) (any, string, error) {
	alt := strings.TrimSpace(p.Title)
	degraded := false

	if u := a.resolver.VideoURL(p); u != "" {
		blob, err := a.uploadBlob(ctx, sess, u, VideoLimit, "video/")
		switch {
		case err == nil:
			return map[string]any{"$type": "app.bsky.embed.video", "video": blob, "alt": alt}, "", nil
		case crosspost.IsAuth(err):
			return nil, "", err
		}
		a.log.Info("video upload failed, trying thumbnail", logx.Err(err))
		degraded = true

		if thumb := a.resolver.ThumbnailURL(p); thumb != "" {
			blob, err := a.uploadBlob(ctx, sess, thumb, ImageLimit, "image/")
			if err == nil {
				return imagesEmbed(alt, blob), crosspost.FallbackThumbnail, nil
			}
			if crosspost.IsAuth(err) {
				return nil, "", err
			}
		}
	}

	var blobs []blobRef
	for _, img := range a.resolver.Images(p) {
		if len(blobs) == maxImages {
			break
		}
		blob, err := a.uploadBlob(ctx, sess, img.URL, ImageLimit, "image/")
		if err != nil {
			if crosspost.IsAuth(err) {
				return nil, "", err
			}
			a.log.Info("image upload failed", logx.String("url", img.URL), logx.Err(err))
			degraded = true
			continue
		}
		blobs = append(blobs, blob)
	}
	if len(blobs) > 0 {
		fb := ""
		if a.resolver.VideoURL(p) != "" {
			fb = crosspost.FallbackImages
		}
		return imagesEmbed(alt, blobs...), fb, nil
	}

	if link := strings.TrimSpace(p.ExternalLink); link != "" {
		fb := ""
		if degraded {
			fb = crosspost.FallbackExternalCard
		}
		return map[string]any{
			"$type": "app.bsky.embed.external",
			"external": map[string]string{
				"uri":         link,
				"title":       p.Title,
				"description": message.Truncate(strings.TrimSpace(p.Description), maxCardText),
			},
		}, fb, nil
	}
	if degraded {
		return nil, crosspost.FallbackTextOnly, nil
	}
	return nil, "", nil
}

func imagesEmbed(alt string, blobs ...blobRef) map[string]any {
	images := make([]map[string]any, 0, len(blobs))
	for _, b := range blobs {
		images = append(images, map[string]any{"alt": alt, "image": b})
	}
	return map[string]any{"$type": "app.bsky.embed.images", "images": images}
}

func (a *Adapter) createRecord(ctx context.Context, sess atSession, text string, embed any) (string, error) {
	record := map[string]any{
		"$type":     "app.bsky.feed.post",
		"text":      text,
		"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if facets := Facets(text); len(facets) > 0 {
		record["facets"] = facets
	}
	if embed != nil {
		record["embed"] = embed
	}
	var out struct {
		URI string `json:"uri"`
		CID string `json:"cid"`
	}
	_, err := a.client.JSON(ctx, http.MethodPost, a.base+"/com.atproto.repo.createRecord", httpapi.Bearer(sess.AccessJwt), map[string]any{
		"repo":       sess.Did,
		"collection": "app.bsky.feed.post",
		"record":     record,
	}, &out)
	return out.URI, err
}

var (
	urlPattern     = regexp.MustCompile(`https?://[^\s]+`)
	hashtagPattern = regexp.MustCompile(`#(\w+)`)
)

type Facet struct {
	Index    FacetIndex       `json:"index"`
	Features []map[string]any `json:"features"`
}

type FacetIndex struct {
	ByteStart int `json:"byteStart"`
	ByteEnd   int `json:"byteEnd"`
}

// Facets marks URLs and hashtags by UTF-8 byte offsets.
func Facets(text string) []Facet {
	var out []Facet
	for _, m := range urlPattern.FindAllStringIndex(text, -1) {
		out = append(out, Facet{
			Index:    FacetIndex{ByteStart: m[0], ByteEnd: m[1]},
			Features: []map[string]any{{"$type": "app.bsky.richtext.facet#link", "uri": text[m[0]:m[1]]}},
		})
	}
	for _, m := range hashtagPattern.FindAllStringSubmatchIndex(text, -1) {
		out = append(out, Facet{
			Index:    FacetIndex{ByteStart: m[0], ByteEnd: m[1]},
			Features: []map[string]any{{"$type": "app.bsky.richtext.facet#tag", "tag": text[m[2]:m[3]]}},
		})
	}
	return out
}
