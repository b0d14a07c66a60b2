// Package media resolves post media to URLs and moves bytes to channels:
// fetch with size limits, then single-shot, multipart or encrypted
// three-phase upload.
package media

import (
	"strings"

	"crosspost/internal/crosspost"
)

type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Item is one resolved, fetchable media object.
type Item struct {
	URL         string
	Kind        Kind
	ContentType string
}

// Plan is the ordered media of one post: the primary item goes with the
// first message, follow-ups go one per message.
type Plan struct {
	Primary   *Item
	FollowUps []Item
}

// All returns the primary followed by the follow-ups.
func (p Plan) All() []Item {
	if p.Primary == nil {
		return nil
	}
	return append([]Item{*p.Primary}, p.FollowUps...)
}

// Resolver turns media references into URLs. Keys are resolved against
// CDNBase (a host or an absolute base URL).
type Resolver struct {
	CDNBase string
}

func (r Resolver) URL(m *crosspost.MediaRef) string {
	if m.IsZero() {
		return ""
	}
	if u := strings.TrimSpace(m.URL); u != "" {
		return u
	}
	key := strings.TrimLeft(strings.TrimSpace(m.Key), "/")
	base := strings.TrimRight(strings.TrimSpace(r.CDNBase), "/")
	if base == "" {
		return ""
	}
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return base + "/" + key
}

func (r Resolver) VideoURL(p crosspost.Post) string     { return r.URL(p.Video) }
func (r Resolver) ThumbnailURL(p crosspost.Post) string { return r.URL(p.Thumbnail) }

// Images returns the post images in order, skipping unresolvable entries.
func (r Resolver) Images(p crosspost.Post) []Item {
	out := make([]Item, 0, len(p.Images))
	for i := range p.Images {
		if u := r.URL(&p.Images[i]); u != "" {
			out = append(out, Item{URL: u, Kind: KindImage, ContentType: p.Images[i].ContentType})
		}
	}
	return out
}

// Plan orders the post media. The video comes first when present and
// supported by the channel.
func (r Resolver) Plan(p crosspost.Post, supportsVideo bool) Plan {
	var items []Item
	if supportsVideo {
		if u := r.VideoURL(p); u != "" {
			items = append(items, Item{URL: u, Kind: KindVideo, ContentType: p.Video.ContentType})
		}
	}
	items = append(items, r.Images(p)...)
	if len(items) == 0 {
		return Plan{}
	}
	primary := items[0]
	return Plan{Primary: &primary, FollowUps: items[1:]}
}
