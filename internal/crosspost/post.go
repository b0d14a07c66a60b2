// Package crosspost holds the domain model shared by the dispatcher, the
// media pipeline and the channel adapters.
package crosspost

import (
	"strings"
	"time"
)

// Shape selects the publication shape on ephemeral-media channels.
type Shape string

const (
	ShapeSpotlight  Shape = "spotlight"
	ShapeStory      Shape = "story"
	ShapeSavedStory Shape = "saved_story"
)

// MediaRef points at one media object, either by absolute URL or by a key
// in the tenant's media bucket (resolved against the CDN base).
type MediaRef struct {
	URL         string `json:"url,omitempty"`
	Key         string `json:"key,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

func (m *MediaRef) IsZero() bool {
	return m == nil || (strings.TrimSpace(m.URL) == "" && strings.TrimSpace(m.Key) == "")
}

// Post is one authored newsfeed entry. Adapters only read it.
type Post struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Video        *MediaRef  `json:"video,omitempty"`
	Thumbnail    *MediaRef  `json:"thumbnail,omitempty"`
	Images       []MediaRef `json:"images,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	Location     string     `json:"location,omitempty"`
	ExternalLink string     `json:"externalLink,omitempty"`
	IsShort      bool       `json:"isShort,omitempty"`
	Shape        Shape      `json:"shape,omitempty"`
	TenantName   string     `json:"tenantName,omitempty"`
	CreatedAt    time.Time  `json:"createdAt,omitempty"`
}

// HasVideo reports whether the post carries a video reference.
func (p Post) HasVideo() bool { return !p.Video.IsZero() }

// HasMedia reports whether the post carries any video or image.
func (p Post) HasMedia() bool {
	if p.HasVideo() {
		return true
	}
	for i := range p.Images {
		if !p.Images[i].IsZero() {
			return true
		}
	}
	return false
}

// PublishShape returns the effective ephemeral-media shape.
func (p Post) PublishShape() Shape {
	switch Shape(strings.ToLower(strings.TrimSpace(string(p.Shape)))) {
	case ShapeStory:
		return ShapeStory
	case ShapeSavedStory:
		return ShapeSavedStory
	default:
		return ShapeSpotlight
	}
}

// Clone returns a deep copy so each adapter works on its own value.
func (p Post) Clone() Post {
	cp := p
	if p.Video != nil {
		v := *p.Video
		cp.Video = &v
	}
	if p.Thumbnail != nil {
		v := *p.Thumbnail
		cp.Thumbnail = &v
	}
	if p.Images != nil {
		cp.Images = append([]MediaRef(nil), p.Images...)
	}
	if p.Tags != nil {
		cp.Tags = append([]string(nil), p.Tags...)
	}
	return cp
}
