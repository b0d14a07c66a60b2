package crosspost

import (
	"context"
	"time"
)

// Kind groups adapters by protocol family.
type Kind string

const (
	KindDecentralized   Kind = "decentralized"
	KindFederated       Kind = "federated"
	KindEphemeralMedia  Kind = "ephemeral-media"
	KindDirectMessaging Kind = "direct-messaging"
	KindGenericWebhook  Kind = "generic-webhook"
	KindSocialVideo     Kind = "social-video"
)

// Fallback values recorded on an Outcome when the primary media path was
// replaced.
const (
	FallbackThumbnail    = "thumbnail"
	FallbackImages       = "images"
	FallbackTextOnly     = "text_only"
	FallbackVideoPost    = "video_post"
	FallbackExternalCard = "external_card"
)

// Outcome is the result of one adapter call within one dispatch.
type Outcome struct {
	Channel   Channel       `json:"channel"`
	Success   bool          `json:"success"`
	Skipped   bool          `json:"skipped,omitempty"`
	ContentID string        `json:"contentId,omitempty"`
	Class     ErrorClass    `json:"class,omitempty"`
	Error     string        `json:"error,omitempty"`
	Fallback  string        `json:"fallback,omitempty"`
	Took      time.Duration `json:"took"`
}

// Succeeded builds a success outcome.
func Succeeded(ch Channel, contentID string) Outcome {
	return Outcome{Channel: ch, Success: true, ContentID: contentID}
}

// Failed converts err into a failed outcome. Configuration errors become
// skips.
func Failed(ch Channel, err error) Outcome {
	o := Outcome{Channel: ch, Class: ClassOf(err)}
	if err != nil {
		o.Error = err.Error()
	}
	if o.Class == ClassConfiguration {
		o.Skipped = true
	}
	return o
}

// Adapter is the uniform contract every channel implements.
type Adapter interface {
	Channel() Channel
	Kind() Kind
	// Check returns a configuration error when the channel must be skipped
	// for this post (disabled, missing credentials, post not applicable).
	Check(s Settings, p Post) error
	// Dispatch never panics on channel failures; every error is reported
	// through the returned Outcome.
	Dispatch(ctx context.Context, tenantID string, p Post, s Settings) Outcome
}

// Report aggregates the outcomes of one dispatch.
type Report struct {
	DispatchID string        `json:"dispatchId"`
	TenantID   string        `json:"tenantId"`
	PostID     string        `json:"postId"`
	Started    time.Time     `json:"started"`
	Took       time.Duration `json:"took"`
	Outcomes   []Outcome     `json:"outcomes"`
}

func (r Report) count(fn func(Outcome) bool) int {
	n := 0
	for _, o := range r.Outcomes {
		if fn(o) {
			n++
		}
	}
	return n
}

func (r Report) Succeeded() int { return r.count(func(o Outcome) bool { return o.Success }) }
func (r Report) Skipped() int   { return r.count(func(o Outcome) bool { return o.Skipped }) }
func (r Report) Failed() int {
	return r.count(func(o Outcome) bool { return !o.Success && !o.Skipped })
}

// Outcome returns the outcome for ch, if the channel was considered.
func (r Report) Outcome(ch Channel) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Channel == ch {
			return o, true
		}
	}
	return Outcome{}, false
}
