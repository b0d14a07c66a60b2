// Package whatsapp fans posts out to WhatsApp subscribers through the bulk
// messaging batcher.
package whatsapp

import (
	"context"
	"fmt"
	"strings"

	"crosspost/internal/channels"
	"crosspost/internal/crosspost"
	"crosspost/internal/crosspost/media"
	"crosspost/internal/crosspost/message"
	"crosspost/internal/messaging"
	logx "crosspost/pkg/logx"
)

const maxDescription = 500

// Subscribers lists a tenant's subscription set.
type Subscribers interface {
	ListSubscribers(ctx context.Context, tenantID string) ([]messaging.Subscriber, error)
}

type Adapter struct {
	batcher     *messaging.Batcher
	subscribers Subscribers
	resolver    media.Resolver
	log         logx.Logger
}

func New(batcher *messaging.Batcher, subs Subscribers, deps channels.Deps) *Adapter {
	return &Adapter{batcher: batcher, subscribers: subs, resolver: deps.Resolver, log: deps.Logger(crosspost.WhatsApp)}
}

func (a *Adapter) Channel() crosspost.Channel { return crosspost.WhatsApp }
func (a *Adapter) Kind() crosspost.Kind       { return crosspost.KindDirectMessaging }

func (a *Adapter) Check(s crosspost.Settings, _ crosspost.Post) error { return s.Require() }

// Text renders the broadcast message in WhatsApp markup.
func Text(tenantName string, p crosspost.Post) string {
	var b strings.Builder
	b.WriteString("📢 *" + strings.TrimSpace(tenantName) + "*\n\n")
	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = message.DefaultPlaceholder
	}
	b.WriteString("*" + title + "*\n")
	if desc := message.Detail(p.Title, p.Description); desc != "" {
		b.WriteString("\n" + message.Truncate(desc, maxDescription) + "\n")
	}
	if tags := message.Tags(p.Tags); tags != "" {
		b.WriteString("\n" + tags + "\n")
	}
	if link := strings.TrimSpace(p.ExternalLink); link != "" {
		b.WriteString("\n🔗 " + link)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *Adapter) Dispatch(ctx context.Context, tenantID string, p crosspost.Post, _ crosspost.Settings) crosspost.Outcome {
	subs, err := a.subscribers.ListSubscribers(ctx, tenantID)
	if err != nil {
		return channels.Result(crosspost.WhatsApp, "", "", crosspost.Transient(crosspost.WhatsApp, "subscribers", err))
	}
	name := p.TenantName
	if name == "" {
		name = tenantID
	}
	items := a.resolver.Plan(p, true).All()

	res, err := a.batcher.Send(ctx, tenantID, Text(name, p), items, subs)
	if err != nil {
		return channels.Result(crosspost.WhatsApp, "", "", crosspost.Transient(crosspost.WhatsApp, "send", err))
	}
	a.log.Info("whatsapp fan-out",
		logx.String("mode", string(res.Mode)),
		logx.Int("recipients", res.Recipients),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Int("enqueued", res.Enqueued))
	if res.Mode == messaging.ModeDirect && res.Recipients > 0 && res.Sent == 0 {
		return channels.Result(crosspost.WhatsApp, "", "", crosspost.Transient(crosspost.WhatsApp, "send", fmt.Errorf("all %d direct sends failed", res.Failed)))
	}
	return channels.Result(crosspost.WhatsApp, summary(res), "", nil)
}

func summary(r messaging.BatchResult) string {
	if r.Mode == messaging.ModeQueued {
		return fmt.Sprintf("queued:%d/%d", r.Enqueued, r.Batches)
	}
	return fmt.Sprintf("direct:%d/%d", r.Sent, r.Recipients)
}
