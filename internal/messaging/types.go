// Package messaging fans a post out to direct-messaging subscribers: small
// audiences are served inline, large ones through a queue drained by a
// rate-limited consumer.
package messaging

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoSender = errors.New("messaging: no sender configured")
	ErrNoQueue  = errors.New("messaging: no queue configured")
)

// Status of one subscription.
type Status string

const (
	StatusActive       Status = "active"
	StatusUnsubscribed Status = "unsubscribed"
)

// Subscriber is one phone number subscribed to one tenant.
type Subscriber struct {
	TenantID     string    `json:"tenantId"`
	TenantName   string    `json:"tenantName,omitempty"`
	Phone        string    `json:"phone"`
	Status       Status    `json:"status"`
	SubscribedAt time.Time `json:"subscribedAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Active filters subs down to active subscriptions.
func Active(subs []Subscriber) []Subscriber {
	out := make([]Subscriber, 0, len(subs))
	for _, s := range subs {
		if s.Status == StatusActive {
			out = append(out, s)
		}
	}
	return out
}

// Descriptor is one queued message. Follow-up descriptors carry a nil Text
// and exactly one media item.
type Descriptor struct {
	ID        string  `json:"id"`
	BatchID   string  `json:"batchId,omitempty"`
	TenantID  string  `json:"tenantId"`
	To        string  `json:"to"`
	Text      *string `json:"text"`
	MediaURL  string  `json:"mediaUrl,omitempty"`
	MediaType string  `json:"mediaType,omitempty"`
}

// Envelope is a descriptor claimed from the outbox.
type Envelope struct {
	Descriptor
	Attempts  int       `json:"attempts"`
	ClaimedAt time.Time `json:"claimedAt"`
}

// Sender delivers one descriptor to its recipient.
type Sender interface {
	Send(ctx context.Context, d Descriptor) error
}

// Queue accepts batches of descriptors for asynchronous delivery.
type Queue interface {
	Enqueue(ctx context.Context, batch []Descriptor) error
}

// Outbox is the persistent queue table.
type Outbox interface {
	EnqueueOutbox(ctx context.Context, batch []Descriptor) error
	ClaimOutbox(ctx context.Context, limit int, now time.Time) ([]Envelope, error)
	AckOutbox(ctx context.Context, id string) error
	FailOutbox(ctx context.Context, id, reason string) error
	RequeueStale(ctx context.Context, claimedBefore time.Time) (int, error)
}

// SubscriberStore is the subscription set the command processor mutates.
type SubscriberStore interface {
	ListSubscribers(ctx context.Context, tenantID string) ([]Subscriber, error)
	SubscriptionsFor(ctx context.Context, phone string) ([]Subscriber, error)
	PutSubscriber(ctx context.Context, s Subscriber) error
	DeleteSubscriber(ctx context.Context, tenantID, phone string) error
}
