package storage

import (
	"context"
	"errors"
	"time"

	"crosspost/internal/crosspost"
	"crosspost/internal/messaging"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot written atomically, outcomes in a JSONL audit file
//   - "sqlite": SQLite database file (modernc.org/sqlite)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Outbox row states.
const (
	OutboxPending = "pending"
	OutboxClaimed = "claimed"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutcomeEntry is one audit row: the outcome of one adapter call.
type OutcomeEntry struct {
	At         time.Time         `json:"at"`
	DispatchID string            `json:"dispatchId"`
	TenantID   string            `json:"tenantId"`
	PostID     string            `json:"postId"`
	Outcome    crosspost.Outcome `json:"outcome"`
}

// Store is the persistence API used by the dispatcher, the token manager,
// the messaging layer and maintenance jobs.
type Store interface {
	// settings
	ListSettings(ctx context.Context, tenantID string) ([]crosspost.Settings, error)
	AllSettings(ctx context.Context) ([]crosspost.Settings, error)
	GetSettings(ctx context.Context, tenantID string, ch crosspost.Channel) (crosspost.Settings, bool, error)
	PutSettings(ctx context.Context, s crosspost.Settings) error
	SaveToken(ctx context.Context, tenantID string, ch crosspost.Channel, tok crosspost.TokenState) error

	// tenants
	PutTenant(ctx context.Context, t messaging.Tenant) error
	ResolveTenant(ctx context.Context, code string) (messaging.Tenant, bool, error)

	// subscribers
	ListSubscribers(ctx context.Context, tenantID string) ([]messaging.Subscriber, error)
	SubscriptionsFor(ctx context.Context, phone string) ([]messaging.Subscriber, error)
	PutSubscriber(ctx context.Context, s messaging.Subscriber) error
	DeleteSubscriber(ctx context.Context, tenantID, phone string) error

	// outbox
	EnqueueOutbox(ctx context.Context, batch []messaging.Descriptor) error
	ClaimOutbox(ctx context.Context, limit int, now time.Time) ([]messaging.Envelope, error)
	AckOutbox(ctx context.Context, id string) error
	FailOutbox(ctx context.Context, id, reason string) error
	RequeueStale(ctx context.Context, claimedBefore time.Time) (int, error)

	// counters
	IncrementPosts(ctx context.Context, tenantID string, ch crosspost.Channel) error
	ResetPostCounters(ctx context.Context) error
	PostCounters(ctx context.Context, tenantID string) (map[crosspost.Channel]int, error)

	AppendOutcome(ctx context.Context, dispatchID, tenantID, postID string, o crosspost.Outcome) error
	Close() error
}

func settingsKey(tenantID string, ch crosspost.Channel) string {
	return tenantID + "|" + string(ch)
}

func subscriberKey(tenantID, phone string) string { return tenantID + "|" + phone }
