// Package channels holds what every channel adapter shares: injected
// dependencies and the outcome bookkeeping around one adapter call.
package channels

import (
	"context"
	"errors"
	"strings"
	"time"

	"crosspost/internal/crosspost"
	"crosspost/internal/crosspost/httpapi"
	"crosspost/internal/crosspost/media"
	"crosspost/internal/crosspost/poll"
	"crosspost/internal/crosspost/session"
	logx "crosspost/pkg/logx"
)

// Tokens is the part of the token manager adapters use.
type Tokens interface {
	Access(ctx context.Context, s *crosspost.Settings) (string, error)
	Do(ctx context.Context, s *crosspost.Settings, call func(ctx context.Context, accessToken string) error) error
}

// Deps are injected into every adapter at process start.
type Deps struct {
	HTTP     httpapi.Doer
	Resolver media.Resolver
	Tokens   Tokens
	Sessions session.Cache
	// Sleep replaces the poll wait in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Log   logx.Logger
}

// TokenSource returns the injected token manager, or a static one that
// only reads the settings.
func (d Deps) TokenSource() Tokens {
	if d.Tokens != nil {
		return d.Tokens
	}
	return StaticTokens{}
}

// StaticTokens serves the access token stored in the settings and never
// refreshes.
type StaticTokens struct{}

func (StaticTokens) Access(_ context.Context, s *crosspost.Settings) (string, error) {
	if tok := s.AccessToken(); tok != "" {
		return tok, nil
	}
	return "", crosspost.Authentication(s.Channel, "access", errNoAccessToken)
}

func (t StaticTokens) Do(ctx context.Context, s *crosspost.Settings, call func(ctx context.Context, accessToken string) error) error {
	tok, err := t.Access(ctx, s)
	if err != nil {
		return err
	}
	return call(ctx, tok)
}

var errNoAccessToken = errors.New("no access token")

// Client returns the HTTP helper for ch.
func (d Deps) Client(ch crosspost.Channel) httpapi.Client { return httpapi.New(ch, d.HTTP) }

// Pipeline returns a media pipeline for ch.
func (d Deps) Pipeline(ch crosspost.Channel) media.Pipeline { return media.NewPipeline(ch, d.HTTP) }

// Poller builds a poller for ch with the given cadence.
func (d Deps) Poller(ch crosspost.Channel, interval time.Duration, attempts int) poll.Poller {
	return poll.Poller{Channel: ch, Interval: interval, MaxAttempts: attempts, Sleep: d.Sleep}
}

// Logger returns the adapter logger for ch.
func (d Deps) Logger(ch crosspost.Channel) logx.Logger {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return log.With(logx.String("comp", "channel"), logx.String("channel", string(ch)))
}

// Result converts what an adapter produced into its Outcome.
func Result(ch crosspost.Channel, contentID, fallback string, err error) crosspost.Outcome {
	if err != nil {
		o := crosspost.Failed(ch, err)
		o.Fallback = fallback
		return o
	}
	o := crosspost.Succeeded(ch, contentID)
	o.Fallback = fallback
	return o
}

// BaseURL returns override when set, otherwise def, without a trailing
// slash.
func BaseURL(override, def string) string {
	if u := strings.TrimSpace(override); u != "" {
		return strings.TrimRight(u, "/")
	}
	return strings.TrimRight(def, "/")
}
