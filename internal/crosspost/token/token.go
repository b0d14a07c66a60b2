// Package token keeps OAuth2 channel credentials fresh: proactive refresh
// before expiry, one refresh-and-retry on authentication failures, and a
// periodic sweep.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"crosspost/internal/crosspost"
	logx "crosspost/pkg/logx"
)

// DefaultSkew is how long before expiry a token is refreshed proactively.
const DefaultSkew = 5 * time.Minute

var ErrNoRefreshToken = errors.New("no refresh token")

// Endpoint is the token endpoint plus client credentials of one channel.
// Settings credentials "client_id"/"client_secret" override the client pair.
type Endpoint struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

type Manager struct {
	store     crosspost.TokenStore
	endpoints map[crosspost.Channel]Endpoint
	http      *http.Client
	skew      time.Duration
	now       func() time.Time
	log       logx.Logger

	locks sync.Map // tenant/channel -> *sync.Mutex
}

type Option func(*Manager)

func WithHTTPClient(c *http.Client) Option { return func(m *Manager) { m.http = c } }
func WithSkew(d time.Duration) Option      { return func(m *Manager) { m.skew = d } }
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}
func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }

func New(store crosspost.TokenStore, endpoints map[crosspost.Channel]Endpoint, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		endpoints: endpoints,
		skew:      DefaultSkew,
		now:       time.Now,
		log:       logx.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.With(logx.String("comp", "token"))
	return m
}

// Manages reports whether ch has a token endpoint configured.
func (m *Manager) Manages(ch crosspost.Channel) bool {
	ep, ok := m.endpoints[ch]
	return ok && strings.TrimSpace(ep.TokenURL) != ""
}

func (m *Manager) lock(s *crosspost.Settings) func() {
	v, _ := m.locks.LoadOrStore(s.TenantID+"/"+string(s.Channel), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Refresh exchanges the refresh token, persists the result and updates s
// in place. Any failure is an authentication error.
func (m *Manager) Refresh(ctx context.Context, s *crosspost.Settings) error {
	unlock := m.lock(s)
	defer unlock()
	return m.refreshLocked(ctx, s)
}

func (m *Manager) refreshLocked(ctx context.Context, s *crosspost.Settings) error {
	if s.Token == nil || strings.TrimSpace(s.Token.RefreshToken) == "" {
		return crosspost.Authentication(s.Channel, "refresh", ErrNoRefreshToken)
	}
	ep, ok := m.endpoints[s.Channel]
	if !ok || ep.TokenURL == "" {
		return crosspost.Authentication(s.Channel, "refresh", fmt.Errorf("no token endpoint for %s", s.Channel))
	}
	if id := s.Get("client_id"); id != "" {
		ep.ClientID = id
	}
	if secret := s.Get("client_secret"); secret != "" {
		ep.ClientSecret = secret
	}

	cfg := oauth2.Config{
		ClientID:     ep.ClientID,
		ClientSecret: ep.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: ep.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
	if m.http != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.http)
	}
	old := *s.Token
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: old.RefreshToken, Expiry: m.now().Add(-time.Minute)})
	tok, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return &crosspost.Error{Class: crosspost.ClassAuthentication, Channel: s.Channel, Op: "refresh", Status: re.Response.StatusCode, Err: err}
		}
		return crosspost.Authentication(s.Channel, "refresh", err)
	}

	next := crosspost.TokenState{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = old.RefreshToken
	}
	if m.store != nil {
		if err := m.store.SaveToken(ctx, s.TenantID, s.Channel, next); err != nil {
			m.log.Warn("persist refreshed token failed",
				logx.String("tenant", s.TenantID), logx.String("channel", string(s.Channel)), logx.Err(err))
		}
	}
	s.Token = &next
	m.log.Info("token refreshed",
		logx.String("tenant", s.TenantID),
		logx.String("channel", string(s.Channel)),
		logx.Bool("rotated", next.RefreshToken != old.RefreshToken),
		logx.Time("expires_at", next.ExpiresAt))
	return nil
}

// Access returns a usable access token, refreshing first when it is
// missing or expires within the skew.
func (m *Manager) Access(ctx context.Context, s *crosspost.Settings) (string, error) {
	unlock := m.lock(s)
	defer unlock()

	hasRefresh := s.Token != nil && strings.TrimSpace(s.Token.RefreshToken) != ""
	if hasRefresh && (s.AccessToken() == "" || s.Token.ExpiresWithin(m.now(), m.skew)) {
		if err := m.refreshLocked(ctx, s); err != nil {
			return "", err
		}
	}
	tok := s.AccessToken()
	if tok == "" {
		return "", crosspost.Authentication(s.Channel, "access", errors.New("no access token"))
	}
	return tok, nil
}

// Do runs call with a valid token. An authentication failure triggers one
// refresh and exactly one retry.
func (m *Manager) Do(ctx context.Context, s *crosspost.Settings, call func(ctx context.Context, accessToken string) error) error {
	tok, err := m.Access(ctx, s)
	if err != nil {
		return err
	}
	err = call(ctx, tok)
	if err == nil || !crosspost.IsAuth(err) {
		return err
	}
	if s.Token == nil || s.Token.RefreshToken == "" {
		return err
	}
	m.log.Debug("authentication rejected, refreshing once",
		logx.String("tenant", s.TenantID), logx.String("channel", string(s.Channel)))
	if rerr := m.Refresh(ctx, s); rerr != nil {
		return rerr
	}
	return call(ctx, s.AccessToken())
}

// Sweep refreshes every managed token that expires within the skew and
// returns how many were refreshed.
func (m *Manager) Sweep(ctx context.Context, all []crosspost.Settings) (int, error) {
	var (
		n    int
		errs []error
	)
	now := m.now()
	for i := range all {
		s := &all[i]
		if !s.Enabled || !m.Manages(s.Channel) || s.Token == nil || s.Token.RefreshToken == "" {
			continue
		}
		if !s.Token.ExpiresWithin(now, m.skew) {
			continue
		}
		if err := m.Refresh(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", s.TenantID, s.Channel, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
