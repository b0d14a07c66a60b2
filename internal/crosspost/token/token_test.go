package token

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/crosspost"
)

type memStore struct {
	mu    sync.Mutex
	saved []crosspost.TokenState
}

func (s *memStore) SaveToken(_ context.Context, _ string, _ crosspost.Channel, tok crosspost.TokenState) error {
	s.mu.Lock()
	s.saved = append(s.saved, tok)
	s.mu.Unlock()
	return nil
}

func tokenServer(t *testing.T, body string, status int, hits *int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "r1", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "cid", r.PostForm.Get("client_id"))
		assert.Equal(t, "csecret", r.PostForm.Get("client_secret"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func settings() crosspost.Settings {
	return crosspost.Settings{
		TenantID: "t1",
		Channel:  crosspost.Snapchat,
		Enabled:  true,
		Token:    &crosspost.TokenState{AccessToken: "old", RefreshToken: "r1", ExpiresAt: time.Now().Add(time.Hour)},
	}
}

func newManager(srv *httptest.Server, store *memStore) *Manager {
	return New(store, map[crosspost.Channel]Endpoint{
		crosspost.Snapchat: {TokenURL: srv.URL, ClientID: "cid", ClientSecret: "csecret"},
	}, WithHTTPClient(srv.Client()))
}

func TestDoRefreshesOnceOnAuthFailure(t *testing.T) {
	hits := 0
	srv := tokenServer(t, `{"access_token":"new","token_type":"bearer","expires_in":3600}`, http.StatusOK, &hits)
	store := &memStore{}
	m := newManager(srv, store)
	s := settings()

	var seen []string
	err := m.Do(context.Background(), &s, func(_ context.Context, tok string) error {
		seen = append(seen, tok)
		if tok == "old" {
			return crosspost.Authentication(crosspost.Snapchat, "publish", errors.New("401"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "new"}, seen)
	assert.Equal(t, 1, hits)

	require.Len(t, store.saved, 1)
	assert.Equal(t, "new", store.saved[0].AccessToken)
	assert.Equal(t, "r1", store.saved[0].RefreshToken, "unrotated refresh token must be kept")
	assert.Equal(t, "new", s.Token.AccessToken)
}

func TestDoSecondAuthFailureIsTerminal(t *testing.T) {
	hits := 0
	srv := tokenServer(t, `{"access_token":"new","refresh_token":"r2","token_type":"bearer"}`, http.StatusOK, &hits)
	m := newManager(srv, &memStore{})
	s := settings()

	calls := 0
	err := m.Do(context.Background(), &s, func(context.Context, string) error {
		calls++
		return crosspost.Authentication(crosspost.Snapchat, "publish", errors.New("401"))
	})
	assert.True(t, crosspost.IsAuth(err))
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, hits)
	assert.Equal(t, "r2", s.Token.RefreshToken)
}

func TestRefreshFailureAbortsWithoutRetry(t *testing.T) {
	hits := 0
	srv := tokenServer(t, `{"error":"invalid_grant"}`, http.StatusBadRequest, &hits)
	store := &memStore{}
	m := newManager(srv, store)
	s := settings()

	calls := 0
	err := m.Do(context.Background(), &s, func(context.Context, string) error {
		calls++
		return crosspost.Authentication(crosspost.Snapchat, "publish", errors.New("401"))
	})
	assert.True(t, crosspost.IsAuth(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, store.saved)
	assert.Equal(t, "old", s.Token.AccessToken)
}

func TestAccessRefreshesProactively(t *testing.T) {
	hits := 0
	srv := tokenServer(t, `{"access_token":"fresh","token_type":"bearer","expires_in":3600}`, http.StatusOK, &hits)
	m := newManager(srv, &memStore{})
	s := settings()
	s.Token.ExpiresAt = time.Now().Add(2 * time.Minute)

	tok, err := m.Access(context.Background(), &s)
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
	assert.Equal(t, 1, hits)

	tok, err = m.Access(context.Background(), &s)
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
	assert.Equal(t, 1, hits, "valid token must not be refreshed again")
}

func TestSweepOnlyTouchesExpiringTokens(t *testing.T) {
	hits := 0
	srv := tokenServer(t, `{"access_token":"fresh","token_type":"bearer","expires_in":3600}`, http.StatusOK, &hits)
	m := newManager(srv, &memStore{})

	soon := settings()
	soon.Token.ExpiresAt = time.Now().Add(time.Minute)
	later := settings()
	disabled := settings()
	disabled.Enabled = false
	disabled.Token.ExpiresAt = time.Now().Add(time.Minute)
	other := settings()
	other.Channel = crosspost.Mastodon
	other.Token.ExpiresAt = time.Now().Add(time.Minute)

	n, err := m.Sweep(context.Background(), []crosspost.Settings{soon, later, disabled, other})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, hits)
}
