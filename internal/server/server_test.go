package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/crosspost"
	"crosspost/internal/messaging"
	logx "crosspost/pkg/logx"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	tenant string
	post   crosspost.Post
}

func (f *fakeDispatcher) Go(tenantID string, p crosspost.Post) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenant, f.post = tenantID, p
	return "d-1"
}

func (f *fakeDispatcher) Dispatch(_ context.Context, tenantID string, p crosspost.Post) crosspost.Report {
	return crosspost.Report{
		DispatchID: "d-2",
		TenantID:   tenantID,
		PostID:     p.ID,
		Outcomes:   []crosspost.Outcome{crosspost.Succeeded(crosspost.Slack, "ok")},
	}
}

type fakeCommands struct{}

func (fakeCommands) Handle(_ context.Context, phone, text string) (string, error) {
	return phone + ":" + strings.ToUpper(text), nil
}

type fakeSettings struct {
	mu       sync.Mutex
	settings map[string]crosspost.Settings
	tenants  []messaging.Tenant
}

func (f *fakeSettings) GetSettings(_ context.Context, tenantID string, ch crosspost.Channel) (crosspost.Settings, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.settings[tenantID+"/"+string(ch)]
	return s, ok, nil
}

func (f *fakeSettings) PutSettings(_ context.Context, s crosspost.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[s.TenantID+"/"+string(s.Channel)] = s
	return nil
}

func (f *fakeSettings) PutTenant(_ context.Context, t messaging.Tenant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenants = append(f.tenants, t)
	return nil
}

func newTestRouter(token string) (http.Handler, *fakeDispatcher, *fakeSettings) {
	d := &fakeDispatcher{}
	st := &fakeSettings{settings: map[string]crosspost.Settings{}}
	h := NewRouter(RouterConfig{Token: token}, Handlers{Dispatcher: d, Commands: fakeCommands{}, Settings: st}, logx.Nop())
	return h, d, st
}

func do(h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDispatchAsync(t *testing.T) {
	t.Parallel()
	h, d, _ := newTestRouter("")
	rec := do(h, http.MethodPost, "/v1/dispatch", `{"tenantId":"t1","post":{"id":"p1","title":"Hello"}}`, "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "d-1", body["dispatchId"])
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, "t1", d.tenant)
	assert.Equal(t, "Hello", d.post.Title)
	assert.False(t, d.post.CreatedAt.IsZero())
}

func TestDispatchValidation(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestRouter("")
	for name, body := range map[string]string{
		"no tenant":  `{"post":{"id":"p1","title":"x"}}`,
		"no post id": `{"tenantId":"t1","post":{"title":"x"}}`,
		"empty post": `{"tenantId":"t1","post":{"id":"p1"}}`,
		"unknown":    `{"tenantId":"t1","post":{"id":"p1","title":"x"},"extra":1}`,
		"not json":   `nope`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(h, http.MethodPost, "/v1/dispatch", body, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestDispatchSyncReturnsReport(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestRouter("")
	rec := do(h, http.MethodPost, "/v1/dispatch/sync", `{"tenantId":"t1","post":{"id":"p1","title":"Hello"}}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var rep crosspost.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, "p1", rep.PostID)
	require.Len(t, rep.Outcomes, 1)
	assert.True(t, rep.Outcomes[0].Success)
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestRouter("s3cret")

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/healthz", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodPost, "/v1/whatsapp/inbound", `{"from":"+49","text":"help"}`, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodPost, "/v1/whatsapp/inbound", `{"from":"+49","text":"help"}`, "wrong").Code)

	rec := do(h, http.MethodPost, "/v1/whatsapp/inbound", `{"from":"+49","text":"help"}`, "s3cret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "+49:HELP")
}

func TestPutChannelKeepsStoredToken(t *testing.T) {
	t.Parallel()
	h, _, st := newTestRouter("")
	st.settings["t1/mastodon"] = crosspost.Settings{
		TenantID: "t1", Channel: crosspost.Mastodon,
		Token: &crosspost.TokenState{AccessToken: "refreshed"},
	}

	rec := do(h, http.MethodPut, "/v1/tenants/t1/channels/Mastodon",
		`{"enabled":true,"credentials":{"instance_url":"https://m.example"}}`, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	got := st.settings["t1/mastodon"]
	assert.True(t, got.Enabled)
	assert.Equal(t, "https://m.example", got.Get("instance_url"))
	require.NotNil(t, got.Token)
	assert.Equal(t, "refreshed", got.Token.AccessToken)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPut, "/v1/tenants/t1/channels/myspace", `{}`, "").Code)
}

func TestPutTenant(t *testing.T) {
	t.Parallel()
	h, _, st := newTestRouter("")
	rec := do(h, http.MethodPut, "/v1/tenants/t1", `{"code":"bakery","name":"Bakery"}`, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, st.tenants, 1)
	assert.Equal(t, "t1", st.tenants[0].ID)
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	h := NewRouter(RouterConfig{}, Handlers{
		Dispatcher: &fakeDispatcher{},
		Ready:      func(context.Context) error { return assert.AnError },
	}, logx.Nop())
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/readyz", "", "").Code)

	rec := do(h, http.MethodPost, "/v1/whatsapp/inbound", `{"from":"+49","text":"help"}`, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()
	h := requestIDMiddleware(recoverMiddleware(logx.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	rec := do(h, http.MethodGet, "/", "", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), rec.Header().Get(headerRequestID))
}

func TestServiceServesOnLoopback(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"}, Handlers{Dispatcher: &fakeDispatcher{}}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ready := func() <-chan struct{} { s.Start(ctx); return s.Ready() }()
	select {
	case <-ready:
	case <-ctx.Done():
		t.Fatal("server did not start")
	}
	defer s.Stop(ctx)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	assert.True(t, isLoopbackAddr("127.0.0.1:8080"))
	assert.True(t, isLoopbackAddr("localhost:8080"))
	assert.True(t, isLoopbackAddr("[::1]:8080"))
	assert.False(t, isLoopbackAddr(":8080"))
	assert.False(t, isLoopbackAddr("0.0.0.0:8080"))
}
