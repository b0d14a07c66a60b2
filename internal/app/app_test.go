package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/channels"
	"crosspost/internal/config"
	"crosspost/internal/crosspost"
	"crosspost/internal/messaging"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	sc, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "SQLite", Path: "db"}})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, 5*time.Second, sc.BusyTimeout)

	_, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "none"}})
	assert.Error(t, err)
	_, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "sqlite"}})
	assert.Error(t, err)
}

func TestMapTokenEndpoints(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{OAuth: config.OAuthConfig{Endpoints: map[string]config.OAuthEndpoint{
		"Mastodon": {TokenURL: " https://social.example/oauth/token ", ClientID: "cid"},
	}}}
	eps, skew, err := mapTokenEndpoints(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, skew)
	assert.Equal(t, "https://social.example/oauth/token", eps[crosspost.Mastodon].TokenURL)

	cfg.OAuth.Endpoints["myspace"] = config.OAuthEndpoint{TokenURL: "x"}
	_, _, err = mapTokenEndpoints(cfg)
	assert.Error(t, err)
}

func TestMapConsumerAndMaintenanceDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Maintenance: config.MaintenanceConfig{Enabled: true, OutboxRedrive: "-"}}
	cc, visibility, err := mapConsumerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, cc.Workers)
	assert.Equal(t, 3, cc.RetryMax)
	assert.Equal(t, time.Second, cc.IdleWait)
	assert.Equal(t, 5*time.Minute, visibility)

	mc, err := mapMaintenanceConfig(cfg)
	require.NoError(t, err)
	assert.True(t, mc.Enabled)
	assert.Equal(t, "-", mc.OutboxRedrive)
	assert.Equal(t, visibility, mc.VisibilityTimeout)
}

func TestMapServerConfigDefaults(t *testing.T) {
	t.Parallel()
	sc, err := mapServerConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", sc.Addr)
	assert.Zero(t, sc.WriteTimeout)

	_, err = mapServerConfig(&config.Config{Server: config.ServerConfig{ReadTimeout: "later"}})
	assert.Error(t, err)
}

func TestBuildAdaptersCoversEveryChannel(t *testing.T) {
	t.Parallel()
	batcher := messaging.NewBatcher(messaging.BatcherConfig{}, nil, nil)
	adapters, err := buildAdapters(&config.Config{}, channels.Deps{}, batcher, nil)
	require.NoError(t, err)
	require.Len(t, adapters, len(crosspost.Channels))
	for i, a := range adapters {
		assert.Equal(t, crosspost.Channels[i], a.Channel())
	}
}

func startApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	cfg := map[string]any{
		"logging": map[string]any{"level": "error"},
		"server":  map[string]any{"addr": "127.0.0.1:0"},
		"storage": map[string]any{"driver": "file", "path": filepath.Join(dir, "state")},
	}
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "crosspost.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	m := config.NewConfigManager(path)
	m.SetEnv(envconfig.MapLookuper(nil))
	a, err := NewWithManager(m)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopAppStop)
		cancel()
	})

	select {
	case <-a.ServerReady():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	return a
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(method, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestAppDispatchesThroughIngress(t *testing.T) {
	var hits atomic.Int32
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer webhook.Close()

	a := startApp(t)
	base := "http://" + a.Addr()

	resp := do(t, http.MethodPut, base+"/v1/tenants/t1/channels/slack", map[string]any{
		"enabled":     true,
		"credentials": map[string]string{"webhook_url": webhook.URL},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodPost, base+"/v1/dispatch/sync", map[string]any{
		"tenantId": "t1",
		"post":     map[string]any{"id": "p1", "title": "Hello", "description": "World"},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rep crosspost.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	require.Len(t, rep.Outcomes, len(crosspost.Channels))
	slack, ok := rep.Outcome(crosspost.Slack)
	require.True(t, ok)
	assert.True(t, slack.Success, slack.Error)
	wa, ok := rep.Outcome(crosspost.WhatsApp)
	require.True(t, ok)
	assert.True(t, wa.Skipped)
	assert.Equal(t, int32(1), hits.Load())

	counters, err := a.store.PostCounters(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, counters[crosspost.Slack])

	ready, err := http.Get(base + "/readyz")
	require.NoError(t, err)
	ready.Body.Close()
	assert.Equal(t, http.StatusOK, ready.StatusCode)
}

func TestAppAnswersSubscriptionCommands(t *testing.T) {
	a := startApp(t)
	base := "http://" + a.Addr()

	resp := do(t, http.MethodPut, base+"/v1/tenants/t1", map[string]any{"code": "ACME", "name": "Acme"})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodPost, base+"/v1/whatsapp/inbound", map[string]any{"from": "+4915100000000", "text": "HELP"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out["reply"], "START <code>")
}
