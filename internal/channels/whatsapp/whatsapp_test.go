package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/channels"
	"crosspost/internal/crosspost"
	"crosspost/internal/crosspost/media"
	"crosspost/internal/messaging"
)

type fakeCloud struct {
	mu   sync.Mutex
	msgs []map[string]any
}

func (f *fakeCloud) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v20.0/555/messages", r.URL.Path)
		assert.Equal(t, "Bearer wa-token", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.msgs = append(f.msgs, body)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type staticSubs []messaging.Subscriber

func (s staticSubs) ListSubscribers(context.Context, string) ([]messaging.Subscriber, error) {
	return s, nil
}

type countingQueue struct{ batches int }

func (q *countingQueue) Enqueue(context.Context, []messaging.Descriptor) error {
	q.batches++
	return nil
}

func subs(n int) staticSubs {
	out := make(staticSubs, n)
	for i := range out {
		out[i] = messaging.Subscriber{TenantID: "t1", Phone: "49" + strconv.Itoa(100+i), Status: messaging.StatusActive}
	}
	return out
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestText(t *testing.T) {
	got := Text("Alice", crosspost.Post{
		Title:        "Launch",
		Description:  "We shipped",
		Tags:         []string{"ai"},
		ExternalLink: "https://x.test",
	})
	assert.Equal(t, "📢 *Alice*\n\n*Launch*\n\nWe shipped\n\n#ai\n\n🔗 https://x.test", got)
}

func TestTextPrintsTitleOnce(t *testing.T) {
	got := Text("Acme", crosspost.Post{Title: "Launch", Description: "Launch day is here"})
	assert.Equal(t, "📢 *Acme*\n\n*Launch*", got)
	assert.Equal(t, 1, strings.Count(got, "Launch"))
}

func TestDirectFanOutThroughCloudAPI(t *testing.T) {
	f := &fakeCloud{}
	srv := f.server(t)
	cloud := NewCloud(CloudConfig{BaseURL: srv.URL + "/v20.0", PhoneNumberID: "555", AccessToken: "wa-token"}, srv.Client())
	batcher := messaging.NewBatcher(messaging.BatcherConfig{}, cloud, nil, messaging.WithSleep(noSleep))
	a := New(batcher, subs(2), channels.Deps{Resolver: media.Resolver{CDNBase: "cdn.example"}})

	p := crosspost.Post{Title: "Launch", TenantName: "Alice", Images: []crosspost.MediaRef{{Key: "a.jpg"}, {Key: "b.jpg"}}}
	o := a.Dispatch(context.Background(), "t1", p, crosspost.Settings{Channel: crosspost.WhatsApp, Enabled: true})
	require.True(t, o.Success, o.Error)
	assert.Equal(t, "direct:2/2", o.ContentID)

	require.Len(t, f.msgs, 4)
	first := f.msgs[0]
	assert.Equal(t, "whatsapp", first["messaging_product"])
	assert.Equal(t, "+49100", first["to"])
	assert.Equal(t, "image", first["type"])
	img := first["image"].(map[string]any)
	assert.Equal(t, "https://cdn.example/a.jpg", img["link"])
	assert.Equal(t, "📢 *Alice*\n\n*Launch*", img["caption"])

	follow := f.msgs[1]["image"].(map[string]any)
	assert.Equal(t, "https://cdn.example/b.jpg", follow["link"])
	assert.NotContains(t, follow, "caption")
}

func TestLargeAudienceIsQueued(t *testing.T) {
	q := &countingQueue{}
	batcher := messaging.NewBatcher(messaging.BatcherConfig{}, nil, q)
	a := New(batcher, subs(75), channels.Deps{})

	o := a.Dispatch(context.Background(), "t1", crosspost.Post{Title: "x"}, crosspost.Settings{})
	require.True(t, o.Success, o.Error)
	assert.Equal(t, "queued:75/8", o.ContentID)
	assert.Equal(t, 8, q.batches)
}

func TestTextOnlyMessage(t *testing.T) {
	f := &fakeCloud{}
	srv := f.server(t)
	cloud := NewCloud(CloudConfig{BaseURL: srv.URL + "/v20.0", PhoneNumberID: "555", AccessToken: "wa-token"}, srv.Client())
	text := "hello"
	require.NoError(t, cloud.Send(context.Background(), messaging.Descriptor{To: "+4911", Text: &text}))
	require.Len(t, f.msgs, 1)
	assert.Equal(t, "text", f.msgs[0]["type"])
	assert.Equal(t, "+4911", f.msgs[0]["to"])
}

func TestCloudWithoutCredentials(t *testing.T) {
	cloud := NewCloud(CloudConfig{}, nil)
	err := cloud.Send(context.Background(), messaging.Descriptor{To: "1"})
	assert.Equal(t, crosspost.ClassConfiguration, crosspost.ClassOf(err))
}
