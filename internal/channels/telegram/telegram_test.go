package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/channels"
	"crosspost/internal/crosspost"
	"crosspost/internal/crosspost/media"
)

type call struct {
	method string
	params map[string]string
}

type fakeBotAPI struct {
	mu     sync.Mutex
	calls  []call
	reject map[string]bool
}

// params reads the request whether the client sent JSON or a form.
func params(t *testing.T, r *http.Request) map[string]string {
	out := map[string]string{}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		for k, v := range r.MultipartForm.Value {
			out[k] = v[0]
		}
		return out
	}
	raw, _ := io.ReadAll(r.Body)
	var m map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &m))
	}
	for k, v := range m {
		switch x := v.(type) {
		case string:
			out[k] = x
		default:
			b, _ := json.Marshal(x)
			out[k] = string(b)
		}
	}
	return out
}

func (f *fakeBotAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		c := call{method: method, params: params(t, r)}
		f.mu.Lock()
		f.calls = append(f.calls, c)
		f.mu.Unlock()
		if f.reject[method] {
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: wrong file identifier/HTTP URL specified"}`))
			return
		}
		msg := map[string]any{"message_id": 42, "date": 0, "chat": map[string]any{"id": -100, "type": "channel"}}
		if method == "sendMediaGroup" {
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": []any{msg}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": msg})
	})
}

func newAdapter(t *testing.T, f *fakeBotAPI) *Adapter {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return New(Config{APIURL: srv.URL}, channels.Deps{HTTP: srv.Client(), Resolver: media.Resolver{CDNBase: "cdn.example"}})
}

func settings() crosspost.Settings {
	return crosspost.Settings{Channel: crosspost.Telegram, Enabled: true, Credentials: map[string]string{
		"bot_token": "123:abc", "chat_id": "@news",
	}}
}

func TestText(t *testing.T) {
	got := Text(crosspost.Post{
		Title:        "A & B",
		Description:  "Details",
		Location:     "Berlin",
		ExternalLink: "https://x.test/?a=1&b=2",
		Tags:         []string{"ai"},
	}, MaxText)
	want := "📢 <b>A &amp; B</b>\n\nDetails\n\n📍 Berlin\n\n🔗 <a href=\"https://x.test/?a=1&amp;b=2\">Read more</a>\n\n#ai"
	assert.Equal(t, want, got)
}

func TestTextPrintsTitleOnce(t *testing.T) {
	got := Text(crosspost.Post{Title: "Launch", Description: "Launch day is here"}, MaxText)
	assert.Equal(t, "📢 <b>Launch</b>", got)
}

func TestTextShortensDescriptionOnly(t *testing.T) {
	got := Text(crosspost.Post{Title: "T", Description: strings.Repeat("x", 2000)}, MaxCaption)
	assert.True(t, strings.HasPrefix(got, "📢 <b>T</b>\n\n"))
	assert.True(t, strings.HasSuffix(got, "..."))
	visible := strings.NewReplacer("<b>", "", "</b>", "").Replace(got)
	assert.LessOrEqual(t, len([]rune(visible)), MaxCaption)
}

func TestTextMessage(t *testing.T) {
	f := &fakeBotAPI{}
	a := newAdapter(t, f)

	o := a.Dispatch(context.Background(), "t1", crosspost.Post{Title: "Hello"}, settings())
	require.True(t, o.Success, o.Error)
	assert.Equal(t, "42", o.ContentID)
	require.Len(t, f.calls, 1)
	assert.Equal(t, "sendMessage", f.calls[0].method)
	assert.Equal(t, "@news", f.calls[0].params["chat_id"])
	assert.Equal(t, "HTML", f.calls[0].params["parse_mode"])
	assert.Equal(t, "📢 <b>Hello</b>", f.calls[0].params["text"])
}

func TestShortVideoUsesSendVideo(t *testing.T) {
	f := &fakeBotAPI{}
	a := newAdapter(t, f)

	p := crosspost.Post{Title: "Clip", IsShort: true, Video: &crosspost.MediaRef{Key: "v.mp4"}, Images: []crosspost.MediaRef{{Key: "a.jpg"}}}
	o := a.Dispatch(context.Background(), "t1", p, settings())
	require.True(t, o.Success, o.Error)
	require.Len(t, f.calls, 1)
	assert.Equal(t, "sendVideo", f.calls[0].method)
	assert.Equal(t, "https://cdn.example/v.mp4", f.calls[0].params["video"])
}

func TestMultipleImagesUseAlbum(t *testing.T) {
	f := &fakeBotAPI{}
	a := newAdapter(t, f)

	p := crosspost.Post{Title: "Gallery", Images: []crosspost.MediaRef{{Key: "a.jpg"}, {Key: "b.jpg"}}}
	o := a.Dispatch(context.Background(), "t1", p, settings())
	require.True(t, o.Success, o.Error)
	require.Len(t, f.calls, 1)
	assert.Equal(t, "sendMediaGroup", f.calls[0].method)
	assert.Contains(t, f.calls[0].params["media"], "https://cdn.example/b.jpg")
}

func TestRejectedVideoFallsBackToThumbnail(t *testing.T) {
	f := &fakeBotAPI{reject: map[string]bool{"sendVideo": true}}
	a := newAdapter(t, f)

	p := crosspost.Post{Title: "Clip", Video: &crosspost.MediaRef{Key: "v.mp4"}, Thumbnail: &crosspost.MediaRef{Key: "t.jpg"}}
	o := a.Dispatch(context.Background(), "t1", p, settings())
	require.True(t, o.Success, o.Error)
	assert.Equal(t, crosspost.FallbackThumbnail, o.Fallback)
	require.Len(t, f.calls, 2)
	assert.Equal(t, "sendPhoto", f.calls[1].method)
	assert.Equal(t, "https://cdn.example/t.jpg", f.calls[1].params["photo"])
}

func TestAlertsRequireTarget(t *testing.T) {
	_, err := NewAlerts("", "", "1")
	assert.Error(t, err)
}
