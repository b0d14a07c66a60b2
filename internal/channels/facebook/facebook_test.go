package facebook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/channels"
	"crosspost/internal/crosspost"
	"crosspost/internal/crosspost/media"
)

type fakeGraph struct {
	mu          sync.Mutex
	calls       []string
	forms       map[string]url.Values
	rejectReel  bool
	rejectVideo bool
	expired     bool
	photos      int
}

func (f *fakeGraph) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	record := func(name string, r *http.Request) url.Values {
		require.NoError(t, r.ParseForm())
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls = append(f.calls, name)
		f.forms[name] = r.PostForm
		return r.PostForm
	}
	fail := func(w http.ResponseWriter, code int) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "rejected", "code": code}})
	}
	mux.HandleFunc("POST /v18.0/page1/video_reels", func(w http.ResponseWriter, r *http.Request) {
		form := record("reel_"+r.FormValue("upload_phase"), r)
		if form.Get("upload_phase") == "start" {
			if f.rejectReel {
				fail(w, 100)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"video_id": "r1"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
	})
	mux.HandleFunc("POST /rupload/r1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls = append(f.calls, "rupload")
		f.mu.Unlock()
		assert.Equal(t, "OAuth tok", r.Header.Get("Authorization"))
		assert.Equal(t, "https://cdn.example/v.mp4", r.Header.Get("file_url"))
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	mux.HandleFunc("POST /v18.0/page1/videos", func(w http.ResponseWriter, r *http.Request) {
		record("videos", r)
		if f.rejectVideo {
			fail(w, 352)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "v1"})
	})
	mux.HandleFunc("POST /v18.0/page1/photos", func(w http.ResponseWriter, r *http.Request) {
		form := record("photos", r)
		if strings.Contains(form.Get("url"), "bad") {
			fail(w, 324)
			return
		}
		f.mu.Lock()
		f.photos++
		id := "ph" + string(rune('0'+f.photos))
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id, "post_id": "page1_" + id})
	})
	mux.HandleFunc("POST /v18.0/page1/feed", func(w http.ResponseWriter, r *http.Request) {
		record("feed", r)
		if f.expired {
			fail(w, 190)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "page1_99"})
	})
	return mux
}

func newAdapter(t *testing.T, f *fakeGraph) *Adapter {
	f.forms = map[string]url.Values{}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/v18.0", UploadURL: srv.URL + "/rupload"}, channels.Deps{
		HTTP:     srv.Client(),
		Resolver: media.Resolver{CDNBase: "cdn.example"},
	})
}

func settings() crosspost.Settings {
	return crosspost.Settings{Channel: crosspost.Facebook, Enabled: true, Credentials: map[string]string{
		"page_id": "page1", "access_token": "tok",
	}}
}

func TestShortPublishesReel(t *testing.T) {
	f := &fakeGraph{}
	a := newAdapter(t, f)

	p := crosspost.Post{Title: "Short", IsShort: true, Video: &crosspost.MediaRef{Key: "v.mp4"}}
	o := a.Dispatch(context.Background(), "t1", p, settings())
	require.True(t, o.Success, o.Error)
	assert.Equal(t, "r1", o.ContentID)
	assert.Empty(t, o.Fallback)
	assert.Equal(t, []string{"reel_start", "rupload", "reel_finish"}, f.calls)
	assert.Equal(t, "PUBLISHED", f.forms["reel_finish"].Get("video_state"))
}

func TestRejectedReelFallsBackToVideoPost(t *testing.T) {
	f := &fakeGraph{rejectReel: true}
	a := newAdapter(t, f)

	p := crosspost.Post{Title: "Short", IsShort: true, Video: &crosspost.MediaRef{Key: "v.mp4"}}
	o := a.Dispatch(context.Background(), "t1", p, settings())
	require.True(t, o.Success, o.Error)
	assert.Equal(t, "v1", o.ContentID)
	assert.Equal(t, crosspost.FallbackVideoPost, o.Fallback)
	assert.Equal(t, "https://cdn.example/v.mp4", f.forms["videos"].Get("file_url"))
}

func TestFailedVideoFallsBackToAlbum(t *testing.T) {
	f := &fakeGraph{rejectVideo: true}
	a := newAdapter(t, f)

	p := crosspost.Post{
		Title:  "Trip",
		Video:  &crosspost.MediaRef{Key: "v.mp4"},
		Images: []crosspost.MediaRef{{Key: "a.jpg"}, {Key: "bad.jpg"}, {Key: "c.jpg"}},
	}
	o := a.Dispatch(context.Background(), "t1", p, settings())
	require.True(t, o.Success, o.Error)
	assert.Equal(t, crosspost.FallbackImages, o.Fallback)
	assert.Equal(t, "page1_99", o.ContentID)

	feed := f.forms["feed"]
	assert.Equal(t, `{"media_fbid":"ph1"}`, feed.Get("attached_media[0]"))
	assert.Equal(t, `{"media_fbid":"ph2"}`, feed.Get("attached_media[1]"))
	assert.Empty(t, feed.Get("attached_media[2]"))
	assert.Empty(t, feed.Get("link"))
}

func TestSingleImageAndTextPosts(t *testing.T) {
	f := &fakeGraph{}
	a := newAdapter(t, f)

	o := a.Dispatch(context.Background(), "t1", crosspost.Post{Title: "Pic", Images: []crosspost.MediaRef{{Key: "a.jpg"}}}, settings())
	require.True(t, o.Success, o.Error)
	assert.Equal(t, "page1_ph1", o.ContentID)
	assert.Equal(t, "📢 Pic", f.forms["photos"].Get("message"))

	o = a.Dispatch(context.Background(), "t1", crosspost.Post{Title: "Note", ExternalLink: "https://x.test"}, settings())
	require.True(t, o.Success, o.Error)
	assert.Equal(t, "https://x.test", f.forms["feed"].Get("link"))
}

func TestExpiredTokenIsAuthentication(t *testing.T) {
	f := &fakeGraph{expired: true}
	a := newAdapter(t, f)

	o := a.Dispatch(context.Background(), "t1", crosspost.Post{Title: "Note"}, settings())
	assert.False(t, o.Success)
	assert.False(t, o.Skipped)
	assert.Equal(t, crosspost.ClassAuthentication, o.Class)
}
