package snapchat

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
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
)

type fakeProfile struct {
	mu          sync.Mutex
	created     map[string]string
	parts       map[int][]byte
	finalized   bool
	finalStatus string
	polls       int
	published   map[string]map[string]any
	source      []byte
}

func (f *fakeProfile) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/public_profiles/p1/media", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.created = body
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"media_id": "sm1", "add_path": "/upload/sm1"})
	})
	mux.HandleFunc("POST /upload/sm1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "FINALIZE", body["action"])
			f.finalized = true
			_ = json.NewEncoder(w).Encode(map[string]string{"status": f.finalStatus})
			return
		}
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "ADD", r.FormValue("action"))
		n, err := strconv.Atoi(r.FormValue("part_number"))
		require.NoError(t, err)
		file, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "media.bin", hdr.Filename)
		data, _ := io.ReadAll(file)
		f.parts[n] = data
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/public_profiles/p1/media/sm1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.polls++
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "PROCESSING"})
	})
	for _, shape := range []string{"spotlights", "stories", "saved_stories"} {
		mux.HandleFunc("POST /v1/public_profiles/p1/"+shape, func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			f.mu.Lock()
			f.published[shape] = body
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "snap-" + shape})
		})
	}
	mux.HandleFunc("/media/video.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write(f.source)
	})
	mux.HandleFunc("/media/img.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(f.source)
	})
	return mux
}

func newFake(t *testing.T, size int) *fakeProfile {
	src := make([]byte, size)
	_, err := rand.Read(src)
	require.NoError(t, err)
	return &fakeProfile{parts: map[int][]byte{}, published: map[string]map[string]any{}, source: src}
}

func newAdapter(t *testing.T, f *fakeProfile) *Adapter {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, ChunkSize: 64, Now: func() time.Time { return time.Unix(1700000000, 0) }}, channels.Deps{
		HTTP:     srv.Client(),
		Resolver: media.Resolver{CDNBase: srv.URL + "/media"},
		Sleep:    func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	})
}

func settings() crosspost.Settings {
	return crosspost.Settings{Channel: crosspost.Snapchat, Enabled: true,
		Credentials: map[string]string{"profile_id": "p1"},
		Token:       &crosspost.TokenState{AccessToken: "tok"},
	}
}

func TestSpotlightEncryptedRoundTrip(t *testing.T) {
	f := newFake(t, 200)
	a := newAdapter(t, f)

	p := crosspost.Post{Title: "Clip", Description: strings.Repeat("d", 300), Video: &crosspost.MediaRef{Key: "video.mp4"}}
	o := a.Dispatch(context.Background(), "t1", p, settings())
	require.True(t, o.Success, o.Error)
	assert.Equal(t, "snap-spotlights", o.ContentID)

	assert.Equal(t, "VIDEO", f.created["type"])
	assert.Equal(t, "upload_1700000000", f.created["name"])
	assert.True(t, f.finalized)

	key, err := base64.StdEncoding.DecodeString(f.created["key"])
	require.NoError(t, err)
	iv, err := base64.StdEncoding.DecodeString(f.created["iv"])
	require.NoError(t, err)

	var sealed bytes.Buffer
	for i := 1; i <= len(f.parts); i++ {
		part, ok := f.parts[i]
		require.True(t, ok, "missing part %d", i)
		assert.LessOrEqual(t, len(part), 64)
		sealed.Write(part)
	}
	plain, err := media.Decrypt(sealed.Bytes(), media.Secret{Key: key, IV: iv})
	require.NoError(t, err)
	assert.Equal(t, f.source, plain)

	body := f.published["spotlights"]
	assert.Equal(t, "sm1", body["media_id"])
	assert.Equal(t, "en_US", body["locale"])
	assert.Len(t, []rune(body["description"].(string)), 160)
}

func TestEndlessProcessingFailsChannel(t *testing.T) {
	f := newFake(t, 100)
	f.finalStatus = "PROCESSING"
	a := newAdapter(t, f)

	p := crosspost.Post{Title: "Clip", Video: &crosspost.MediaRef{Key: "video.mp4"}, Shape: crosspost.ShapeStory}
	o := a.Dispatch(context.Background(), "t1", p, settings())

	assert.False(t, o.Success)
	assert.False(t, o.Skipped)
	assert.Equal(t, crosspost.ClassProcessingTimeout, o.Class)
	assert.Equal(t, 30, f.polls)
	assert.Empty(t, f.published)
}

func TestSavedStoryDefaultsTitle(t *testing.T) {
	f := newFake(t, 10)
	a := newAdapter(t, f)

	p := crosspost.Post{Images: []crosspost.MediaRef{{Key: "img.jpg"}}, Shape: crosspost.ShapeSavedStory}
	o := a.Dispatch(context.Background(), "t1", p, settings())
	require.True(t, o.Success, o.Error)
	assert.Equal(t, "IMAGE", f.created["type"])

	stories := f.published["saved_stories"]["saved_stories"].([]any)
	require.Len(t, stories, 1)
	story := stories[0].(map[string]any)
	assert.Equal(t, "New Post", story["title"])
	assert.Equal(t, []any{map[string]any{"media_id": "sm1"}}, story["snap_sources"])
}

func TestCheckSkipsPostsWithoutMedia(t *testing.T) {
	a := New(Config{}, channels.Deps{})
	err := a.Check(settings(), crosspost.Post{Title: "text only"})
	assert.Equal(t, crosspost.ClassConfiguration, crosspost.ClassOf(err))
	assert.NoError(t, a.Check(settings(), crosspost.Post{Images: []crosspost.MediaRef{{URL: "https://x/y.jpg"}}}))
}
