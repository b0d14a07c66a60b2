package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/channels"
	"crosspost/internal/crosspost"
	"crosspost/internal/crosspost/media"
)

func TestDispatchPostsEmbed(t *testing.T) {
	var got payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("wait"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"1234"}`))
	}))
	defer srv.Close()

	a := New(Config{}, channels.Deps{HTTP: srv.Client(), Resolver: media.Resolver{CDNBase: "cdn.example"}})
	p := crosspost.Post{
		Title:        "Launch",
		Description:  "Launch",
		Thumbnail:    &crosspost.MediaRef{Key: "t.jpg"},
		Video:        &crosspost.MediaRef{Key: "v.mp4"},
		Location:     "Berlin",
		ExternalLink: "https://x.test",
		CreatedAt:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	s := crosspost.Settings{Channel: crosspost.Discord, Enabled: true, Credentials: map[string]string{"webhook_url": srv.URL + "/api/webhooks/1/abc"}}
	o := a.Dispatch(context.Background(), "t1", p, s)
	require.True(t, o.Success, o.Error)
	assert.Equal(t, "1234", o.ContentID)

	assert.Equal(t, "📢 New post!", got.Content)
	require.Len(t, got.Embeds, 1)
	e := got.Embeds[0]
	assert.Equal(t, "Launch", e.Title)
	assert.Empty(t, e.Description, "description repeating the title is dropped")
	assert.Equal(t, ColorPost, e.Color)
	assert.Equal(t, "2024-05-01T12:00:00Z", e.Timestamp)
	require.NotNil(t, e.Image)
	assert.Equal(t, "https://cdn.example/t.jpg", e.Image.URL)
	require.Len(t, e.Fields, 3)
	assert.Equal(t, "📍 Location", e.Fields[0].Name)
	assert.Equal(t, "🔗 Link", e.Fields[1].Name)
	assert.Equal(t, "https://cdn.example/v.mp4", e.Fields[2].Value)
}

func TestShortPayload(t *testing.T) {
	a := New(Config{}, channels.Deps{})
	pl := a.render(crosspost.Post{Title: "Clip", Description: "Watch", IsShort: true, Tags: []string{"fun"}})
	assert.Equal(t, "📱 New short!", pl.Content)
	assert.Equal(t, ColorShort, pl.Embeds[0].Color)
	assert.Equal(t, "Watch\n\n#fun", pl.Embeds[0].Description)
	assert.Nil(t, pl.Embeds[0].Image)
}

func TestDescriptionStartingWithTitleIsDropped(t *testing.T) {
	a := New(Config{}, channels.Deps{})
	pl := a.render(crosspost.Post{Title: "Launch", Description: "Launch day is here"})
	assert.Equal(t, "Launch", pl.Embeds[0].Title)
	assert.Empty(t, pl.Embeds[0].Description)

	pl = a.render(crosspost.Post{Title: "launch", Description: "Launch day is here"})
	assert.Equal(t, "Launch day is here", pl.Embeds[0].Description)
}

func TestWebhookErrorsAreTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := New(Config{}, channels.Deps{HTTP: srv.Client()})
	s := crosspost.Settings{Channel: crosspost.Discord, Enabled: true, Credentials: map[string]string{"webhook_url": srv.URL}}
	o := a.Dispatch(context.Background(), "t1", crosspost.Post{Title: "x"}, s)
	assert.False(t, o.Success)
	assert.Equal(t, crosspost.ClassTransientNetwork, o.Class)
}
