package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/channels"
	"crosspost/internal/crosspost"
	"crosspost/internal/crosspost/media"
)

func TestDispatchSendsBlocks(t *testing.T) {
	var got struct {
		Text   string           `json:"text"`
		Blocks []map[string]any `json:"blocks"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	a := New(channels.Deps{HTTP: srv.Client(), Resolver: media.Resolver{CDNBase: "cdn.example"}})
	p := crosspost.Post{
		Title:        "Launch",
		Description:  "We shipped",
		Video:        &crosspost.MediaRef{Key: "v.mp4"},
		Images:       []crosspost.MediaRef{{Key: "a.jpg"}},
		Location:     "Berlin",
		ExternalLink: "https://x.test",
	}
	s := crosspost.Settings{Channel: crosspost.Slack, Enabled: true, Credentials: map[string]string{"webhook_url": srv.URL}}
	o := a.Dispatch(context.Background(), "t1", p, s)
	require.True(t, o.Success, o.Error)

	assert.Equal(t, "📢 Launch", got.Text)
	var types []string
	for _, b := range got.Blocks {
		types = append(types, b["type"].(string))
	}
	assert.Equal(t, []string{"header", "section", "context", "image", "actions"}, types)
	assert.Equal(t, "https://cdn.example/a.jpg", got.Blocks[3]["image_url"])

	buttons := got.Blocks[4]["elements"].([]any)
	require.Len(t, buttons, 2)
	assert.Equal(t, "https://cdn.example/v.mp4", buttons[0].(map[string]any)["url"])
	assert.Equal(t, "https://x.test", buttons[1].(map[string]any)["url"])
}

func TestRedundantDescriptionHasNoSection(t *testing.T) {
	a := New(channels.Deps{})
	header, blocks := a.blocks(crosspost.Post{Title: "Same", Description: "Same", IsShort: true})
	assert.Equal(t, "📱 Same", header)
	require.Len(t, blocks, 1)
	assert.Equal(t, "header", blocks[0]["type"])
}

func TestDescriptionStartingWithTitleHasNoSection(t *testing.T) {
	a := New(channels.Deps{})
	header, blocks := a.blocks(crosspost.Post{Title: "Launch", Description: "Launch day is here"})
	assert.Equal(t, "📢 Launch", header)
	require.Len(t, blocks, 1)
	assert.Equal(t, "header", blocks[0]["type"])
}

func TestCheckRequiresWebhook(t *testing.T) {
	a := New(channels.Deps{})
	err := a.Check(crosspost.Settings{Channel: crosspost.Slack, Enabled: true}, crosspost.Post{})
	assert.Equal(t, crosspost.ClassConfiguration, crosspost.ClassOf(err))
}
