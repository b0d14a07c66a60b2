package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/crosspost"
	"crosspost/internal/eventbus"
)

type fixedSettings []crosspost.Settings

func (f fixedSettings) ListSettings(context.Context, string) ([]crosspost.Settings, error) {
	return []crosspost.Settings(f), nil
}

type fakeAdapter struct {
	ch       crosspost.Channel
	fn       func(ctx context.Context, p crosspost.Post) crosspost.Outcome
	requires []string
	calls    int
	mu       sync.Mutex
}

func (f *fakeAdapter) Channel() crosspost.Channel { return f.ch }
func (f *fakeAdapter) Kind() crosspost.Kind       { return crosspost.KindGenericWebhook }
func (f *fakeAdapter) Check(s crosspost.Settings, _ crosspost.Post) error {
	return s.Require(f.requires...)
}
func (f *fakeAdapter) Dispatch(ctx context.Context, _ string, p crosspost.Post, _ crosspost.Settings) crosspost.Outcome {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(ctx, p)
}

func ok(ch crosspost.Channel) *fakeAdapter {
	return &fakeAdapter{ch: ch, fn: func(context.Context, crosspost.Post) crosspost.Outcome {
		return crosspost.Succeeded(ch, "id-"+string(ch))
	}}
}

func enabled(chs ...crosspost.Channel) fixedSettings {
	out := make(fixedSettings, 0, len(chs))
	for _, ch := range chs {
		out = append(out, crosspost.Settings{TenantID: "t1", Channel: ch, Enabled: true, Credentials: map[string]string{"webhook_url": "https://hook"}})
	}
	return out
}

func TestIsolationUnderFailureAndPanic(t *testing.T) {
	post := crosspost.Post{ID: "p1", Title: "Launch"}
	baseline := New(enabled(crosspost.Discord, crosspost.Slack, crosspost.Telegram),
		[]crosspost.Adapter{ok(crosspost.Discord), ok(crosspost.Slack), ok(crosspost.Telegram)}).
		Dispatch(context.Background(), "t1", post)

	failures := map[string]func(context.Context, crosspost.Post) crosspost.Outcome{
		"error": func(context.Context, crosspost.Post) crosspost.Outcome {
			return crosspost.Failed(crosspost.Slack, crosspost.Transient(crosspost.Slack, "post", errors.New("502")))
		},
		"panic": func(context.Context, crosspost.Post) crosspost.Outcome { panic("boom") },
		"hang": func(ctx context.Context, _ crosspost.Post) crosspost.Outcome {
			<-make(chan struct{})
			return crosspost.Outcome{}
		},
	}
	for name, fn := range failures {
		t.Run(name, func(t *testing.T) {
			broken := &fakeAdapter{ch: crosspost.Slack, fn: fn}
			d := New(enabled(crosspost.Discord, crosspost.Slack, crosspost.Telegram),
				[]crosspost.Adapter{ok(crosspost.Discord), broken, ok(crosspost.Telegram)},
				WithConfig(Config{CallTimeout: 200 * time.Millisecond}))
			rep := d.Dispatch(context.Background(), "t1", post)

			for _, ch := range []crosspost.Channel{crosspost.Discord, crosspost.Telegram} {
				got, _ := rep.Outcome(ch)
				want, _ := baseline.Outcome(ch)
				assert.Equal(t, want.Success, got.Success, ch)
				assert.Equal(t, want.ContentID, got.ContentID, ch)
			}
			slack, found := rep.Outcome(crosspost.Slack)
			require.True(t, found)
			assert.False(t, slack.Success)
			assert.Equal(t, crosspost.ClassTransientNetwork, slack.Class)
			assert.Equal(t, 2, rep.Succeeded())
			assert.Equal(t, 1, rep.Failed())
		})
	}
}

func TestConfigurationSkipsMakeNoCalls(t *testing.T) {
	needsToken := ok(crosspost.Telegram)
	needsToken.requires = []string{"bot_token"}
	disabled := ok(crosspost.Slack)
	missing := ok(crosspost.Mastodon)

	settings := enabled(crosspost.Discord, crosspost.Telegram)
	settings = append(settings, crosspost.Settings{TenantID: "t1", Channel: crosspost.Slack, Enabled: false})

	d := New(settings, []crosspost.Adapter{ok(crosspost.Discord), needsToken, disabled, missing})
	disabled.requires = []string{"webhook_url"}
	rep := d.Dispatch(context.Background(), "t1", crosspost.Post{ID: "p"})

	assert.Equal(t, 1, rep.Succeeded())
	assert.Equal(t, 3, rep.Skipped())
	assert.Equal(t, 0, rep.Failed())
	assert.Zero(t, needsToken.calls)
	assert.Zero(t, disabled.calls)
	assert.Zero(t, missing.calls)
	o, _ := rep.Outcome(crosspost.Telegram)
	assert.Equal(t, crosspost.ClassConfiguration, o.Class)
}

func TestAdaptersRunConcurrently(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(3)
	barrier := func(ch crosspost.Channel) *fakeAdapter {
		return &fakeAdapter{ch: ch, fn: func(ctx context.Context, _ crosspost.Post) crosspost.Outcome {
			wg.Done()
			wg.Wait() // deadlocks unless all three run at once
			return crosspost.Succeeded(ch, "x")
		}}
	}
	d := New(enabled(crosspost.Discord, crosspost.Slack, crosspost.Telegram),
		[]crosspost.Adapter{barrier(crosspost.Discord), barrier(crosspost.Slack), barrier(crosspost.Telegram)},
		WithConfig(Config{CallTimeout: 5 * time.Second}))
	rep := d.Dispatch(context.Background(), "t1", crosspost.Post{})
	assert.Equal(t, 3, rep.Succeeded())
}

func TestAdaptersGetIndependentCopies(t *testing.T) {
	mutator := &fakeAdapter{ch: crosspost.Discord, fn: func(_ context.Context, p crosspost.Post) crosspost.Outcome {
		p.Tags[0] = "mutated"
		return crosspost.Succeeded(crosspost.Discord, "1")
	}}
	post := crosspost.Post{ID: "p", Tags: []string{"ai"}}
	d := New(enabled(crosspost.Discord), []crosspost.Adapter{mutator})
	d.Dispatch(context.Background(), "t1", post)
	assert.Equal(t, "ai", post.Tags[0])
}

type recorder struct {
	mu       sync.Mutex
	outcomes []crosspost.Outcome
	counts   map[crosspost.Channel]int
}

func (r *recorder) AppendOutcome(_ context.Context, _, _, _ string, o crosspost.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *recorder) IncrementPosts(_ context.Context, _ string, ch crosspost.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[crosspost.Channel]int{}
	}
	r.counts[ch]++
	return nil
}

type inlineRunner struct{ done chan struct{} }

func (r inlineRunner) Go0(_ string, fn func(ctx context.Context)) {
	go func() {
		fn(context.Background())
		close(r.done)
	}()
}

func TestGoPublishesEventsAndRecords(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	rec := &recorder{}
	runner := inlineRunner{done: make(chan struct{})}
	failing := &fakeAdapter{ch: crosspost.Slack, fn: func(context.Context, crosspost.Post) crosspost.Outcome {
		return crosspost.Failed(crosspost.Slack, errors.New("boom"))
	}}
	d := New(enabled(crosspost.Discord, crosspost.Slack), []crosspost.Adapter{ok(crosspost.Discord), failing},
		WithBus(bus), WithRecorder(rec), WithRunner(runner), WithIDs(func() string { return "d-1" }))

	id := d.Go("t1", crosspost.Post{ID: "p1"})
	assert.Equal(t, "d-1", id)
	<-runner.done

	var types []string
	var done CompletedEvent
	for len(types) < 3 {
		select {
		case e := <-events:
			types = append(types, e.Type)
			if c, ok := e.Data.(CompletedEvent); ok {
				done = c
			}
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Equal(t, []string{EventOutcome, EventOutcome, EventCompleted}, types)
	assert.Equal(t, 1, done.Succeeded)
	assert.Equal(t, 1, done.Failed)
	assert.Len(t, rec.outcomes, 2)
	assert.Equal(t, 1, rec.counts[crosspost.Discord])
	assert.Zero(t, rec.counts[crosspost.Slack])
}
