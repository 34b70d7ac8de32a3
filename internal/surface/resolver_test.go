package surface_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"sidekick/internal/store"
	"sidekick/internal/surface"
	"sidekick/internal/surface/surfacetest"
	"sidekick/internal/tracker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const entryURL = "chrome-extension://abc/sidepanel.html"

func newResolver(env surface.Environment) (*surface.Resolver, *tracker.Tracker) {
	tr := tracker.New(store.NewMemoryArea("session"))
	r := surface.NewResolver(env, tr, surface.Options{
		Signature:   surface.Signature{EntryURL: entryURL, Title: "AI Sidekick"},
		Create:      surface.CreateOptions{Width: 400, Height: 600},
		PingTimeout: 20 * time.Millisecond,
	})
	return r, tr
}

func panelTab(id string) surface.Tab {
	return surface.Tab{ID: id, URL: entryURL, Title: "AI Sidekick"}
}

func TestSignatureMatches(t *testing.T) {
	sig := surface.Signature{EntryURL: "sidepanel.html", Title: "AI Sidekick"}

	tests := []struct {
		name string
		tab  surface.Tab
		want bool
	}{
		{"exact url", surface.Tab{URL: "sidepanel.html"}, true},
		{"suffix", surface.Tab{URL: "chrome-extension://abc/sidepanel.html"}, true},
		{"query ignored", surface.Tab{URL: "chrome-extension://abc/sidepanel.html?x=1#top"}, true},
		{"title only", surface.Tab{URL: "about:blank", Title: "AI Sidekick"}, true},
		{"other page", surface.Tab{URL: "https://example.com", Title: "Example"}, false},
		{"prefix is not enough", surface.Tab{URL: "sidepanel.html.bak"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sig.Matches(tt.tab))
		})
	}
	assert.False(t, surface.Signature{}.Matches(surface.Tab{URL: "x"}))
}

func TestResolve_TrackedTabSkipsGlobalSearch(t *testing.T) {
	ctx := context.Background()
	env := surfacetest.New()
	env.AddWindow(10, surface.Tab{ID: "54", URL: "https://example.com"}, panelTab("55"))
	env.SetAlive("55", true)
	r, tr := newResolver(env)
	tr.Set(ctx, 10, "55")

	out := r.Resolve(ctx)

	assert.Equal(t, surface.Confirmed, out.Kind)
	assert.Equal(t, tracker.Instance{WindowID: 10, TabID: "55"}, out.Instance)
	assert.Equal(t, 0, env.AllTabsCalls, "global search must not run")
	assert.Equal(t, 0, env.CreateCalls)
	assert.Equal(t, []surface.WindowID{10}, env.Focused)
	assert.Equal(t, []surface.TabID{"55"}, env.Activated)
}

func TestResolve_ContentMatchRepointsTracker(t *testing.T) {
	ctx := context.Background()
	env := surfacetest.New()
	env.AddWindow(10, surface.Tab{ID: "1", URL: "https://news.example"}, panelTab("77"))
	env.SetAlive("77", true)
	r, tr := newResolver(env)
	tr.Set(ctx, 10, "55") // stale tab id

	out := r.Resolve(ctx)

	assert.Equal(t, surface.Confirmed, out.Kind)
	assert.Equal(t, tracker.Instance{WindowID: 10, TabID: "77"}, tr.Get(ctx))
	assert.Equal(t, 0, env.AllTabsCalls)
}

func TestResolve_TrackedWindowFallsBackToActiveTab(t *testing.T) {
	ctx := context.Background()
	env := surfacetest.New()
	env.AddWindow(10,
		surface.Tab{ID: "1", URL: "about:blank"},
		surface.Tab{ID: "2", URL: "about:blank", Active: true},
	)
	env.SetAlive("2", true)
	r, tr := newResolver(env)
	tr.Set(ctx, 10, "55")

	out := r.Resolve(ctx)

	require.Equal(t, surface.Confirmed, out.Kind)
	assert.Equal(t, "2", out.Instance.TabID)
	assert.Equal(t, tracker.Instance{WindowID: 10, TabID: "2"}, tr.Get(ctx))
	assert.Equal(t, 0, env.AllTabsCalls)
}

func TestResolve_GlobalSearchAdopts(t *testing.T) {
	ctx := context.Background()
	env := surfacetest.New()
	env.AddWindow(3, surface.Tab{ID: "a", URL: "https://example.com"})
	env.AddWindow(4, panelTab("b"))
	env.SetAlive("b", true)
	r, tr := newResolver(env)
	tr.Set(ctx, 99, "gone")

	out := r.Resolve(ctx)

	assert.Equal(t, surface.Confirmed, out.Kind)
	assert.Equal(t, tracker.Instance{WindowID: 4, TabID: "b"}, tr.Get(ctx))
	assert.Equal(t, 1, env.AllTabsCalls)
	assert.Equal(t, 0, env.CreateCalls)
}

func TestResolve_ZombieClearsAndCreates(t *testing.T) {
	ctx := context.Background()
	env := surfacetest.New()
	env.AddWindow(10, panelTab("55")) // never answers
	r, tr := newResolver(env)
	tr.Set(ctx, 10, "55")

	out := r.Resolve(ctx)

	assert.Equal(t, surface.Created, out.Kind)
	assert.Equal(t, 1, env.CreateCalls)
	assert.NotEqual(t, tracker.Instance{WindowID: 10, TabID: "55"}, tr.Get(ctx))
	assert.Equal(t, out.Instance, tr.Get(ctx))
	assert.Empty(t, env.Focused, "a zombie must never be focused")
}

func TestResolve_EmptyTrackedWindowCreates(t *testing.T) {
	ctx := context.Background()
	env := surfacetest.New()
	env.AddWindow(10)
	env.AddWindow(11, panelTab("x"))
	env.SetAlive("x", true)
	r, tr := newResolver(env)
	tr.Set(ctx, 10, "55")

	out := r.Resolve(ctx)

	assert.Equal(t, surface.Created, out.Kind)
	assert.Equal(t, 0, env.AllTabsCalls, "an existing tracked window suppresses global search")
}

func TestResolve_CreatesWhenNothingFound(t *testing.T) {
	ctx := context.Background()
	env := surfacetest.New()
	env.AddWindow(1, surface.Tab{ID: "7", URL: "https://example.com"})
	r, tr := newResolver(env)

	out := r.Resolve(ctx)

	require.Equal(t, surface.Created, out.Kind)
	assert.Equal(t, 1, env.AllTabsCalls)
	assert.Equal(t, out.Instance, tr.Get(ctx))
	assert.NotZero(t, out.Instance.WindowID)
	assert.NotEmpty(t, out.Instance.TabID)
	assert.Empty(t, env.SentOfType(surface.MessageExecuteAction))
}

func TestResolve_CreationFailureLeavesTrackerAlone(t *testing.T) {
	ctx := context.Background()
	env := surfacetest.New()
	env.CreateErr = errors.New("popup blocked")
	r, tr := newResolver(env)

	out := r.Resolve(ctx)

	assert.Equal(t, surface.Failed, out.Kind)
	assert.Error(t, out.Err)
	assert.True(t, tr.Get(ctx).IsZero())
	assert.Equal(t, 1, env.CreateCalls, "no retry loop")
}

func TestResolve_StaleCreationDoesNotClobberNewerInstance(t *testing.T) {
	ctx := context.Background()
	env := surfacetest.New()
	r, tr := newResolver(env)

	// A newer trigger records its instance while this creation is in flight.
	env.OnCreate = func(surface.Window) { tr.Set(ctx, 500, "newer") }

	out := r.Resolve(ctx)

	assert.Equal(t, surface.Created, out.Kind)
	assert.Equal(t, tracker.Instance{WindowID: 500, TabID: "newer"}, tr.Get(ctx))
}

func TestHandleWindowRemoved_MigrationSelfHeals(t *testing.T) {
	ctx := context.Background()
	env := surfacetest.New()
	env.AddWindow(10, panelTab("55"))
	r, tr := newResolver(env)
	tr.Set(ctx, 10, "55")

	env.MoveTab("55", 20)
	env.RemoveWindow(10)
	r.HandleWindowRemoved(ctx, 10)

	assert.Equal(t, tracker.Instance{WindowID: 20, TabID: "55"}, tr.Get(ctx))
}

func TestHandleWindowRemoved_TrueCloseClears(t *testing.T) {
	ctx := context.Background()
	env := surfacetest.New()
	env.AddWindow(10, panelTab("55"))
	r, tr := newResolver(env)
	tr.Set(ctx, 10, "55")

	env.RemoveWindow(10)
	r.HandleWindowRemoved(ctx, 10)

	assert.True(t, tr.Get(ctx).IsZero())
}

func TestHandleWindowRemoved_IgnoresOtherWindows(t *testing.T) {
	ctx := context.Background()
	env := surfacetest.New()
	env.AddWindow(10, panelTab("55"))
	r, tr := newResolver(env)
	tr.Set(ctx, 10, "55")

	r.HandleWindowRemoved(ctx, 11)

	assert.Equal(t, tracker.Instance{WindowID: 10, TabID: "55"}, tr.Get(ctx))
}

func TestOutcomeKindString(t *testing.T) {
	assert.Equal(t, "confirmed", surface.Confirmed.String())
	assert.Equal(t, "created", surface.Created.String())
	assert.Equal(t, "failed", surface.Failed.String())
}
