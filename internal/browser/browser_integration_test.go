//go:build integration

package browser_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sidekick/internal/browser"
	"sidekick/internal/surface"

	"github.com/go-rod/rod"
	"github.com/stretchr/testify/require"
)

type pingHost struct{}

func (pingHost) Handle(context.Context, surface.Message) (surface.Reply, error) {
	return surface.Reply{Status: surface.StatusAlive}, nil
}

func (pingHost) Close() {}

func TestEnvironment_Integration(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "<html><head><title>Panel</title></head><body><h1>Hello World</h1></body></html>")
	}))
	defer ts.Close()

	launched := make(chan surface.TabID, 1)
	env := browser.New(browser.Config{Headless: true}, func(ctx context.Context, tab surface.TabID, page *rod.Page) (browser.Host, error) {
		launched <- tab
		return pingHost{}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, env.Start(ctx), "Failed to start browser")
	defer func() {
		if err := env.Shutdown(); err != nil {
			t.Logf("Shutdown error: %v", err)
		}
	}()

	removed := make(chan surface.WindowID, 1)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		_ = env.Watch(watchCtx, func(_ context.Context, id surface.WindowID) { removed <- id })
	}()

	win, err := env.CreateWindow(ctx, surface.CreateOptions{URL: ts.URL + "/sidepanel.html", Width: 400, Height: 600})
	require.NoError(t, err)
	require.NotZero(t, win.ID)
	require.Len(t, win.Tabs, 1)
	require.Equal(t, win.Tabs[0].ID, <-launched)

	tabs, err := env.WindowTabs(ctx, win.ID)
	require.NoError(t, err)
	require.Len(t, tabs, 1)

	reply, err := env.SendMessage(ctx, tabs[0].ID, surface.Message{Type: surface.MessagePing})
	require.NoError(t, err)
	require.Equal(t, surface.StatusAlive, reply.Status)

	require.Eventually(t, func() bool {
		page, err := browser.NewPageReader(env).ReadPage(ctx, tabs[0].ID)
		return err == nil && page.Text == "Hello World" && page.Title == "Panel"
	}, 10*time.Second, 100*time.Millisecond)

	require.NoError(t, env.FocusWindow(ctx, win.ID))

	page, err := env.Page(ctx, tabs[0].ID)
	require.NoError(t, err)
	require.NoError(t, page.Close())

	select {
	case id := <-removed:
		require.Equal(t, win.ID, id)
	case <-time.After(10 * time.Second):
		t.Fatal("window removal not observed")
	}
}

func TestEnvironment_AdoptAfterRestart(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "<html><head><title>AI Sidekick</title></head><body>panel</body></html>")
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	first := browser.New(browser.Config{Headless: true}, func(context.Context, surface.TabID, *rod.Page) (browser.Host, error) {
		return pingHost{}, nil
	})
	require.NoError(t, first.Start(ctx))
	defer func() { _ = first.Shutdown() }()

	sig := surface.Signature{EntryURL: ts.URL + "/sidepanel.html", Title: "AI Sidekick"}
	a, err := first.CreateWindow(ctx, surface.CreateOptions{URL: sig.EntryURL})
	require.NoError(t, err)
	b, err := first.CreateWindow(ctx, surface.CreateOptions{URL: sig.EntryURL})
	require.NoError(t, err)

	// A second daemon attached to the same browser hosts nothing yet.
	second := browser.New(browser.Config{Headless: true, DebuggerURL: first.ControlURL()},
		func(context.Context, surface.TabID, *rod.Page) (browser.Host, error) { return pingHost{}, nil })
	require.NoError(t, second.Start(ctx))
	defer func() { _ = second.Shutdown() }()

	adopted, err := second.Adopt(ctx, sig.Matches, b.Tabs[0].ID)
	require.NoError(t, err)
	require.Equal(t, b.Tabs[0].ID, adopted)

	reply, err := second.SendMessage(ctx, adopted, surface.Message{Type: surface.MessagePing})
	require.NoError(t, err)
	require.Equal(t, surface.StatusAlive, reply.Status)

	require.Eventually(t, func() bool {
		_, err := second.GetTab(ctx, a.Tabs[0].ID)
		return err != nil
	}, 10*time.Second, 100*time.Millisecond, "extra panel tab should be closed")
}
