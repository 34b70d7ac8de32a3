// Package surface finds or creates the single panel surface and keeps the
// instance tracker in step with window lifecycle events.
//
// The window system is reached only through Environment, so the resolver can
// run against the go-rod browser in production and a fake in tests.
package surface

import (
	"context"
	"errors"
	"strings"

	"sidekick/internal/mailbox"
)

// WindowID identifies a browser window. Zero means none.
type WindowID = int

// TabID identifies a tab. Empty means none.
type TabID = string

var (
	// ErrWindowNotFound is returned when a window no longer exists.
	ErrWindowNotFound = errors.New("surface: window not found")
	// ErrTabNotFound is returned when a tab no longer exists.
	ErrTabNotFound = errors.New("surface: tab not found")
)

// Tab is a snapshot of one tab.
type Tab struct {
	ID       TabID
	WindowID WindowID
	URL      string
	Title    string
	Active   bool
}

// Window is a snapshot of one window and its tabs, in display order.
type Window struct {
	ID   WindowID
	Tabs []Tab
}

// CreateOptions describes a new detached panel window.
type CreateOptions struct {
	URL    string
	Width  int
	Height int
}

// Message types understood by a panel instance.
const (
	MessagePing          = "PING"
	MessageExecuteAction = "EXECUTE_ACTION"
)

// Reply statuses.
const (
	StatusAlive   = "alive"
	StatusStarted = "started"
)

// Message is sent to a panel instance.
type Message struct {
	Type    string                 `json:"type"`
	Payload *mailbox.PendingAction `json:"payload,omitempty"`
}

// Reply is a panel instance's acknowledgement.
type Reply struct {
	Status string `json:"status"`
}

// Environment is the window system as seen by the resolver.
type Environment interface {
	// WindowTabs lists a window's tabs. It returns ErrWindowNotFound when the window is gone.
	WindowTabs(ctx context.Context, id WindowID) ([]Tab, error)
	// GetTab looks a tab up wherever it lives. It returns ErrTabNotFound when the tab is gone.
	GetTab(ctx context.Context, id TabID) (Tab, error)
	// AllTabs lists every tab in every window.
	AllTabs(ctx context.Context) ([]Tab, error)
	CreateWindow(ctx context.Context, opts CreateOptions) (Window, error)
	FocusWindow(ctx context.Context, id WindowID) error
	ActivateTab(ctx context.Context, id TabID) error
	// SendMessage delivers msg to the panel hosted in the tab and waits for its reply.
	SendMessage(ctx context.Context, id TabID, msg Message) (Reply, error)
}

// Signature recognises a tab as the panel surface.
type Signature struct {
	EntryURL string
	Title    string
}

// Matches reports whether the tab is the panel: its URL equals or ends with
// the entry URL (query and fragment ignored), or its title is the panel title.
func (s Signature) Matches(t Tab) bool {
	if s.Title != "" && t.Title == s.Title {
		return true
	}
	want := stripQuery(s.EntryURL)
	if want == "" {
		return false
	}
	got := stripQuery(t.URL)
	return got == want || strings.HasSuffix(got, want)
}

func stripQuery(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}
