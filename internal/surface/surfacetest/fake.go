// Package surfacetest provides an in-memory surface.Environment for tests.
package surfacetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sidekick/internal/surface"
)

// Sent records one SendMessage call.
type Sent struct {
	Tab     surface.TabID
	Message surface.Message
}

// Env is a scriptable window system. Tabs answer PING only if marked alive;
// other messages go to Handler when set.
type Env struct {
	mu sync.Mutex

	windows map[surface.WindowID][]surface.Tab
	alive   map[surface.TabID]bool
	order   []surface.WindowID
	nextWin surface.WindowID
	nextTab int

	// CreateErr makes CreateWindow fail.
	CreateErr error
	// SendErr makes every non-ping SendMessage fail.
	SendErr error
	// CreatedAlive marks tabs of new windows as answering pings.
	CreatedAlive bool
	// OnCreate runs inside CreateWindow before it returns.
	OnCreate func(surface.Window)
	// Handler answers non-ping messages; the default replies "started".
	Handler func(surface.TabID, surface.Message) (surface.Reply, error)

	AllTabsCalls    int
	CreateCalls     int
	WindowTabsCalls int
	Focused         []surface.WindowID
	Activated       []surface.TabID
	Sent            []Sent
}

// New returns an empty environment. New windows are numbered from 100.
func New() *Env {
	return &Env{
		windows: make(map[surface.WindowID][]surface.Tab),
		alive:   make(map[surface.TabID]bool),
		nextWin: 100,
		nextTab: 1000,
	}
}

// AddWindow adds a window holding tabs. Tab window ids are filled in.
func (e *Env) AddWindow(id surface.WindowID, tabs ...surface.Tab) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range tabs {
		tabs[i].WindowID = id
	}
	if _, ok := e.windows[id]; !ok {
		e.order = append(e.order, id)
	}
	e.windows[id] = tabs
}

// RemoveWindow closes a window and its tabs.
func (e *Env) RemoveWindow(id surface.WindowID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.windows, id)
	for i, w := range e.order {
		if w == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// MoveTab moves a tab into another (possibly new) window.
func (e *Env) MoveTab(tab surface.TabID, to surface.WindowID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for w, tabs := range e.windows {
		for i, t := range tabs {
			if t.ID != tab {
				continue
			}
			e.windows[w] = append(tabs[:i:i], tabs[i+1:]...)
			t.WindowID = to
			if _, ok := e.windows[to]; !ok {
				e.order = append(e.order, to)
			}
			e.windows[to] = append(e.windows[to], t)
			return
		}
	}
}

// SetAlive marks whether a tab answers pings.
func (e *Env) SetAlive(tab surface.TabID, alive bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alive[tab] = alive
}

// SentOfType returns the recorded messages of the given type.
func (e *Env) SentOfType(typ string) []Sent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Sent
	for _, s := range e.Sent {
		if s.Message.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

func (e *Env) WindowTabs(ctx context.Context, id surface.WindowID) ([]surface.Tab, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.WindowTabsCalls++
	tabs, ok := e.windows[id]
	if !ok {
		return nil, fmt.Errorf("window %d: %w", id, surface.ErrWindowNotFound)
	}
	return append([]surface.Tab(nil), tabs...), nil
}

func (e *Env) GetTab(ctx context.Context, id surface.TabID) (surface.Tab, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range e.order {
		for _, t := range e.windows[w] {
			if t.ID == id {
				return t, nil
			}
		}
	}
	return surface.Tab{}, fmt.Errorf("tab %s: %w", id, surface.ErrTabNotFound)
}

func (e *Env) AllTabs(ctx context.Context) ([]surface.Tab, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.AllTabsCalls++
	var out []surface.Tab
	for _, w := range e.order {
		out = append(out, e.windows[w]...)
	}
	return out, nil
}

func (e *Env) CreateWindow(ctx context.Context, opts surface.CreateOptions) (surface.Window, error) {
	e.mu.Lock()
	e.CreateCalls++
	if e.CreateErr != nil {
		err := e.CreateErr
		e.mu.Unlock()
		return surface.Window{}, err
	}
	e.nextWin++
	e.nextTab++
	id := e.nextWin
	tab := surface.Tab{ID: fmt.Sprintf("T%d", e.nextTab), WindowID: id, URL: opts.URL, Active: true}
	e.windows[id] = []surface.Tab{tab}
	e.order = append(e.order, id)
	e.alive[tab.ID] = e.CreatedAlive
	win := surface.Window{ID: id, Tabs: []surface.Tab{tab}}
	hook := e.OnCreate
	e.mu.Unlock()

	if hook != nil {
		hook(win)
	}
	return win, nil
}

func (e *Env) FocusWindow(ctx context.Context, id surface.WindowID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.windows[id]; !ok {
		return surface.ErrWindowNotFound
	}
	e.Focused = append(e.Focused, id)
	return nil
}

func (e *Env) ActivateTab(ctx context.Context, id surface.TabID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Activated = append(e.Activated, id)
	return nil
}

func (e *Env) SendMessage(ctx context.Context, id surface.TabID, msg surface.Message) (surface.Reply, error) {
	e.mu.Lock()
	e.Sent = append(e.Sent, Sent{Tab: id, Message: msg})
	alive := e.alive[id]
	sendErr := e.SendErr
	handler := e.Handler
	e.mu.Unlock()

	if !alive {
		// An unresponsive tab never replies; the caller's deadline decides.
		<-ctx.Done()
		return surface.Reply{}, ctx.Err()
	}
	if msg.Type == surface.MessagePing {
		return surface.Reply{Status: surface.StatusAlive}, nil
	}
	if sendErr != nil {
		return surface.Reply{}, sendErr
	}
	if handler != nil {
		return handler(id, msg)
	}
	return surface.Reply{Status: surface.StatusStarted}, nil
}

// ErrUnreachable is a convenient SendErr.
var ErrUnreachable = errors.New("receiving end does not exist")
