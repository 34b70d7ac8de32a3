// Package browser is the Chrome DevTools rendition of the window system:
// windows and tabs are read from CDP targets, panel windows are created as
// detached popups, and each panel tab hosts an in-process panel instance.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"sidekick/internal/logging"
	"sidekick/internal/nonfatal"
	"sidekick/internal/surface"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/sync/errgroup"
)

// ErrNoPanel is returned when a tab hosts no live panel instance.
var ErrNoPanel = errors.New("browser: no panel in tab")

// lookupLimit bounds concurrent window lookups.
const lookupLimit = 8

// Config holds browser connection settings.
type Config struct {
	DebuggerURL string
	Launch      []string
	Headless    bool
}

// Host is a panel instance living in a tab.
type Host interface {
	Handle(ctx context.Context, msg surface.Message) (surface.Reply, error)
	Close()
}

// Launcher starts a panel instance in a freshly created panel tab.
type Launcher func(ctx context.Context, tab surface.TabID, page *rod.Page) (Host, error)

// Environment implements surface.Environment over a CDP connection.
type Environment struct {
	cfg    Config
	launch Launcher

	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
	hosts      map[surface.TabID]Host
	windows    map[surface.TabID]surface.WindowID // last known window per tab
	active     map[surface.WindowID]surface.TabID
	vacated    map[surface.WindowID]struct{} // windows a tab left; may be gone
}

// New creates an environment. launch may be nil for read-only use.
func New(cfg Config, launch Launcher) *Environment {
	return &Environment{
		cfg:     cfg,
		launch:  launch,
		hosts:   make(map[surface.TabID]Host),
		windows: make(map[surface.TabID]surface.WindowID),
		active:  make(map[surface.WindowID]surface.TabID),
		vacated: make(map[surface.WindowID]struct{}),
	}
}

// Start connects to an existing Chrome or launches a new one.
func (e *Environment) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.browser != nil {
		if _, err := e.browser.Version(); err == nil {
			return nil
		}
		logging.Get(logging.CategoryBrowser).Warn("stale browser connection detected, reconnecting")
		_ = e.browser.Close()
		e.browser = nil
		e.controlURL = ""
	}

	controlURL := e.cfg.DebuggerURL
	if controlURL == "" && len(e.cfg.Launch) > 0 {
		launch := launcher.New().Bin(e.cfg.Launch[0]).Headless(e.cfg.Headless)
		for _, rawFlag := range e.cfg.Launch[1:] {
			name, val, hasVal := strings.Cut(strings.TrimLeft(rawFlag, "-"), "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
	}
	if controlURL == "" {
		url, err := launcher.New().Headless(e.cfg.Headless).Launch()
		if err != nil {
			return fmt.Errorf("no debugger_url and failed to launch: %w", err)
		}
		controlURL = url
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	e.browser = b
	e.controlURL = controlURL
	logging.Browser("connected to %s", controlURL)
	return nil
}

// ControlURL returns the DevTools WebSocket URL; it identifies the browser session.
func (e *Environment) ControlURL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.controlURL
}

// Shutdown closes hosted panels and the connection. The browser itself
// keeps running when it was attached to rather than launched.
func (e *Environment) Shutdown() error {
	e.mu.Lock()
	hosts := e.hosts
	e.hosts = make(map[surface.TabID]Host)
	b := e.browser
	e.browser = nil
	e.controlURL = ""
	e.mu.Unlock()

	for _, h := range hosts {
		h.Close()
	}
	if b == nil {
		return nil
	}
	if e.cfg.DebuggerURL != "" {
		return nil
	}
	return b.Close()
}

func (e *Environment) conn() (*rod.Browser, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.browser == nil {
		return nil, errors.New("browser not connected")
	}
	return e.browser, nil
}

// Host registers h as the panel living in tab.
func (e *Environment) Host(tab surface.TabID, h Host) {
	e.mu.Lock()
	old := e.hosts[tab]
	e.hosts[tab] = h
	e.mu.Unlock()
	if old != nil && old != h {
		old.Close()
	}
}

// Page returns the rod page for a tab.
func (e *Environment) Page(ctx context.Context, tab surface.TabID) (*rod.Page, error) {
	b, err := e.conn()
	if err != nil {
		return nil, err
	}
	page, err := b.PageFromTarget(proto.TargetTargetID(tab))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", surface.ErrTabNotFound, tab)
	}
	return page.Context(ctx), nil
}

// windowOf asks the browser which window holds the tab.
func (e *Environment) windowOf(b *rod.Browser, tab surface.TabID) (surface.WindowID, error) {
	res, err := proto.BrowserGetWindowForTarget{TargetID: proto.TargetTargetID(tab)}.Call(b)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", surface.ErrTabNotFound, tab)
	}
	win := surface.WindowID(res.WindowID)
	e.recordWindow(tab, win)
	return win, nil
}

// recordWindow stores the tab's current window. A tab seen in a different
// window than before marks the old window as vacated.
func (e *Environment) recordWindow(tab surface.TabID, win surface.WindowID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.windows[tab]; ok && prev != win {
		e.vacated[prev] = struct{}{}
		if e.active[prev] == tab {
			delete(e.active, prev)
		}
		logging.BrowserDebug("tab %s moved from window %d to %d", tab, prev, win)
	}
	e.windows[tab] = win
}

// forgetTab drops a closed tab and returns its host, if any. Its window is
// marked as vacated.
func (e *Environment) forgetTab(tab surface.TabID) Host {
	e.mu.Lock()
	defer e.mu.Unlock()
	if win, ok := e.windows[tab]; ok {
		e.vacated[win] = struct{}{}
		if e.active[win] == tab {
			delete(e.active, win)
		}
	}
	delete(e.windows, tab)
	h := e.hosts[tab]
	delete(e.hosts, tab)
	return h
}

// flushVacated reports every vacated window that gone confirms has no tabs
// left. Windows that still have tabs are dropped from the set.
func (e *Environment) flushVacated(ctx context.Context, gone func(context.Context, surface.WindowID) bool, onWindowRemoved func(context.Context, surface.WindowID)) {
	e.mu.Lock()
	wins := make([]surface.WindowID, 0, len(e.vacated))
	for w := range e.vacated {
		wins = append(wins, w)
	}
	e.vacated = make(map[surface.WindowID]struct{})
	e.mu.Unlock()

	for _, w := range wins {
		if gone(ctx, w) {
			logging.Browser("window %d removed", w)
			onWindowRemoved(ctx, w)
		}
	}
}

// windowGone reports whether the browser no longer has any tab in the window.
func (e *Environment) windowGone(ctx context.Context, id surface.WindowID) bool {
	_, err := e.WindowTabs(ctx, id)
	return errors.Is(err, surface.ErrWindowNotFound)
}

func (e *Environment) toTab(info *proto.TargetTargetInfo, win surface.WindowID) surface.Tab {
	id := surface.TabID(info.TargetID)
	e.mu.RLock()
	active := e.active[win] == id
	e.mu.RUnlock()
	return surface.Tab{
		ID:       id,
		WindowID: win,
		URL:      info.URL,
		Title:    info.Title,
		Active:   active,
	}
}

// AllTabs lists every page target with its window.
func (e *Environment) AllTabs(ctx context.Context) ([]surface.Tab, error) {
	b, err := e.conn()
	if err != nil {
		return nil, err
	}
	res, err := proto.TargetGetTargets{}.Call(b.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}

	var pages []*proto.TargetTargetInfo
	for _, info := range res.TargetInfos {
		if info.Type == proto.TargetTargetInfoTypePage {
			pages = append(pages, info)
		}
	}

	tabs := make([]surface.Tab, len(pages))
	found := make([]bool, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lookupLimit)
	for i, info := range pages {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			win, err := e.windowOf(b, surface.TabID(info.TargetID))
			if err != nil {
				// Closed while listing.
				return nil
			}
			tabs[i], found[i] = e.toTab(info, win), true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := tabs[:0]
	for i, t := range tabs {
		if found[i] {
			out = append(out, t)
		}
	}
	return out, nil
}

// WindowTabs lists the tabs of one window.
func (e *Environment) WindowTabs(ctx context.Context, id surface.WindowID) ([]surface.Tab, error) {
	all, err := e.AllTabs(ctx)
	if err != nil {
		return nil, err
	}
	var tabs []surface.Tab
	for _, t := range all {
		if t.WindowID == id {
			tabs = append(tabs, t)
		}
	}
	if len(tabs) == 0 {
		return nil, fmt.Errorf("%w: %d", surface.ErrWindowNotFound, id)
	}
	return tabs, nil
}

// GetTab looks a tab up by target id.
func (e *Environment) GetTab(ctx context.Context, id surface.TabID) (surface.Tab, error) {
	b, err := e.conn()
	if err != nil {
		return surface.Tab{}, err
	}
	res, err := proto.TargetGetTargetInfo{TargetID: proto.TargetTargetID(id)}.Call(b.Context(ctx))
	if err != nil || res.TargetInfo == nil {
		return surface.Tab{}, fmt.Errorf("%w: %s", surface.ErrTabNotFound, id)
	}
	win, err := e.windowOf(b, id)
	if err != nil {
		return surface.Tab{}, err
	}
	return e.toTab(res.TargetInfo, win), nil
}

// CreateWindow opens opts.URL in a new window, sizes it as a popup and
// launches the panel instance hosted in it.
func (e *Environment) CreateWindow(ctx context.Context, opts surface.CreateOptions) (surface.Window, error) {
	b, err := e.conn()
	if err != nil {
		return surface.Window{}, err
	}
	res, err := proto.TargetCreateTarget{URL: opts.URL, NewWindow: true}.Call(b.Context(ctx))
	if err != nil {
		return surface.Window{}, fmt.Errorf("create panel window: %w", err)
	}
	tab := surface.TabID(res.TargetID)
	win, err := e.windowOf(b, tab)
	if err != nil {
		return surface.Window{}, err
	}

	if opts.Width > 0 && opts.Height > 0 {
		width, height := opts.Width, opts.Height
		nonfatal.Do(logging.CategoryBrowser, "size panel window", proto.BrowserSetWindowBounds{
			WindowID: proto.BrowserWindowID(win),
			Bounds:   &proto.BrowserBounds{Width: &width, Height: &height},
		}.Call(b))
	}

	e.mu.Lock()
	e.active[win] = tab
	e.mu.Unlock()
	logging.Browser("created panel window %d (tab %s)", win, tab)

	if e.launch != nil {
		page, err := b.PageFromTarget(res.TargetID)
		if err == nil {
			var h Host
			h, err = e.launch(ctx, tab, page)
			if err == nil {
				e.Host(tab, h)
			}
		}
		nonfatal.Do(logging.CategoryBrowser, "launch panel in tab "+string(tab), err)
	}

	return surface.Window{
		ID:   win,
		Tabs: []surface.Tab{{ID: tab, WindowID: win, URL: opts.URL, Active: true}},
	}, nil
}

// FocusWindow restores the window and brings its active tab to the front.
func (e *Environment) FocusWindow(ctx context.Context, id surface.WindowID) error {
	b, err := e.conn()
	if err != nil {
		return err
	}
	err = proto.BrowserSetWindowBounds{
		WindowID: proto.BrowserWindowID(id),
		Bounds:   &proto.BrowserBounds{WindowState: proto.BrowserWindowStateNormal},
	}.Call(b.Context(ctx))
	if err != nil {
		return fmt.Errorf("%w: %d", surface.ErrWindowNotFound, id)
	}

	e.mu.RLock()
	tab, ok := e.active[id]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	return proto.TargetActivateTarget{TargetID: proto.TargetTargetID(tab)}.Call(b.Context(ctx))
}

// ActivateTab makes the tab the selected one in its window.
func (e *Environment) ActivateTab(ctx context.Context, id surface.TabID) error {
	b, err := e.conn()
	if err != nil {
		return err
	}
	if err := (proto.TargetActivateTarget{TargetID: proto.TargetTargetID(id)}).Call(b.Context(ctx)); err != nil {
		return fmt.Errorf("%w: %s", surface.ErrTabNotFound, id)
	}
	e.mu.Lock()
	if win, ok := e.windows[id]; ok {
		e.active[win] = id
	}
	e.mu.Unlock()
	return nil
}

// SendMessage delivers msg to the panel hosted in the tab. A tab without a
// live panel answers nothing, like a panel page that never loaded.
func (e *Environment) SendMessage(ctx context.Context, id surface.TabID, msg surface.Message) (surface.Reply, error) {
	e.mu.RLock()
	h, ok := e.hosts[id]
	e.mu.RUnlock()
	if !ok {
		return surface.Reply{}, fmt.Errorf("%w: %s", ErrNoPanel, id)
	}
	logging.BrowserDebug("send %s to tab %s", msg.Type, id)
	return h.Handle(ctx, msg)
}

// Watch follows target lifecycle until ctx is done. When a tab's window is
// left without tabs, because the tab closed or moved to another window,
// onWindowRemoved runs with that window's id.
func (e *Environment) Watch(ctx context.Context, onWindowRemoved func(context.Context, surface.WindowID)) error {
	b, err := e.conn()
	if err != nil {
		return err
	}
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b.Context(ctx)); err != nil {
		return fmt.Errorf("discover targets: %w", err)
	}

	var wg sync.WaitGroup
	// relocate re-reads the tab's window, then checks what it left behind.
	relocate := func(tab surface.TabID) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.windowOf(b, tab)
			e.flushVacated(ctx, e.windowGone, onWindowRemoved)
		}()
	}

	wait := b.Context(ctx).EachEvent(
		func(ev *proto.TargetTargetCreated) {
			if ev.TargetInfo == nil || ev.TargetInfo.Type != proto.TargetTargetInfoTypePage {
				return
			}
			relocate(surface.TabID(ev.TargetInfo.TargetID))
		},
		func(ev *proto.TargetTargetInfoChanged) {
			if ev.TargetInfo == nil || ev.TargetInfo.Type != proto.TargetTargetInfoTypePage {
				return
			}
			relocate(surface.TabID(ev.TargetInfo.TargetID))
		},
		func(ev *proto.TargetTargetDestroyed) {
			tab := surface.TabID(ev.TargetID)
			if h := e.forgetTab(tab); h != nil {
				logging.Browser("panel tab %s closed", tab)
				h.Close()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.flushVacated(ctx, e.windowGone, onWindowRemoved)
			}()
		},
	)
	wait()
	wg.Wait()
	return ctx.Err()
}

// Adopt hosts a fresh panel instance in a surviving panel tab that has none,
// as after a daemon restart. match selects panel tabs. The tab prefer (the
// tracked one) is kept when present, otherwise the first match; other
// unhosted panel tabs are closed so one panel remains. It returns the
// adopted tab, or "" when there was nothing to adopt.
func (e *Environment) Adopt(ctx context.Context, match func(surface.Tab) bool, prefer surface.TabID) (surface.TabID, error) {
	if e.launch == nil {
		return "", nil
	}
	b, err := e.conn()
	if err != nil {
		return "", err
	}
	tabs, err := e.AllTabs(ctx)
	if err != nil {
		return "", err
	}

	keep, extra, ok := e.pickSurvivor(tabs, match, prefer)
	if !ok {
		return "", nil
	}
	for _, t := range extra {
		logging.Browser("closing orphaned panel tab %s in window %d", t.ID, t.WindowID)
		_, err := proto.TargetCloseTarget{TargetID: proto.TargetTargetID(t.ID)}.Call(b.Context(ctx))
		nonfatal.Do(logging.CategoryBrowser, "close orphaned panel tab "+string(t.ID), err)
	}

	page, err := b.PageFromTarget(proto.TargetTargetID(keep.ID))
	if err != nil {
		return "", fmt.Errorf("%w: %s", surface.ErrTabNotFound, keep.ID)
	}
	h, err := e.launch(ctx, keep.ID, page)
	if err != nil {
		return "", fmt.Errorf("launch panel in tab %s: %w", keep.ID, err)
	}
	e.Host(keep.ID, h)
	e.mu.Lock()
	e.active[keep.WindowID] = keep.ID
	e.mu.Unlock()
	logging.Browser("adopted panel tab %s in window %d", keep.ID, keep.WindowID)
	return keep.ID, nil
}

// pickSurvivor chooses which unhosted panel tab to adopt and which to close.
// Tabs that already host a panel are left alone; when one exists nothing is
// adopted.
func (e *Environment) pickSurvivor(tabs []surface.Tab, match func(surface.Tab) bool, prefer surface.TabID) (surface.Tab, []surface.Tab, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var orphans []surface.Tab
	for _, t := range tabs {
		if !match(t) {
			continue
		}
		if _, hosted := e.hosts[t.ID]; hosted {
			return surface.Tab{}, nil, false
		}
		orphans = append(orphans, t)
	}
	if len(orphans) == 0 {
		return surface.Tab{}, nil, false
	}

	keep := 0
	for i, t := range orphans {
		if t.ID == prefer {
			keep = i
			break
		}
	}
	extra := make([]surface.Tab, 0, len(orphans)-1)
	extra = append(extra, orphans[:keep]...)
	extra = append(extra, orphans[keep+1:]...)
	return orphans[keep], extra, true
}

var _ surface.Environment = (*Environment)(nil)
