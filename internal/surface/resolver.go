package surface

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sidekick/internal/logging"
	"sidekick/internal/nonfatal"
	"sidekick/internal/tracker"
)

// DefaultPingTimeout bounds the liveness ping when none is configured.
const DefaultPingTimeout = 2 * time.Second

// slowResolve is the duration above which a resolution is logged as a warning.
const slowResolve = 5 * time.Second

// OutcomeKind says how a resolution ended.
type OutcomeKind int

const (
	// Failed means no instance is available; creation failed.
	Failed OutcomeKind = iota
	// Confirmed means an existing instance answered the ping and was focused.
	Confirmed
	// Created means a new instance was spawned; it will pick its action up from the mailbox.
	Created
)

func (k OutcomeKind) String() string {
	switch k {
	case Confirmed:
		return "confirmed"
	case Created:
		return "created"
	default:
		return "failed"
	}
}

// Outcome is the result of one resolution.
type Outcome struct {
	Kind     OutcomeKind
	Instance tracker.Instance
	Err      error
}

// Options configures a Resolver.
type Options struct {
	Signature   Signature
	Create      CreateOptions
	PingTimeout time.Duration
}

// Resolver finds, confirms or creates the single panel instance.
type Resolver struct {
	env     Environment
	tracker *tracker.Tracker
	opts    Options
}

// NewResolver wires a resolver to its environment and tracker.
func NewResolver(env Environment, tr *tracker.Tracker, opts Options) *Resolver {
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultPingTimeout
	}
	if opts.Create.URL == "" {
		opts.Create.URL = opts.Signature.EntryURL
	}
	return &Resolver{env: env, tracker: tr, opts: opts}
}

// candidate is a tab picked by one of the lookup steps.
type candidate struct {
	tab  Tab
	step string
}

// Resolve produces exactly one focused, live panel instance, creating one if
// needed. It never returns an error; failures are reported in the Outcome.
func (r *Resolver) Resolve(ctx context.Context) Outcome {
	timer := logging.StartTimer(logging.CategoryResolver, "Resolve")
	defer timer.StopWithThreshold(slowResolve)

	tracked := r.tracker.Get(ctx)
	logging.ResolverDebug("resolving, tracked=%s", tracked)

	if c, ok := r.locate(ctx, tracked); ok {
		if r.ping(ctx, c.tab.ID) {
			inst := tracker.Instance{WindowID: c.tab.WindowID, TabID: c.tab.ID}
			if inst != r.tracker.Get(ctx) {
				r.tracker.Set(ctx, inst.WindowID, inst.TabID)
			}
			nonfatal.Do(logging.CategoryResolver, "focus window", r.env.FocusWindow(ctx, c.tab.WindowID))
			nonfatal.Do(logging.CategoryResolver, "activate tab", r.env.ActivateTab(ctx, c.tab.ID))
			logging.Resolver("confirmed live instance %s via %s", inst, c.step)
			return Outcome{Kind: Confirmed, Instance: inst}
		}
		logging.Resolver("candidate tab %s (%s) did not answer ping; treating as zombie", c.tab.ID, c.step)
		r.tracker.Clear(ctx)
	}

	return r.create(ctx, r.tracker.Get(ctx))
}

// locate runs the lookup steps in order and returns the first candidate.
func (r *Resolver) locate(ctx context.Context, tracked tracker.Instance) (candidate, bool) {
	if !tracked.IsZero() {
		tabs, err := r.env.WindowTabs(ctx, tracked.WindowID)
		switch {
		case err == nil:
			if c, ok := r.inTrackedWindow(ctx, tracked, tabs); ok {
				return c, true
			}
			// The window exists but is empty; nothing global to adopt.
			return candidate{}, false
		case errors.Is(err, ErrWindowNotFound):
			logging.ResolverDebug("tracked window %d is gone", tracked.WindowID)
		default:
			nonfatal.Do(logging.CategoryResolver, "list tracked window tabs", err)
		}
	}
	return r.globalSearch(ctx)
}

func (r *Resolver) inTrackedWindow(ctx context.Context, tracked tracker.Instance, tabs []Tab) (candidate, bool) {
	if tracked.TabID != "" {
		for _, t := range tabs {
			if t.ID == tracked.TabID {
				return candidate{tab: withWindow(t, tracked.WindowID), step: "tracked tab"}, true
			}
		}
	}

	for _, t := range tabs {
		if r.opts.Signature.Matches(t) {
			t = withWindow(t, tracked.WindowID)
			logging.Resolver("tracked tab %q moved; re-pointing to tab %s", tracked.TabID, t.ID)
			r.tracker.Set(ctx, t.WindowID, t.ID)
			return candidate{tab: t, step: "content match"}, true
		}
	}

	if len(tabs) == 0 {
		return candidate{}, false
	}
	for _, t := range tabs {
		if t.Active {
			return candidate{tab: withWindow(t, tracked.WindowID), step: "active tab"}, true
		}
	}
	return candidate{tab: withWindow(tabs[0], tracked.WindowID), step: "first tab"}, true
}

func (r *Resolver) globalSearch(ctx context.Context) (candidate, bool) {
	tabs, err := r.env.AllTabs(ctx)
	if !nonfatal.Do(logging.CategoryResolver, "list all tabs", err) {
		return candidate{}, false
	}
	for _, t := range tabs {
		if r.opts.Signature.Matches(t) {
			logging.Resolver("adopting panel found in window %d tab %s", t.WindowID, t.ID)
			r.tracker.Set(ctx, t.WindowID, t.ID)
			return candidate{tab: t, step: "global search"}, true
		}
	}
	return candidate{}, false
}

// ping reports whether the tab's panel answered within the ping timeout.
func (r *Resolver) ping(ctx context.Context, id TabID) bool {
	pingCtx, cancel := context.WithTimeout(ctx, r.opts.PingTimeout)
	defer cancel()

	reply, err := r.env.SendMessage(pingCtx, id, Message{Type: MessagePing})
	if err != nil {
		logging.ResolverDebug("ping %s failed: %v", id, err)
		return false
	}
	return reply.Status == StatusAlive
}

// create spawns a new panel window. The tracker is only updated if it still
// holds expected, so a slow creation never overwrites a newer instance.
func (r *Resolver) create(ctx context.Context, expected tracker.Instance) Outcome {
	win, err := r.env.CreateWindow(ctx, r.opts.Create)
	if err != nil {
		err = fmt.Errorf("create panel window: %w", err)
		logging.Get(logging.CategoryResolver).Error("%v", err)
		return Outcome{Kind: Failed, Err: err}
	}

	inst := tracker.Instance{WindowID: win.ID}
	if len(win.Tabs) > 0 {
		inst.TabID = win.Tabs[0].ID
	}
	if !r.tracker.CompareAndSet(ctx, expected, inst) {
		logging.Resolver("created window %d but tracker moved on; leaving tracker untouched", win.ID)
	} else {
		logging.Resolver("created panel instance %s", inst)
	}
	return Outcome{Kind: Created, Instance: inst}
}

// HandleWindowRemoved reacts to a closed window. If the tracked tab survived
// in another window the tracker follows it, otherwise it is cleared.
func (r *Resolver) HandleWindowRemoved(ctx context.Context, id WindowID) {
	current := r.tracker.Get(ctx)
	if current.IsZero() || current.WindowID != id {
		return
	}

	if current.TabID != "" {
		tab, err := r.env.GetTab(ctx, current.TabID)
		switch {
		case err == nil && tab.WindowID != 0 && tab.WindowID != id:
			next := tracker.Instance{WindowID: tab.WindowID, TabID: tab.ID}
			if r.tracker.CompareAndSet(ctx, current, next) {
				logging.Resolver("panel tab %s migrated from window %d to %d", tab.ID, id, tab.WindowID)
			}
			return
		case err != nil && !errors.Is(err, ErrTabNotFound):
			nonfatal.Do(logging.CategoryResolver, "look up tracked tab", err)
		}
	}

	if r.tracker.CompareAndSet(ctx, current, tracker.Instance{}) {
		logging.Resolver("panel window %d closed; tracker cleared", id)
	}
}

func withWindow(t Tab, id WindowID) Tab {
	if t.WindowID == 0 {
		t.WindowID = id
	}
	return t
}
