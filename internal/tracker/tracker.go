// Package tracker records which window/tab, if any, hosts the canonical panel.
//
// The record lives in the session area (survives daemon restarts, not a
// browser restart) and is mirrored in memory. A durable failure never fails
// the caller: the tracker logs it and keeps working from memory.
package tracker

import (
	"context"
	"fmt"
	"sync"

	"sidekick/internal/logging"
	"sidekick/internal/nonfatal"
	"sidekick/internal/store"

	"golang.org/x/sync/singleflight"
)

// Instance identifies the panel's host window and tab. The zero value means none.
type Instance struct {
	WindowID int    `json:"windowId,omitempty"`
	TabID    string `json:"tabId,omitempty"`
}

// IsZero reports whether no instance is tracked.
func (i Instance) IsZero() bool {
	return i.WindowID == 0
}

func (i Instance) String() string {
	if i.IsZero() {
		return "none"
	}
	return fmt.Sprintf("window=%d tab=%s", i.WindowID, i.TabID)
}

// Tracker owns the canonical instance record.
type Tracker struct {
	area store.Area

	// writeMu serialises mutations so durable writes land in call order.
	writeMu sync.Mutex

	mu        sync.Mutex
	cached    Instance
	persisted bool // cached is known to match the durable copy
	loaded    bool // cached is authoritative; the durable copy is not read again

	loads singleflight.Group
}

// New creates a tracker over the session area.
func New(area store.Area) *Tracker {
	return &Tracker{area: area}
}

// Get returns the in-memory record. The durable copy is read only until the
// first successful load or the first local mutation, whichever comes first.
func (t *Tracker) Get(ctx context.Context) Instance {
	t.mu.Lock()
	if t.loaded {
		inst := t.cached
		t.mu.Unlock()
		return inst
	}
	t.mu.Unlock()

	v, _, _ := t.loads.Do(store.KeyInstance, func() (interface{}, error) {
		var inst Instance
		ok, err := t.area.Get(ctx, store.KeyInstance, &inst)
		if !nonfatal.Do(logging.CategoryTracker, "read tracked instance", err) {
			// Unreadable: stay unloaded so a later Get retries.
			t.mu.Lock()
			defer t.mu.Unlock()
			return t.cached, nil
		}
		t.mu.Lock()
		if !t.loaded {
			if ok && !inst.IsZero() {
				t.cached = inst
			}
			t.persisted = true
			t.loaded = true
		}
		inst = t.cached
		t.mu.Unlock()
		logging.TrackerDebug("loaded tracked instance from session: %s", inst)
		return inst, nil
	})
	return v.(Instance)
}

// Set records the instance. A zero windowID clears the record entirely.
func (t *Tracker) Set(ctx context.Context, windowID int, tabID string) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.setLocked(ctx, Instance{WindowID: windowID, TabID: tabID})
}

// Clear forgets the tracked instance.
func (t *Tracker) Clear(ctx context.Context) {
	t.Set(ctx, 0, "")
}

// CompareAndSet applies next only if the current record equals expected.
// Slow completions use it so they never clobber a record a newer trigger wrote.
func (t *Tracker) CompareAndSet(ctx context.Context, expected, next Instance) bool {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	current := t.Get(ctx)
	if current != expected {
		logging.Tracker("stale update dropped: expected %s, current %s, wanted %s", expected, current, next)
		return false
	}
	t.setLocked(ctx, next)
	return true
}

func (t *Tracker) setLocked(ctx context.Context, next Instance) {
	if next.WindowID == 0 {
		next = Instance{}
	}

	t.mu.Lock()
	if t.cached == next && t.persisted && t.loaded {
		t.mu.Unlock()
		return
	}
	t.cached = next
	t.persisted = false
	t.loaded = true
	t.mu.Unlock()

	var err error
	if next.IsZero() {
		err = t.area.Remove(ctx, store.KeyInstance)
	} else {
		err = t.area.Set(ctx, store.KeyInstance, next)
	}
	if !nonfatal.Do(logging.CategoryTracker, "persist tracked instance", err) {
		return
	}

	t.mu.Lock()
	if t.cached == next {
		t.persisted = true
	}
	t.mu.Unlock()
	logging.Tracker("tracked instance set to %s", next)
}
