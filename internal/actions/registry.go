// Package actions holds the action definitions offered in the context menu.
//
// Built-in defaults are overlaid by user definitions stored in the local
// area under "actions": a stored definition replaces the default with the
// same id, and unknown ids are appended. The registry follows changes to
// that key, so edits made from the CLI reach a running panel.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"sidekick/internal/logging"
	"sidekick/internal/store"
)

// Context is where an action applies.
type Context string

const (
	ContextSelection Context = "selection"
	ContextPage      Context = "page"
)

// Definition is one action.
type Definition struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Prompt   string    `json:"prompt"`
	Contexts []Context `json:"contexts"`
}

// Has reports whether the action applies in c.
func (d Definition) Has(c Context) bool {
	for _, x := range d.Contexts {
		if x == c {
			return true
		}
	}
	return false
}

// Validate checks a single definition.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("action id is required")
	}
	if strings.TrimSpace(d.Title) == "" {
		return fmt.Errorf("action %s: title is required", d.ID)
	}
	if strings.TrimSpace(d.Prompt) == "" {
		return fmt.Errorf("action %s: prompt is required", d.ID)
	}
	if len(d.Contexts) == 0 {
		return fmt.Errorf("action %s: at least one context is required", d.ID)
	}
	for _, c := range d.Contexts {
		if c != ContextSelection && c != ContextPage {
			return fmt.Errorf("action %s: unknown context %q", d.ID, c)
		}
	}
	return nil
}

// Validate checks every definition and rejects duplicate ids.
func Validate(defs []Definition) error {
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return err
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate action id %q", d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

// Merge overlays overrides onto base by id. Invalid overrides are skipped.
func Merge(base, overrides []Definition) []Definition {
	out := make([]Definition, len(base))
	copy(out, base)
	index := make(map[string]int, len(out))
	for i, d := range out {
		index[d.ID] = i
	}
	for _, d := range overrides {
		if err := d.Validate(); err != nil {
			logging.Get(logging.CategorySettings).Warn("ignoring stored action: %v", err)
			continue
		}
		if i, ok := index[d.ID]; ok {
			out[i] = d
			continue
		}
		index[d.ID] = len(out)
		out = append(out, d)
	}
	return out
}

// Registry is the live set of definitions.
type Registry struct {
	area store.Area

	mu        sync.RWMutex
	defs      []Definition
	overrides []Definition
	cancel    func()
	onChange  []func([]Definition)
}

// NewRegistry creates a registry holding the defaults until Load runs.
func NewRegistry(area store.Area) *Registry {
	return &Registry{area: area, defs: Defaults()}
}

// Load reads stored overrides and starts following changes to them.
func (r *Registry) Load(ctx context.Context) error {
	var overrides []Definition
	if _, err := r.area.Get(ctx, store.KeyActions, &overrides); err != nil {
		return fmt.Errorf("read actions: %w", err)
	}
	r.apply(overrides)

	r.mu.Lock()
	if r.cancel == nil {
		r.cancel = r.area.OnChanged(r.onAreaChange)
	}
	r.mu.Unlock()
	return nil
}

// Close stops following changes.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// OnChange registers fn to run with the new set after every reload.
func (r *Registry) OnChange(fn func([]Definition)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

func (r *Registry) onAreaChange(c store.Change) {
	if c.Key != store.KeyActions {
		return
	}
	var overrides []Definition
	if !c.Removed() {
		if err := json.Unmarshal(c.NewValue, &overrides); err != nil {
			logging.Get(logging.CategorySettings).Warn("ignoring malformed actions update: %v", err)
			return
		}
	}
	r.apply(overrides)
	logging.Settings("actions hot-reloaded (%d overrides)", len(overrides))
}

func (r *Registry) apply(overrides []Definition) {
	merged := Merge(Defaults(), overrides)
	r.mu.Lock()
	r.defs = merged
	r.overrides = overrides
	listeners := append(([]func([]Definition))(nil), r.onChange...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(cloneDefs(merged))
	}
}

// All returns every definition, defaults first.
func (r *Registry) All() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneDefs(r.defs)
}

// Find looks a definition up by id.
func (r *Registry) Find(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.defs {
		if d.ID == id {
			return d, true
		}
	}
	return Definition{}, false
}

// Upsert stores d as an override, replacing any override with its id.
func (r *Registry) Upsert(ctx context.Context, d Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.RLock()
	next := cloneDefs(r.overrides)
	r.mu.RUnlock()

	replaced := false
	for i := range next {
		if next[i].ID == d.ID {
			next[i] = d
			replaced = true
		}
	}
	if !replaced {
		next = append(next, d)
	}
	return r.store(ctx, next)
}

// Delete removes the override for id. Defaults come back; custom actions disappear.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.RLock()
	next := make([]Definition, 0, len(r.overrides))
	for _, d := range r.overrides {
		if d.ID != id {
			next = append(next, d)
		}
	}
	r.mu.RUnlock()
	return r.store(ctx, next)
}

// Reset drops every override.
func (r *Registry) Reset(ctx context.Context) error {
	if err := r.area.Remove(ctx, store.KeyActions); err != nil {
		return fmt.Errorf("reset actions: %w", err)
	}
	r.apply(nil)
	return nil
}

func (r *Registry) store(ctx context.Context, overrides []Definition) error {
	if err := Validate(overrides); err != nil {
		return err
	}
	if err := r.area.Set(ctx, store.KeyActions, overrides); err != nil {
		return fmt.Errorf("save actions: %w", err)
	}
	r.apply(overrides)
	return nil
}

func cloneDefs(in []Definition) []Definition {
	out := make([]Definition, len(in))
	for i, d := range in {
		d.Contexts = append([]Context(nil), d.Contexts...)
		out[i] = d
	}
	return out
}
