// Package store provides the durable key-value areas sidekick persists to.
//
// Three areas exist, matching the lifetime each piece of state needs:
//   - local:   long-term settings, the pending action slot, chat history
//   - sync:    the encrypted vault blob, kept apart from everything else
//   - session: tracker record and decrypted keys; survives daemon restarts
//     but not a browser restart
//
// Every area notifies observers after each successful write, which is how
// settings hot-reload and vault lock propagation are wired.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// Well-known keys.
const (
	KeyInstance          = "sidekickInstance"
	KeyDecryptedKeys     = "decryptedKeys"
	KeyPendingAction     = "pendingAction"
	KeyActions           = "actions"
	KeyChatHistory       = "chatHistory"
	KeyStorageMode       = "storageMode"
	KeySystemInstruction = "systemInstruction"
	KeySelectedModel     = "selectedModel"
	KeyGeminiKey         = "geminiKey"
	KeyDeepSeekKey       = "deepseekKey"
	KeyVault             = "vault"
)

// ErrClosed is returned by operations on a closed area.
var ErrClosed = errors.New("store: area closed")

// Change describes one key mutation. A nil NewValue means the key was removed.
type Change struct {
	Area     string
	Key      string
	OldValue json.RawMessage
	NewValue json.RawMessage
}

// Removed reports whether the change deleted the key.
func (c Change) Removed() bool {
	return c.NewValue == nil
}

// Area is a single durable key-value region.
type Area interface {
	// Name identifies the area ("local", "sync", "session").
	Name() string
	// Get decodes the value stored under key into out. It reports false when absent.
	Get(ctx context.Context, key string, out any) (bool, error)
	// Set stores value (JSON encoded) under key.
	Set(ctx context.Context, key string, value any) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// OnChanged registers fn for every subsequent change; the returned func unregisters it.
	OnChanged(fn func(Change)) (cancel func())
}

// observers fans changes out to registered callbacks.
type observers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Change)
}

func (o *observers) add(fn func(Change)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[int]func(Change))
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.fns, id)
		o.mu.Unlock()
	}
}

// notify calls observers outside the lock so they may write back to the area.
func (o *observers) notify(c Change) {
	o.mu.Lock()
	fns := make([]func(Change), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func sameJSON(a, b json.RawMessage) bool {
	return string(a) == string(b)
}
