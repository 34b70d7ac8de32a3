// Package mailbox is the single-slot Pending Action Store.
//
// At most one action is stored; a newer Save overwrites an unconsumed one.
// The slot lives in the long-term local area so it survives restarts of the
// daemon and of the panel.
package mailbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sidekick/internal/logging"
	"sidekick/internal/store"

	"github.com/google/uuid"
)

// Kind discriminates pending actions.
type Kind string

const (
	KindContextMenu Kind = "contextMenu"
	KindOpenOnly    Kind = "openOnly"
)

// PendingAction is the payload handed from a trigger to the panel.
type PendingAction struct {
	ID            string    `json:"id"`
	Action        Kind      `json:"action"`
	MenuItemID    string    `json:"menuItemId,omitempty"`
	SelectionText string    `json:"selectionText,omitempty"`
	PageURL       string    `json:"pageUrl,omitempty"`
	TabID         string    `json:"tabId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Mailbox reads and writes the pending action slot.
type Mailbox struct {
	area store.Area
	// mu makes Take(clear) and Ack read-then-remove atomic within this process.
	mu  sync.Mutex
	now func() time.Time
}

// New creates a mailbox over the given (long-term) area.
func New(area store.Area) *Mailbox {
	return &Mailbox{area: area, now: time.Now}
}

// Save durably overwrites the slot. A missing ID or timestamp is filled in.
func (m *Mailbox) Save(ctx context.Context, a PendingAction) (PendingAction, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.area.Set(ctx, store.KeyPendingAction, a); err != nil {
		return a, fmt.Errorf("save pending action: %w", err)
	}
	logging.Mailbox("saved %s action %s (menu=%q)", a.Action, a.ID, a.MenuItemID)
	return a, nil
}

// Take reads the slot. When clear is true and a value is present it is
// removed before returning. A nil action means the slot is empty.
func (m *Mailbox) Take(ctx context.Context, clear bool) (*PendingAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var a PendingAction
	ok, err := m.area.Get(ctx, store.KeyPendingAction, &a)
	if err != nil {
		return nil, fmt.Errorf("read pending action: %w", err)
	}
	if !ok {
		return nil, nil
	}
	if clear {
		if err := m.area.Remove(ctx, store.KeyPendingAction); err != nil {
			return nil, fmt.Errorf("clear pending action: %w", err)
		}
	}
	return &a, nil
}

// Ack clears the slot only if it still holds the action with the given id.
// It reports whether anything was removed.
func (m *Mailbox) Ack(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var a PendingAction
	ok, err := m.area.Get(ctx, store.KeyPendingAction, &a)
	if err != nil {
		return false, fmt.Errorf("read pending action: %w", err)
	}
	if !ok || a.ID != id {
		return false, nil
	}
	if err := m.area.Remove(ctx, store.KeyPendingAction); err != nil {
		return false, fmt.Errorf("clear pending action: %w", err)
	}
	logging.Mailbox("acknowledged action %s", id)
	return true, nil
}
