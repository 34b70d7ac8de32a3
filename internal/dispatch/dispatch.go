// Package dispatch turns triggers into delivered pending actions.
//
// The action is always saved to the mailbox before the resolver runs, so a
// freshly created panel can pick it up on startup. When the resolver
// confirms a live panel the action is also sent directly; a failed send
// leaves mailbox delivery in place.
package dispatch

import (
	"context"
	"time"

	"sidekick/internal/logging"
	"sidekick/internal/mailbox"
	"sidekick/internal/nonfatal"
	"sidekick/internal/surface"
)

// MenuOpenSidekick is the context-menu item that only opens the panel.
const MenuOpenSidekick = "open-sidekick"

// Delivery says which path carries the action to the panel.
type Delivery int

const (
	DeliveryNone Delivery = iota
	DeliveryDirect
	DeliveryMailbox
)

func (d Delivery) String() string {
	switch d {
	case DeliveryDirect:
		return "direct"
	case DeliveryMailbox:
		return "mailbox"
	default:
		return "none"
	}
}

// Result reports what happened to one trigger.
type Result struct {
	Action   mailbox.PendingAction
	Outcome  surface.Outcome
	Delivery Delivery
}

// ActionFor maps a trigger to the pending action it stores.
func ActionFor(t Trigger) mailbox.PendingAction {
	kind := mailbox.KindContextMenu
	if t.Kind == TriggerIcon || t.MenuItemID == MenuOpenSidekick {
		kind = mailbox.KindOpenOnly
	}
	return mailbox.PendingAction{
		Action:        kind,
		MenuItemID:    t.MenuItemID,
		SelectionText: t.SelectionText,
		PageURL:       t.PageURL,
		TabID:         string(t.SourceTab),
	}
}

// Dispatcher handles triggers.
type Dispatcher struct {
	mailbox     *mailbox.Mailbox
	resolver    *surface.Resolver
	env         surface.Environment
	sendTimeout time.Duration
}

// New creates a dispatcher. sendTimeout bounds the direct delivery message.
func New(mb *mailbox.Mailbox, r *surface.Resolver, env surface.Environment, sendTimeout time.Duration) *Dispatcher {
	if sendTimeout <= 0 {
		sendTimeout = surface.DefaultPingTimeout
	}
	return &Dispatcher{mailbox: mb, resolver: r, env: env, sendTimeout: sendTimeout}
}

// Handle saves the trigger's action, resolves the panel and delivers the
// action. It never fails; every problem is logged where it happens.
func (d *Dispatcher) Handle(ctx context.Context, t Trigger) Result {
	action := ActionFor(t)
	logging.Dispatch("trigger %s menu=%q tab=%q", t.Kind, t.MenuItemID, t.SourceTab)

	saved, err := d.mailbox.Save(ctx, action)
	stored := nonfatal.Do(logging.CategoryDispatch, "save pending action", err)

	res := Result{Action: saved, Outcome: d.resolver.Resolve(ctx)}
	switch res.Outcome.Kind {
	case surface.Confirmed:
		if d.deliver(ctx, res.Outcome.Instance.TabID, saved) {
			res.Delivery = DeliveryDirect
		} else if stored {
			logging.Dispatch("direct delivery to tab %s failed; panel will pick the action up from the mailbox", res.Outcome.Instance.TabID)
			res.Delivery = DeliveryMailbox
		}
	case surface.Created:
		if stored {
			res.Delivery = DeliveryMailbox
		}
	default:
		logging.Dispatch("no panel available for action %s; it stays in the mailbox for the next trigger", saved.ID)
	}

	logging.Get(logging.CategoryDispatch).StructuredLog("INFO", "action dispatched", map[string]interface{}{
		"action_id": saved.ID,
		"action":    string(saved.Action),
		"outcome":   res.Outcome.Kind.String(),
		"delivery":  res.Delivery.String(),
		"instance":  res.Outcome.Instance.String(),
	})
	return res
}

func (d *Dispatcher) deliver(ctx context.Context, tab surface.TabID, action mailbox.PendingAction) bool {
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	reply, err := d.env.SendMessage(sendCtx, tab, surface.Message{
		Type:    surface.MessageExecuteAction,
		Payload: &action,
	})
	if !nonfatal.Do(logging.CategoryDispatch, "send action to panel", err) {
		return false
	}
	return reply.Status == surface.StatusStarted
}
