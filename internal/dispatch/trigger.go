package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"sidekick/internal/logging"
)

// TriggerKind names the external event.
type TriggerKind string

const (
	TriggerIcon        TriggerKind = "icon"
	TriggerContextMenu TriggerKind = "contextMenu"
)

// maxTriggerLine caps one feed line; selections larger than this are dropped.
const maxTriggerLine = 4 << 20

// TabRef is a tab id that decodes from either a JSON string or number.
type TabRef string

func (r *TabRef) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = TabRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("tab id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("tab id %s is not an integer", n)
	}
	*r = TabRef(n.String())
	return nil
}

// Trigger is an icon click or context-menu click.
type Trigger struct {
	Kind          TriggerKind `json:"kind"`
	MenuItemID    string      `json:"menuItemId,omitempty"`
	SelectionText string      `json:"selectionText,omitempty"`
	PageURL       string      `json:"pageUrl,omitempty"`
	SourceTab     TabRef      `json:"tabId,omitempty"`
	SourceWindow  int         `json:"windowId,omitempty"`
}

// Validate rejects triggers the dispatcher cannot interpret.
func (t Trigger) Validate() error {
	switch t.Kind {
	case TriggerIcon:
		return nil
	case TriggerContextMenu:
		if t.MenuItemID == "" {
			return errors.New("context menu trigger without menuItemId")
		}
		return nil
	default:
		return fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
}

// ReadTriggers decodes newline-delimited JSON triggers from r and calls
// handle for each valid one, in order. Malformed lines are logged and
// skipped. It returns nil at end of input.
func ReadTriggers(ctx context.Context, r io.Reader, handle func(context.Context, Trigger)) error {
	reader := bufio.NewReaderSize(r, 64<<10)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			dispatchLine(ctx, line, handle)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read trigger feed: %w", err)
		}
	}
}

func dispatchLine(ctx context.Context, line []byte, handle func(context.Context, Trigger)) {
	if len(line) > maxTriggerLine {
		logging.Get(logging.CategoryDispatch).Warn("dropping oversized trigger line (%d bytes)", len(line))
		return
	}
	var t Trigger
	if err := json.Unmarshal(line, &t); err != nil {
		logging.Get(logging.CategoryDispatch).Warn("malformed trigger line: %v", err)
		return
	}
	if err := t.Validate(); err != nil {
		logging.Get(logging.CategoryDispatch).Warn("invalid trigger: %v", err)
		return
	}
	handle(ctx, t)
}

// Encode renders a trigger as one feed line.
func (t Trigger) Encode() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode trigger: %w", err)
	}
	return append(data, '\n'), nil
}
