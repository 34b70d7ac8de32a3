package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"sidekick/internal/dispatch"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	triggerSelection string
	triggerPageURL   string
	triggerTab       string
	triggerWindow    int
	triggerPrint     bool
)

var triggerCmd = &cobra.Command{
	Use:   "trigger [icon | menu-item-id]",
	Short: "Send an icon or context-menu trigger to the running daemon",
	Long: `Sends one trigger to "sidekick serve".

Examples:
  sidekick trigger icon
  sidekick trigger summarize-sel --selection "hello world" --tab 7
  sidekick trigger summarize-page --url https://example.com --tab 7 --print`,
	Args: cobra.ExactArgs(1),
	RunE: runTrigger,
}

func init() {
	triggerCmd.Flags().StringVar(&triggerSelection, "selection", "", "Selected text")
	triggerCmd.Flags().StringVar(&triggerPageURL, "url", "", "URL of the page the trigger came from")
	triggerCmd.Flags().StringVar(&triggerTab, "tab", "", "Source tab id")
	triggerCmd.Flags().IntVar(&triggerWindow, "window", 0, "Source window id")
	triggerCmd.Flags().BoolVar(&triggerPrint, "print", false, "Print the trigger line instead of sending it")
}

func buildTrigger(arg string) dispatch.Trigger {
	t := dispatch.Trigger{
		Kind:          dispatch.TriggerContextMenu,
		MenuItemID:    arg,
		SelectionText: triggerSelection,
		PageURL:       triggerPageURL,
		SourceTab:     dispatch.TabRef(triggerTab),
		SourceWindow:  triggerWindow,
	}
	if arg == string(dispatch.TriggerIcon) {
		t.Kind, t.MenuItemID = dispatch.TriggerIcon, ""
	}
	return t
}

func runTrigger(cmd *cobra.Command, args []string) error {
	t := buildTrigger(args[0])
	if err := t.Validate(); err != nil {
		return err
	}

	if triggerPrint {
		line, err := t.Encode()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(line)
		return err
	}

	endpoint, err := url.Parse(cfg.Surface.EntryURL)
	if err != nil {
		return fmt.Errorf("invalid surface.entry_url: %w", err)
	}
	endpoint.Path, endpoint.RawQuery, endpoint.Fragment = "/api/trigger", "", ""

	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	logger.Debug("sending trigger", zap.String("endpoint", endpoint.String()), zap.String("kind", string(t.Kind)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable (is \"sidekick serve\" running?): %w", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode daemon response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("trigger rejected: %v", out["error"])
	}
	fmt.Printf("Action %v: outcome=%v delivery=%v\n", out["actionId"], out["outcome"], out["delivery"])
	return nil
}
