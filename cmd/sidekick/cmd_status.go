package main

import (
	"fmt"

	"sidekick/internal/mailbox"
	"sidekick/internal/tracker"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the tracked panel, pending action and vault state",
	RunE:  showStatus,
}

func showStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	controlURL := readControlURL()
	areas, err := openAreas(controlURL)
	if err != nil {
		return err
	}
	defer areas.Close()

	fmt.Println("AI Sidekick status")
	fmt.Println("==================")
	fmt.Printf("Data dir:        %s\n", cfg.Storage.DataDir)
	fmt.Printf("Entry URL:       %s\n", cfg.Surface.EntryURL)
	if controlURL == "" {
		fmt.Println("Browser session: none recorded")
	} else {
		fmt.Printf("Browser session: %s\n", controlURL)
	}

	fmt.Printf("Tracked panel:   %s\n", tracker.New(areas.Session).Get(ctx))

	pending, err := mailbox.New(areas.Local).Take(ctx, false)
	switch {
	case err != nil:
		fmt.Printf("Pending action:  unreadable (%v)\n", err)
	case pending == nil:
		fmt.Println("Pending action:  none")
	default:
		fmt.Printf("Pending action:  %s %s %q (saved %s)\n",
			pending.Action, pending.MenuItemID, truncate(pending.SelectionText, 40),
			pending.CreatedAt.Format("15:04:05"))
	}

	st, err := readVaultStatus(ctx, areas)
	if err != nil {
		return err
	}
	fmt.Printf("Storage mode:    %s\n", st.mode)
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
