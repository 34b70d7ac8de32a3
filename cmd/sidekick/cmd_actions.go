package main

import (
	"fmt"
	"strings"

	"sidekick/internal/actions"

	"github.com/spf13/cobra"
)

var (
	actionTitle    string
	actionPrompt   string
	actionContexts []string
)

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List and edit the prompt actions shown in the context menu",
}

var actionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the active actions",
	RunE:  runActionsList,
}

var actionsSetCmd = &cobra.Command{
	Use:   "set [id]",
	Short: "Add or replace an action",
	Long: `Adds or replaces an action. Prompts may reference {{selection}},
{{content}}, {{page_content}}, {{url}} and {{title}}.

Example:
  sidekick actions set eli5 --title "Explain Like I'm 5" \
    --prompt "Explain this to a five year old: {{selection}}" --context selection`,
	Args: cobra.ExactArgs(1),
	RunE: runActionsSet,
}

var actionsDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Remove an action",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionsDelete,
}

var actionsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore the built-in actions",
	RunE:  runActionsReset,
}

func init() {
	actionsSetCmd.Flags().StringVar(&actionTitle, "title", "", "Menu title")
	actionsSetCmd.Flags().StringVar(&actionPrompt, "prompt", "", "Prompt template")
	actionsSetCmd.Flags().StringSliceVar(&actionContexts, "context", []string{"selection"}, "Contexts: selection, page")
	_ = actionsSetCmd.MarkFlagRequired("title")
	_ = actionsSetCmd.MarkFlagRequired("prompt")
	actionsCmd.AddCommand(actionsListCmd, actionsSetCmd, actionsDeleteCmd, actionsResetCmd)
}

// withRegistry opens storage and a loaded registry for one command.
func withRegistry(fn func(r *actions.Registry) error) error {
	ctx, cancel := commandContext()
	defer cancel()
	areas, err := openAreas(readControlURL())
	if err != nil {
		return err
	}
	defer areas.Close()

	r := actions.NewRegistry(areas.Local)
	if err := r.Load(ctx); err != nil {
		return err
	}
	defer r.Close()
	return fn(r)
}

func runActionsList(cmd *cobra.Command, args []string) error {
	return withRegistry(func(r *actions.Registry) error {
		fmt.Printf("%-18s %-28s %s\n", "ID", "TITLE", "CONTEXTS")
		for _, d := range r.All() {
			contexts := make([]string, len(d.Contexts))
			for i, c := range d.Contexts {
				contexts[i] = string(c)
			}
			fmt.Printf("%-18s %-28s %s\n", d.ID, truncate(d.Title, 28), strings.Join(contexts, ","))
		}
		return nil
	})
}

func runActionsSet(cmd *cobra.Command, args []string) error {
	contexts := make([]actions.Context, len(actionContexts))
	for i, c := range actionContexts {
		contexts[i] = actions.Context(strings.TrimSpace(c))
	}
	def := actions.Definition{
		ID:       args[0],
		Title:    actionTitle,
		Prompt:   actionPrompt,
		Contexts: contexts,
	}
	return withRegistry(func(r *actions.Registry) error {
		ctx, cancel := commandContext()
		defer cancel()
		if err := r.Upsert(ctx, def); err != nil {
			return err
		}
		fmt.Printf("Action %q saved.\n", def.ID)
		return nil
	})
}

func runActionsDelete(cmd *cobra.Command, args []string) error {
	return withRegistry(func(r *actions.Registry) error {
		ctx, cancel := commandContext()
		defer cancel()
		if err := r.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Action %q deleted.\n", args[0])
		return nil
	})
}

func runActionsReset(cmd *cobra.Command, args []string) error {
	return withRegistry(func(r *actions.Registry) error {
		ctx, cancel := commandContext()
		defer cancel()
		if err := r.Reset(ctx); err != nil {
			return err
		}
		fmt.Println("Actions restored to defaults.")
		return nil
	})
}
