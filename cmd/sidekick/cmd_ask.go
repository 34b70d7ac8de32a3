package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"sidekick/internal/actions"
	"sidekick/internal/llm"
	"sidekick/internal/prompt"
	"sidekick/internal/store"
	"sidekick/internal/vault"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	askModel  string
	askAction string
	askURL    string
	askRaw    bool
)

var askCmd = &cobra.Command{
	Use:   "ask [text...]",
	Short: "Ask the model once from the terminal",
	Long: `Sends one message using the configured keys and prints the reply.
With --action the text is treated as a selection and run through that
action's prompt template.

Examples:
  sidekick ask "What is a monad?"
  sidekick ask --action explain-sel "CAP theorem"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askModel, "model", "m", "", "Model id (default: selected model)")
	askCmd.Flags().StringVarP(&askAction, "action", "a", "", "Run the text through an action template")
	askCmd.Flags().StringVar(&askURL, "url", "", "Page URL for {{url}}")
	askCmd.Flags().BoolVar(&askRaw, "raw", false, "Stream plain text instead of rendered markdown")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.LLMTimeout())
	defer cancel()

	areas, err := openAreas(readControlURL())
	if err != nil {
		return err
	}
	defer areas.Close()

	text := strings.Join(args, " ")
	if askAction != "" {
		r := actions.NewRegistry(areas.Local)
		if err := r.Load(ctx); err != nil {
			return err
		}
		defer r.Close()
		def, ok := r.Find(askAction)
		if !ok {
			return fmt.Errorf("unknown action %q", askAction)
		}
		text = prompt.Render(def.Prompt, prompt.Context{Selection: text, Content: text, URL: askURL})
	}

	gate := vault.NewGate(areas, vault.Options{})
	if err := gate.Load(ctx); err != nil {
		return err
	}
	defer gate.Close()
	if gate.State() == vault.Locked {
		password, err := promptPassword("Master password: ")
		if err != nil {
			return err
		}
		if err := gate.Unlock(ctx, password); err != nil {
			return err
		}
	}

	var system, selected string
	_, _ = areas.Local.Get(ctx, store.KeySystemInstruction, &system)
	_, _ = areas.Local.Get(ctx, store.KeySelectedModel, &selected)
	model := firstNonEmpty(askModel, selected, cfg.LLM.DefaultModel)

	logger.Debug("asking", zap.String("model", model), zap.Int("chars", len(text)))
	client := llm.NewRouter(gate, llm.RouterConfig{
		DeepSeekBaseURL: cfg.LLM.DeepSeekBaseURL,
		Timeout:         cfg.LLMTimeout(),
	})
	content, errs := client.Stream(ctx, llm.Request{
		Model:   model,
		History: []prompt.Message{{Role: prompt.RoleUser, Text: text}},
		System:  prompt.SystemInstruction(system),
	})

	var printed int
	full, err := llm.Collect(content, errs, func(full string) {
		if askRaw {
			fmt.Print(full[printed:])
			printed = len(full)
		}
	})
	if err != nil {
		return err
	}
	if askRaw {
		fmt.Println()
		return nil
	}
	return renderMarkdown(full)
}

func renderMarkdown(md string) error {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		_, err = fmt.Fprintln(os.Stdout, md)
		return err
	}
	out, err := renderer.Render(md)
	if err != nil {
		_, err = fmt.Fprintln(os.Stdout, md)
		return err
	}
	fmt.Print(out)
	return nil
}
