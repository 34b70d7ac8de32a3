package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sidekick/internal/config"
	"sidekick/internal/logging"
	"sidekick/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	configPath string
	timeout    time.Duration

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "sidekick",
	Short: "AI Sidekick - a single browser companion panel",
	Long: `AI Sidekick keeps exactly one companion panel per browser session.

Icon and context-menu triggers are resolved to the existing panel when it is
alive, or to a newly created one otherwise. Actions that cannot be delivered
directly wait in a durable mailbox until the panel picks them up.

Run "sidekick serve" to attach to Chrome and start handling triggers.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.DebugMode = true
		}
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		if err := logging.Initialize(cfg.Storage.DataDir, cfg.Logging.Options()); err != nil {
			logger.Warn("file logging disabled", zap.Error(err))
		} else if logging.IsDebugMode() {
			logger.Debug("category logs enabled", zap.String("dir", filepath.Join(cfg.Storage.DataDir, "logs")))
		}
		logging.Boot("sidekick %s starting (config %s, data dir %s)", cmd.Name(), configPath, cfg.Storage.DataDir)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	home, _ := os.UserHomeDir()
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", filepath.Join(home, ".sidekick", "config.yaml"), "Config file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Operation timeout for one-shot commands")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(vaultCmd)
	rootCmd.AddCommand(actionsCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// controlURLFile records the DevTools URL of the browser "serve" is attached
// to, so one-shot commands reach the same session area.
func controlURLFile() string {
	return filepath.Join(cfg.Storage.DataDir, "browser.url")
}

func readControlURL() string {
	data, err := os.ReadFile(controlURLFile())
	if err != nil {
		return cfg.Browser.DebuggerURL
	}
	return strings.TrimSpace(string(data))
}

// openAreas opens the durable areas for the given browser session.
func openAreas(sessionKey string) (*store.Areas, error) {
	areas, err := store.Open(store.Paths{
		DataDir:    cfg.Storage.DataDir,
		SessionDir: cfg.SessionDir(),
		SessionKey: sessionKey,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return areas, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
