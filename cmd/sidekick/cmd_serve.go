package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sidekick/internal/browser"
	"sidekick/internal/dispatch"
	"sidekick/internal/llm"
	"sidekick/internal/logging"
	"sidekick/internal/mailbox"
	"sidekick/internal/panel"
	"sidekick/internal/store"
	"sidekick/internal/surface"
	"sidekick/internal/tracker"
	"sidekick/internal/vault"

	"github.com/go-rod/rod"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveStdin bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Attach to Chrome and handle triggers",
	Long: `Connects to Chrome (or launches it), serves the panel page on the entry
URL and handles triggers posted to /api/trigger. With --stdin, triggers are
also read as JSON lines from standard input:

  {"kind":"contextMenu","menuItemId":"summarize-sel","selectionText":"hello","tabId":7}`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveStdin, "stdin", false, "Read JSON-line triggers from stdin")
}

// daemon is everything "serve" runs.
type daemon struct {
	env        *browser.Environment
	areas      *store.Areas
	resolver   *surface.Resolver
	dispatcher *dispatch.Dispatcher
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	entry, err := url.Parse(cfg.Surface.EntryURL)
	if err != nil || entry.Host == "" {
		return fmt.Errorf("invalid surface.entry_url %q", cfg.Surface.EntryURL)
	}
	listener, err := net.Listen("tcp", entry.Host)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", entry.Host, err)
	}

	d := &daemon{}
	d.env = browser.New(browser.Config{
		DebuggerURL: cfg.Browser.DebuggerURL,
		Launch:      cfg.Browser.Launch,
		Headless:    cfg.Browser.Headless,
	}, d.launchPanel)
	if err := d.env.Start(ctx); err != nil {
		listener.Close()
		return err
	}
	defer func() { _ = d.env.Shutdown() }()

	if err := os.WriteFile(controlURLFile(), []byte(d.env.ControlURL()), 0o600); err != nil {
		logger.Warn("could not record control URL", zap.Error(err))
		logging.BootWarn("could not record control URL: %v", err)
	}

	d.areas, err = openAreas(d.env.ControlURL())
	if err != nil {
		listener.Close()
		return err
	}
	defer d.areas.Close()

	watcher, err := store.NewWatcher(d.areas.Files()...)
	if err == nil {
		err = watcher.Start(ctx)
	}
	if err != nil {
		logger.Warn("cross-process store watching disabled", zap.Error(err))
		logging.BootWarn("cross-process store watching disabled: %v", err)
	} else {
		defer watcher.Stop()
	}

	seedLocalKeys(ctx, d.areas)

	sig := surface.Signature{EntryURL: cfg.Surface.EntryURL, Title: cfg.Surface.Title}
	tr := tracker.New(d.areas.Session)
	d.resolver = surface.NewResolver(d.env, tr, surface.Options{
		Signature: sig,
		Create: surface.CreateOptions{
			URL:    cfg.Surface.EntryURL,
			Width:  cfg.Surface.Width,
			Height: cfg.Surface.Height,
		},
		PingTimeout: cfg.PingTimeout(),
	})
	// A panel tab left over from a previous run gets a fresh instance
	// instead of a second window.
	if tab, err := d.env.Adopt(ctx, sig.Matches, surface.TabID(tr.Get(ctx).TabID)); err != nil {
		logger.Warn("could not adopt existing panel tab", zap.Error(err))
	} else if tab != "" {
		logger.Info("adopted existing panel tab", zap.String("tab", string(tab)))
	}
	d.dispatcher = dispatch.New(mailbox.New(d.areas.Local), d.resolver, d.env, cfg.PingTimeout())

	mux := http.NewServeMux()
	mux.Handle("/", browser.NewPanelHandler(d.env))
	mux.HandleFunc("POST /api/trigger", d.handleTrigger)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("panel server stopped", zap.Error(err))
		}
	}()

	go func() {
		if err := d.env.Watch(ctx, d.resolver.HandleWindowRemoved); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("window watcher stopped", zap.Error(err))
		}
	}()

	if serveStdin {
		go func() {
			err := dispatch.ReadTriggers(ctx, os.Stdin, func(ctx context.Context, t dispatch.Trigger) {
				d.handle(ctx, t)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("trigger feed stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("sidekick serving",
		zap.String("entry_url", cfg.Surface.EntryURL),
		zap.String("control_url", d.env.ControlURL()))
	fmt.Printf("Serving panel at %s\nPress Ctrl+C to shutdown\n", cfg.Surface.EntryURL)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// launchPanel starts the panel instance hosted in a new panel tab.
func (d *daemon) launchPanel(ctx context.Context, tab surface.TabID, page *rod.Page) (browser.Host, error) {
	renderer := browser.NewPageRenderer(page)
	if err := renderer.Attach(tab); err != nil {
		return nil, err
	}
	inst := panel.New(panel.Options{
		Areas:    d.areas,
		Pages:    browser.NewPageReader(d.env),
		Renderer: renderer,
		LLMConfig: llm.RouterConfig{
			DeepSeekBaseURL: cfg.LLM.DeepSeekBaseURL,
			Timeout:         cfg.LLMTimeout(),
		},
		AutoLock:     cfg.AutoLock(),
		HistoryLimit: cfg.LLM.HistoryLimit,
		DefaultModel: cfg.LLM.DefaultModel,
	})
	if err := inst.Start(ctx); err != nil {
		inst.Close()
		return nil, err
	}
	return inst, nil
}

func (d *daemon) handle(ctx context.Context, t dispatch.Trigger) dispatch.Result {
	res := d.dispatcher.Handle(ctx, t)
	logger.Info("trigger handled",
		zap.String("kind", string(t.Kind)),
		zap.String("menu_item", t.MenuItemID),
		zap.String("action_id", res.Action.ID),
		zap.Stringer("outcome", res.Outcome.Kind),
		zap.Stringer("delivery", res.Delivery),
		zap.String("instance", res.Outcome.Instance.String()))
	return res
}

type triggerResponse struct {
	ActionID string `json:"actionId"`
	Outcome  string `json:"outcome"`
	Delivery string `json:"delivery"`
	WindowID int    `json:"windowId,omitempty"`
	TabID    string `json:"tabId,omitempty"`
}

func (d *daemon) handleTrigger(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 4<<20)
	var t dispatch.Trigger
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return
	}
	if err := t.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res := d.handle(r.Context(), t)
	writeJSON(w, http.StatusOK, triggerResponse{
		ActionID: res.Action.ID,
		Outcome:  res.Outcome.Kind.String(),
		Delivery: res.Delivery.String(),
		WindowID: res.Outcome.Instance.WindowID,
		TabID:    res.Outcome.Instance.TabID,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// seedLocalKeys copies API keys from config or environment into the local
// area when it has none and the vault is not in use.
func seedLocalKeys(ctx context.Context, areas *store.Areas) {
	var mode vault.Mode
	if _, err := areas.Local.Get(ctx, store.KeyStorageMode, &mode); err != nil || mode == vault.ModeVault {
		return
	}
	for key, value := range map[string]string{
		store.KeyGeminiKey:   cfg.LLM.GeminiAPIKey,
		store.KeyDeepSeekKey: cfg.LLM.DeepSeekAPIKey,
	} {
		if value == "" {
			continue
		}
		ok, err := areas.Local.Get(ctx, key, nil)
		if err != nil || ok {
			continue
		}
		if err := areas.Local.Set(ctx, key, value); err != nil {
			logging.Get(logging.CategorySettings).Warn("seed %s: %v", key, err)
		}
	}
}
