package browser

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"

	"sidekick/internal/logging"
	"sidekick/internal/surface"
	"sidekick/internal/vault"
)

//go:embed static
var staticFiles embed.FS

const maxRequestBody = 1 << 20

// Controls are the chat operations the panel page can request.
type Controls interface {
	Send(ctx context.Context, text, display string) error
	Unlock(ctx context.Context, password string) error
	ResetChat(ctx context.Context)
	SummarizeConversation(ctx context.Context) error
}

type panelRequest struct {
	Tab      string `json:"tab"`
	Text     string `json:"text,omitempty"`
	Password string `json:"password,omitempty"`
}

// NewPanelHandler serves the panel page and the endpoints it calls back.
// Requests are routed to the instance hosted in the calling tab.
func NewPanelHandler(env *Environment) http.Handler {
	static, _ := fs.Sub(staticFiles, "static")
	mux := http.NewServeMux()
	mux.Handle("GET /", http.FileServer(http.FS(static)))

	mux.HandleFunc("POST /api/chat", env.withControls(func(ctx context.Context, c Controls, req panelRequest) error {
		// Generation runs past the request.
		go func() {
			if err := c.Send(context.WithoutCancel(ctx), req.Text, ""); err != nil {
				logging.Get(logging.CategoryBrowser).Warn("chat from tab %s: %v", req.Tab, err)
			}
		}()
		return nil
	}))
	mux.HandleFunc("POST /api/unlock", env.withControls(func(ctx context.Context, c Controls, req panelRequest) error {
		return c.Unlock(ctx, req.Password)
	}))
	mux.HandleFunc("POST /api/reset", env.withControls(func(ctx context.Context, c Controls, _ panelRequest) error {
		c.ResetChat(ctx)
		return nil
	}))
	mux.HandleFunc("POST /api/summarize", env.withControls(func(ctx context.Context, c Controls, req panelRequest) error {
		go func() {
			if err := c.SummarizeConversation(context.WithoutCancel(ctx)); err != nil {
				logging.Get(logging.CategoryBrowser).Warn("summarize from tab %s: %v", req.Tab, err)
			}
		}()
		return nil
	}))
	return mux
}

func (e *Environment) withControls(fn func(context.Context, Controls, panelRequest) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		var req panelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonResponse(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
			return
		}

		e.mu.RLock()
		h := e.hosts[surface.TabID(req.Tab)]
		e.mu.RUnlock()
		c, ok := h.(Controls)
		if !ok {
			jsonResponse(w, http.StatusNotFound, map[string]string{"error": "no panel in tab"})
			return
		}

		if err := fn(r.Context(), c, req); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, vault.ErrBadPassword) || errors.Is(err, vault.ErrNoVault) {
				status = http.StatusUnauthorized
			}
			jsonResponse(w, status, map[string]string{"error": err.Error()})
			return
		}
		jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func jsonResponse(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
