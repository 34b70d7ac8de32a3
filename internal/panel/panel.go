// Package panel is the runtime of one panel instance: it answers the
// resolver's messages, picks up the pending action on startup, runs actions
// through the vault gate and streams LLM replies into the chat.
package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"sidekick/internal/actions"
	"sidekick/internal/llm"
	"sidekick/internal/logging"
	"sidekick/internal/mailbox"
	"sidekick/internal/nonfatal"
	"sidekick/internal/prompt"
	"sidekick/internal/store"
	"sidekick/internal/surface"
	"sidekick/internal/vault"
)

// Chat notices.
const (
	NoticeHistoryPruned = "Oldest messages removed from AI memory"
	NoticeNoPage        = "⚠️ Could not identify the active page. Please try again."
	NoticeLimitedPage   = "⚠️ Limited access to this page. Using URL only."
	MessageChatReset    = "Chat reset. How can I help?"
	SummarizeChatPrompt = "Please verify my understanding by summarizing our conversation so far in a concise bulleted list."
)

var (
	// ErrNotStarted is returned for messages that arrive before Start.
	ErrNotStarted = errors.New("panel: instance not started")
	// ErrBusy is returned when a reply is already being generated.
	ErrBusy = errors.New("panel: a reply is still being generated")
)

// Renderer displays the chat. Markdown rendering is up to the implementation.
type Renderer interface {
	AddMessage(role prompt.Role, text string)
	// UpdateMessage replaces the text of the last AI message.
	UpdateMessage(text string)
	Notice(text string)
	SetContext(url string)
}

// Page is the readable content of a tab.
type Page struct {
	Text  string
	URL   string
	Title string
}

// PageReader extracts a tab's content.
type PageReader interface {
	ReadPage(ctx context.Context, tab surface.TabID) (Page, error)
}

// Options wires an instance to its collaborators.
type Options struct {
	Areas    *store.Areas
	Registry *actions.Registry
	// LLM overrides the provider router built from the gate's keys.
	LLM          llm.Client
	LLMConfig    llm.RouterConfig
	Pages        PageReader
	Renderer     Renderer
	AutoLock     time.Duration
	HistoryLimit int
	DefaultModel string
}

// Instance is one running panel.
type Instance struct {
	opts    Options
	mailbox *mailbox.Mailbox
	gate    *vault.Gate
	llm     llm.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	started    bool
	generating bool
	history    []prompt.Message
	system     string
	model      string
	contextURL string
	unwatch    func()
}

// New creates an instance. It answers nothing until Start has run.
func New(opts Options) *Instance {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = prompt.DefaultHistoryLimit
	}
	if opts.Renderer == nil {
		opts.Renderer = nopRenderer{}
	}
	if opts.Registry == nil {
		opts.Registry = actions.NewRegistry(opts.Areas.Local)
	}
	p := &Instance{
		opts:    opts,
		mailbox: mailbox.New(opts.Areas.Local),
		model:   opts.DefaultModel,
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.gate = vault.NewGate(opts.Areas, vault.Options{
		AutoLock: opts.AutoLock,
		Process:  p.process,
		Notify:   opts.Renderer.Notice,
	})
	p.llm = opts.LLM
	if p.llm == nil {
		p.llm = llm.NewRouter(p.gate, opts.LLMConfig)
	}
	return p
}

// Gate exposes the instance's vault gate.
func (p *Instance) Gate() *vault.Gate { return p.gate }

// Start loads settings, the action registry and the gate, then picks up
// the pending action left in the mailbox, if any. The mailbox copy is
// cleared only after the action was accepted in memory.
func (p *Instance) Start(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryPanel, "Start")
	defer timer.Stop()

	p.loadSettings(ctx)
	if err := p.opts.Registry.Load(ctx); err != nil {
		return fmt.Errorf("load actions: %w", err)
	}
	if err := p.gate.Load(ctx); err != nil {
		return fmt.Errorf("load vault: %w", err)
	}

	p.mu.Lock()
	p.unwatch = p.opts.Areas.Local.OnChanged(p.onSettingsChange)
	p.started = true
	p.mu.Unlock()
	logging.Panel("panel started (mode=%s state=%s)", p.gate.Mode(), p.gate.State())

	pending, err := p.mailbox.Take(ctx, false)
	if !nonfatal.Do(logging.CategoryPanel, "read pending action", err) || pending == nil {
		return nil
	}
	logging.Panel("startup pickup of action %s (%s %s)", pending.ID, pending.Action, pending.MenuItemID)
	p.accept(ctx, *pending)
	return nil
}

// Close stops generation and releases observers.
func (p *Instance) Close() {
	p.mu.Lock()
	p.started = false
	unwatch := p.unwatch
	p.unwatch = nil
	p.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	p.cancel()
	p.wg.Wait()
	p.gate.Close()
	p.opts.Registry.Close()
}

// Wait blocks until in-flight generations finish.
func (p *Instance) Wait() { p.wg.Wait() }

// Started reports whether the instance answers messages.
func (p *Instance) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Handle answers a message from the dispatcher.
func (p *Instance) Handle(ctx context.Context, msg surface.Message) (surface.Reply, error) {
	if !p.Started() {
		return surface.Reply{}, ErrNotStarted
	}
	switch msg.Type {
	case surface.MessagePing:
		return surface.Reply{Status: surface.StatusAlive}, nil
	case surface.MessageExecuteAction:
		if msg.Payload == nil {
			return surface.Reply{}, fmt.Errorf("panel: %s without payload", msg.Type)
		}
		logging.Panel("direct execution of action %s", msg.Payload.ID)
		p.accept(ctx, *msg.Payload)
		return surface.Reply{Status: surface.StatusStarted}, nil
	default:
		return surface.Reply{}, fmt.Errorf("panel: unknown message type %q", msg.Type)
	}
}

// accept hands the action to the gate and clears its mailbox copy.
func (p *Instance) accept(ctx context.Context, a mailbox.PendingAction) {
	p.gate.Submit(a)
	if a.ID == "" {
		return
	}
	_, err := p.mailbox.Ack(ctx, a.ID)
	nonfatal.Do(logging.CategoryPanel, "acknowledge pending action", err)
}

// Unlock unlocks the vault; a deferred action runs on success.
func (p *Instance) Unlock(ctx context.Context, password string) error {
	return p.gate.Unlock(ctx, password)
}

// process runs an action the gate let through. Generation continues in
// the background.
func (p *Instance) process(a mailbox.PendingAction) {
	p.gate.Touch()
	if a.PageURL != "" {
		p.mu.Lock()
		p.contextURL = a.PageURL
		p.mu.Unlock()
		p.opts.Renderer.SetContext(a.PageURL)
	}

	switch a.Action {
	case mailbox.KindOpenOnly:
		logging.Panel("opened for context %q", a.PageURL)
		return
	case mailbox.KindContextMenu:
	default:
		logging.Get(logging.CategoryPanel).Warn("ignoring action %s of unknown kind %q", a.ID, a.Action)
		return
	}

	// Without selected text every action works on the whole page.
	if a.SelectionText == "" || a.MenuItemID == actions.IDSummarizePage {
		p.goRun(func(ctx context.Context) { p.analyzePage(ctx, a) })
		return
	}

	def, ok := p.opts.Registry.Find(a.MenuItemID)
	if !ok {
		logging.Get(logging.CategoryPanel).Warn("unknown prompt action: %s", a.MenuItemID)
		return
	}
	text := prompt.Render(def.Prompt, prompt.Context{Selection: a.SelectionText, URL: a.PageURL})
	p.goRun(func(ctx context.Context) {
		nonfatal.Do(logging.CategoryPanel, "send action prompt", p.Send(ctx, text, def.Title))
	})
}

func (p *Instance) analyzePage(ctx context.Context, a mailbox.PendingAction) {
	if p.opts.Pages == nil || a.TabID == "" {
		p.opts.Renderer.AddMessage(prompt.RoleAI, NoticeNoPage)
		return
	}

	page, err := p.opts.Pages.ReadPage(ctx, a.TabID)
	if err != nil {
		logging.Get(logging.CategoryPanel).Warn("page extraction failed for tab %s: %v", a.TabID, err)
		p.opts.Renderer.AddMessage(prompt.RoleAI, NoticeLimitedPage)
		page = Page{URL: a.PageURL}
	}
	if page.URL == "" {
		page.URL = a.PageURL
	}

	def, ok := p.opts.Registry.Find(a.MenuItemID)
	if !ok {
		def, ok = p.opts.Registry.Find(actions.IDSummarizePage)
	}
	template, title := "Summarize this page: {{content}}", "Summarize this page"
	if ok {
		template, title = def.Prompt, def.Title
	}

	text := page.Text
	if text == "" {
		text = "No content available"
	}
	rendered := prompt.Render(template, prompt.Context{
		Selection: text,
		Content:   text,
		URL:       page.URL,
		Title:     page.Title,
	})
	nonfatal.Do(logging.CategoryPanel, "send page prompt", p.Send(ctx, rendered, title))
}

// Send adds a user message and streams the reply. display, when set, is
// shown instead of text; the full text is what the model sees.
func (p *Instance) Send(ctx context.Context, text, display string) error {
	if text == "" {
		return nil
	}
	p.mu.Lock()
	if p.generating {
		p.mu.Unlock()
		return ErrBusy
	}
	p.generating = true
	p.history = append(p.history, prompt.Message{Role: prompt.RoleUser, Text: text})
	history := append([]prompt.Message(nil), p.history...)
	model, system := p.model, p.system
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.generating = false
		p.mu.Unlock()
		p.gate.Touch()
	}()

	if display == "" {
		display = text
	}
	p.opts.Renderer.AddMessage(prompt.RoleUser, display)
	p.saveHistory(ctx, history)

	pruned, dropped := prompt.PruneHistory(history, p.opts.HistoryLimit)
	if dropped {
		p.opts.Renderer.Notice(NoticeHistoryPruned)
	}
	logging.PanelDebug("sending %d messages to %s", len(pruned), model)

	p.opts.Renderer.AddMessage(prompt.RoleAI, "...")
	content, errs := p.llm.Stream(ctx, llm.Request{
		Model:   model,
		History: pruned,
		System:  prompt.SystemInstruction(system),
	})
	full, err := llm.Collect(content, errs, p.opts.Renderer.UpdateMessage)
	if err != nil {
		logging.Get(logging.CategoryPanel).Error("generation failed: %v", err)
		p.opts.Renderer.UpdateMessage("**Error**: " + err.Error())
		return nil
	}

	p.mu.Lock()
	p.history = append(p.history, prompt.Message{Role: prompt.RoleAI, Text: full})
	history = append([]prompt.Message(nil), p.history...)
	p.mu.Unlock()
	p.saveHistory(ctx, history)
	return nil
}

// SummarizeConversation asks the model to recap the chat.
func (p *Instance) SummarizeConversation(ctx context.Context) error {
	return p.Send(ctx, SummarizeChatPrompt, "")
}

// ResetChat clears the conversation.
func (p *Instance) ResetChat(ctx context.Context) {
	p.mu.Lock()
	p.history = nil
	p.mu.Unlock()
	nonfatal.Do(logging.CategoryPanel, "clear chat history", p.opts.Areas.Local.Remove(ctx, store.KeyChatHistory))
	p.opts.Renderer.AddMessage(prompt.RoleAI, MessageChatReset)
	p.gate.Touch()
}

// History returns a copy of the conversation.
func (p *Instance) History() []prompt.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]prompt.Message(nil), p.history...)
}

// ContextURL is the page the last action came from.
func (p *Instance) ContextURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.contextURL
}

func (p *Instance) goRun(fn func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(p.ctx)
	}()
}

func (p *Instance) saveHistory(ctx context.Context, history []prompt.Message) {
	nonfatal.Do(logging.CategoryPanel, "save chat history", p.opts.Areas.Local.Set(ctx, store.KeyChatHistory, history))
}

func (p *Instance) loadSettings(ctx context.Context) {
	local := p.opts.Areas.Local
	var (
		system  string
		model   string
		history []prompt.Message
	)
	_, err := local.Get(ctx, store.KeySystemInstruction, &system)
	nonfatal.Do(logging.CategoryPanel, "read system instruction", err)
	_, err = local.Get(ctx, store.KeySelectedModel, &model)
	nonfatal.Do(logging.CategoryPanel, "read selected model", err)
	_, err = local.Get(ctx, store.KeyChatHistory, &history)
	history = nonfatal.Value(logging.CategoryPanel, "read chat history", history, err, nil)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.system = system
	if model != "" {
		p.model = model
	}
	p.history = history
	for _, m := range history {
		p.opts.Renderer.AddMessage(m.Role, m.Text)
	}
}

// onSettingsChange hot-reloads the system instruction and model.
func (p *Instance) onSettingsChange(c store.Change) {
	var v string
	switch c.Key {
	case store.KeySystemInstruction, store.KeySelectedModel:
		if !c.Removed() {
			if err := json.Unmarshal(c.NewValue, &v); err != nil {
				nonfatal.Do(logging.CategorySettings, "decode "+c.Key, err)
				return
			}
		}
	default:
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c.Key == store.KeySystemInstruction {
		p.system = v
	} else if v != "" {
		p.model = v
	}
	logging.Settings("%s hot-reloaded", c.Key)
}

type nopRenderer struct{}

func (nopRenderer) AddMessage(prompt.Role, string) {}
func (nopRenderer) UpdateMessage(string)           {}
func (nopRenderer) Notice(string)                  {}
func (nopRenderer) SetContext(string)              {}
