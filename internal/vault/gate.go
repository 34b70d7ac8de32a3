package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"sidekick/internal/logging"
	"sidekick/internal/mailbox"
	"sidekick/internal/nonfatal"
	"sidekick/internal/store"
)

// DefaultAutoLock is the inactivity window after which an unlocked vault locks.
const DefaultAutoLock = 15 * time.Minute

// User-visible notices.
const (
	NoticeUnlockRequired = "🔒 Please unlock vault to proceed."
	NoticeAutoLocked     = "🔐 Vault auto-locked due to inactivity."
)

// Mode is where API keys live.
type Mode string

const (
	// ModeLocal keeps keys unencrypted in the local area; the gate never locks.
	ModeLocal Mode = "local"
	// ModeVault keeps keys encrypted in the sync area behind a master password.
	ModeVault Mode = "vault"
)

// State is the gate state.
type State int

const (
	Locked State = iota
	Unlocked
)

func (s State) String() string {
	if s == Unlocked {
		return "unlocked"
	}
	return "locked"
}

// Keys are the decrypted API keys as cached in the session area.
type Keys struct {
	Gemini   string `json:"gemini,omitempty"`
	DeepSeek string `json:"deepseek,omitempty"`
}

// sealedKeys is the plaintext sealed inside the vault blob.
type sealedKeys struct {
	GeminiKey   string `json:"geminiKey"`
	DeepSeekKey string `json:"deepseekKey"`
}

// SubmitResult says what Submit did with an action.
type SubmitResult int

const (
	Processed SubmitResult = iota
	Deferred
)

// Options configures a Gate.
type Options struct {
	AutoLock time.Duration
	// Process runs an action once the gate lets it through.
	Process func(mailbox.PendingAction)
	// Notify shows a notice to the user.
	Notify func(string)
}

// Gate holds decrypted keys for one panel instance and defers actions
// while the vault is locked.
type Gate struct {
	local   store.Area
	sync    store.Area
	session store.Area
	opts    Options

	mu       sync.Mutex
	mode     Mode
	keys     Keys
	unlocked bool
	deferred *mailbox.PendingAction
	timer    *time.Timer
	timerGen uint64

	cancels []func()
}

// NewGate creates a gate over the three areas. Call Load before use.
func NewGate(areas *store.Areas, opts Options) *Gate {
	if opts.AutoLock <= 0 {
		opts.AutoLock = DefaultAutoLock
	}
	if opts.Process == nil {
		opts.Process = func(mailbox.PendingAction) {}
	}
	if opts.Notify == nil {
		opts.Notify = func(string) {}
	}
	return &Gate{
		local:   areas.Local,
		sync:    areas.Sync,
		session: areas.Session,
		opts:    opts,
		mode:    ModeLocal,
	}
}

// Load reads the storage mode and any cached keys, then starts observing
// the local and session areas. A vault with keys already in the session
// starts unlocked with a fresh auto-lock timer.
func (g *Gate) Load(ctx context.Context) error {
	if err := g.reload(ctx); err != nil {
		return err
	}
	g.cancels = append(g.cancels,
		g.session.OnChanged(g.onSessionChange),
		g.local.OnChanged(g.onLocalChange),
	)
	return nil
}

func (g *Gate) reload(ctx context.Context) error {
	var mode Mode
	if _, err := g.local.Get(ctx, store.KeyStorageMode, &mode); err != nil {
		return fmt.Errorf("read storage mode: %w", err)
	}
	if mode != ModeVault {
		mode = ModeLocal
	}

	var keys Keys
	unlocked := true
	if mode == ModeLocal {
		var gemini, deepseek string
		_, err := g.local.Get(ctx, store.KeyGeminiKey, &gemini)
		keys.Gemini = nonfatal.Value(logging.CategoryVault, "read gemini key", gemini, err, "")
		_, err = g.local.Get(ctx, store.KeyDeepSeekKey, &deepseek)
		keys.DeepSeek = nonfatal.Value(logging.CategoryVault, "read deepseek key", deepseek, err, "")
	} else {
		ok, err := g.session.Get(ctx, store.KeyDecryptedKeys, &keys)
		unlocked = nonfatal.Do(logging.CategoryVault, "read session keys", err) && ok
		if !unlocked {
			keys = Keys{}
		}
	}

	g.mu.Lock()
	g.mode = mode
	g.keys = keys
	g.unlocked = unlocked
	if mode == ModeVault && unlocked {
		g.armLocked()
	} else {
		g.stopTimerLocked()
	}
	g.mu.Unlock()

	logging.Vault("loaded: mode=%s state=%s", mode, g.State())
	return nil
}

// Close stops the timer and the area observers.
func (g *Gate) Close() {
	for _, cancel := range g.cancels {
		cancel()
	}
	g.cancels = nil
	g.mu.Lock()
	g.stopTimerLocked()
	g.mu.Unlock()
}

// Mode returns the current storage mode.
func (g *Gate) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// State returns Unlocked in local mode or when the vault keys are held.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateLocked()
}

func (g *Gate) stateLocked() State {
	if g.mode == ModeLocal || g.unlocked {
		return Unlocked
	}
	return Locked
}

// Keys returns the usable keys; false while locked.
func (g *Gate) Keys() (Keys, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stateLocked() == Locked {
		return Keys{}, false
	}
	return g.keys, true
}

// Deferred returns a copy of the action waiting for unlock, if any.
func (g *Gate) Deferred() *mailbox.PendingAction {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deferred == nil {
		return nil
	}
	a := *g.deferred
	return &a
}

// Submit processes the action, or holds it as the single deferred action
// while locked. A newer deferred action replaces an older one.
func (g *Gate) Submit(a mailbox.PendingAction) SubmitResult {
	g.mu.Lock()
	if g.stateLocked() == Locked {
		if g.deferred != nil {
			logging.Vault("deferred action %s replaced by %s", g.deferred.ID, a.ID)
		}
		g.deferred = &a
		g.mu.Unlock()
		logging.Vault("vault locked, deferring action %s", a.ID)
		g.opts.Notify(NoticeUnlockRequired)
		return Deferred
	}
	g.touchLocked()
	g.mu.Unlock()

	g.opts.Process(a)
	return Processed
}

// Touch records user activity and pushes the auto-lock deadline out.
func (g *Gate) Touch() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.touchLocked()
}

func (g *Gate) touchLocked() {
	if g.mode == ModeVault && g.unlocked {
		g.armLocked()
	}
}

// Unlock decrypts the vault with password. On success the keys are cached
// in the session area, the auto-lock timer is armed and the deferred action,
// if any, is processed. On failure nothing changes.
func (g *Gate) Unlock(ctx context.Context, password string) error {
	if g.Mode() == ModeLocal {
		return nil
	}

	var blob Blob
	ok, err := g.sync.Get(ctx, store.KeyVault, &blob)
	if err != nil {
		return fmt.Errorf("read vault: %w", err)
	}
	if !ok {
		return ErrNoVault
	}
	plain, err := Decrypt(blob, password)
	if err != nil {
		logging.Vault("unlock failed: %v", err)
		return err
	}
	var sealed sealedKeys
	if err := json.Unmarshal(plain, &sealed); err != nil {
		return ErrBadPassword
	}
	keys := Keys{Gemini: sealed.GeminiKey, DeepSeek: sealed.DeepSeekKey}

	g.mu.Lock()
	g.keys = keys
	g.unlocked = true
	g.armLocked()
	pending := g.deferred
	g.deferred = nil
	g.mu.Unlock()

	nonfatal.Do(logging.CategoryVault, "cache session keys", g.session.Set(ctx, store.KeyDecryptedKeys, keys))
	logging.Vault("vault unlocked")

	if pending != nil {
		logging.Vault("processing deferred action %s", pending.ID)
		g.opts.Process(*pending)
	}
	return nil
}

// Lock discards the keys and clears the session cache.
func (g *Gate) Lock(ctx context.Context, reason string) {
	if !g.lockMemory(reason) {
		return
	}
	nonfatal.Do(logging.CategoryVault, "clear session keys", g.session.Remove(ctx, store.KeyDecryptedKeys))
}

// lockMemory drops in-memory keys. It reports whether the gate was unlocked.
func (g *Gate) lockMemory(reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lockMemoryLocked(reason)
}

func (g *Gate) lockMemoryLocked(reason string) bool {
	if g.mode != ModeVault || !g.unlocked {
		return false
	}
	g.unlocked = false
	g.keys = Keys{}
	g.stopTimerLocked()
	logging.Vault("vault locked: %s", reason)
	return true
}

func (g *Gate) armLocked() {
	g.stopTimerLocked()
	g.timerGen++
	gen := g.timerGen
	g.timer = time.AfterFunc(g.opts.AutoLock, func() { g.expire(gen) })
}

func (g *Gate) stopTimerLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.timerGen++
}

func (g *Gate) expire(gen uint64) {
	g.mu.Lock()
	if gen != g.timerGen {
		g.mu.Unlock()
		return
	}
	locked := g.lockMemoryLocked("inactivity")
	g.mu.Unlock()
	if !locked {
		return
	}
	nonfatal.Do(logging.CategoryVault, "clear session keys", g.session.Remove(context.Background(), store.KeyDecryptedKeys))
	g.opts.Notify(NoticeAutoLocked)
}

// onSessionChange locks when another component clears the session keys.
func (g *Gate) onSessionChange(c store.Change) {
	if c.Key == store.KeyDecryptedKeys && c.Removed() {
		g.lockMemory("session keys cleared")
	}
}

// onLocalChange follows storage mode and local key edits.
func (g *Gate) onLocalChange(c store.Change) {
	switch c.Key {
	case store.KeyStorageMode:
		nonfatal.Do(logging.CategoryVault, "reload after mode change", g.reload(context.Background()))
	case store.KeyGeminiKey, store.KeyDeepSeekKey:
		var v string
		if !c.Removed() {
			nonfatal.Do(logging.CategoryVault, "decode key change", json.Unmarshal(c.NewValue, &v))
		}
		g.mu.Lock()
		if g.mode == ModeLocal {
			if c.Key == store.KeyGeminiKey {
				g.keys.Gemini = v
			} else {
				g.keys.DeepSeek = v
			}
		}
		g.mu.Unlock()
	}
}

// Setup seals keys under password into the sync area and switches to vault
// mode. Plaintext local keys and any session cache are removed.
func Setup(ctx context.Context, areas *store.Areas, keys Keys, password string) error {
	if password == "" {
		return fmt.Errorf("master password is required")
	}
	plain, err := json.Marshal(sealedKeys{GeminiKey: keys.Gemini, DeepSeekKey: keys.DeepSeek})
	if err != nil {
		return fmt.Errorf("encode keys: %w", err)
	}
	blob, err := Encrypt(plain, password)
	if err != nil {
		return err
	}
	if err := areas.Sync.Set(ctx, store.KeyVault, blob); err != nil {
		return fmt.Errorf("save vault: %w", err)
	}
	for _, key := range []string{store.KeyGeminiKey, store.KeyDeepSeekKey} {
		if err := areas.Local.Remove(ctx, key); err != nil {
			return fmt.Errorf("remove plaintext %s: %w", key, err)
		}
	}
	nonfatal.Do(logging.CategoryVault, "clear session keys", areas.Session.Remove(ctx, store.KeyDecryptedKeys))
	if err := areas.Local.Set(ctx, store.KeyStorageMode, ModeVault); err != nil {
		return fmt.Errorf("save storage mode: %w", err)
	}
	logging.Vault("vault configured")
	return nil
}

// UseLocal stores keys unencrypted and removes the vault.
func UseLocal(ctx context.Context, areas *store.Areas, keys Keys) error {
	if err := areas.Local.Set(ctx, store.KeyGeminiKey, keys.Gemini); err != nil {
		return fmt.Errorf("save gemini key: %w", err)
	}
	if err := areas.Local.Set(ctx, store.KeyDeepSeekKey, keys.DeepSeek); err != nil {
		return fmt.Errorf("save deepseek key: %w", err)
	}
	if err := areas.Sync.Remove(ctx, store.KeyVault); err != nil {
		return fmt.Errorf("remove vault: %w", err)
	}
	nonfatal.Do(logging.CategoryVault, "clear session keys", areas.Session.Remove(ctx, store.KeyDecryptedKeys))
	if err := areas.Local.Set(ctx, store.KeyStorageMode, ModeLocal); err != nil {
		return fmt.Errorf("save storage mode: %w", err)
	}
	return nil
}
