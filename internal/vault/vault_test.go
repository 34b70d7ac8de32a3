package vault

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"sidekick/internal/mailbox"
	"sidekick/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const password = "correct horse battery staple"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEncryptDecrypt(t *testing.T) {
	blob, err := Encrypt([]byte(`{"geminiKey":"g"}`), password)
	require.NoError(t, err)

	salt, err := base64.StdEncoding.DecodeString(blob.Salt)
	require.NoError(t, err)
	iv, err := base64.StdEncoding.DecodeString(blob.IV)
	require.NoError(t, err)
	assert.Len(t, salt, SaltSize)
	assert.Len(t, iv, IVSize)

	plain, err := Decrypt(blob, password)
	require.NoError(t, err)
	assert.Equal(t, `{"geminiKey":"g"}`, string(plain))

	again, err := Encrypt([]byte(`{"geminiKey":"g"}`), password)
	require.NoError(t, err)
	assert.NotEqual(t, blob.Salt, again.Salt, "every seal uses a fresh salt")
}

func TestDecryptFailures(t *testing.T) {
	blob, err := Encrypt([]byte("secret"), password)
	require.NoError(t, err)

	_, err = Decrypt(blob, "wrong")
	assert.ErrorIs(t, err, ErrBadPassword)

	tampered := blob
	raw, _ := base64.StdEncoding.DecodeString(blob.Ciphertext)
	raw[0] ^= 0xff
	tampered.Ciphertext = base64.StdEncoding.EncodeToString(raw)
	_, err = Decrypt(tampered, password)
	assert.ErrorIs(t, err, ErrBadPassword)

	_, err = Decrypt(Blob{Ciphertext: "!!", IV: blob.IV, Salt: blob.Salt}, password)
	assert.ErrorIs(t, err, ErrBadPassword)

	_, err = Decrypt(Blob{Ciphertext: blob.Ciphertext, IV: "AAAA", Salt: blob.Salt}, password)
	assert.ErrorIs(t, err, ErrBadPassword)
}

// recorder captures processed actions and notices.
type recorder struct {
	mu        sync.Mutex
	processed []string
	notices   []string
}

func (r *recorder) process(a mailbox.PendingAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed = append(r.processed, a.MenuItemID)
}

func (r *recorder) notify(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, s)
}

func (r *recorder) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.processed...), append([]string(nil), r.notices...)
}

func memoryAreas() *store.Areas {
	return &store.Areas{
		Local:   store.NewMemoryArea("local"),
		Sync:    store.NewMemoryArea("sync"),
		Session: store.NewMemoryArea("session"),
	}
}

func newVaultGate(t *testing.T, autoLock time.Duration) (*Gate, *store.Areas, *recorder) {
	t.Helper()
	ctx := context.Background()
	areas := memoryAreas()
	require.NoError(t, Setup(ctx, areas, Keys{Gemini: "g-key", DeepSeek: "d-key"}, password))

	rec := &recorder{}
	g := NewGate(areas, Options{AutoLock: autoLock, Process: rec.process, Notify: rec.notify})
	require.NoError(t, g.Load(ctx))
	t.Cleanup(g.Close)
	return g, areas, rec
}

func TestGate_LocalModeNeverLocks(t *testing.T) {
	ctx := context.Background()
	areas := memoryAreas()
	require.NoError(t, UseLocal(ctx, areas, Keys{Gemini: "g"}))

	rec := &recorder{}
	g := NewGate(areas, Options{Process: rec.process, Notify: rec.notify})
	require.NoError(t, g.Load(ctx))
	defer g.Close()

	assert.Equal(t, ModeLocal, g.Mode())
	assert.Equal(t, Unlocked, g.State())
	keys, ok := g.Keys()
	require.True(t, ok)
	assert.Equal(t, "g", keys.Gemini)

	assert.Equal(t, Processed, g.Submit(mailbox.PendingAction{MenuItemID: "explain-sel"}))
	processed, notices := rec.snapshot()
	assert.Equal(t, []string{"explain-sel"}, processed)
	assert.Empty(t, notices)

	// Local key edits are picked up live.
	require.NoError(t, areas.Local.Set(ctx, store.KeyGeminiKey, "g2"))
	keys, _ = g.Keys()
	assert.Equal(t, "g2", keys.Gemini)
}

func TestGate_DeferredThenFlush(t *testing.T) {
	ctx := context.Background()
	g, areas, rec := newVaultGate(t, time.Minute)
	require.Equal(t, Locked, g.State())

	assert.Equal(t, Deferred, g.Submit(mailbox.PendingAction{ID: "a", MenuItemID: "summarize-sel"}))
	assert.Equal(t, Deferred, g.Submit(mailbox.PendingAction{ID: "b", MenuItemID: "critique"}))
	require.NotNil(t, g.Deferred())
	assert.Equal(t, "b", g.Deferred().ID, "last deferred action wins")

	// A failed unlock changes nothing.
	assert.ErrorIs(t, g.Unlock(ctx, "nope"), ErrBadPassword)
	assert.Equal(t, Locked, g.State())
	assert.Equal(t, "b", g.Deferred().ID)

	require.NoError(t, g.Unlock(ctx, password))
	assert.Equal(t, Unlocked, g.State())
	assert.Nil(t, g.Deferred())

	processed, notices := rec.snapshot()
	assert.Equal(t, []string{"critique"}, processed)
	assert.Equal(t, []string{NoticeUnlockRequired, NoticeUnlockRequired}, notices)

	var cached Keys
	ok, err := areas.Session.Get(ctx, store.KeyDecryptedKeys, &cached)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Keys{Gemini: "g-key", DeepSeek: "d-key"}, cached)

	// Keys never reach the long-term area.
	ok, err = areas.Local.Get(ctx, store.KeyGeminiKey, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGate_UnlockWithoutVault(t *testing.T) {
	ctx := context.Background()
	areas := memoryAreas()
	require.NoError(t, areas.Local.Set(ctx, store.KeyStorageMode, ModeVault))

	g := NewGate(areas, Options{})
	require.NoError(t, g.Load(ctx))
	defer g.Close()

	assert.ErrorIs(t, g.Unlock(ctx, password), ErrNoVault)
	assert.Equal(t, Locked, g.State())
}

func TestGate_AutoLock(t *testing.T) {
	ctx := context.Background()
	g, areas, rec := newVaultGate(t, 50*time.Millisecond)
	require.NoError(t, g.Unlock(ctx, password))

	require.Eventually(t, func() bool { return g.State() == Locked }, 2*time.Second, 5*time.Millisecond)

	_, ok := g.Keys()
	assert.False(t, ok)
	present, err := areas.Session.Get(ctx, store.KeyDecryptedKeys, nil)
	require.NoError(t, err)
	assert.False(t, present, "auto-lock clears the session cache")

	require.Eventually(t, func() bool {
		_, notices := rec.snapshot()
		return len(notices) == 1 && notices[0] == NoticeAutoLocked
	}, time.Second, 5*time.Millisecond)
}

func TestGate_TouchPostponesAutoLock(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newVaultGate(t, 300*time.Millisecond)
	require.NoError(t, g.Unlock(ctx, password))

	for i := 0; i < 4; i++ {
		time.Sleep(150 * time.Millisecond)
		require.Equal(t, Unlocked, g.State(), "touch %d", i)
		g.Touch()
	}

	require.Eventually(t, func() bool { return g.State() == Locked }, 2*time.Second, 10*time.Millisecond)
}

func TestGate_ExternalSessionClearLocks(t *testing.T) {
	ctx := context.Background()
	g, areas, _ := newVaultGate(t, time.Minute)
	require.NoError(t, g.Unlock(ctx, password))

	require.NoError(t, areas.Session.Remove(ctx, store.KeyDecryptedKeys))

	assert.Equal(t, Locked, g.State())
	_, ok := g.Keys()
	assert.False(t, ok)
}

func TestGate_StartsUnlockedFromSession(t *testing.T) {
	ctx := context.Background()
	_, areas, _ := newVaultGate(t, time.Minute)
	require.NoError(t, areas.Session.Set(ctx, store.KeyDecryptedKeys, Keys{Gemini: "g-key"}))

	reloaded := NewGate(areas, Options{AutoLock: time.Minute})
	require.NoError(t, reloaded.Load(ctx))
	defer reloaded.Close()

	assert.Equal(t, Unlocked, reloaded.State())
	keys, ok := reloaded.Keys()
	require.True(t, ok)
	assert.Equal(t, "g-key", keys.Gemini)
}

func TestGate_FollowsModeSwitch(t *testing.T) {
	ctx := context.Background()
	g, areas, _ := newVaultGate(t, time.Minute)
	require.Equal(t, Locked, g.State())

	require.NoError(t, UseLocal(ctx, areas, Keys{Gemini: "plain"}))
	assert.Equal(t, ModeLocal, g.Mode())
	assert.Equal(t, Unlocked, g.State())

	present, err := areas.Sync.Get(ctx, store.KeyVault, nil)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestSetupRequiresPassword(t *testing.T) {
	assert.Error(t, Setup(context.Background(), memoryAreas(), Keys{}, ""))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "locked", Locked.String())
	assert.Equal(t, "unlocked", Unlocked.String())
}
