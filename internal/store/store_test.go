package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type record struct {
	WindowID int    `json:"windowId"`
	TabID    string `json:"tabId"`
}

// changeLog collects notifications from an area.
type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) add(c Change) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

func (l *changeLog) snapshot() []Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Change(nil), l.changes...)
}

func exerciseArea(t *testing.T, a Area) {
	t.Helper()
	ctx := context.Background()

	var log changeLog
	cancel := a.OnChanged(log.add)

	var got record
	ok, err := a.Get(ctx, KeyInstance, &got)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Set(ctx, KeyInstance, record{WindowID: 10, TabID: "55"}))
	ok, err = a.Get(ctx, KeyInstance, &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record{WindowID: 10, TabID: "55"}, got)

	require.NoError(t, a.Remove(ctx, KeyInstance))
	ok, err = a.Get(ctx, KeyInstance, &got)
	require.NoError(t, err)
	assert.False(t, ok)

	// Removing an absent key is silent.
	require.NoError(t, a.Remove(ctx, KeyInstance))

	changes := log.snapshot()
	require.Len(t, changes, 2)
	assert.Equal(t, KeyInstance, changes[0].Key)
	assert.Nil(t, changes[0].OldValue)
	assert.False(t, changes[0].Removed())
	assert.True(t, changes[1].Removed())
	assert.JSONEq(t, `{"windowId":10,"tabId":"55"}`, string(changes[1].OldValue))

	cancel()
	require.NoError(t, a.Set(ctx, KeyInstance, record{WindowID: 1}))
	assert.Len(t, log.snapshot(), 2, "cancelled observer must not fire")
}

func TestMemoryArea(t *testing.T) {
	exerciseArea(t, NewMemoryArea("session"))
}

func TestSQLiteArea_CGO(t *testing.T) {
	a, err := OpenSQLiteArea("local", DriverCGO, filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	defer a.Close()
	exerciseArea(t, a)
}

func TestSQLiteArea_PureGo(t *testing.T) {
	a, err := OpenSQLiteArea("session", DriverPureGo, filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	defer a.Close()
	exerciseArea(t, a)
}

func TestSQLiteArea_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	ctx := context.Background()

	a, err := OpenSQLiteArea("session", DriverPureGo, path)
	require.NoError(t, err)
	require.NoError(t, a.Set(ctx, KeyInstance, record{WindowID: 3, TabID: "T3"}))
	require.NoError(t, a.Close())

	b, err := OpenSQLiteArea("session", DriverPureGo, path)
	require.NoError(t, err)
	defer b.Close()

	var got record
	ok, err := b.Get(ctx, KeyInstance, &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "T3", got.TabID)
}

func TestSQLiteArea_RefreshSeesOtherHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	ctx := context.Background()

	daemon, err := OpenSQLiteArea("local", DriverCGO, path)
	require.NoError(t, err)
	defer daemon.Close()
	cli, err := OpenSQLiteArea("local", DriverCGO, path)
	require.NoError(t, err)
	defer cli.Close()

	var log changeLog
	daemon.OnChanged(log.add)

	require.NoError(t, cli.Set(ctx, KeyActions, []string{"a"}))
	n, err := daemon.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A second refresh with no writes reports nothing.
	n, err = daemon.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, cli.Remove(ctx, KeyActions))
	_, err = daemon.Refresh(ctx)
	require.NoError(t, err)

	changes := log.snapshot()
	require.Len(t, changes, 2)
	assert.Equal(t, KeyActions, changes[0].Key)
	assert.True(t, changes[1].Removed())
}

func TestOpen_DegradesSessionToMemory(t *testing.T) {
	dir := t.TempDir()
	p := Paths{
		DataDir: dir,
		// A file where a directory is expected makes the session area unopenable.
		SessionDir: filepath.Join(dir, "local.db", "nested"),
		SessionKey: "ws://127.0.0.1:9222/devtools/browser/abc",
	}
	areas, err := Open(p)
	require.NoError(t, err)
	defer areas.Close()

	_, isMem := areas.Session.(*MemoryArea)
	assert.True(t, isMem)
	assert.Equal(t, "local", areas.Local.Name())
	assert.Equal(t, "sync", areas.Sync.Name())
	assert.Len(t, areas.Files(), 2)
}

func TestPaths_SessionFileDependsOnKey(t *testing.T) {
	a := Paths{SessionDir: "/tmp/x", SessionKey: "one"}
	b := Paths{SessionDir: "/tmp/x", SessionKey: "two"}
	assert.NotEqual(t, a.SessionFile(), b.SessionFile())
	assert.Equal(t, a.SessionFile(), Paths{SessionDir: "/tmp/x", SessionKey: "one"}.SessionFile())
}

func TestWatcher_PicksUpExternalWrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "local.db")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	daemon, err := OpenSQLiteArea("local", DriverCGO, path)
	require.NoError(t, err)
	defer daemon.Close()
	cli, err := OpenSQLiteArea("local", DriverCGO, path)
	require.NoError(t, err)
	defer cli.Close()

	var log changeLog
	daemon.OnChanged(log.add)

	w, err := NewWatcher(daemon)
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, cli.Set(ctx, KeySystemInstruction, "be brief"))

	require.Eventually(t, func() bool {
		for _, c := range log.snapshot() {
			if c.Key == KeySystemInstruction {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}
