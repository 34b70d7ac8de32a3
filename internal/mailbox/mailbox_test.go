package mailbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"sidekick/internal/store"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingArea struct {
	*store.MemoryArea
}

func (failingArea) Set(ctx context.Context, key string, value any) error {
	return errors.New("disk full")
}

func TestTakeEmpty(t *testing.T) {
	mb := New(store.NewMemoryArea("local"))
	got, err := mb.Take(context.Background(), true)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLastWriteWins(t *testing.T) {
	ctx := context.Background()
	mb := New(store.NewMemoryArea("local"))

	_, err := mb.Save(ctx, PendingAction{Action: KindContextMenu, MenuItemID: "explain-sel", SelectionText: "A"})
	require.NoError(t, err)
	b, err := mb.Save(ctx, PendingAction{Action: KindContextMenu, MenuItemID: "summarize-sel", SelectionText: "B"})
	require.NoError(t, err)

	got, err := mb.Take(ctx, true)
	require.NoError(t, err)
	require.NotNil(t, got)
	if diff := cmp.Diff(b, *got); diff != "" {
		t.Errorf("Take mismatch (-want +got):\n%s", diff)
	}

	again, err := mb.Take(ctx, true)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestTakeWithoutClearRetains(t *testing.T) {
	ctx := context.Background()
	mb := New(store.NewMemoryArea("local"))

	saved, err := mb.Save(ctx, PendingAction{Action: KindOpenOnly, PageURL: "https://example.com"})
	require.NoError(t, err)

	first, err := mb.Take(ctx, false)
	require.NoError(t, err)
	second, err := mb.Take(ctx, false)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, saved.ID, second.ID)
}

func TestSaveFillsIDAndTimestamp(t *testing.T) {
	mb := New(store.NewMemoryArea("local"))
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mb.now = func() time.Time { return fixed }

	saved, err := mb.Save(context.Background(), PendingAction{Action: KindOpenOnly})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, fixed, saved.CreatedAt)

	kept, err := mb.Save(context.Background(), PendingAction{ID: "given", Action: KindOpenOnly})
	require.NoError(t, err)
	assert.Equal(t, "given", kept.ID)
}

func TestAckOnlyClearsMatchingID(t *testing.T) {
	ctx := context.Background()
	mb := New(store.NewMemoryArea("local"))

	old, err := mb.Save(ctx, PendingAction{Action: KindContextMenu, MenuItemID: "explain-sel"})
	require.NoError(t, err)
	newer, err := mb.Save(ctx, PendingAction{Action: KindContextMenu, MenuItemID: "critique"})
	require.NoError(t, err)

	removed, err := mb.Ack(ctx, old.ID)
	require.NoError(t, err)
	assert.False(t, removed, "a stale ack must not delete a newer trigger")

	removed, err = mb.Ack(ctx, newer.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	got, err := mb.Take(ctx, false)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveFailureIsReported(t *testing.T) {
	mb := New(failingArea{store.NewMemoryArea("local")})
	_, err := mb.Save(context.Background(), PendingAction{Action: KindOpenOnly})
	assert.Error(t, err)
}

func TestSaveNotifiesObservers(t *testing.T) {
	area := store.NewMemoryArea("local")
	var seen []string
	area.OnChanged(func(c store.Change) { seen = append(seen, c.Key) })

	_, err := New(area).Save(context.Background(), PendingAction{Action: KindOpenOnly})
	require.NoError(t, err)
	assert.Equal(t, []string{store.KeyPendingAction}, seen)
}
