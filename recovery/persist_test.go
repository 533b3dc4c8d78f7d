package recovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(filepath.Join(t.TempDir(), "session.state"), []byte("test-passphrase"))
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)

	saved := Snapshot{
		ChannelID:    "chan-1",
		UserID:       "user-1",
		Muted:        true,
		VideoEnabled: true,
		Participants: []string{"p1", "p2"},
	}
	require.NoError(t, store.Save(saved))

	loaded, err := store.Load()
	require.NoError(t, err)

	assert.Equal(t, "chan-1", loaded.ChannelID)
	assert.Equal(t, "user-1", loaded.UserID)
	assert.True(t, loaded.Muted)
	assert.True(t, loaded.VideoEnabled)
	assert.False(t, loaded.Deafened)
	assert.Equal(t, []string{"p1", "p2"}, loaded.Participants)
	assert.WithinDuration(t, time.Now(), loaded.Heartbeat, time.Minute,
		"save must stamp the heartbeat")
}

func TestFileStoreLoadMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestFileStoreStaleSnapshotRejected(t *testing.T) {
	store := newTestStore(t)

	base := time.Now()
	store.SetNowFunc(func() time.Time { return base })
	require.NoError(t, store.Save(Snapshot{ChannelID: "chan-1"}))

	store.SetNowFunc(func() time.Time { return base.Add(StalenessWindow + time.Minute) })
	_, err := store.Load()
	assert.ErrorIs(t, err, ErrStale)
}

func TestFileStoreJustInsideStalenessWindow(t *testing.T) {
	store := newTestStore(t)

	base := time.Now()
	store.SetNowFunc(func() time.Time { return base })
	require.NoError(t, store.Save(Snapshot{ChannelID: "chan-1"}))

	store.SetNowFunc(func() time.Time { return base.Add(StalenessWindow - time.Minute) })
	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "chan-1", loaded.ChannelID)
}

func TestFileStoreWrongPassphraseFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.state")

	writer := NewFileStore(path, []byte("correct"))
	require.NoError(t, writer.Save(Snapshot{ChannelID: "chan-1"}))

	reader := NewFileStore(path, []byte("wrong"))
	_, err := reader.Load()
	assert.Error(t, err)
}

func TestFileStoreIsEncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.state")

	store := NewFileStore(path, []byte("passphrase"))
	require.NoError(t, store.Save(Snapshot{ChannelID: "very-secret-channel"}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "very-secret-channel")
}

func TestFileStoreTruncatedFileRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.state")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))

	store := NewFileStore(path, []byte("passphrase"))
	_, err := store.Load()
	assert.Error(t, err)
}

func TestFileStoreClear(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(Snapshot{ChannelID: "chan-1"}))

	require.NoError(t, store.Clear())
	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNoSnapshot)

	// Clearing twice is a no-op.
	assert.NoError(t, store.Clear())
}
