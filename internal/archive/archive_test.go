package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBubbleDir(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bubble.toml"), []byte("id = \"x\"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "transcript.ndjson"), []byte("{}\n"), 0o644))
}

func TestSnapshotDir_CopiesTreeAndWritesManifest(t *testing.T) {
	root := t.TempDir()
	bubbleDir := t.TempDir()
	writeBubbleDir(t, bubbleDir)

	dest, err := SnapshotDir(root, "myrepo", "inst-1", bubbleDir, map[string]any{"bubble_instance_id": "inst-1"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dest, "bubble.toml"))
	require.NoError(t, err)
	assert.Equal(t, "id = \"x\"\n", string(data))

	sub, err := os.ReadFile(filepath.Join(dest, "sub", "transcript.ndjson"))
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(sub))

	manifest, err := os.ReadFile(filepath.Join(dest, "archive-manifest.json"))
	require.NoError(t, err)
	assert.Contains(t, string(manifest), "inst-1")
}

func TestSnapshotDir_IsIdempotentAcrossRetries(t *testing.T) {
	root := t.TempDir()
	bubbleDir := t.TempDir()
	writeBubbleDir(t, bubbleDir)

	dest1, err := SnapshotDir(root, "myrepo", "inst-1", bubbleDir, map[string]any{})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(bubbleDir, "bubble.toml"), []byte("id = \"changed\"\n"), 0o644))

	dest2, err := SnapshotDir(root, "myrepo", "inst-1", bubbleDir, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, dest1, dest2)

	data, err := os.ReadFile(filepath.Join(dest2, "bubble.toml"))
	require.NoError(t, err)
	assert.Equal(t, "id = \"x\"\n", string(data), "a retry must not re-copy over an existing snapshot")
}

func TestUpsertDeleted_CreatesEntryThenUpdatesInPlace(t *testing.T) {
	root := t.TempDir()
	lockPath := filepath.Join(root, "archive.lock")
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	entry := Entry{
		BubbleInstanceID: "inst-1",
		BubbleID:         "fix-login",
		RepoPath:         "/repo",
		RepoKey:          "repo",
		ArchivePath:      filepath.Join(root, "repo", "inst-1"),
	}
	require.NoError(t, UpsertDeleted(root, lockPath, entry, now))

	entries, err := List(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusDeleted, entries[0].Status)
	assert.Equal(t, now, entries[0].CreatedAt)

	later := now.Add(time.Hour)
	require.NoError(t, UpsertDeleted(root, lockPath, entry, later))

	entries, err = List(root)
	require.NoError(t, err)
	require.Len(t, entries, 1, "re-running delete must not duplicate the archive entry")
	assert.Equal(t, now, entries[0].CreatedAt, "created_at is preserved across idempotent retries")
	assert.Equal(t, later, entries[0].UpdatedAt)
}

func TestMarkPurged_TransitionsStatus(t *testing.T) {
	root := t.TempDir()
	lockPath := filepath.Join(root, "archive.lock")
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	require.NoError(t, UpsertDeleted(root, lockPath, Entry{BubbleInstanceID: "inst-1"}, now))
	require.NoError(t, MarkPurged(root, lockPath, "inst-1", now.Add(24*time.Hour)))

	entries, err := List(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusPurged, entries[0].Status)
	require.NotNil(t, entries[0].PurgedAt)
}

func TestMarkPurged_UnknownInstanceReturnsNotFound(t *testing.T) {
	root := t.TempDir()
	lockPath := filepath.Join(root, "archive.lock")
	err := MarkPurged(root, lockPath, "missing", time.Now())
	assert.Error(t, err)
}

func TestList_EmptyIndexReturnsNoEntries(t *testing.T) {
	root := t.TempDir()
	entries, err := List(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
