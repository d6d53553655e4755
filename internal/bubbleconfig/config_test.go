package bubbleconfig

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		ID:                     "fix-login-bug",
		RepoPath:               "/home/user/repo",
		BaseBranch:             "main",
		BubbleBranch:           "pairflow/fix-login-bug",
		Implementer:            "claude",
		Reviewer:               "gpt",
		WatchdogTimeoutMinutes: 30,
		MaxRounds:              10,
		ReviewArtifactType:     ReviewArtifactAuto,
	}
}

func TestWriteRead_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bubble.toml")

	cfg := validConfig()
	require.NoError(t, Write(path, cfg))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.ID, got.ID)
	assert.Equal(t, cfg.MaxRounds, got.MaxRounds)
}

func TestValidate_RejectsMalformedID(t *testing.T) {
	cfg := validConfig()
	cfg.ID = "NotLowercase"
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsSameImplementerAndReviewer(t *testing.T) {
	cfg := validConfig()
	cfg.Reviewer = cfg.Implementer
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsRelativeRepoPath(t *testing.T) {
	cfg := validConfig()
	cfg.RepoPath = "relative/path"
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveMaxRounds(t *testing.T) {
	cfg := validConfig()
	cfg.MaxRounds = 0
	require.Error(t, cfg.Validate())
}

func TestCheckRestrictedSubset_RejectsArrayOfTables(t *testing.T) {
	err := checkRestrictedSubset([]byte("id = \"a\"\n[[artifacts]]\nname = \"x\"\n"))
	require.Error(t, err)
}

func TestCheckRestrictedSubset_RejectsMultilineString(t *testing.T) {
	err := checkRestrictedSubset([]byte("notes = '''\nhello\n'''\n"))
	require.Error(t, err)
}

func TestBackfillInstanceID_OnlyWritesWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bubble.toml")
	require.NoError(t, Write(path, validConfig()))

	got, wrote, err := BackfillInstanceID(path, "inst-123")
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.Equal(t, "inst-123", got.BubbleInstanceID)

	got2, wrote2, err := BackfillInstanceID(path, "inst-456")
	require.NoError(t, err)
	assert.False(t, wrote2)
	assert.Equal(t, "inst-123", got2.BubbleInstanceID)
}
