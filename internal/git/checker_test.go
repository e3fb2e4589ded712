package git

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a repository with one committed file
func initRepo(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()

	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte("[package]\nname = \"electrs\"\n"), 0644))

	w, err := repo.Worktree()
	require.NoError(t, err)
	_, err = w.Add("Cargo.toml")
	require.NoError(t, err)

	hash, err := w.Commit("Initial commit", &gogit.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@berth.local", When: time.Now()},
	})
	require.NoError(t, err)

	return dir, hash.String()
}

func TestNewChecker_NotRepository(t *testing.T) {
	_, err := NewChecker(t.TempDir())
	assert.ErrorIs(t, err, ErrNotRepository)
}

func TestChecker_Revision(t *testing.T) {
	dir, hash := initRepo(t)

	c, err := NewChecker(dir)
	require.NoError(t, err)

	rev, err := c.Revision()
	require.NoError(t, err)
	assert.Equal(t, hash, rev)
	assert.Len(t, rev, 40)
}

func TestChecker_RevisionFromSubdirectory(t *testing.T) {
	dir, hash := initRepo(t)
	sub := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(sub, 0755))

	c, err := NewChecker(sub)
	require.NoError(t, err)

	rev, err := c.Revision()
	require.NoError(t, err)
	assert.Equal(t, hash, rev)
}

func TestChecker_RevisionWithoutCommits(t *testing.T) {
	dir := t.TempDir()
	_, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)

	c, err := NewChecker(dir)
	require.NoError(t, err)

	rev, err := c.Revision()
	require.NoError(t, err)
	assert.Empty(t, rev)
}

func TestChecker_DirtyWorkspace(t *testing.T) {
	dir, _ := initRepo(t)

	c, err := NewChecker(dir)
	require.NoError(t, err)

	clean, err := c.IsWorkspaceClean()
	require.NoError(t, err)
	assert.True(t, clean)

	dirty, err := c.GetDirtyFiles()
	require.NoError(t, err)
	assert.Empty(t, dirty)

	// Modify a tracked file and add an untracked one
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte("[package]\nname = \"changed\"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	clean, err = c.IsWorkspaceClean()
	require.NoError(t, err)
	assert.False(t, clean)

	dirty, err = c.GetDirtyFiles()
	require.NoError(t, err)
	assert.Equal(t, "Uncommitted changes:\n M Cargo.toml\n\nUntracked files:\n?? notes.txt", dirty)
}

func TestChecker_RootFromSubdirectory(t *testing.T) {
	dir, _ := initRepo(t)
	sub := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(sub, 0755))

	checker, err := NewChecker(sub)
	require.NoError(t, err)

	root, err := checker.Root()
	require.NoError(t, err)
	assert.Equal(t, dir, root)
}
