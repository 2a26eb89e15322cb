package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a throwaway git repository with one commit on the
// default branch, returning the driver and the name of that branch.
func initRepo(t *testing.T) (*GitDriver, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available in test environment")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}

	run("init", "-q")
	run("config", "user.name", "test")
	run("config", "user.email", "test@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644))
	run("add", "-A")
	run("commit", "-q", "-m", "initial commit")

	d := New(dir)
	branch, err := d.CurrentBranch(context.Background())
	require.NoError(t, err)
	return d, branch
}

func TestCurrentBranchAndHeadCommit(t *testing.T) {
	d, branch := initRepo(t)
	ctx := context.Background()

	assert.NotEmpty(t, branch)

	head, err := d.HeadCommit(ctx)
	require.NoError(t, err)
	assert.Len(t, head, 40)
}

func TestCreateSwitchAndCommitOnBranch(t *testing.T) {
	d, base := initRepo(t)
	ctx := context.Background()

	require.NoError(t, d.CreateBranch(ctx, "milestone/m1", base))
	require.NoError(t, d.SwitchBranch(ctx, "milestone/m1"))

	got, err := d.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "milestone/m1", got)

	require.NoError(t, os.WriteFile(filepath.Join(d.workingTree, "feature.txt"), []byte("x"), 0o644))
	require.NoError(t, d.Commit(ctx, "feat: add feature"))

	hashes, err := d.Log(ctx, "milestone/m1", base)
	require.NoError(t, err)
	assert.Len(t, hashes, 1)
}

func TestStatusReportsUntrackedAndClean(t *testing.T) {
	d, _ := initRepo(t)
	ctx := context.Background()

	st, err := d.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Clean)

	require.NoError(t, os.WriteFile(filepath.Join(d.workingTree, "new.txt"), []byte("x"), 0o644))
	st, err = d.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Clean)
	assert.Contains(t, st.Untracked, "new.txt")
}

func TestMergeFastForward(t *testing.T) {
	d, base := initRepo(t)
	ctx := context.Background()

	require.NoError(t, d.CreateBranch(ctx, "milestone/m1", base))
	require.NoError(t, d.SwitchBranch(ctx, "milestone/m1"))
	require.NoError(t, os.WriteFile(filepath.Join(d.workingTree, "feature.txt"), []byte("x"), 0o644))
	require.NoError(t, d.Commit(ctx, "feat: add feature"))

	require.NoError(t, d.SwitchBranch(ctx, base))
	require.NoError(t, d.Merge(ctx, "milestone/m1", MergeFastForward))

	_, err := os.Stat(filepath.Join(d.workingTree, "feature.txt"))
	assert.NoError(t, err, "fast-forward merge should bring the file into the base branch")
}

func TestTagAndDeleteBranch(t *testing.T) {
	d, base := initRepo(t)
	ctx := context.Background()

	require.NoError(t, d.CreateBranch(ctx, "milestone/m1", base))
	require.NoError(t, d.Tag(ctx, "milestone-m1", "milestone/m1"))
	require.NoError(t, d.DeleteBranch(ctx, "milestone/m1", false))
}

func TestDefaultBranchFallsBackToCurrentWhenNoRemote(t *testing.T) {
	d, base := initRepo(t)
	got, err := d.DefaultBranch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, base, got)
}
