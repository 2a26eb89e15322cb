// Package vcs is the Version-Control Driver (spec §4.2): it executes
// version-control commands in a project's working tree and reports their
// result verbatim. All policy (when to branch, merge, or roll back) lives
// in internal/iteration; this package only runs commands.
//
// Grounded on the teacher's factory/git.WorktreeManager, which wraps the
// same os/exec "git" invocations; here they are generalized behind a
// Driver interface and a per-project lock replaces the teacher's
// worktree-pool bookkeeping (Anima runs one working tree per project, not
// a pool of them).
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/anima-dev/anima/internal/errkind"
)

// Status is the result of a status query.
type Status struct {
	Clean     bool
	Staged    []string
	Untracked []string
}

// CommandResult carries a command's verbatim outcome, per §4.2's
// guarantee that "a command that fails returns its exit code, standard
// output, and standard error verbatim."
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// MergeStrategy selects how Merge resolves a branch into the current one.
type MergeStrategy string

const (
	MergeFastForward MergeStrategy = "ff"
	MergeCommit      MergeStrategy = "merge"
)

// Driver is the operation set the Iteration Engine depends on.
type Driver interface {
	CurrentBranch(ctx context.Context) (string, error)
	CreateBranch(ctx context.Context, name, fromRef string) error
	SwitchBranch(ctx context.Context, name string) error
	Status(ctx context.Context) (Status, error)
	Log(ctx context.Context, branch, since string) ([]string, error)
	ShowCommit(ctx context.Context, hash string) (CommandResult, error)
	Diff(ctx context.Context, fromRef, toRef string) (string, error)
	Merge(ctx context.Context, branch string, strategy MergeStrategy) error
	Tag(ctx context.Context, name, ref string) error
	Reset(ctx context.Context, ref string, hard bool) error
	DeleteBranch(ctx context.Context, name string, force bool) error
	Commit(ctx context.Context, message string) error
	HeadCommit(ctx context.Context) (string, error)

	// DefaultBranch reports the repository's default integration branch,
	// per spec §9's open question: the core reads it rather than
	// hard-coding "main".
	DefaultBranch(ctx context.Context) (string, error)
}

// GitDriver is the production Driver, wrapping the "git" CLI exactly as
// the teacher's WorktreeManager.runGit/runGitOutput do.
type GitDriver struct {
	workingTree string

	mu sync.Mutex // the per-project working-tree lock required by §4.2
}

// New returns a Driver rooted at the given working tree.
func New(workingTree string) *GitDriver {
	return &GitDriver{workingTree: workingTree}
}

func (d *GitDriver) run(ctx context.Context, args ...string) (CommandResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = d.workingTree
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
		return res, errkind.Wrap(errkind.VersionControl, fmt.Sprintf("git %s", strings.Join(args, " ")), err).WithDiagnostic(res.Stderr)
	}
	if err != nil {
		return res, errkind.Wrap(errkind.VersionControl, fmt.Sprintf("git %s", strings.Join(args, " ")), err)
	}
	return res, nil
}

func (d *GitDriver) CurrentBranch(ctx context.Context) (string, error) {
	res, err := d.run(ctx, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (d *GitDriver) CreateBranch(ctx context.Context, name, fromRef string) error {
	_, err := d.run(ctx, "branch", name, fromRef)
	return err
}

func (d *GitDriver) SwitchBranch(ctx context.Context, name string) error {
	_, err := d.run(ctx, "checkout", name)
	return err
}

func (d *GitDriver) Status(ctx context.Context) (Status, error) {
	res, err := d.run(ctx, "status", "--porcelain")
	if err != nil {
		return Status{}, err
	}
	var st Status
	lines := strings.Split(res.Stdout, "\n")
	for _, line := range lines {
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "??"):
			st.Untracked = append(st.Untracked, strings.TrimSpace(line[2:]))
		default:
			st.Staged = append(st.Staged, strings.TrimSpace(line[2:]))
		}
	}
	st.Clean = len(st.Staged) == 0 && len(st.Untracked) == 0
	return st, nil
}

func (d *GitDriver) Log(ctx context.Context, branch, since string) ([]string, error) {
	ref := branch
	if since != "" {
		ref = since + ".." + branch
	}
	res, err := d.run(ctx, "log", "--format=%H", ref)
	if err != nil {
		return nil, err
	}
	var hashes []string
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line != "" {
			hashes = append(hashes, line)
		}
	}
	return hashes, nil
}

func (d *GitDriver) ShowCommit(ctx context.Context, hash string) (CommandResult, error) {
	return d.run(ctx, "show", hash)
}

func (d *GitDriver) Diff(ctx context.Context, fromRef, toRef string) (string, error) {
	res, err := d.run(ctx, "diff", fromRef+".."+toRef)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

func (d *GitDriver) Merge(ctx context.Context, branch string, strategy MergeStrategy) error {
	args := []string{"merge"}
	switch strategy {
	case MergeFastForward:
		args = append(args, "--ff-only")
	case MergeCommit:
		args = append(args, "--no-ff")
	}
	args = append(args, branch)
	_, err := d.run(ctx, args...)
	return err
}

func (d *GitDriver) Tag(ctx context.Context, name, ref string) error {
	_, err := d.run(ctx, "tag", "-f", name, ref)
	return err
}

func (d *GitDriver) Reset(ctx context.Context, ref string, hard bool) error {
	args := []string{"reset"}
	if hard {
		args = append(args, "--hard")
	}
	args = append(args, ref)
	_, err := d.run(ctx, args...)
	return err
}

func (d *GitDriver) DeleteBranch(ctx context.Context, name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := d.run(ctx, "branch", flag, name)
	return err
}

func (d *GitDriver) Commit(ctx context.Context, message string) error {
	if _, err := d.run(ctx, "add", "-A"); err != nil {
		return err
	}
	_, err := d.run(ctx, "commit", "-m", message)
	return err
}

func (d *GitDriver) HeadCommit(ctx context.Context) (string, error) {
	res, err := d.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// DefaultBranch resolves origin/HEAD's target branch, falling back to the
// current branch if the repository has no configured remote (a common
// case for the local-only bare-repo workflow the teacher's WorktreeManager
// also supports).
func (d *GitDriver) DefaultBranch(ctx context.Context) (string, error) {
	res, err := d.run(ctx, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		ref := strings.TrimSpace(res.Stdout)
		return strings.TrimPrefix(ref, "refs/remotes/origin/"), nil
	}
	return d.CurrentBranch(ctx)
}

var _ Driver = (*GitDriver)(nil)
