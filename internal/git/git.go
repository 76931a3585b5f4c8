// Package git wraps the git CLI for the operations the daemon performs on
// mirrors and worktrees. Every command targets a directory via -C.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Repo is a git repository or worktree at a fixed directory.
type Repo struct {
	dir string
}

// Open returns a Repo targeting dir. It does not check that dir exists.
func Open(dir string) *Repo {
	return &Repo{dir: dir}
}

// Dir returns the repository directory.
func (r *Repo) Dir() string {
	return r.dir
}

// Run executes git with args in the repository and returns stdout. Stderr
// is included in the error on failure.
func (r *Repo) Run(ctx context.Context, args ...string) (string, error) {
	return run(ctx, append([]string{"-C", r.dir}, args...)...)
}

func run(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("git %s: %w (stderr: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// CloneBare creates a bare clone of remote at dest.
func CloneBare(ctx context.Context, remote, dest string) (*Repo, error) {
	if _, err := run(ctx, "clone", "--bare", remote, dest); err != nil {
		return nil, err
	}
	return Open(dest), nil
}

// SetConfig sets a repository-local config value.
func (r *Repo) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.Run(ctx, "config", key, value)
	return err
}

// RemoteTrackingRef returns the ref a fetched branch is stored under.
func RemoteTrackingRef(branch string) string {
	return "refs/remotes/origin/" + branch
}

// FetchBranch fetches one branch from origin into its remote-tracking ref.
func (r *Repo) FetchBranch(ctx context.Context, branch string) error {
	refspec := fmt.Sprintf("+refs/heads/%s:%s", branch, RemoteTrackingRef(branch))
	_, err := r.Run(ctx, "fetch", "--prune", "origin", refspec)
	return err
}

// RevParse resolves a revision to a commit hash.
func (r *Repo) RevParse(ctx context.Context, rev string) (string, error) {
	out, err := r.Run(ctx, "rev-parse", "--verify", rev+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// WorktreeAdd materialises a detached worktree of commitish at path.
func (r *Repo) WorktreeAdd(ctx context.Context, path, commitish string) error {
	_, err := r.Run(ctx, "worktree", "add", "--detach", path, commitish)
	return err
}

// WorktreeRemove unregisters the worktree at path and deletes its checkout.
func (r *Repo) WorktreeRemove(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force", "--force")
	}
	_, err := r.Run(ctx, append(args, path)...)
	return err
}

// WorktreePrune drops index entries for worktrees whose directories are gone.
func (r *Repo) WorktreePrune(ctx context.Context) error {
	_, err := r.Run(ctx, "worktree", "prune")
	return err
}

// Worktrees lists the paths of all registered worktrees, excluding the main one.
func (r *Repo) Worktrees(ctx context.Context) ([]string, error) {
	out, err := r.Run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	first := true
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "worktree ") {
			continue
		}
		if first {
			first = false
			continue
		}
		paths = append(paths, strings.TrimPrefix(line, "worktree "))
	}
	return paths, nil
}

// ChangedFiles returns paths with uncommitted changes, including untracked files.
func (r *Repo) ChangedFiles(ctx context.Context) ([]string, error) {
	out, err := r.Run(ctx, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if _, after, ok := strings.Cut(path, " -> "); ok {
			path = after
		}
		files = append(files, strings.Trim(path, `"`))
	}
	return files, nil
}

// HasChanges reports whether the worktree has uncommitted changes.
func (r *Repo) HasChanges(ctx context.Context) (bool, error) {
	files, err := r.ChangedFiles(ctx)
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

// CommitAll stages everything and commits. It returns false when there was
// nothing to commit and no merge in progress.
func (r *Repo) CommitAll(ctx context.Context, message string) (bool, error) {
	changed, err := r.HasChanges(ctx)
	if err != nil {
		return false, err
	}
	merging := r.mergeInProgress(ctx)
	if !changed && !merging {
		return false, nil
	}

	if _, err := r.Run(ctx, "add", "-A"); err != nil {
		return false, err
	}
	if _, err := r.Run(ctx, "commit", "--no-verify", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Repo) mergeInProgress(ctx context.Context) bool {
	_, err := r.Run(ctx, "rev-parse", "-q", "--verify", "MERGE_HEAD")
	return err == nil
}

// Push pushes HEAD to refs/heads/branch on origin.
func (r *Repo) Push(ctx context.Context, branch string) error {
	_, err := r.Run(ctx, "push", "origin", "HEAD:refs/heads/"+branch)
	return err
}

// ErrMergeConflict is returned by Merge when the merge stopped on conflicts.
var ErrMergeConflict = errors.New("merge conflict")

// Merge merges ref into HEAD with a merge commit. On conflicts the merge is
// left in progress and ErrMergeConflict is returned.
func (r *Repo) Merge(ctx context.Context, ref, message string) error {
	_, err := r.Run(ctx, "merge", "--no-ff", "--no-edit", "-m", message, ref)
	if err == nil {
		return nil
	}
	conflicted, cerr := r.ConflictedFiles(ctx)
	if cerr == nil && len(conflicted) > 0 {
		return fmt.Errorf("%w: %d files", ErrMergeConflict, len(conflicted))
	}
	return err
}

// ConflictedFiles lists paths with unresolved merge conflicts.
func (r *Repo) ConflictedFiles(ctx context.Context) ([]string, error) {
	out, err := r.Run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// TakeTheirs resolves conflicted paths with the side being merged in.
func (r *Repo) TakeTheirs(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	if _, err := r.Run(ctx, append([]string{"checkout", "--theirs", "--"}, paths...)...); err != nil {
		return err
	}
	_, err := r.Run(ctx, append([]string{"add", "--"}, paths...)...)
	return err
}

// MergeAbort abandons an in-progress merge.
func (r *Repo) MergeAbort(ctx context.Context) error {
	_, err := r.Run(ctx, "merge", "--abort")
	return err
}

// HasConflictMarkers reports whether any of paths still contains conflict markers.
func (r *Repo) HasConflictMarkers(paths ...string) (bool, error) {
	for _, p := range paths {
		data, err := os.ReadFile(filepath.Join(r.dir, p))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return false, err
		}
		for _, line := range bytes.Split(data, []byte("\n")) {
			if bytes.HasPrefix(line, []byte("<<<<<<< ")) || bytes.HasPrefix(line, []byte(">>>>>>> ")) {
				return true, nil
			}
		}
	}
	return false, nil
}
