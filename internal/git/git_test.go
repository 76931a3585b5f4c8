package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"testing"
)

// initTestRepo creates a repository on branch main with one commit.
func initTestRepo(t *testing.T) *Repo {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	ctx := context.Background()
	if _, err := run(ctx, "init", "-b", "main", dir); err != nil {
		t.Fatalf("git init: %v", err)
	}
	r := Open(dir)
	r.SetConfig(ctx, "user.name", "Test")
	r.SetConfig(ctx, "user.email", "test@example.com")
	writeFile(t, r, "README.md", "hello\n")
	if _, err := r.CommitAll(ctx, "initial"); err != nil {
		t.Fatalf("initial commit: %v", err)
	}
	return r
}

func writeFile(t *testing.T, r *Repo, name, content string) {
	t.Helper()
	path := filepath.Join(r.Dir(), name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func mustRun(t *testing.T, r *Repo, args ...string) {
	t.Helper()
	if _, err := r.Run(context.Background(), args...); err != nil {
		t.Fatal(err)
	}
}

func TestCommitAll(t *testing.T) {
	r := initTestRepo(t)
	ctx := context.Background()

	committed, err := r.CommitAll(ctx, "nothing")
	if err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}
	if committed {
		t.Error("expected no commit on a clean tree")
	}

	writeFile(t, r, "docs/guide.md", "guide\n")
	files, err := r.ChangedFiles(ctx)
	if err != nil {
		t.Fatalf("ChangedFiles failed: %v", err)
	}
	if len(files) != 1 || files[0] != "docs/guide.md" {
		t.Errorf("unexpected changed files: %v", files)
	}

	committed, err = r.CommitAll(ctx, "add guide")
	if err != nil || !committed {
		t.Fatalf("expected commit, got %v (err=%v)", committed, err)
	}
	if dirty, _ := r.HasChanges(ctx); dirty {
		t.Error("expected clean tree after commit")
	}
}

func TestMerge_ReportsConflicts(t *testing.T) {
	r := initTestRepo(t)
	ctx := context.Background()

	mustRun(t, r, "checkout", "-b", "feature")
	writeFile(t, r, "README.md", "feature\n")
	writeFile(t, r, "go.sum", "feature\n")
	r.CommitAll(ctx, "feature")

	mustRun(t, r, "checkout", "main")
	writeFile(t, r, "README.md", "main\n")
	writeFile(t, r, "go.sum", "main\n")
	r.CommitAll(ctx, "main")

	mustRun(t, r, "checkout", "feature")
	err := r.Merge(ctx, "main", "merge main")
	if !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("expected ErrMergeConflict, got %v", err)
	}

	conflicted, err := r.ConflictedFiles(ctx)
	if err != nil {
		t.Fatalf("ConflictedFiles failed: %v", err)
	}
	sort.Strings(conflicted)
	if len(conflicted) != 2 || conflicted[0] != "README.md" || conflicted[1] != "go.sum" {
		t.Errorf("unexpected conflicted files: %v", conflicted)
	}

	marked, err := r.HasConflictMarkers("README.md")
	if err != nil || !marked {
		t.Errorf("expected conflict markers in README.md (err=%v)", err)
	}

	if err := r.TakeTheirs(ctx, "go.sum"); err != nil {
		t.Fatalf("TakeTheirs failed: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(r.Dir(), "go.sum"))
	if string(data) != "main\n" {
		t.Errorf("expected base side of go.sum, got %q", data)
	}

	writeFile(t, r, "README.md", "resolved\n")
	committed, err := r.CommitAll(ctx, "resolve")
	if err != nil || !committed {
		t.Fatalf("expected merge commit, got %v (err=%v)", committed, err)
	}
	if r.mergeInProgress(ctx) {
		t.Error("expected merge to be concluded")
	}
}

func TestMerge_Clean(t *testing.T) {
	r := initTestRepo(t)
	ctx := context.Background()

	mustRun(t, r, "checkout", "-b", "feature")
	writeFile(t, r, "feature.txt", "x\n")
	r.CommitAll(ctx, "feature")
	mustRun(t, r, "checkout", "main")
	writeFile(t, r, "main.txt", "y\n")
	r.CommitAll(ctx, "main")
	mustRun(t, r, "checkout", "feature")

	if err := r.Merge(ctx, "main", "merge main"); err != nil {
		t.Fatalf("expected clean merge, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(r.Dir(), "main.txt")); err != nil {
		t.Error("expected main.txt after merge")
	}
}

func TestWorktrees(t *testing.T) {
	r := initTestRepo(t)
	ctx := context.Background()

	mirror, err := CloneBare(ctx, r.Dir(), filepath.Join(t.TempDir(), "mirror.git"))
	if err != nil {
		t.Fatalf("CloneBare failed: %v", err)
	}
	if err := mirror.FetchBranch(ctx, "main"); err != nil {
		t.Fatalf("FetchBranch failed: %v", err)
	}

	wt := filepath.Join(t.TempDir(), "wt")
	if err := mirror.WorktreeAdd(ctx, wt, RemoteTrackingRef("main")); err != nil {
		t.Fatalf("WorktreeAdd failed: %v", err)
	}

	paths, err := mirror.Worktrees(ctx)
	if err != nil {
		t.Fatalf("Worktrees failed: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected one worktree, got %v", paths)
	}

	if err := mirror.WorktreeRemove(ctx, wt, true); err != nil {
		t.Fatalf("WorktreeRemove failed: %v", err)
	}
	paths, _ = mirror.Worktrees(ctx)
	if len(paths) != 0 {
		t.Errorf("expected no worktrees after removal, got %v", paths)
	}
}
