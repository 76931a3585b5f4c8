// Package workspace manages per-repository bare mirrors and the detached
// worktrees that jobs execute in.
//
// Layout under the base directory:
//
//	mirrors/<owner>/<name>.git        shared bare mirror
//	mirrors/<owner>/<name>.lock       cross-process mirror lock
//	worktrees/<owner>/<name>/<slug>-<suffix>
//
// Fetch, push and worktree add/remove on a mirror are serialized per
// repository. Work inside a worktree is not.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/Pr0fe5s0r/gitybara/internal/git"
)

// Identity written into every mirror so commits made in worktrees are attributed.
const (
	CommitterName  = "gitybara"
	CommitterEmail = "gitybara@users.noreply.local"
)

// Workspace is an isolated worktree checked out at a detached commit.
type Workspace struct {
	Path   string
	Repo   string // owner/name
	Branch string
	Git    *git.Repo

	acquiredAt time.Time
}

// Manager hands out workspaces backed by shared mirrors.
type Manager struct {
	baseDir string
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	active map[string]*Workspace
}

// NewManager creates a manager rooted at baseDir.
func NewManager(baseDir string, logger *slog.Logger) *Manager {
	return &Manager{
		baseDir: baseDir,
		logger:  logger,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
		active:  make(map[string]*Workspace),
	}
}

func (m *Manager) mirrorDir(repo string) string {
	return filepath.Join(m.baseDir, "mirrors", repo+".git")
}

func (m *Manager) worktreeRoot(repo string) string {
	return filepath.Join(m.baseDir, "worktrees", repo)
}

// lockRepo enters the per-repository critical section. The returned func
// releases both the in-process mutex and the file lock.
func (m *Manager) lockRepo(ctx context.Context, repo string) (func(), error) {
	m.mu.Lock()
	mu, ok := m.locks[repo]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[repo] = mu
	}
	m.mu.Unlock()

	mu.Lock()

	lockPath := filepath.Join(m.baseDir, "mirrors", repo+".lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("creating mirror lock dir: %w", err)
	}
	fl := flock.New(lockPath)
	locked, err := fl.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil || !locked {
		mu.Unlock()
		if err == nil {
			err = errors.New("lock not acquired")
		}
		return nil, fmt.Errorf("acquiring mirror lock for %s: %w", repo, err)
	}
	return func() {
		_ = fl.Unlock()
		mu.Unlock()
	}, nil
}

// ensureMirror returns the repository's mirror, cloning it on first use.
// Must be called inside the repository's critical section.
func (m *Manager) ensureMirror(ctx context.Context, repo, remoteURL string) (*git.Repo, error) {
	dir := m.mirrorDir(repo)
	if _, err := os.Stat(filepath.Join(dir, "HEAD")); err == nil {
		return git.Open(dir), nil
	}

	// A directory without HEAD is a clone that died half way.
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clearing partial mirror: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return nil, fmt.Errorf("creating mirror parent: %w", err)
	}

	m.logger.Info("cloning mirror", "repo", repo)
	mirror, err := git.CloneBare(ctx, remoteURL, dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to clone mirror: %w", err)
	}
	if err := mirror.SetConfig(ctx, "user.name", CommitterName); err != nil {
		return nil, err
	}
	if err := mirror.SetConfig(ctx, "user.email", CommitterEmail); err != nil {
		return nil, err
	}
	return mirror, nil
}

// Acquire fetches branch (plus any extra branches) into the repository's
// mirror and returns a fresh worktree detached at branch.
func (m *Manager) Acquire(ctx context.Context, repo, remoteURL, branch string, extra ...string) (*Workspace, error) {
	unlock, err := m.lockRepo(ctx, repo)
	if err != nil {
		return nil, err
	}
	defer unlock()

	mirror, err := m.ensureMirror(ctx, repo, remoteURL)
	if err != nil {
		return nil, err
	}
	for _, b := range append([]string{branch}, extra...) {
		if err := mirror.FetchBranch(ctx, b); err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", b, err)
		}
	}

	root := m.worktreeRoot(repo)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating worktree root: %w", err)
	}
	path := filepath.Join(root, slug(branch)+"-"+uuid.NewString()[:8])
	ref := git.RemoteTrackingRef(branch)

	if err := mirror.WorktreeAdd(ctx, path, ref); err != nil {
		m.logger.Warn("worktree add failed, cleaning up and retrying", "repo", repo, "branch", branch, "error", err)
		m.discard(ctx, mirror, path)
		if err := mirror.WorktreeAdd(ctx, path, ref); err != nil {
			m.discard(ctx, mirror, path)
			return nil, fmt.Errorf("failed to add worktree for %s: %w", branch, err)
		}
	}

	ws := &Workspace{
		Path:       path,
		Repo:       repo,
		Branch:     branch,
		Git:        git.Open(path),
		acquiredAt: m.now(),
	}
	m.mu.Lock()
	m.active[path] = ws
	m.mu.Unlock()

	m.logger.Debug("workspace acquired", "repo", repo, "branch", branch, "path", path)
	return ws, nil
}

// discard force-removes a worktree and prunes the index so the path can be
// used again.
func (m *Manager) discard(ctx context.Context, mirror *git.Repo, path string) {
	_ = mirror.WorktreeRemove(ctx, path, true)
	_ = os.RemoveAll(path)
	_ = mirror.WorktreePrune(ctx)
}

// Push pushes the workspace HEAD to branch on the remote.
func (m *Manager) Push(ctx context.Context, ws *Workspace, branch string) error {
	unlock, err := m.lockRepo(ctx, ws.Repo)
	if err != nil {
		return err
	}
	defer unlock()

	if err := ws.Git.Push(ctx, branch); err != nil {
		return fmt.Errorf("failed to push %s: %w", branch, err)
	}
	return nil
}

// Release marks a workspace as no longer in use. The directory is kept for
// inspection and only reclaimed by Sweep.
func (m *Manager) Release(ws *Workspace) {
	if ws == nil {
		return
	}
	m.mu.Lock()
	delete(m.active, ws.Path)
	m.mu.Unlock()
	m.logger.Debug("workspace released", "repo", ws.Repo, "path", ws.Path)
}

// Active returns the number of workspaces currently in use.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Sweep removes worktrees older than maxAge that are not in use and prunes
// every mirror's worktree index. It stops early when ctx is done.
func (m *Manager) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	repos, err := m.mirrors()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, repo := range repos {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		n, err := m.sweepRepo(ctx, repo, maxAge)
		removed += n
		if err != nil {
			if ctx.Err() != nil {
				return removed, ctx.Err()
			}
			m.logger.Warn("sweep failed", "repo", repo, "error", err)
		}
	}
	return removed, nil
}

func (m *Manager) sweepRepo(ctx context.Context, repo string, maxAge time.Duration) (int, error) {
	unlock, err := m.lockRepo(ctx, repo)
	if err != nil {
		return 0, err
	}
	defer unlock()

	mirror := git.Open(m.mirrorDir(repo))
	if err := mirror.WorktreePrune(ctx); err != nil {
		return 0, err
	}
	paths, err := mirror.Worktrees(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := m.now().Add(-maxAge)
	removed := 0
	for _, path := range paths {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		m.mu.Lock()
		_, inUse := m.active[path]
		m.mu.Unlock()
		if inUse {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		m.discard(ctx, mirror, path)
		removed++
		m.logger.Info("swept worktree", "repo", repo, "path", path, "age", m.now().Sub(info.ModTime()).Round(time.Minute))
	}
	return removed, nil
}

// mirrors lists the owner/name of every mirror on disk.
func (m *Manager) mirrors() ([]string, error) {
	root := filepath.Join(m.baseDir, "mirrors")
	owners, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var repos []string
	for _, owner := range owners {
		if !owner.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(root, owner.Name()))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() && strings.HasSuffix(e.Name(), ".git") {
				repos = append(repos, owner.Name()+"/"+strings.TrimSuffix(e.Name(), ".git"))
			}
		}
	}
	return repos, nil
}

func slug(branch string) string {
	return strings.NewReplacer("/", "-", "\\", "-", " ", "-").Replace(branch)
}
