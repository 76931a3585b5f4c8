package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Pr0fe5s0r/gitybara/internal/providers"
	"github.com/Pr0fe5s0r/gitybara/internal/state"
)

// labelled are the statuses mirrored as issue labels.
var labelled = map[state.Status]string{
	state.StatusInProgress: "fbca04",
	state.StatusWaiting:    "d4c5f9",
	state.StatusDone:       "0e8a16",
	state.StatusFailed:     "b60205",
}

// labeler keeps the status label of an issue in sync with its job.
// Label syncing is best-effort; failures are logged.
type labeler struct {
	provider providers.Provider
	logger   *slog.Logger

	mu      sync.Mutex
	ensured map[string]bool // repos whose status labels exist
}

func newLabeler(provider providers.Provider, logger *slog.Logger) *labeler {
	return &labeler{provider: provider, logger: logger, ensured: make(map[string]bool)}
}

func (l *labeler) ensure(ctx context.Context, repo string) {
	l.mu.Lock()
	done := l.ensured[repo]
	l.mu.Unlock()
	if done {
		return
	}
	for st, color := range labelled {
		if err := l.provider.EnsureLabel(ctx, repo, st.Label(), color); err != nil {
			l.logger.Warn("failed to ensure label", "repo", repo, "label", st.Label(), "error", err)
			return
		}
	}
	l.mu.Lock()
	l.ensured[repo] = true
	l.mu.Unlock()
}

// sync sets the label for status and removes the others. Statuses without a
// label (pending, cancelled) only clear.
func (l *labeler) sync(ctx context.Context, repo string, number int, status state.Status) {
	l.ensure(ctx, repo)
	for st := range labelled {
		if st == status {
			continue
		}
		if err := l.provider.RemoveLabel(ctx, repo, number, st.Label()); err != nil {
			l.logger.Debug("failed to remove label", "repo", repo, "issue", number, "label", st.Label(), "error", err)
		}
	}
	if _, ok := labelled[status]; !ok {
		return
	}
	if err := l.provider.AddLabel(ctx, repo, number, status.Label()); err != nil {
		l.logger.Warn("failed to add label", "repo", repo, "issue", number, "label", status.Label(), "error", err)
	}
}
