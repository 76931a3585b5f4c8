package conflict

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Pr0fe5s0r/gitybara/internal/agent"
	"github.com/Pr0fe5s0r/gitybara/internal/config"
	"github.com/Pr0fe5s0r/gitybara/internal/providers"
	"github.com/Pr0fe5s0r/gitybara/internal/store"
	"github.com/Pr0fe5s0r/gitybara/internal/workspace"
)

const repoName = "acme/widgets"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testDefaults = config.AutoMergeConfig{
	Enabled:               true,
	AutoMergeClean:        true,
	AutoResolveConflicts:  true,
	MergeMethod:           "squash",
	StaleAfter:            10 * time.Minute,
	MaxResolutionAttempts: 3,
}

type countingLimiter struct {
	calls atomic.Int32
}

func (l *countingLimiter) RunLimited(ctx context.Context, fn func(ctx context.Context) error) error {
	l.calls.Add(1)
	return fn(ctx)
}

type fixture struct {
	engine   *Engine
	store    *store.Store
	provider *providers.MockProvider
	limiter  *countingLimiter
	repo     Repo
	remote   string
}

func newFixture(t *testing.T, runner agent.Runner, rules ...Rule) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gitybara.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store:    st,
		provider: providers.NewMockProvider(),
		limiter:  &countingLimiter{},
		repo:     Repo{Owner: "acme", Name: "widgets", Rules: rules},
	}
	f.engine = NewEngine(st, f.provider, workspace.NewManager(t.TempDir(), testLogger()),
		runner, f.limiter, testDefaults, nil, testLogger())
	return f
}

func (f *fixture) addPR(state providers.MergeState, age time.Duration) *providers.PR {
	pr := &providers.PR{
		Number:     101,
		Title:      "Fix typo",
		MergeState: state,
		HeadRef:    "feature",
		BaseRef:    "main",
		UpdatedAt:  time.Now().Add(-age),
	}
	f.provider.AddPR(repoName, pr)
	return pr
}

func gitIn(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return string(out)
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

// conflictingRemote builds a remote where branch feature and main changed
// every path in files differently since they forked.
func (f *fixture) conflictingRemote(t *testing.T, files ...string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	gitIn(t, dir, "init", "-b", "main")
	gitIn(t, dir, "config", "user.name", "Test")
	gitIn(t, dir, "config", "user.email", "test@example.com")

	side := func(content string) map[string]string {
		m := make(map[string]string, len(files))
		for _, name := range files {
			m[name] = content
		}
		return m
	}
	writeFiles(t, dir, side("base\n"))
	gitIn(t, dir, "add", "-A")
	gitIn(t, dir, "commit", "-m", "base")

	gitIn(t, dir, "checkout", "-b", "feature")
	writeFiles(t, dir, side("feature\n"))
	gitIn(t, dir, "commit", "-am", "feature")

	gitIn(t, dir, "checkout", "main")
	writeFiles(t, dir, side("main\n"))
	gitIn(t, dir, "commit", "-am", "main")

	f.remote = dir
	f.repo.RemoteURL = dir
}

func (f *fixture) remoteFile(t *testing.T, branch, name string) string {
	t.Helper()
	return gitIn(t, f.remote, "show", branch+":"+name)
}

func (f *fixture) featureContainsMain(t *testing.T) bool {
	t.Helper()
	err := exec.Command("git", "-C", f.remote, "merge-base", "--is-ancestor", "main", "feature").Run()
	return err == nil
}

func noAgent(t *testing.T) agent.Runner {
	return agent.RunnerFunc(func(ctx context.Context, req agent.Request) (*agent.Result, error) {
		t.Error("agent must not be invoked")
		return nil, errors.New("unexpected agent run")
	})
}

func TestEvaluate_CleanEnablesAutoMergeOnce(t *testing.T) {
	f := newFixture(t, noAgent(t))
	pr := f.addPR(providers.MergeClean, time.Hour)
	ctx := context.Background()

	outcome, err := f.engine.Evaluate(ctx, f.repo, pr)
	if err != nil || outcome != OutcomeAutoMergeEnabled {
		t.Fatalf("expected auto-merge enabled, got %s (err=%v)", outcome, err)
	}
	if len(f.provider.AutoMerged) != 1 || f.provider.AutoMerged[0].Method != "squash" {
		t.Errorf("unexpected auto-merge calls %+v", f.provider.AutoMerged)
	}

	outcome, _ = f.engine.Evaluate(ctx, f.repo, pr)
	if outcome != OutcomeNoAction {
		t.Errorf("expected no action on the next cycle, got %s", outcome)
	}
}

func TestEvaluate_CleanFallsBackToDirectMerge(t *testing.T) {
	f := newFixture(t, noAgent(t))
	f.provider.AutoMergeError = providers.ErrAutoMergeUnsupported
	pr := f.addPR(providers.MergeClean, time.Hour)

	outcome, err := f.engine.Evaluate(context.Background(), f.repo, pr)
	if err != nil || outcome != OutcomeMerged {
		t.Fatalf("expected direct merge, got %s (err=%v)", outcome, err)
	}
	if len(f.provider.Merged) != 1 {
		t.Errorf("expected one direct merge, got %+v", f.provider.Merged)
	}
}

func TestEvaluate_MergeFailureIsBestEffort(t *testing.T) {
	f := newFixture(t, noAgent(t))
	f.provider.AutoMergeError = errors.New("auto-merge not allowed")
	f.provider.MergeError = errors.New("required reviews missing")
	pr := f.addPR(providers.MergeClean, time.Hour)

	outcome, err := f.engine.Evaluate(context.Background(), f.repo, pr)
	if err != nil {
		t.Fatalf("merge failures must not surface as errors: %v", err)
	}
	if outcome != OutcomeMergeFailed {
		t.Errorf("expected merge-failed, got %s", outcome)
	}
	attempts, _ := f.store.ListAttempts(context.Background(), "acme", "widgets", pr.Number)
	if len(attempts) != 0 {
		t.Errorf("merge failures must not be recorded as attempts: %+v", attempts)
	}
}

func TestEvaluate_PolicyOverrideDisables(t *testing.T) {
	f := newFixture(t, noAgent(t))
	pr := f.addPR(providers.MergeClean, time.Hour)
	ctx := context.Background()

	if _, err := f.engine.Policy(ctx, f.repo, pr.Number); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetPRAutoMerge(ctx, store.PRAutoMerge{
		Owner: "acme", Name: "widgets", Number: pr.Number, Enabled: store.Ptr(false),
	}); err != nil {
		t.Fatal(err)
	}

	outcome, err := f.engine.Evaluate(ctx, f.repo, pr)
	if err != nil || outcome != OutcomeNoAction {
		t.Errorf("expected no action, got %s (err=%v)", outcome, err)
	}
}

func TestEvaluate_UnknownStateDoesNothing(t *testing.T) {
	f := newFixture(t, noAgent(t))
	pr := f.addPR(providers.MergeUnknown, time.Hour)

	outcome, err := f.engine.Evaluate(context.Background(), f.repo, pr)
	if err != nil || outcome != OutcomeNoAction {
		t.Errorf("expected no action, got %s (err=%v)", outcome, err)
	}
}

func TestEvaluate_FreshConflictWaits(t *testing.T) {
	f := newFixture(t, noAgent(t))
	pr := f.addPR(providers.MergeDirty, time.Minute)

	outcome, err := f.engine.Evaluate(context.Background(), f.repo, pr)
	if err != nil || outcome != OutcomeTooFresh {
		t.Errorf("expected too-fresh, got %s (err=%v)", outcome, err)
	}
}

func TestEvaluate_CeilingEscalatesOnce(t *testing.T) {
	f := newFixture(t, noAgent(t))
	pr := f.addPR(providers.MergeDirty, time.Hour)
	ctx := context.Background()

	for range testDefaults.MaxResolutionAttempts {
		if _, err := f.store.RecordAttempt(ctx, store.ConflictAttempt{
			Owner: "acme", Name: "widgets", MRNumber: pr.Number, Outcome: store.AttemptFailed,
		}); err != nil {
			t.Fatal(err)
		}
	}

	outcome, err := f.engine.Evaluate(ctx, f.repo, pr)
	if err != nil || outcome != OutcomeEscalated {
		t.Fatalf("expected escalation, got %s (err=%v)", outcome, err)
	}
	comments, _, _ := f.provider.Snapshot()
	if len(comments) != 1 || !strings.Contains(comments[0].Body, "3 automatic resolution attempts failed") {
		t.Errorf("expected one escalation comment, got %+v", comments)
	}

	outcome, err = f.engine.Evaluate(ctx, f.repo, pr)
	if err != nil || outcome != OutcomeNoAction {
		t.Errorf("expected no action after escalation, got %s (err=%v)", outcome, err)
	}
	if n, _ := f.store.CountAttempts(ctx, "acme", "widgets", pr.Number, store.AttemptEscalated); n != 1 {
		t.Errorf("expected exactly one escalated attempt, got %d", n)
	}
	if comments, _, _ := f.provider.Snapshot(); len(comments) != 1 {
		t.Errorf("expected no repeated escalation comment, got %d", len(comments))
	}
}

func TestEvaluate_AgentResolvesConflicts(t *testing.T) {
	var prompt string
	runner := agent.RunnerFunc(func(ctx context.Context, req agent.Request) (*agent.Result, error) {
		prompt = req.Prompt
		if err := os.WriteFile(filepath.Join(req.WorkDir, "README.md"), []byte("resolved\n"), 0644); err != nil {
			return nil, err
		}
		return &agent.Result{Success: true, Summary: "merged both sides", FilesChanged: []string{"README.md"}}, nil
	})
	f := newFixture(t, runner, Rule{Pattern: "go.sum", Action: ActionIgnore})
	f.conflictingRemote(t, "README.md", "go.sum")
	pr := f.addPR(providers.MergeDirty, time.Hour)
	ctx := context.Background()

	outcome, err := f.engine.Evaluate(ctx, f.repo, pr)
	if err != nil || outcome != OutcomeResolved {
		t.Fatalf("expected resolved, got %s (err=%v)", outcome, err)
	}

	if !strings.Contains(prompt, "README.md") || strings.Contains(prompt, "go.sum") {
		t.Errorf("agent must only see the resolve files, prompt was:\n%s", prompt)
	}
	if f.limiter.calls.Load() != 1 {
		t.Errorf("expected agent run through the limiter, got %d", f.limiter.calls.Load())
	}
	if got := f.remoteFile(t, "feature", "README.md"); got != "resolved\n" {
		t.Errorf("unexpected README.md on feature: %q", got)
	}
	if got := f.remoteFile(t, "feature", "go.sum"); got != "main\n" {
		t.Errorf("expected base side of go.sum, got %q", got)
	}
	if !f.featureContainsMain(t) {
		t.Error("expected main merged into feature")
	}

	attempts, _ := f.store.ListAttempts(ctx, "acme", "widgets", pr.Number)
	if len(attempts) != 1 || attempts[0].Outcome != store.AttemptSuccess || len(attempts[0].ResolvedFiles) != 2 {
		t.Errorf("unexpected attempts %+v", attempts)
	}
	if len(f.provider.AutoMerged) != 1 {
		t.Errorf("expected auto-merge after resolution, got %+v", f.provider.AutoMerged)
	}
}

func TestEvaluate_OnlyIgnoredFilesIsTrivialSuccess(t *testing.T) {
	f := newFixture(t, noAgent(t), Rule{Pattern: "*.sum", Action: ActionIgnore})
	f.conflictingRemote(t, "go.sum")
	pr := f.addPR(providers.MergeDirty, time.Hour)

	outcome, err := f.engine.Evaluate(context.Background(), f.repo, pr)
	if err != nil || outcome != OutcomeResolved {
		t.Fatalf("expected resolved, got %s (err=%v)", outcome, err)
	}
	if f.limiter.calls.Load() != 0 {
		t.Error("expected no agent run")
	}
	if !f.featureContainsMain(t) {
		t.Error("expected main merged into feature")
	}
}

func TestEvaluate_ProtectedPathEscalates(t *testing.T) {
	f := newFixture(t, noAgent(t),
		Rule{Pattern: "migrations/**", Action: ActionEscalate},
		Rule{Pattern: "go.sum", Action: ActionIgnore},
	)
	f.conflictingRemote(t, "README.md", "migrations/001_init.sql")
	pr := f.addPR(providers.MergeDirty, time.Hour)
	ctx := context.Background()

	outcome, err := f.engine.Evaluate(ctx, f.repo, pr)
	if err != nil || outcome != OutcomeEscalated {
		t.Fatalf("expected escalation, got %s (err=%v)", outcome, err)
	}
	attempts, _ := f.store.ListAttempts(ctx, "acme", "widgets", pr.Number)
	if len(attempts) != 1 || attempts[0].Outcome != store.AttemptEscalated ||
		len(attempts[0].EscalatedFiles) != 1 || attempts[0].EscalatedFiles[0] != "migrations/001_init.sql" {
		t.Errorf("unexpected attempts %+v", attempts)
	}
	if f.featureContainsMain(t) {
		t.Error("nothing must be pushed on escalation")
	}
}

func TestEvaluate_AgentFailureRecordsFailedAttempt(t *testing.T) {
	runner := agent.RunnerFunc(func(ctx context.Context, req agent.Request) (*agent.Result, error) {
		return &agent.Result{Success: false, Summary: "could not decide\nmore detail"}, nil
	})
	f := newFixture(t, runner)
	f.conflictingRemote(t, "README.md")
	pr := f.addPR(providers.MergeDirty, time.Hour)
	ctx := context.Background()

	outcome, err := f.engine.Evaluate(ctx, f.repo, pr)
	if err != nil || outcome != OutcomeFailed {
		t.Fatalf("expected failed attempt, got %s (err=%v)", outcome, err)
	}
	n, _ := f.store.CountAttempts(ctx, "acme", "widgets", pr.Number, store.AttemptFailed)
	if n != 1 {
		t.Errorf("expected one failed attempt, got %d", n)
	}
	if f.featureContainsMain(t) {
		t.Error("nothing must be pushed after a failed attempt")
	}
}

func TestEvaluate_MarkersLeftIsFailure(t *testing.T) {
	runner := agent.RunnerFunc(func(ctx context.Context, req agent.Request) (*agent.Result, error) {
		return &agent.Result{Success: true, Summary: "done"}, nil
	})
	f := newFixture(t, runner)
	f.conflictingRemote(t, "README.md")
	pr := f.addPR(providers.MergeDirty, time.Hour)

	outcome, err := f.engine.Evaluate(context.Background(), f.repo, pr)
	if err != nil || outcome != OutcomeFailed {
		t.Errorf("expected failed attempt, got %s (err=%v)", outcome, err)
	}
}

func TestEvaluate_RejectedPushCountsTowardsCeiling(t *testing.T) {
	var runs atomic.Int32
	runner := agent.RunnerFunc(func(ctx context.Context, req agent.Request) (*agent.Result, error) {
		runs.Add(1)
		if err := os.WriteFile(filepath.Join(req.WorkDir, "README.md"), []byte("resolved\n"), 0644); err != nil {
			return nil, err
		}
		return &agent.Result{Success: true, Summary: "merged both sides"}, nil
	})
	f := newFixture(t, runner)
	f.conflictingRemote(t, "README.md")
	hook := filepath.Join(f.remote, ".git", "hooks", "pre-receive")
	if err := os.WriteFile(hook, []byte("#!/bin/sh\necho rejected >&2\nexit 1\n"), 0755); err != nil {
		t.Fatal(err)
	}
	pr := f.addPR(providers.MergeDirty, time.Hour)
	ctx := context.Background()

	for i := range 2 * testDefaults.MaxResolutionAttempts {
		if _, err := f.engine.Evaluate(ctx, f.repo, pr); err != nil {
			t.Fatalf("Evaluate %d failed: %v", i+1, err)
		}
	}

	if n := int(runs.Load()); n != testDefaults.MaxResolutionAttempts {
		t.Errorf("expected %d agent runs, got %d", testDefaults.MaxResolutionAttempts, n)
	}
	failed, _ := f.store.CountAttempts(ctx, "acme", "widgets", pr.Number, store.AttemptFailed)
	if failed != testDefaults.MaxResolutionAttempts {
		t.Errorf("expected %d failed attempts, got %d", testDefaults.MaxResolutionAttempts, failed)
	}
	escalated, _ := f.store.CountAttempts(ctx, "acme", "widgets", pr.Number, store.AttemptEscalated)
	if escalated != 1 {
		t.Errorf("expected one escalation, got %d", escalated)
	}
	if f.featureContainsMain(t) {
		t.Error("the rejected push must not land")
	}
}

func TestScan_SkipsClosedAndContinuesPastErrors(t *testing.T) {
	f := newFixture(t, noAgent(t))
	f.provider.AddPR(repoName, &providers.PR{Number: 1, State: "closed", MergeState: providers.MergeClean, Labels: []string{"gitybara"}})
	f.provider.AddPR(repoName, &providers.PR{Number: 2, MergeState: providers.MergeClean, Labels: []string{"gitybara"}})
	f.provider.AddPR(repoName, &providers.PR{Number: 3, MergeState: providers.MergeClean})

	if err := f.engine.Scan(context.Background(), f.repo, "gitybara"); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(f.provider.AutoMerged) != 1 || f.provider.AutoMerged[0].Number != 2 {
		t.Errorf("expected only PR 2 handled, got %+v", f.provider.AutoMerged)
	}
}

func TestEscalationMessage(t *testing.T) {
	msg := escalationMessage("conflicts touch protected paths", []string{"migrations/001.sql"})
	if !strings.Contains(msg, "protected paths") || !strings.Contains(msg, "`migrations/001.sql`") {
		t.Errorf("unexpected message %q", msg)
	}
}
