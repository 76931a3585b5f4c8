package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Pr0fe5s0r/gitybara/internal/state"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "gitybara.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func forceStatus(t *testing.T, s *Store, id int64, st state.Status) {
	t.Helper()
	if _, err := s.db.Exec(`UPDATE jobs SET status = ? WHERE id = ?`, string(st), id); err != nil {
		t.Fatalf("failed to force status: %v", err)
	}
}

var testKey = Key{Owner: "acme", Name: "widgets", Number: 42}

func TestUpsertJob_CreatesOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, created, err := s.UpsertJob(ctx, testKey, "Fix typo", false)
	if err != nil {
		t.Fatalf("UpsertJob failed: %v", err)
	}
	if !created {
		t.Error("expected first upsert to create the job")
	}
	if job.Status != state.StatusPending {
		t.Errorf("expected pending, got %s", job.Status)
	}

	again, created, err := s.UpsertJob(ctx, testKey, "Fix typo in README", false)
	if err != nil {
		t.Fatalf("second UpsertJob failed: %v", err)
	}
	if created {
		t.Error("expected second upsert to reuse the job")
	}
	if again.ID != job.ID {
		t.Errorf("expected same job id %d, got %d", job.ID, again.ID)
	}
	if again.Title != "Fix typo in README" {
		t.Errorf("expected refreshed title, got %q", again.Title)
	}
}

func TestUpsertJob_ConcurrentCallersShareOneJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	ids := make(chan int64, workers)
	createdCount := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, created, err := s.UpsertJob(ctx, testKey, "Fix typo", false)
			if err != nil {
				t.Errorf("UpsertJob failed: %v", err)
				return
			}
			ids <- job.ID
			createdCount <- created
		}()
	}
	wg.Wait()
	close(ids)
	close(createdCount)

	var first int64
	for id := range ids {
		if first == 0 {
			first = id
		}
		if id != first {
			t.Errorf("expected a single job id, saw %d and %d", first, id)
		}
	}
	n := 0
	for c := range createdCount {
		if c {
			n++
		}
	}
	if n != 1 {
		t.Errorf("expected exactly one creation, got %d", n)
	}
}

func TestClaim_AtMostOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, _, err := s.UpsertJob(ctx, testKey, "Fix typo", false)
	if err != nil {
		t.Fatalf("UpsertJob failed: %v", err)
	}

	const claimants = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0

	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Claim(ctx, job.ID, state.StatusPending)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrTransitionConflict):
				conflicts++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one successful claim, got %d", wins)
	}
	if conflicts != claimants-1 {
		t.Errorf("expected %d conflicts, got %d", claimants-1, conflicts)
	}
}

func TestTransition_Closure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, _, err := s.UpsertJob(ctx, testKey, "Fix typo", false)
	if err != nil {
		t.Fatalf("UpsertJob failed: %v", err)
	}

	for _, from := range state.AllStatuses {
		for _, to := range state.AllStatuses {
			forceStatus(t, s, job.ID, from)

			_, err := s.Transition(ctx, job.ID, from, to, Update{})
			current, getErr := s.GetJob(ctx, job.ID)
			if getErr != nil {
				t.Fatalf("GetJob failed: %v", getErr)
			}

			if state.CanTransition(from, to) {
				if err != nil {
					t.Errorf("%s -> %s: unexpected error %v", from, to, err)
				}
				if current.Status != to {
					t.Errorf("%s -> %s: status is %s", from, to, current.Status)
				}
				continue
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", from, to, err)
			}
			if current.Status != from {
				t.Errorf("%s -> %s: rejected transition changed status to %s", from, to, current.Status)
			}
		}
	}
}

func TestTransition_WrongFromStatusConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, _, _ := s.UpsertJob(ctx, testKey, "Fix typo", false)
	if _, err := s.Claim(ctx, job.ID, state.StatusPending); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	_, err := s.Transition(ctx, job.ID, state.StatusPending, state.StatusInProgress, Update{})
	if !errors.Is(err, ErrTransitionConflict) {
		t.Fatalf("expected ErrTransitionConflict, got %v", err)
	}

	if _, err := s.Transition(ctx, 9999, state.StatusPending, state.StatusInProgress, Update{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing job, got %v", err)
	}
}

func TestTransition_AppliesUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, _, _ := s.UpsertJob(ctx, testKey, "Fix typo", false)
	if _, err := s.Claim(ctx, job.ID, state.StatusPending); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	done, err := s.Transition(ctx, job.ID, state.StatusInProgress, state.StatusDone, Update{
		Branch:             Ptr("work/issue-42-fix-typo"),
		MergeRequestURL:    Ptr("https://example.com/acme/widgets/pull/1"),
		MergeRequestNumber: Ptr(1),
		Error:              Ptr(""),
	})
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if done.Branch != "work/issue-42-fix-typo" || done.MergeRequestNumber != 1 {
		t.Errorf("unexpected job after update: %+v", done)
	}
	if done.MergeRequestURL == "" {
		t.Error("expected merge request url to be stored")
	}

	found, err := s.FindJobByMergeRequest(ctx, "acme", "widgets", 1)
	if err != nil {
		t.Fatalf("FindJobByMergeRequest failed: %v", err)
	}
	if found.ID != job.ID {
		t.Errorf("expected job %d, got %d", job.ID, found.ID)
	}
}

func TestCancelledJobFreesIssue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, _, _ := s.UpsertJob(ctx, testKey, "Fix typo", false)
	if _, err := s.Transition(ctx, job.ID, state.StatusPending, state.StatusCancelled, Update{}); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	next, created, err := s.UpsertJob(ctx, testKey, "Fix typo", true)
	if err != nil {
		t.Fatalf("UpsertJob failed: %v", err)
	}
	if !created || next.ID == job.ID {
		t.Fatalf("expected a fresh job after cancellation, got id %d (created=%v)", next.ID, created)
	}
	if !next.ForceNewBranch {
		t.Error("expected force_new_branch to be stored")
	}

	latest, err := s.LatestJob(ctx, testKey)
	if err != nil {
		t.Fatalf("LatestJob failed: %v", err)
	}
	if latest.ID != next.ID {
		t.Errorf("expected latest job %d, got %d", next.ID, latest.ID)
	}
}

func TestRecoverStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	stale, _, _ := s.UpsertJob(ctx, testKey, "stale", false)
	repeat, _, _ := s.UpsertJob(ctx, Key{Owner: "acme", Name: "widgets", Number: 43}, "repeat", false)
	for _, j := range []*Job{stale, repeat} {
		if _, err := s.Claim(ctx, j.ID, state.StatusPending); err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
	}
	if _, err := s.db.Exec(`UPDATE jobs SET stale_count = 2 WHERE id = ?`, repeat.ID); err != nil {
		t.Fatalf("failed to preset stale count: %v", err)
	}

	clock = clock.Add(20 * time.Minute)
	fresh, _, _ := s.UpsertJob(ctx, Key{Owner: "acme", Name: "widgets", Number: 44}, "fresh", false)
	if _, err := s.Claim(ctx, fresh.ID, state.StatusPending); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	clock = clock.Add(15 * time.Minute)
	recovered, err := s.RecoverStale(ctx, 30*time.Minute, 3)
	if err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}
	if len(recovered) != 2 {
		t.Fatalf("expected 2 recovered jobs, got %d", len(recovered))
	}

	got, _ := s.GetJob(ctx, stale.ID)
	if got.Status != state.StatusPending || got.StaleCount != 1 {
		t.Errorf("expected stale job pending with count 1, got %s/%d", got.Status, got.StaleCount)
	}
	got, _ = s.GetJob(ctx, repeat.ID)
	if got.Status != state.StatusFailed || got.Error == "" {
		t.Errorf("expected repeatedly stale job failed with error, got %s/%q", got.Status, got.Error)
	}
	got, _ = s.GetJob(ctx, fresh.ID)
	if got.Status != state.StatusInProgress {
		t.Errorf("expected fresh job untouched, got %s", got.Status)
	}

	if _, err := s.Claim(ctx, stale.ID, state.StatusPending); err != nil {
		t.Errorf("expected recovered job to be claimable: %v", err)
	}
}

func TestTouch_KeepsJobFresh(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	job, _, _ := s.UpsertJob(ctx, testKey, "Fix typo", false)
	s.Claim(ctx, job.ID, state.StatusPending)

	clock = clock.Add(25 * time.Minute)
	if err := s.Touch(ctx, job.ID); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	clock = clock.Add(25 * time.Minute)
	recovered, err := s.RecoverStale(ctx, 30*time.Minute, 3)
	if err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}
	if len(recovered) != 0 {
		t.Errorf("expected touched job to stay in progress, recovered %d", len(recovered))
	}
}

func TestListJobsAndCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _, _ := s.UpsertJob(ctx, Key{Owner: "acme", Name: "widgets", Number: 1}, "a", false)
	s.UpsertJob(ctx, Key{Owner: "acme", Name: "widgets", Number: 2}, "b", false)
	s.UpsertJob(ctx, Key{Owner: "acme", Name: "gadgets", Number: 1}, "c", false)
	s.Claim(ctx, a.ID, state.StatusPending)

	all, err := s.ListJobs(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 jobs, got %d", len(all))
	}

	widgets, _ := s.ListJobs(ctx, Filter{Owner: "acme", Name: "widgets"})
	if len(widgets) != 2 {
		t.Errorf("expected 2 widgets jobs, got %d", len(widgets))
	}

	pending, _ := s.ListJobs(ctx, Filter{Statuses: []state.Status{state.StatusPending, state.StatusWaiting}})
	if len(pending) != 2 {
		t.Errorf("expected 2 pending jobs, got %d", len(pending))
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[state.StatusPending] != 2 || counts[state.StatusInProgress] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestSplitRepo(t *testing.T) {
	tests := []struct {
		in        string
		owner     string
		name      string
		expectErr bool
	}{
		{"acme/widgets", "acme", "widgets", false},
		{"acme", "", "", true},
		{"/widgets", "", "", true},
		{"acme/widgets/extra", "", "", true},
	}
	for _, tt := range tests {
		owner, name, err := SplitRepo(tt.in)
		if (err != nil) != tt.expectErr {
			t.Errorf("SplitRepo(%q) error = %v", tt.in, err)
			continue
		}
		if owner != tt.owner || name != tt.name {
			t.Errorf("SplitRepo(%q) = %q, %q", tt.in, owner, name)
		}
	}
}
