package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEnsureRepoAutoMerge_SeedsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	defaults := RepoAutoMerge{
		Owner: "acme", Name: "widgets",
		Enabled: true, AutoMergeClean: true, AutoResolveConflicts: true,
		MergeMethod: "merge", StaleAfter: 10 * time.Minute, MaxResolutionAttempts: 3,
	}

	got, err := s.EnsureRepoAutoMerge(ctx, defaults)
	if err != nil {
		t.Fatalf("EnsureRepoAutoMerge failed: %v", err)
	}
	if got != defaults {
		t.Errorf("expected seeded defaults, got %+v", got)
	}

	// Operator change survives re-seeding.
	changed := defaults
	changed.MergeMethod = "squash"
	changed.MaxResolutionAttempts = 1
	if err := s.SetRepoAutoMerge(ctx, changed); err != nil {
		t.Fatalf("SetRepoAutoMerge failed: %v", err)
	}
	got, err = s.EnsureRepoAutoMerge(ctx, defaults)
	if err != nil {
		t.Fatalf("EnsureRepoAutoMerge failed: %v", err)
	}
	if got.MergeMethod != "squash" || got.MaxResolutionAttempts != 1 {
		t.Errorf("expected stored policy to win over defaults, got %+v", got)
	}
}

func TestEffectiveAutoMerge_OverrideTakesPrecedence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.EnsureRepoAutoMerge(ctx, RepoAutoMerge{
		Owner: "acme", Name: "widgets", Enabled: true, MergeMethod: "merge", MaxResolutionAttempts: 3,
	})

	eff, err := s.EffectiveAutoMerge(ctx, "acme", "widgets", 7)
	if err != nil {
		t.Fatalf("EffectiveAutoMerge failed: %v", err)
	}
	if !eff.Enabled || eff.MergeMethod != "merge" {
		t.Errorf("expected repo defaults without override, got %+v", eff)
	}

	if err := s.SetPRAutoMerge(ctx, PRAutoMerge{Owner: "acme", Name: "widgets", Number: 7, Enabled: Ptr(false)}); err != nil {
		t.Fatalf("SetPRAutoMerge failed: %v", err)
	}
	eff, _ = s.EffectiveAutoMerge(ctx, "acme", "widgets", 7)
	if eff.Enabled {
		t.Error("expected override to disable auto-merge")
	}
	if eff.MergeMethod != "merge" {
		t.Errorf("expected unset override field to fall back, got %q", eff.MergeMethod)
	}

	s.SetPRAutoMerge(ctx, PRAutoMerge{Owner: "acme", Name: "widgets", Number: 7, MergeMethod: Ptr("rebase")})
	eff, _ = s.EffectiveAutoMerge(ctx, "acme", "widgets", 7)
	if !eff.Enabled || eff.MergeMethod != "rebase" {
		t.Errorf("expected replaced override, got %+v", eff)
	}

	other, _ := s.EffectiveAutoMerge(ctx, "acme", "widgets", 8)
	if other.MergeMethod != "merge" {
		t.Errorf("override leaked to another merge request: %+v", other)
	}
}

func TestGetRepoAutoMerge_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetRepoAutoMerge(context.Background(), "nobody", "nothing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
