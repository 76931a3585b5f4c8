package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RepoAutoMerge is the repository-level auto-merge policy.
type RepoAutoMerge struct {
	Owner                 string        `json:"owner"`
	Name                  string        `json:"name"`
	Enabled               bool          `json:"enabled"`
	AutoMergeClean        bool          `json:"auto_merge_clean"`
	AutoResolveConflicts  bool          `json:"auto_resolve_conflicts"`
	MergeMethod           string        `json:"merge_method"`
	StaleAfter            time.Duration `json:"stale_after"`
	MaxResolutionAttempts int           `json:"max_resolution_attempts"`
}

// PRAutoMerge overrides the repository policy for one merge request.
type PRAutoMerge struct {
	Owner       string
	Name        string
	Number      int
	Enabled     *bool
	MergeMethod *string
}

// Effective layers a merge-request override over the repository defaults.
func (r RepoAutoMerge) Effective(o *PRAutoMerge) RepoAutoMerge {
	if o == nil {
		return r
	}
	if o.Enabled != nil {
		r.Enabled = *o.Enabled
	}
	if o.MergeMethod != nil && *o.MergeMethod != "" {
		r.MergeMethod = *o.MergeMethod
	}
	return r
}

type repoAutoMergeRow struct {
	Owner                 string `db:"owner"`
	Name                  string `db:"name"`
	Enabled               bool   `db:"enabled"`
	AutoMergeClean        bool   `db:"auto_merge_clean"`
	AutoResolveConflicts  bool   `db:"auto_resolve_conflicts"`
	MergeMethod           string `db:"merge_method"`
	StaleAfterMs          int64  `db:"stale_after_ms"`
	MaxResolutionAttempts int    `db:"max_resolution_attempts"`
}

// EnsureRepoAutoMerge seeds the repository policy with defaults if none is
// stored yet and returns the stored policy.
func (s *Store) EnsureRepoAutoMerge(ctx context.Context, defaults RepoAutoMerge) (RepoAutoMerge, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO automerge_repo_config
		 (owner, name, enabled, auto_merge_clean, auto_resolve_conflicts, merge_method,
		  stale_after_ms, max_resolution_attempts, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		defaults.Owner, defaults.Name, defaults.Enabled, defaults.AutoMergeClean, defaults.AutoResolveConflicts,
		defaults.MergeMethod, defaults.StaleAfter.Milliseconds(), defaults.MaxResolutionAttempts, s.nowMillis())
	if err != nil {
		return RepoAutoMerge{}, fmt.Errorf("seed automerge config for %s/%s: %w", defaults.Owner, defaults.Name, err)
	}
	return s.GetRepoAutoMerge(ctx, defaults.Owner, defaults.Name)
}

// GetRepoAutoMerge loads the repository policy.
func (s *Store) GetRepoAutoMerge(ctx context.Context, owner, name string) (RepoAutoMerge, error) {
	var row repoAutoMergeRow
	err := s.db.GetContext(ctx, &row,
		`SELECT owner, name, enabled, auto_merge_clean, auto_resolve_conflicts, merge_method,
		        stale_after_ms, max_resolution_attempts
		 FROM automerge_repo_config WHERE owner = ? AND name = ?`, owner, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RepoAutoMerge{}, ErrNotFound
		}
		return RepoAutoMerge{}, fmt.Errorf("get automerge config for %s/%s: %w", owner, name, err)
	}
	return RepoAutoMerge{
		Owner:                 row.Owner,
		Name:                  row.Name,
		Enabled:               row.Enabled,
		AutoMergeClean:        row.AutoMergeClean,
		AutoResolveConflicts:  row.AutoResolveConflicts,
		MergeMethod:           row.MergeMethod,
		StaleAfter:            time.Duration(row.StaleAfterMs) * time.Millisecond,
		MaxResolutionAttempts: row.MaxResolutionAttempts,
	}, nil
}

// SetRepoAutoMerge replaces the repository policy.
func (s *Store) SetRepoAutoMerge(ctx context.Context, c RepoAutoMerge) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO automerge_repo_config
		 (owner, name, enabled, auto_merge_clean, auto_resolve_conflicts, merge_method,
		  stale_after_ms, max_resolution_attempts, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (owner, name) DO UPDATE SET
		   enabled = excluded.enabled,
		   auto_merge_clean = excluded.auto_merge_clean,
		   auto_resolve_conflicts = excluded.auto_resolve_conflicts,
		   merge_method = excluded.merge_method,
		   stale_after_ms = excluded.stale_after_ms,
		   max_resolution_attempts = excluded.max_resolution_attempts,
		   updated_at = excluded.updated_at`,
		c.Owner, c.Name, c.Enabled, c.AutoMergeClean, c.AutoResolveConflicts, c.MergeMethod,
		c.StaleAfter.Milliseconds(), c.MaxResolutionAttempts, s.nowMillis())
	if err != nil {
		return fmt.Errorf("set automerge config for %s/%s: %w", c.Owner, c.Name, err)
	}
	return nil
}

// GetPRAutoMerge loads a merge-request override, or ErrNotFound.
func (s *Store) GetPRAutoMerge(ctx context.Context, owner, name string, number int) (*PRAutoMerge, error) {
	var row struct {
		Enabled     sql.NullBool   `db:"enabled"`
		MergeMethod sql.NullString `db:"merge_method"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT enabled, merge_method FROM automerge_pr_config
		 WHERE owner = ? AND name = ? AND mr_number = ?`, owner, name, number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get automerge override for %s/%s!%d: %w", owner, name, number, err)
	}

	o := &PRAutoMerge{Owner: owner, Name: name, Number: number}
	if row.Enabled.Valid {
		o.Enabled = Ptr(row.Enabled.Bool)
	}
	if row.MergeMethod.Valid {
		o.MergeMethod = Ptr(row.MergeMethod.String)
	}
	return o, nil
}

// SetPRAutoMerge stores a merge-request override. Nil fields fall back to the
// repository policy.
func (s *Store) SetPRAutoMerge(ctx context.Context, o PRAutoMerge) error {
	var enabled, method any
	if o.Enabled != nil {
		enabled = *o.Enabled
	}
	if o.MergeMethod != nil {
		method = *o.MergeMethod
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO automerge_pr_config (owner, name, mr_number, enabled, merge_method, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (owner, name, mr_number) DO UPDATE SET
		   enabled = excluded.enabled,
		   merge_method = excluded.merge_method,
		   updated_at = excluded.updated_at`,
		o.Owner, o.Name, o.Number, enabled, method, s.nowMillis())
	if err != nil {
		return fmt.Errorf("set automerge override for %s/%s!%d: %w", o.Owner, o.Name, o.Number, err)
	}
	return nil
}

// EffectiveAutoMerge returns the policy that applies to one merge request.
func (s *Store) EffectiveAutoMerge(ctx context.Context, owner, name string, number int) (RepoAutoMerge, error) {
	repo, err := s.GetRepoAutoMerge(ctx, owner, name)
	if err != nil {
		return RepoAutoMerge{}, err
	}
	override, err := s.GetPRAutoMerge(ctx, owner, name, number)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return RepoAutoMerge{}, err
	}
	return repo.Effective(override), nil
}
