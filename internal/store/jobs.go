package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Pr0fe5s0r/gitybara/internal/state"
)

// Key identifies an issue on a repository.
type Key struct {
	Owner  string `json:"owner"`
	Name   string `json:"name"`
	Number int    `json:"number"`
}

// Repo returns "owner/name".
func (k Key) Repo() string {
	return k.Owner + "/" + k.Name
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s#%d", k.Owner, k.Name, k.Number)
}

// SplitRepo splits "owner/name" into its parts.
func SplitRepo(full string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(full, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repository %q, expected owner/name", full)
	}
	return owner, name, nil
}

// Job is the durable record of automated work on one issue.
type Job struct {
	ID int64 `json:"id"`
	Key
	Title              string       `json:"title"`
	Status             state.Status `json:"status"`
	Branch             string       `json:"branch,omitempty"`
	MergeRequestURL    string       `json:"merge_request_url,omitempty"`
	MergeRequestNumber int          `json:"merge_request_number,omitempty"`
	Error              string       `json:"error,omitempty"`
	ForceNewBranch     bool         `json:"force_new_branch"`
	StaleCount         int          `json:"stale_count"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

type jobRow struct {
	ID                 int64          `db:"id"`
	Owner              string         `db:"owner"`
	Name               string         `db:"name"`
	IssueNumber        int            `db:"issue_number"`
	IssueTitle         string         `db:"issue_title"`
	Status             string         `db:"status"`
	Branch             sql.NullString `db:"branch"`
	MergeRequestURL    sql.NullString `db:"merge_request_url"`
	MergeRequestNumber int            `db:"merge_request_number"`
	Error              sql.NullString `db:"error"`
	ForceNewBranch     bool           `db:"force_new_branch"`
	StaleCount         int            `db:"stale_count"`
	CreatedAt          int64          `db:"created_at"`
	UpdatedAt          int64          `db:"updated_at"`
}

const jobColumns = `id, owner, name, issue_number, issue_title, status, branch, merge_request_url,
	merge_request_number, error, force_new_branch, stale_count, created_at, updated_at`

func (r jobRow) toJob() (*Job, error) {
	st, err := state.ParseStatus(r.Status)
	if err != nil {
		return nil, fmt.Errorf("job %d: %w", r.ID, err)
	}
	return &Job{
		ID:                 r.ID,
		Key:                Key{Owner: r.Owner, Name: r.Name, Number: r.IssueNumber},
		Title:              r.IssueTitle,
		Status:             st,
		Branch:             r.Branch.String,
		MergeRequestURL:    r.MergeRequestURL.String,
		MergeRequestNumber: r.MergeRequestNumber,
		Error:              r.Error.String,
		ForceNewBranch:     r.ForceNewBranch,
		StaleCount:         r.StaleCount,
		CreatedAt:          fromMillis(r.CreatedAt),
		UpdatedAt:          fromMillis(r.UpdatedAt),
	}, nil
}

// UpsertJob returns the open job for key, creating a pending one if the issue
// has none. created reports whether a new row was inserted.
func (s *Store) UpsertJob(ctx context.Context, key Key, title string, forceNewBranch bool) (job *Job, created bool, err error) {
	now := s.nowMillis()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO jobs (owner, name, issue_number, issue_title, status, force_new_branch, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.Owner, key.Name, key.Number, title, string(state.StatusPending), forceNewBranch, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("upsert job %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("upsert job %s: %w", key, err)
	}

	job, err = s.GetActiveJob(ctx, key)
	if err != nil {
		return nil, false, err
	}

	if n == 0 && title != "" && job.Title != title {
		if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET issue_title = ? WHERE id = ?`, title, job.ID); err != nil {
			return nil, false, fmt.Errorf("update title of job %d: %w", job.ID, err)
		}
		job.Title = title
	}
	return job, n == 1, nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return row.toJob()
}

// GetActiveJob loads the job currently occupying an issue, i.e. any job that
// is not cancelled.
func (s *Store) GetActiveJob(ctx context.Context, key Key) (*Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE owner = ? AND name = ? AND issue_number = ? AND status != ?`,
		key.Owner, key.Name, key.Number, string(state.StatusCancelled))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", key, err)
	}
	return row.toJob()
}

// LatestJob returns the most recently created job for an issue, cancelled or not.
func (s *Store) LatestJob(ctx context.Context, key Key) (*Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE owner = ? AND name = ? AND issue_number = ?
		 ORDER BY id DESC LIMIT 1`,
		key.Owner, key.Name, key.Number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get latest job %s: %w", key, err)
	}
	return row.toJob()
}

// FindJobByMergeRequest returns the open job that produced the given merge request.
func (s *Store) FindJobByMergeRequest(ctx context.Context, owner, name string, number int) (*Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE owner = ? AND name = ? AND merge_request_number = ? AND status != ?
		 ORDER BY id DESC LIMIT 1`,
		owner, name, number, string(state.StatusCancelled))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find job for %s/%s!%d: %w", owner, name, number, err)
	}
	return row.toJob()
}

// Filter narrows ListJobs. Zero values match everything.
type Filter struct {
	Owner    string
	Name     string
	Statuses []state.Status
	Limit    int
}

// ListJobs returns jobs matching f, most recently updated first.
func (s *Store) ListJobs(ctx context.Context, f Filter) ([]*Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if f.Owner != "" {
		q += ` AND owner = ?`
		args = append(args, f.Owner)
	}
	if f.Name != "" {
		q += ` AND name = ?`
		args = append(args, f.Name)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		q += ` AND status IN (?)`
		args = append(args, statuses)
	}
	q += ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, fmt.Errorf("build job query: %w", err)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Update carries optional column changes applied together with a transition.
// Nil fields are left untouched; a pointer to "" clears a nullable column.
type Update struct {
	Branch             *string
	MergeRequestURL    *string
	MergeRequestNumber *int
	Error              *string
	ForceNewBranch     *bool

	ResetStaleCount     bool
	IncrementStaleCount bool
}

// Ptr returns a pointer to v, for filling Update.
func Ptr[T any](v T) *T {
	return &v
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (u Update) apply(sets []string, args []any) ([]string, []any) {
	if u.Branch != nil {
		sets = append(sets, "branch = ?")
		args = append(args, nullable(*u.Branch))
	}
	if u.MergeRequestURL != nil {
		sets = append(sets, "merge_request_url = ?")
		args = append(args, nullable(*u.MergeRequestURL))
	}
	if u.MergeRequestNumber != nil {
		sets = append(sets, "merge_request_number = ?")
		args = append(args, *u.MergeRequestNumber)
	}
	if u.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullable(*u.Error))
	}
	if u.ForceNewBranch != nil {
		sets = append(sets, "force_new_branch = ?")
		args = append(args, *u.ForceNewBranch)
	}
	switch {
	case u.ResetStaleCount:
		sets = append(sets, "stale_count = 0")
	case u.IncrementStaleCount:
		sets = append(sets, "stale_count = stale_count + 1")
	}
	return sets, args
}

// Transition moves job id from one status to another with a compare-and-set
// on the current status. Exactly one of several concurrent callers with the
// same from status succeeds; the rest get ErrTransitionConflict.
func (s *Store) Transition(ctx context.Context, id int64, from, to state.Status, upd Update) (*Job, error) {
	if !state.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	sets, args := upd.apply([]string{"status = ?", "updated_at = ?"}, []any{string(to), s.nowMillis()})
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("transition job %d %s -> %s: %w", id, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("transition job %d: %w", id, err)
	}
	if n == 0 {
		current, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: job %d is %s, expected %s", ErrTransitionConflict, id, current.Status, from)
	}
	return s.GetJob(ctx, id)
}

// Claim atomically moves a job from the given status to in-progress.
func (s *Store) Claim(ctx context.Context, id int64, from state.Status) (*Job, error) {
	return s.Transition(ctx, id, from, state.StatusInProgress, Update{})
}

// UpdateFields changes columns without a status change, guarded by the expected status.
func (s *Store) UpdateFields(ctx context.Context, id int64, status state.Status, upd Update) error {
	sets, args := upd.apply([]string{"updated_at = ?"}, []any{s.nowMillis()})
	args = append(args, id, string(status))
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("update job %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: job %d is no longer %s", ErrTransitionConflict, id, status)
	}
	return nil
}

// Touch refreshes updated_at of a running job so it is not mistaken for stale.
func (s *Store) Touch(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET updated_at = ? WHERE id = ? AND status = ?`,
		s.nowMillis(), id, string(state.StatusInProgress))
	if err != nil {
		return fmt.Errorf("touch job %d: %w", id, err)
	}
	return nil
}

// Recovery describes one stale job demoted by RecoverStale.
type Recovery struct {
	Job *Job
	To  state.Status
}

// RecoverStale demotes in-progress jobs whose last update is older than window.
// A job found stale maxStale times or more goes to failed instead of pending.
func (s *Store) RecoverStale(ctx context.Context, window time.Duration, maxStale int) ([]Recovery, error) {
	cutoff := s.now().Add(-window).UnixMilli()

	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND updated_at < ? ORDER BY id`,
		string(state.StatusInProgress), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}

	var recovered []Recovery
	for _, r := range rows {
		to := state.StatusPending
		upd := Update{IncrementStaleCount: true}
		if r.StaleCount+1 >= maxStale {
			to = state.StatusFailed
			upd.Error = Ptr(fmt.Sprintf("abandoned while in progress %d times", r.StaleCount+1))
		}

		job, err := s.Transition(ctx, r.ID, state.StatusInProgress, to, upd)
		if err != nil {
			if errors.Is(err, ErrTransitionConflict) {
				continue
			}
			return recovered, err
		}
		recovered = append(recovered, Recovery{Job: job, To: to})
	}
	return recovered, nil
}

// CountByStatus returns the number of jobs in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[state.Status]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM jobs GROUP BY status`); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	counts := make(map[state.Status]int, len(rows))
	for _, r := range rows {
		counts[state.Status(r.Status)] = r.Count
	}
	return counts, nil
}
