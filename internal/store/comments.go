package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// OutcomeDuplicate marks a comment collapsed into an earlier near-identical one.
const OutcomeDuplicate = "duplicate"

// ProcessedComment is one entry of the processed-comment ledger. Entries
// with a Request are work a run of the issue's job still has to address
// until they are consumed.
type ProcessedComment struct {
	Owner       string    `db:"owner"`
	Name        string    `db:"name"`
	CommentID   int64     `db:"comment_id"`
	IssueNumber int       `db:"issue_number"`
	ContentHash string    `db:"content_hash"`
	Outcome     string    `db:"outcome"`
	Confidence  float64   `db:"confidence"`
	Body        string    `db:"body"`
	Request     string    `db:"request"`
	ProcessedAt time.Time `db:"-"`
	ConsumedAt  time.Time `db:"-"`
}

type processedCommentRow struct {
	ProcessedComment
	ProcessedAtMs int64 `db:"processed_at"`
	ConsumedAtMs  int64 `db:"consumed_at"`
}

const commentColumns = `owner, name, comment_id, issue_number, content_hash, outcome, confidence, body, request, processed_at, consumed_at`

func (r processedCommentRow) toComment() ProcessedComment {
	c := r.ProcessedComment
	c.ProcessedAt = fromMillis(r.ProcessedAtMs)
	c.ConsumedAt = fromMillis(r.ConsumedAtMs)
	return c
}

// IsCommentProcessed reports whether the comment id is already in the ledger.
func (s *Store) IsCommentProcessed(ctx context.Context, owner, name string, commentID int64) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM processed_comments WHERE owner = ? AND name = ? AND comment_id = ?`,
		owner, name, commentID)
	if err != nil {
		return false, fmt.Errorf("check comment %d: %w", commentID, err)
	}
	return n > 0, nil
}

// RecordComment adds a ledger entry. It returns false without error when the
// comment id was already recorded; the first record always wins.
func (s *Store) RecordComment(ctx context.Context, c ProcessedComment) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_comments
		 (owner, name, comment_id, issue_number, content_hash, outcome, confidence, body, request, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Owner, c.Name, c.CommentID, c.IssueNumber, c.ContentHash, c.Outcome, c.Confidence, c.Body, c.Request, s.nowMillis())
	if err != nil {
		return false, fmt.Errorf("record comment %d: %w", c.CommentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record comment %d: %w", c.CommentID, err)
	}
	return n == 1, nil
}

// ListProcessedComments returns ledger entries for one issue in processing
// order, optionally restricted to the given outcomes.
func (s *Store) ListProcessedComments(ctx context.Context, owner, name string, issue int, outcomes ...string) ([]ProcessedComment, error) {
	q := `SELECT ` + commentColumns + `
	      FROM processed_comments WHERE owner = ? AND name = ? AND issue_number = ?`
	args := []any{owner, name, issue}
	if len(outcomes) > 0 {
		q += ` AND outcome IN (?)`
		args = append(args, outcomes)
	}
	q += ` ORDER BY rowid`

	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, fmt.Errorf("build comment query: %w", err)
	}

	var rows []processedCommentRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list processed comments for %s/%s#%d: %w", owner, name, issue, err)
	}

	out := make([]ProcessedComment, len(rows))
	for i, r := range rows {
		out[i] = r.toComment()
	}
	return out, nil
}

// PendingRequests returns the requests of an issue that no run has
// consumed yet, oldest first.
func (s *Store) PendingRequests(ctx context.Context, owner, name string, issue int) ([]ProcessedComment, error) {
	var rows []processedCommentRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+commentColumns+` FROM processed_comments
		 WHERE owner = ? AND name = ? AND issue_number = ? AND request != '' AND consumed_at = 0
		 ORDER BY rowid`,
		owner, name, issue)
	if err != nil {
		return nil, fmt.Errorf("pending requests for %s/%s#%d: %w", owner, name, issue, err)
	}
	out := make([]ProcessedComment, len(rows))
	for i, r := range rows {
		out[i] = r.toComment()
	}
	return out, nil
}

// ConsumeRequests marks the requests of the given comments as handled by a
// run. Already consumed entries keep their first timestamp.
func (s *Store) ConsumeRequests(ctx context.Context, owner, name string, commentIDs []int64) error {
	if len(commentIDs) == 0 {
		return nil
	}
	q, args, err := sqlx.In(
		`UPDATE processed_comments SET consumed_at = ?
		 WHERE owner = ? AND name = ? AND consumed_at = 0 AND comment_id IN (?)`,
		s.nowMillis(), owner, name, commentIDs)
	if err != nil {
		return fmt.Errorf("build consume query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...); err != nil {
		return fmt.Errorf("consume requests of %s/%s: %w", owner, name, err)
	}
	return nil
}
