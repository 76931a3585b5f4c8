package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AttemptOutcome is the result of one conflict-resolution attempt.
type AttemptOutcome string

const (
	AttemptSuccess   AttemptOutcome = "success"
	AttemptFailed    AttemptOutcome = "failed"
	AttemptEscalated AttemptOutcome = "escalated"
)

// ConflictAttempt records one attempt to resolve conflicts on a merge request.
type ConflictAttempt struct {
	ID             int64          `json:"id"`
	Owner          string         `json:"owner"`
	Name           string         `json:"name"`
	MRNumber       int            `json:"mr_number"`
	Outcome        AttemptOutcome `json:"outcome"`
	ResolvedFiles  []string       `json:"resolved_files"`
	EscalatedFiles []string       `json:"escalated_files"`
	Reason         string         `json:"reason"`
	Duration       time.Duration  `json:"duration"`
	CreatedAt      time.Time      `json:"created_at"`
}

type conflictAttemptRow struct {
	ID             int64  `db:"id"`
	Owner          string `db:"owner"`
	Name           string `db:"name"`
	MRNumber       int    `db:"mr_number"`
	Outcome        string `db:"outcome"`
	ResolvedFiles  string `db:"resolved_files"`
	EscalatedFiles string `db:"escalated_files"`
	Reason         string `db:"reason"`
	DurationMs     int64  `db:"duration_ms"`
	CreatedAt      int64  `db:"created_at"`
}

func encodeFiles(files []string) (string, error) {
	if files == nil {
		files = []string{}
	}
	b, err := json.Marshal(files)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RecordAttempt appends an attempt to the history and returns its id.
func (s *Store) RecordAttempt(ctx context.Context, a ConflictAttempt) (int64, error) {
	resolved, err := encodeFiles(a.ResolvedFiles)
	if err != nil {
		return 0, fmt.Errorf("encode resolved files: %w", err)
	}
	escalated, err := encodeFiles(a.EscalatedFiles)
	if err != nil {
		return 0, fmt.Errorf("encode escalated files: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conflict_attempts
		 (owner, name, mr_number, outcome, resolved_files, escalated_files, reason, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Owner, a.Name, a.MRNumber, string(a.Outcome), resolved, escalated, a.Reason,
		a.Duration.Milliseconds(), s.nowMillis())
	if err != nil {
		return 0, fmt.Errorf("record conflict attempt for %s/%s!%d: %w", a.Owner, a.Name, a.MRNumber, err)
	}
	return res.LastInsertId()
}

// CountAttempts counts attempts on a merge request with the given outcome.
func (s *Store) CountAttempts(ctx context.Context, owner, name string, mr int, outcome AttemptOutcome) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM conflict_attempts WHERE owner = ? AND name = ? AND mr_number = ? AND outcome = ?`,
		owner, name, mr, string(outcome))
	if err != nil {
		return 0, fmt.Errorf("count conflict attempts for %s/%s!%d: %w", owner, name, mr, err)
	}
	return n, nil
}

// ListAttempts returns the attempt history of a merge request, oldest first.
func (s *Store) ListAttempts(ctx context.Context, owner, name string, mr int) ([]ConflictAttempt, error) {
	var rows []conflictAttemptRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, owner, name, mr_number, outcome, resolved_files, escalated_files, reason, duration_ms, created_at
		 FROM conflict_attempts WHERE owner = ? AND name = ? AND mr_number = ? ORDER BY id`,
		owner, name, mr)
	if err != nil {
		return nil, fmt.Errorf("list conflict attempts for %s/%s!%d: %w", owner, name, mr, err)
	}

	out := make([]ConflictAttempt, 0, len(rows))
	for _, r := range rows {
		a := ConflictAttempt{
			ID:        r.ID,
			Owner:     r.Owner,
			Name:      r.Name,
			MRNumber:  r.MRNumber,
			Outcome:   AttemptOutcome(r.Outcome),
			Reason:    r.Reason,
			Duration:  time.Duration(r.DurationMs) * time.Millisecond,
			CreatedAt: fromMillis(r.CreatedAt),
		}
		if err := json.Unmarshal([]byte(r.ResolvedFiles), &a.ResolvedFiles); err != nil {
			return nil, fmt.Errorf("decode resolved files of attempt %d: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(r.EscalatedFiles), &a.EscalatedFiles); err != nil {
			return nil, fmt.Errorf("decode escalated files of attempt %d: %w", r.ID, err)
		}
		out = append(out, a)
	}
	return out, nil
}
