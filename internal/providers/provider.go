// Package providers talks to the hosting platform: issues, comments, labels
// and merge requests.
package providers

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	// ErrNotFound is matched by errors for issues or merge requests that do not exist.
	ErrNotFound = errors.New("not found")
	// ErrAutoMergeUnsupported is returned by EnableAutoMerge when the platform
	// has no native auto-merge.
	ErrAutoMergeUnsupported = errors.New("auto-merge not supported")
)

// Issue represents an issue from any provider
type Issue struct {
	Number    int
	Title     string
	Body      string
	Labels    []string
	State     string
	Author    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasLabel reports whether the issue carries label.
func (i *Issue) HasLabel(label string) bool {
	return slices.Contains(i.Labels, label)
}

// Comment represents a comment on an issue or PR
type Comment struct {
	ID        int64
	Body      string
	Author    string
	CreatedAt time.Time
	ReplyToID int64 // id of the comment this one answers, 0 when unknown
}

// MergeState is the platform's view of whether a merge request can merge.
type MergeState string

const (
	MergeClean   MergeState = "clean"
	MergeDirty   MergeState = "dirty"
	MergeUnknown MergeState = "unknown"
)

// PR represents a pull request
type PR struct {
	Number     int
	Title      string
	Body       string
	State      string
	MergeState MergeState
	HTMLURL    string
	HeadRef    string
	BaseRef    string
	Labels     []string
	UpdatedAt  time.Time
}

// Open reports whether the PR can still be merged.
func (p *PR) Open() bool {
	return strings.EqualFold(p.State, "open")
}

// PRCreate contains fields for creating a PR
type PRCreate struct {
	Title  string
	Body   string
	Head   string
	Base   string
	Labels []string
}

// Provider defines the interface for git providers
type Provider interface {
	// Issue operations
	GetIssue(ctx context.Context, repo string, number int) (*Issue, error)
	ListIssuesWithLabel(ctx context.Context, repo string, label string) ([]*Issue, error)
	GetComments(ctx context.Context, repo string, number int) ([]*Comment, error)
	CreateComment(ctx context.Context, repo string, number int, body string) (int64, error)
	UpdateComment(ctx context.Context, repo string, commentID int64, body string) error
	ReactToComment(ctx context.Context, repo string, commentID int64, reaction string) error

	// Label operations
	EnsureLabel(ctx context.Context, repo, label, color string) error
	AddLabel(ctx context.Context, repo string, number int, label string) error
	RemoveLabel(ctx context.Context, repo string, number int, label string) error

	// PR operations
	CreatePR(ctx context.Context, repo string, pr PRCreate) (*PR, error)
	GetPR(ctx context.Context, repo string, number int) (*PR, error)
	ListPRsWithLabel(ctx context.Context, repo string, label string) ([]*PR, error)
	GetPRComments(ctx context.Context, repo string, number int) ([]*Comment, error)
	EnableAutoMerge(ctx context.Context, repo string, number int, method string) error
	MergePR(ctx context.Context, repo string, number int, method string) error

	// Repository operations
	GetDefaultBranch(ctx context.Context, repo string) (string, error)

	// Provider info
	Name() string
}

// CommandError is a failed host CLI invocation.
type CommandError struct {
	Tool   string
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s failed: %v: %s", e.Tool, strings.Join(head(e.Args, 3), " "), e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrNotFound) match missing-resource failures.
func (e *CommandError) Is(target error) bool {
	if target != ErrNotFound {
		return false
	}
	s := strings.ToLower(e.Stderr)
	return strings.Contains(s, "not found") ||
		strings.Contains(s, "http 404") ||
		strings.Contains(s, "could not resolve to")
}

func head(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
