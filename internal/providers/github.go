package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// GitHubProvider implements Provider using the gh CLI
// Note: Authentication is handled by the gh CLI (via GH_TOKEN env var or gh auth login)
type GitHubProvider struct {
	token string
}

// NewGitHubProvider creates a new GitHub provider. A non-empty token is
// passed to every gh invocation as GH_TOKEN.
func NewGitHubProvider(token string) *GitHubProvider {
	return &GitHubProvider{token: token}
}

func (g *GitHubProvider) Name() string {
	return "github"
}

// runGH executes a gh command and returns stdout
func (g *GitHubProvider) runGH(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	if g.token != "" {
		cmd.Env = append(os.Environ(), "GH_TOKEN="+g.token)
	}
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &CommandError{Tool: "gh", Args: args, Stderr: strings.TrimSpace(string(exitErr.Stderr)), Err: err}
		}
		return nil, err
	}
	return out, nil
}

// ghIssue represents gh's JSON output for issues
type ghIssue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	Author    ghUser    `json:"author"`
	Labels    []ghLabel `json:"labels"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ghUser struct {
	Login string `json:"login"`
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghComment struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	Author    ghUser    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type ghPR struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	State       string    `json:"state"`
	Mergeable   string    `json:"mergeable"`
	URL         string    `json:"url"`
	HeadRefName string    `json:"headRefName"`
	BaseRefName string    `json:"baseRefName"`
	Labels      []ghLabel `json:"labels"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

const (
	ghIssueFields = "number,title,body,state,author,labels,createdAt,updatedAt"
	ghPRFields    = "number,title,body,state,mergeable,url,headRefName,baseRefName,labels,updatedAt"
)

func (gi ghIssue) toIssue() *Issue {
	return &Issue{
		Number:    gi.Number,
		Title:     gi.Title,
		Body:      gi.Body,
		Labels:    labelNames(gi.Labels),
		State:     strings.ToLower(gi.State),
		Author:    gi.Author.Login,
		CreatedAt: gi.CreatedAt,
		UpdatedAt: gi.UpdatedAt,
	}
}

func (gp ghPR) toPR() *PR {
	return &PR{
		Number:     gp.Number,
		Title:      gp.Title,
		Body:       gp.Body,
		State:      strings.ToLower(gp.State),
		MergeState: ghMergeState(gp.Mergeable),
		HTMLURL:    gp.URL,
		HeadRef:    gp.HeadRefName,
		BaseRef:    gp.BaseRefName,
		Labels:     labelNames(gp.Labels),
		UpdatedAt:  gp.UpdatedAt,
	}
}

func labelNames(labels []ghLabel) []string {
	names := make([]string, len(labels))
	for i, l := range labels {
		names[i] = l.Name
	}
	return names
}

// ghMergeState maps GitHub's mergeable field. GitHub computes it lazily, so
// UNKNOWN is common right after a push.
func ghMergeState(mergeable string) MergeState {
	switch mergeable {
	case "MERGEABLE":
		return MergeClean
	case "CONFLICTING":
		return MergeDirty
	default:
		return MergeUnknown
	}
}

func (g *GitHubProvider) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	out, err := g.runGH(ctx, "issue", "view", strconv.Itoa(number), "--repo", repo, "--json", ghIssueFields)
	if err != nil {
		return nil, err
	}

	var gi ghIssue
	if err := json.Unmarshal(out, &gi); err != nil {
		return nil, fmt.Errorf("failed to parse issue: %w", err)
	}
	return gi.toIssue(), nil
}

func (g *GitHubProvider) ListIssuesWithLabel(ctx context.Context, repo string, label string) ([]*Issue, error) {
	out, err := g.runGH(ctx, "issue", "list", "--repo", repo, "--label", label, "--state", "open", "--json", ghIssueFields)
	if err != nil {
		return nil, err
	}

	var issues []ghIssue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, fmt.Errorf("failed to parse issues: %w", err)
	}

	result := make([]*Issue, len(issues))
	for i, gi := range issues {
		result[i] = gi.toIssue()
	}
	return result, nil
}

func (g *GitHubProvider) GetComments(ctx context.Context, repo string, number int) ([]*Comment, error) {
	out, err := g.runGH(ctx, "issue", "view", strconv.Itoa(number), "--repo", repo, "--json", "comments", "--jq", ".comments")
	if err != nil {
		return nil, err
	}
	return parseGHComments(out)
}

func parseGHComments(out []byte) ([]*Comment, error) {
	var comments []ghComment
	if err := json.Unmarshal(out, &comments); err != nil {
		return nil, fmt.Errorf("failed to parse comments: %w", err)
	}

	result := make([]*Comment, len(comments))
	for i, c := range comments {
		// gh returns GraphQL node IDs; hash them to a stable numeric ID.
		var id int64
		if _, err := fmt.Sscanf(c.ID, "%d", &id); err != nil || id == 0 {
			id = hashNodeID(c.ID)
		}
		result[i] = &Comment{
			ID:        id,
			Body:      c.Body,
			Author:    c.Author.Login,
			CreatedAt: c.CreatedAt,
		}
	}
	return result, nil
}

func (g *GitHubProvider) CreateComment(ctx context.Context, repo string, number int, body string) (int64, error) {
	endpoint := fmt.Sprintf("repos/%s/issues/%d/comments", repo, number)
	out, err := g.runGH(ctx, "api", endpoint, "-X", "POST", "-f", "body="+body, "--jq", ".id")
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse comment id: %w", err)
	}
	return id, nil
}

func (g *GitHubProvider) UpdateComment(ctx context.Context, repo string, commentID int64, body string) error {
	endpoint := fmt.Sprintf("repos/%s/issues/comments/%d", repo, commentID)
	_, err := g.runGH(ctx, "api", endpoint, "-X", "PATCH", "-f", "body="+body)
	return err
}

func (g *GitHubProvider) ReactToComment(ctx context.Context, repo string, commentID int64, reaction string) error {
	endpoint := fmt.Sprintf("repos/%s/issues/comments/%d/reactions", repo, commentID)
	_, err := g.runGH(ctx, "api", endpoint, "-X", "POST", "-f", "content="+reaction)
	return err
}

func (g *GitHubProvider) EnsureLabel(ctx context.Context, repo, label, color string) error {
	_, err := g.runGH(ctx, "label", "create", label, "--repo", repo, "--color", color, "--force")
	return err
}

func (g *GitHubProvider) AddLabel(ctx context.Context, repo string, number int, label string) error {
	_, err := g.runGH(ctx, "issue", "edit", strconv.Itoa(number), "--repo", repo, "--add-label", label)
	return err
}

func (g *GitHubProvider) RemoveLabel(ctx context.Context, repo string, number int, label string) error {
	_, err := g.runGH(ctx, "issue", "edit", strconv.Itoa(number), "--repo", repo, "--remove-label", label)
	return err
}

func (g *GitHubProvider) CreatePR(ctx context.Context, repo string, pr PRCreate) (*PR, error) {
	args := []string{"pr", "create", "--repo", repo, "--title", pr.Title, "--body", pr.Body, "--head", pr.Head, "--base", pr.Base}
	for _, l := range pr.Labels {
		args = append(args, "--label", l)
	}
	if _, err := g.runGH(ctx, args...); err != nil {
		return nil, err
	}

	out, err := g.runGH(ctx, "pr", "view", pr.Head, "--repo", repo, "--json", ghPRFields)
	if err != nil {
		return nil, err
	}

	var gp ghPR
	if err := json.Unmarshal(out, &gp); err != nil {
		return nil, fmt.Errorf("failed to parse PR: %w", err)
	}
	return gp.toPR(), nil
}

func (g *GitHubProvider) GetPR(ctx context.Context, repo string, number int) (*PR, error) {
	out, err := g.runGH(ctx, "pr", "view", strconv.Itoa(number), "--repo", repo, "--json", ghPRFields)
	if err != nil {
		return nil, err
	}

	var gp ghPR
	if err := json.Unmarshal(out, &gp); err != nil {
		return nil, fmt.Errorf("failed to parse PR: %w", err)
	}
	return gp.toPR(), nil
}

func (g *GitHubProvider) ListPRsWithLabel(ctx context.Context, repo string, label string) ([]*PR, error) {
	out, err := g.runGH(ctx, "pr", "list", "--repo", repo, "--label", label, "--state", "open", "--json", ghPRFields)
	if err != nil {
		return nil, err
	}

	var prs []ghPR
	if err := json.Unmarshal(out, &prs); err != nil {
		return nil, fmt.Errorf("failed to parse PRs: %w", err)
	}
	result := make([]*PR, len(prs))
	for i, gp := range prs {
		result[i] = gp.toPR()
	}
	return result, nil
}

func (g *GitHubProvider) GetPRComments(ctx context.Context, repo string, number int) ([]*Comment, error) {
	out, err := g.runGH(ctx, "pr", "view", strconv.Itoa(number), "--repo", repo, "--json", "comments", "--jq", ".comments")
	if err != nil {
		return nil, err
	}
	return parseGHComments(out)
}

func mergeFlag(method string) string {
	switch method {
	case "squash":
		return "--squash"
	case "rebase":
		return "--rebase"
	default:
		return "--merge"
	}
}

func (g *GitHubProvider) EnableAutoMerge(ctx context.Context, repo string, number int, method string) error {
	_, err := g.runGH(ctx, "pr", "merge", strconv.Itoa(number), "--repo", repo, "--auto", mergeFlag(method))
	return err
}

func (g *GitHubProvider) MergePR(ctx context.Context, repo string, number int, method string) error {
	_, err := g.runGH(ctx, "pr", "merge", strconv.Itoa(number), "--repo", repo, mergeFlag(method), "--delete-branch")
	return err
}

func (g *GitHubProvider) GetDefaultBranch(ctx context.Context, repo string) (string, error) {
	out, err := g.runGH(ctx, "repo", "view", repo, "--json", "defaultBranchRef", "--jq", ".defaultBranchRef.name")
	if err != nil {
		return "", err
	}

	branch := strings.TrimSpace(string(out))
	if branch == "" {
		return "main", nil
	}
	return branch, nil
}

// hashNodeID generates a stable int64 hash from a GitHub node ID string
func hashNodeID(nodeID string) int64 {
	// FNV-1a
	var hash uint64 = 14695981039346656037
	for i := 0; i < len(nodeID); i++ {
		hash ^= uint64(nodeID[i])
		hash *= 1099511628211
	}
	return int64(hash & 0x7FFFFFFFFFFFFFFF)
}
