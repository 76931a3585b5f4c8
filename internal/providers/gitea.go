package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"
)

// GiteaProvider implements Provider using the tea CLI
type GiteaProvider struct {
	url   string
	token string
}

// NewGiteaProvider creates a new Gitea provider
func NewGiteaProvider(url, token string) *GiteaProvider {
	return &GiteaProvider{url: strings.TrimSuffix(url, "/"), token: token}
}

func (g *GiteaProvider) Name() string {
	return "gitea"
}

// runTea executes a tea command and returns stdout
func (g *GiteaProvider) runTea(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "tea", args...)
	if g.token != "" {
		cmd.Env = append(os.Environ(), "GITEA_SERVER_URL="+g.url, "GITEA_SERVER_TOKEN="+g.token)
	}
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &CommandError{Tool: "tea", Args: args, Stderr: strings.TrimSpace(string(exitErr.Stderr)), Err: err}
		}
		return nil, err
	}
	return out, nil
}

// teaIssue represents tea's JSON output for issues
type teaIssue struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	State     string     `json:"state"`
	Author    teaUser    `json:"user"`
	Labels    []teaLabel `json:"labels"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type teaUser struct {
	Login string `json:"login"`
}

type teaLabel struct {
	Name string `json:"name"`
}

type teaComment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	User      teaUser   `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

type teaPR struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	State     string     `json:"state"`
	Mergeable *bool      `json:"mergeable"`
	Merged    bool       `json:"merged"`
	HTMLURL   string     `json:"html_url"`
	Labels    []teaLabel `json:"labels"`
	UpdatedAt time.Time  `json:"updated_at"`
	Head      struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

func teaLabelNames(labels []teaLabel) []string {
	names := make([]string, len(labels))
	for i, l := range labels {
		names[i] = l.Name
	}
	return names
}

func (ti teaIssue) toIssue() *Issue {
	return &Issue{
		Number:    ti.Number,
		Title:     ti.Title,
		Body:      ti.Body,
		Labels:    teaLabelNames(ti.Labels),
		State:     ti.State,
		Author:    ti.Author.Login,
		CreatedAt: ti.CreatedAt,
		UpdatedAt: ti.UpdatedAt,
	}
}

func (tp teaPR) toPR() *PR {
	state := MergeUnknown
	if tp.Mergeable != nil {
		if *tp.Mergeable {
			state = MergeClean
		} else {
			state = MergeDirty
		}
	}
	prState := tp.State
	if tp.Merged {
		prState = "merged"
	}
	return &PR{
		Number:     tp.Number,
		Title:      tp.Title,
		Body:       tp.Body,
		State:      prState,
		MergeState: state,
		HTMLURL:    tp.HTMLURL,
		HeadRef:    tp.Head.Ref,
		BaseRef:    tp.Base.Ref,
		Labels:     teaLabelNames(tp.Labels),
		UpdatedAt:  tp.UpdatedAt,
	}
}

func (g *GiteaProvider) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	out, err := g.runTea(ctx, "issues", "view", strconv.Itoa(number), "--repo", repo, "--output", "json")
	if err != nil {
		return nil, err
	}

	var ti teaIssue
	if err := json.Unmarshal(out, &ti); err != nil {
		return nil, fmt.Errorf("failed to parse issue: %w", err)
	}
	return ti.toIssue(), nil
}

func (g *GiteaProvider) ListIssuesWithLabel(ctx context.Context, repo string, label string) ([]*Issue, error) {
	out, err := g.runTea(ctx, "issues", "list", "--repo", repo, "--labels", label, "--state", "open", "--output", "json")
	if err != nil {
		return nil, err
	}

	var issues []teaIssue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, fmt.Errorf("failed to parse issues: %w", err)
	}

	result := make([]*Issue, len(issues))
	for i, ti := range issues {
		result[i] = ti.toIssue()
	}
	return result, nil
}

func parseTeaComments(out []byte) ([]*Comment, error) {
	var comments []teaComment
	if err := json.Unmarshal(out, &comments); err != nil {
		return nil, fmt.Errorf("failed to parse comments: %w", err)
	}

	result := make([]*Comment, len(comments))
	for i, c := range comments {
		result[i] = &Comment{
			ID:        c.ID,
			Body:      c.Body,
			Author:    c.User.Login,
			CreatedAt: c.CreatedAt,
		}
	}
	return result, nil
}

func (g *GiteaProvider) GetComments(ctx context.Context, repo string, number int) ([]*Comment, error) {
	out, err := g.runTea(ctx, "issues", "comments", strconv.Itoa(number), "--repo", repo, "--output", "json")
	if err != nil {
		return nil, err
	}
	return parseTeaComments(out)
}

func (g *GiteaProvider) CreateComment(ctx context.Context, repo string, number int, body string) (int64, error) {
	endpoint := fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number)
	out, err := g.runTea(ctx, "api", "-X", "POST", endpoint, "-f", "body="+body)
	if err != nil {
		return 0, err
	}
	var created struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(out, &created); err != nil {
		return 0, fmt.Errorf("failed to parse comment: %w", err)
	}
	return created.ID, nil
}

func (g *GiteaProvider) UpdateComment(ctx context.Context, repo string, commentID int64, body string) error {
	endpoint := fmt.Sprintf("/repos/%s/issues/comments/%d", repo, commentID)
	_, err := g.runTea(ctx, "api", "-X", "PATCH", endpoint, "-f", "body="+body)
	return err
}

func (g *GiteaProvider) ReactToComment(ctx context.Context, repo string, commentID int64, reaction string) error {
	endpoint := fmt.Sprintf("/repos/%s/issues/comments/%d/reactions", repo, commentID)
	_, err := g.runTea(ctx, "api", "-X", "POST", endpoint, "-f", "content="+reaction)
	return err
}

func (g *GiteaProvider) EnsureLabel(ctx context.Context, repo, label, color string) error {
	out, err := g.runTea(ctx, "labels", "list", "--repo", repo, "--output", "json")
	if err != nil {
		return err
	}
	var existing []teaLabel
	if err := json.Unmarshal(out, &existing); err != nil {
		return fmt.Errorf("failed to parse labels: %w", err)
	}
	if slices.Contains(teaLabelNames(existing), label) {
		return nil
	}
	_, err = g.runTea(ctx, "labels", "create", "--repo", repo, "--name", label, "--color", "#"+color)
	return err
}

func (g *GiteaProvider) AddLabel(ctx context.Context, repo string, number int, label string) error {
	_, err := g.runTea(ctx, "issues", "edit", strconv.Itoa(number), "--repo", repo, "--add-labels", label)
	return err
}

func (g *GiteaProvider) RemoveLabel(ctx context.Context, repo string, number int, label string) error {
	_, err := g.runTea(ctx, "issues", "edit", strconv.Itoa(number), "--repo", repo, "--remove-labels", label)
	return err
}

func (g *GiteaProvider) CreatePR(ctx context.Context, repo string, pr PRCreate) (*PR, error) {
	args := []string{"pulls", "create", "--repo", repo, "--title", pr.Title, "--description", pr.Body, "--head", pr.Head, "--base", pr.Base, "--output", "json"}
	if len(pr.Labels) > 0 {
		args = append(args, "--labels", strings.Join(pr.Labels, ","))
	}
	out, err := g.runTea(ctx, args...)
	if err != nil {
		return nil, err
	}

	var tp teaPR
	if err := json.Unmarshal(out, &tp); err != nil {
		return nil, fmt.Errorf("failed to parse PR: %w", err)
	}
	return tp.toPR(), nil
}

func (g *GiteaProvider) GetPR(ctx context.Context, repo string, number int) (*PR, error) {
	out, err := g.runTea(ctx, "pulls", "view", strconv.Itoa(number), "--repo", repo, "--output", "json")
	if err != nil {
		return nil, err
	}

	var tp teaPR
	if err := json.Unmarshal(out, &tp); err != nil {
		return nil, fmt.Errorf("failed to parse PR: %w", err)
	}
	return tp.toPR(), nil
}

func (g *GiteaProvider) ListPRsWithLabel(ctx context.Context, repo string, label string) ([]*PR, error) {
	out, err := g.runTea(ctx, "pulls", "list", "--repo", repo, "--state", "open", "--output", "json")
	if err != nil {
		return nil, err
	}

	var prs []teaPR
	if err := json.Unmarshal(out, &prs); err != nil {
		return nil, fmt.Errorf("failed to parse PRs: %w", err)
	}
	var result []*PR
	for _, tp := range prs {
		pr := tp.toPR()
		if slices.Contains(pr.Labels, label) {
			result = append(result, pr)
		}
	}
	return result, nil
}

func (g *GiteaProvider) GetPRComments(ctx context.Context, repo string, number int) ([]*Comment, error) {
	// Gitea stores PR conversation comments on the issue with the same number.
	return g.GetComments(ctx, repo, number)
}

// EnableAutoMerge is not available through tea.
func (g *GiteaProvider) EnableAutoMerge(ctx context.Context, repo string, number int, method string) error {
	return ErrAutoMergeUnsupported
}

func (g *GiteaProvider) MergePR(ctx context.Context, repo string, number int, method string) error {
	if method == "" {
		method = "merge"
	}
	_, err := g.runTea(ctx, "pulls", "merge", strconv.Itoa(number), "--repo", repo, "--style", method)
	return err
}

func (g *GiteaProvider) GetDefaultBranch(ctx context.Context, repo string) (string, error) {
	out, err := g.runTea(ctx, "repos", "view", repo, "--output", "json")
	if err != nil {
		return "", err
	}

	var repoInfo struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := json.Unmarshal(out, &repoInfo); err != nil {
		return "", fmt.Errorf("failed to parse repo info: %w", err)
	}

	if repoInfo.DefaultBranch == "" {
		return "main", nil
	}
	return repoInfo.DefaultBranch, nil
}
