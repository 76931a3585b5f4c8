package providers

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MockAuthor is the author of comments created through the mock.
const MockAuthor = "gitybara[bot]"

// MockProvider is an in-memory Provider. Every method records its call and
// first returns any error queued with FailNext.
type MockProvider struct {
	mu sync.RWMutex

	Issues     map[string]map[int]*Issue     // repo -> issueNum -> issue
	Comments   map[string]map[int][]*Comment // repo -> issueNum -> comments
	PRs        map[string]map[int]*PR        // repo -> prNum -> pr
	PRComments map[string]map[int][]*Comment // repo -> prNum -> comments

	// Recorded side effects.
	CreatedComments []MockComment
	UpdatedComments []MockCommentUpdate
	AddedLabels     []MockLabel
	RemovedLabels   []MockLabel
	EnsuredLabels   []MockLabel
	Reactions       []MockReaction
	AutoMerged      []MockMerge
	Merged          []MockMerge
	Calls           map[string]int

	DefaultBranch  string
	MergeError     error
	AutoMergeError error
	// Errors queues failures per method name; each call pops one.
	Errors map[string][]error

	nextCommentID int64
}

// MockComment is a comment created through the mock.
type MockComment struct {
	ID        int64
	Repo      string
	IssueNum  int
	Body      string
	CreatedAt time.Time
}

type MockCommentUpdate struct {
	Repo      string
	CommentID int64
	Body      string
}

type MockLabel struct {
	Repo     string
	IssueNum int
	Label    string
}

type MockReaction struct {
	Repo      string
	CommentID int64
	Reaction  string
}

// MockMerge records a merge or an auto-merge request.
type MockMerge struct {
	Repo   string
	Number int
	Method string
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		Issues:        make(map[string]map[int]*Issue),
		Comments:      make(map[string]map[int][]*Comment),
		PRs:           make(map[string]map[int]*PR),
		PRComments:    make(map[string]map[int][]*Comment),
		Calls:         make(map[string]int),
		Errors:        make(map[string][]error),
		DefaultBranch: "main",
		nextCommentID: 1000,
	}
}

// entry returns the per-repository map of m, creating it on first use.
func entry[V any](m map[string]map[int]V, repo string) map[int]V {
	if m[repo] == nil {
		m[repo] = make(map[int]V)
	}
	return m[repo]
}

func cloneIssue(issue *Issue) *Issue {
	cp := *issue
	cp.Labels = slices.Clone(issue.Labels)
	return &cp
}

func clonePR(pr *PR) *PR {
	cp := *pr
	cp.Labels = slices.Clone(pr.Labels)
	return &cp
}

// fail records the call and pops a queued error for method. Callers hold m.mu.
func (m *MockProvider) fail(method string) error {
	m.Calls[method]++
	queue := m.Errors[method]
	if len(queue) == 0 {
		return nil
	}
	m.Errors[method] = queue[1:]
	return queue[0]
}

// FailNext queues err to be returned by the next call to method.
func (m *MockProvider) FailNext(method string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[method] = append(m.Errors[method], errs...)
}

// CallCount returns how many times method was called.
func (m *MockProvider) CallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Calls[method]
}

// AddIssue stores issue; an empty state means open.
func (m *MockProvider) AddIssue(repo string, issue *Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if issue.State == "" {
		issue.State = "open"
	}
	entry(m.Issues, repo)[issue.Number] = issue
}

// AddPR stores pr as an open merge request of unknown mergeability unless set.
func (m *MockProvider) AddPR(repo string, pr *PR) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pr.State == "" {
		pr.State = "open"
	}
	if pr.MergeState == "" {
		pr.MergeState = MergeUnknown
	}
	entry(m.PRs, repo)[pr.Number] = pr
}

// RemovePR deletes a pull request, as if it was closed and purged.
func (m *MockProvider) RemovePR(repo string, number int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.PRs[repo], number)
}

func (m *MockProvider) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetIssue"); err != nil {
		return nil, err
	}

	issue, ok := m.Issues[repo][number]
	if !ok {
		return nil, fmt.Errorf("issue %s#%d: %w", repo, number, ErrNotFound)
	}
	return cloneIssue(issue), nil
}

func (m *MockProvider) ListIssuesWithLabel(ctx context.Context, repo string, label string) ([]*Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListIssuesWithLabel"); err != nil {
		return nil, err
	}

	var result []*Issue
	for _, issue := range m.Issues[repo] {
		if issue.State == "open" && issue.HasLabel(label) {
			result = append(result, cloneIssue(issue))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Number < result[j].Number })
	return result, nil
}

func (m *MockProvider) GetComments(ctx context.Context, repo string, number int) ([]*Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetComments"); err != nil {
		return nil, err
	}
	return slices.Clone(m.Comments[repo][number]), nil
}

func (m *MockProvider) CreateComment(ctx context.Context, repo string, number int, body string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateComment"); err != nil {
		return 0, err
	}

	m.nextCommentID++
	comment := &Comment{ID: m.nextCommentID, Body: body, Author: MockAuthor, CreatedAt: time.Now()}
	thread := entry(m.Comments, repo)
	thread[number] = append(thread[number], comment)
	m.CreatedComments = append(m.CreatedComments, MockComment{comment.ID, repo, number, body, comment.CreatedAt})
	return comment.ID, nil
}

func (m *MockProvider) UpdateComment(ctx context.Context, repo string, commentID int64, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdateComment"); err != nil {
		return err
	}

	for _, thread := range m.Comments[repo] {
		if i := slices.IndexFunc(thread, func(c *Comment) bool { return c.ID == commentID }); i >= 0 {
			thread[i].Body = body
		}
	}
	m.UpdatedComments = append(m.UpdatedComments, MockCommentUpdate{Repo: repo, CommentID: commentID, Body: body})
	return nil
}

func (m *MockProvider) ReactToComment(ctx context.Context, repo string, commentID int64, reaction string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ReactToComment"); err != nil {
		return err
	}

	m.Reactions = append(m.Reactions, MockReaction{Repo: repo, CommentID: commentID, Reaction: reaction})
	return nil
}

func (m *MockProvider) EnsureLabel(ctx context.Context, repo, label, color string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("EnsureLabel"); err != nil {
		return err
	}
	m.EnsuredLabels = append(m.EnsuredLabels, MockLabel{Repo: repo, Label: label})
	return nil
}

func (m *MockProvider) AddLabel(ctx context.Context, repo string, number int, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AddLabel"); err != nil {
		return err
	}

	if issue, ok := m.Issues[repo][number]; ok && !issue.HasLabel(label) {
		issue.Labels = append(issue.Labels, label)
	}

	m.AddedLabels = append(m.AddedLabels, MockLabel{Repo: repo, IssueNum: number, Label: label})
	return nil
}

func (m *MockProvider) RemoveLabel(ctx context.Context, repo string, number int, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("RemoveLabel"); err != nil {
		return err
	}

	if issue, ok := m.Issues[repo][number]; ok {
		issue.Labels = slices.DeleteFunc(issue.Labels, func(l string) bool { return l == label })
	}

	m.RemovedLabels = append(m.RemovedLabels, MockLabel{Repo: repo, IssueNum: number, Label: label})
	return nil
}

func (m *MockProvider) CreatePR(ctx context.Context, repo string, pr PRCreate) (*PR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreatePR"); err != nil {
		return nil, err
	}

	prs := entry(m.PRs, repo)
	num := 101 + len(prs)
	created := &PR{
		Number:     num,
		Title:      pr.Title,
		Body:       pr.Body,
		State:      "open",
		MergeState: MergeUnknown,
		HTMLURL:    fmt.Sprintf("https://example.com/%s/pull/%d", repo, num),
		HeadRef:    pr.Head,
		BaseRef:    pr.Base,
		Labels:     slices.Clone(pr.Labels),
		UpdatedAt:  time.Now(),
	}

	prs[num] = created
	return clonePR(created), nil
}

func (m *MockProvider) GetPR(ctx context.Context, repo string, number int) (*PR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetPR"); err != nil {
		return nil, err
	}

	pr, ok := m.PRs[repo][number]
	if !ok {
		return nil, fmt.Errorf("PR %s#%d: %w", repo, number, ErrNotFound)
	}
	return clonePR(pr), nil
}

func (m *MockProvider) ListPRsWithLabel(ctx context.Context, repo string, label string) ([]*PR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListPRsWithLabel"); err != nil {
		return nil, err
	}

	var result []*PR
	for _, pr := range m.PRs[repo] {
		if pr.Open() && slices.Contains(pr.Labels, label) {
			result = append(result, clonePR(pr))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Number < result[j].Number })
	return result, nil
}

func (m *MockProvider) GetPRComments(ctx context.Context, repo string, number int) ([]*Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetPRComments"); err != nil {
		return nil, err
	}
	return slices.Clone(m.PRComments[repo][number]), nil
}

func (m *MockProvider) EnableAutoMerge(ctx context.Context, repo string, number int, method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("EnableAutoMerge"); err != nil {
		return err
	}
	if m.AutoMergeError != nil {
		return m.AutoMergeError
	}
	m.AutoMerged = append(m.AutoMerged, MockMerge{Repo: repo, Number: number, Method: method})
	return nil
}

func (m *MockProvider) MergePR(ctx context.Context, repo string, number int, method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("MergePR"); err != nil {
		return err
	}
	if m.MergeError != nil {
		return m.MergeError
	}

	pr, ok := m.PRs[repo][number]
	if !ok {
		return fmt.Errorf("PR %s#%d: %w", repo, number, ErrNotFound)
	}
	pr.State = "merged"
	m.Merged = append(m.Merged, MockMerge{Repo: repo, Number: number, Method: method})
	return nil
}

func (m *MockProvider) GetDefaultBranch(ctx context.Context, repo string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetDefaultBranch"); err != nil {
		return "", err
	}
	return m.DefaultBranch, nil
}

func (m *MockProvider) Name() string {
	return "mock"
}

// AddComment appends a human comment to an issue thread.
func (m *MockProvider) AddComment(repo string, issue int, comment *Comment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	thread := entry(m.Comments, repo)
	thread[issue] = append(thread[issue], comment)
}

// AddPRComment appends a comment to a merge request thread.
func (m *MockProvider) AddPRComment(repo string, number int, comment *Comment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	thread := entry(m.PRComments, repo)
	thread[number] = append(thread[number], comment)
}

// Snapshot returns a copy of the tracked comments and labels.
func (m *MockProvider) Snapshot() (comments []MockComment, added, removed []MockLabel) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.CreatedComments), slices.Clone(m.AddedLabels), slices.Clone(m.RemovedLabels)
}
