// Package association decides whether a newly claimed issue gets its own
// branch or joins a branch another job is already working on.
package association

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Pr0fe5s0r/gitybara/internal/agent"
	"github.com/Pr0fe5s0r/gitybara/internal/providers"
)

// Action is the outcome of a resolution.
type Action string

const (
	CreateNew Action = "CREATE_NEW"
	Join      Action = "JOIN"
)

// Decision is the resolved branch association. Branch is set only for Join.
type Decision struct {
	Action Action
	Branch string
	Reason string
}

// ActiveBranch is a branch currently owned by a non-terminal job. The merge
// request fields are empty until one is open for the branch.
type ActiveBranch struct {
	Branch  string
	Issue   int
	Title   string
	MRTitle string
	MRBody  string
}

// Resolver consults the coding agent about branch reuse. Any failure of the
// oracle resolves to CreateNew.
type Resolver struct {
	runner  agent.Runner
	timeout time.Duration
	logger  *slog.Logger
}

// NewResolver creates a resolver. A nil runner disables the oracle, so
// only declared dependencies can cause a join.
func NewResolver(runner agent.Runner, timeout time.Duration, logger *slog.Logger) *Resolver {
	return &Resolver{runner: runner, timeout: timeout, logger: logger}
}

// Resolve decides where issue should be implemented. forceNew skips the
// decision entirely.
func (r *Resolver) Resolve(ctx context.Context, issue *providers.Issue, forceNew bool, active []ActiveBranch) Decision {
	switch {
	case forceNew:
		return Decision{Action: CreateNew, Reason: "new branch forced"}
	case len(active) == 0:
		return Decision{Action: CreateNew, Reason: "no active branches"}
	}

	if d, ok := declaredDependency(issue, active); ok {
		r.logger.Info("joining branch of declared dependency", "issue", issue.Number, "branch", d.Branch)
		return d
	}

	if r.runner == nil {
		return Decision{Action: CreateNew, Reason: "association oracle disabled"}
	}

	d, err := r.ask(ctx, issue, active)
	if err != nil {
		r.logger.Warn("branch association failed, creating new branch", "issue", issue.Number, "error", err)
		return Decision{Action: CreateNew, Reason: "association oracle unavailable"}
	}
	r.logger.Info("branch association decided", "issue", issue.Number, "action", d.Action, "branch", d.Branch, "reason", d.Reason)
	return d
}

func (r *Resolver) ask(ctx context.Context, issue *providers.Issue, active []ActiveBranch) (Decision, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	// The oracle gets an empty scratch directory so it cannot touch a checkout.
	scratch, err := os.MkdirTemp("", "gitybara-assoc-*")
	if err != nil {
		return Decision{}, err
	}
	defer os.RemoveAll(scratch)

	summaries := make([]agent.BranchSummary, len(active))
	for i, b := range active {
		summaries[i] = agent.BranchSummary{Branch: b.Branch, Issue: b.Issue, Title: b.Title, MRTitle: b.MRTitle, MRBody: b.MRBody}
	}

	res, err := r.runner.Run(ctx, agent.Request{
		WorkDir: scratch,
		Prompt:  agent.AssociationPrompt(issue.Number, issue.Title, issue.Body, summaries),
	})
	if err != nil {
		return Decision{}, err
	}
	if !res.Success {
		return Decision{}, fmt.Errorf("oracle run failed: %s", truncate(res.Summary, 200))
	}
	return parseDecision(res.Summary, active)
}

type oracleReply struct {
	Action string `json:"action"`
	Branch string `json:"branch"`
	Reason string `json:"reason"`
}

// replyPattern finds the first flat JSON object that mentions "action".
var replyPattern = regexp.MustCompile(`\{[^{}]{0,1000}"action"[^{}]{0,1000}\}`)

// parseDecision validates the oracle's reply. A join onto a branch that is
// not in active is rejected.
func parseDecision(text string, active []ActiveBranch) (Decision, error) {
	raw := replyPattern.FindString(text)
	if raw == "" {
		return Decision{}, fmt.Errorf("no decision object in oracle reply: %q", truncate(text, 200))
	}

	var reply oracleReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return Decision{}, fmt.Errorf("malformed decision: %w", err)
	}

	reason := strings.TrimSpace(reply.Reason)
	switch Action(strings.ToUpper(strings.TrimSpace(reply.Action))) {
	case CreateNew:
		return Decision{Action: CreateNew, Reason: reason}, nil
	case Join:
		branch := strings.TrimSpace(reply.Branch)
		for _, b := range active {
			if b.Branch == branch {
				return Decision{Action: Join, Branch: branch, Reason: reason}, nil
			}
		}
		return Decision{}, fmt.Errorf("oracle chose unknown branch %q", branch)
	default:
		return Decision{}, fmt.Errorf("unknown action %q", reply.Action)
	}
}

var dependencyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)depends?\s+on\s+#(\d+)`),
	regexp.MustCompile(`(?i)blocked\s+by\s+#(\d+)`),
	regexp.MustCompile(`(?i)requires?\s+#(\d+)`),
	regexp.MustCompile(`(?i)(?:part|follow[- ]up)\s+of\s+#(\d+)`),
}

// ParseReferences returns issue numbers the text declares a dependency on,
// in order of appearance per pattern, without duplicates.
func ParseReferences(text string) []int {
	seen := make(map[int]bool)
	var refs []int
	for _, re := range dependencyPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil || seen[n] {
				continue
			}
			seen[n] = true
			refs = append(refs, n)
		}
	}
	return refs
}

// declaredDependency joins the branch of an issue the body explicitly
// depends on, when that issue has an active branch.
func declaredDependency(issue *providers.Issue, active []ActiveBranch) (Decision, bool) {
	for _, ref := range ParseReferences(issue.Body) {
		if ref == issue.Number {
			continue
		}
		for _, b := range active {
			if b.Issue == ref {
				return Decision{
					Action: Join,
					Branch: b.Branch,
					Reason: fmt.Sprintf("issue declares a dependency on #%d", ref),
				}, true
			}
		}
	}
	return Decision{}, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
