package agent

import (
	"fmt"
	"strings"
)

// ImplementPrompt asks the agent to resolve an issue in the current worktree.
func ImplementPrompt(number int, title, body, branch string) string {
	return fmt.Sprintf(`Resolve issue #%d in this repository.

Title: %s

%s

You are working on branch %s. Make the code changes needed to resolve the
issue. Do not commit or push; that is done for you.

If the issue cannot be resolved without more information from the reporter,
make no changes and reply with a single line:
%s <your question>

Finish with a short summary of what you changed.`, number, title, body, branch, ClarificationSentinel)
}

// FollowUpPrompt asks the agent to address new comments on an existing job.
func FollowUpPrompt(number int, title string, requests []string) string {
	var b strings.Builder
	for i, r := range requests {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r)
	}
	return fmt.Sprintf(`Issue #%d (%s) was already worked on in this branch.
Reviewers asked for the following:

%s
Make the requested changes. Do not commit or push.

If a request is unclear, make no changes and reply with a single line:
%s <your question>`, number, title, b.String(), ClarificationSentinel)
}

// ResumePrompt repeats the implementation request together with the
// reporter's answers to an earlier clarification question.
func ResumePrompt(number int, title, body, branch string, answers []string) string {
	var b strings.Builder
	b.WriteString(ImplementPrompt(number, title, body, branch))
	b.WriteString("\n\nYou asked for clarification earlier. The reporter answered:\n\n")
	for _, a := range answers {
		fmt.Fprintf(&b, "> %s\n\n", strings.ReplaceAll(strings.TrimSpace(a), "\n", "\n> "))
	}
	return b.String()
}

// ResolveConflictsPrompt asks the agent to resolve merge conflicts in files.
func ResolveConflictsPrompt(base string, files []string) string {
	return fmt.Sprintf(`The branch in this worktree is being merged with %s and the merge
stopped on conflicts. Resolve the conflict markers in these files only:

%s

Keep the intent of both sides. Do not touch any other file and do not run
git commit, git merge or git push.`, base, "- "+strings.Join(files, "\n- "))
}

// AssociationPrompt asks the agent whether an issue belongs on an existing branch.
func AssociationPrompt(number int, title, body string, branches []BranchSummary) string {
	var b strings.Builder
	for _, br := range branches {
		fmt.Fprintf(&b, "- %s (issue #%d: %s)\n", br.Branch, br.Issue, br.Title)
		if br.MRTitle != "" {
			fmt.Fprintf(&b, "  Merge request: %s\n", br.MRTitle)
		}
		if body := strings.TrimSpace(br.MRBody); body != "" {
			if len(body) > mrBodyLimit {
				body = strings.ToValidUTF8(body[:mrBodyLimit], "") + "..."
			}
			fmt.Fprintf(&b, "  %s\n", strings.ReplaceAll(body, "\n", "\n  "))
		}
	}
	return fmt.Sprintf(`A new issue arrived:

#%d %s
%s

These branches are already being worked on:

%s
Decide whether the new issue should be implemented on one of these branches
(because it is the same change or depends on it) or on a new branch.

Reply with exactly one JSON object and nothing else:
{"action": "CREATE_NEW" or "JOIN", "branch": "<branch name when joining>", "reason": "<one sentence>"}`,
		number, title, body, b.String())
}

// mrBodyLimit caps how much of a merge request description goes into the
// association prompt.
const mrBodyLimit = 1000

// BranchSummary describes an active branch offered to the association oracle.
type BranchSummary struct {
	Branch  string
	Issue   int
	Title   string
	MRTitle string
	MRBody  string
}
