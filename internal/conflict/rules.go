package conflict

import (
	"path"
	"strings"

	"github.com/Pr0fe5s0r/gitybara/internal/config"
)

// FileAction is what to do with one conflicted file.
type FileAction string

const (
	ActionResolve  FileAction = "resolve"
	ActionIgnore   FileAction = "ignore"
	ActionEscalate FileAction = "escalate"
)

// Rule maps a path pattern to an action.
//
// Patterns use path.Match syntax with two extensions: a pattern without a
// slash is matched against the file's base name, and a trailing "/**"
// matches everything below a directory.
type Rule struct {
	Pattern string
	Action  FileAction
}

// RulesFromConfig converts configured rules, preserving their order.
func RulesFromConfig(rules []config.ConflictRule) []Rule {
	out := make([]Rule, len(rules))
	for i, r := range rules {
		out[i] = Rule{Pattern: r.Pattern, Action: FileAction(r.Action)}
	}
	return out
}

func (r Rule) matches(file string) bool {
	if dir, ok := strings.CutSuffix(r.Pattern, "/**"); ok {
		return file == dir || strings.HasPrefix(file, dir+"/")
	}
	if !strings.Contains(r.Pattern, "/") {
		ok, _ := path.Match(r.Pattern, path.Base(file))
		return ok
	}
	ok, _ := path.Match(r.Pattern, file)
	return ok
}

// Classify returns the action of the first rule matching file. Files no
// rule matches are resolved.
func Classify(rules []Rule, file string) FileAction {
	for _, r := range rules {
		if r.matches(file) {
			return r.Action
		}
	}
	return ActionResolve
}

// Partition is the set of conflicted files split by action.
type Partition struct {
	Resolve  []string
	Ignore   []string
	Escalate []string
}

// Split classifies each file.
func Split(rules []Rule, files []string) Partition {
	var p Partition
	for _, f := range files {
		switch Classify(rules, f) {
		case ActionEscalate:
			p.Escalate = append(p.Escalate, f)
		case ActionIgnore:
			p.Ignore = append(p.Ignore, f)
		default:
			p.Resolve = append(p.Resolve, f)
		}
	}
	return p
}
