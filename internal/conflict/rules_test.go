package conflict

import (
	"slices"
	"testing"

	"github.com/Pr0fe5s0r/gitybara/internal/config"
)

func TestClassify(t *testing.T) {
	rules := RulesFromConfig([]config.ConflictRule{
		{Pattern: "migrations/**", Action: "escalate"},
		{Pattern: "go.sum", Action: "ignore"},
		{Pattern: "*.lock", Action: "ignore"},
		{Pattern: "docs/*.md", Action: "resolve"},
		{Pattern: "*.md", Action: "escalate"},
	})

	tests := []struct {
		file string
		want FileAction
	}{
		{"migrations/001_init.sql", ActionEscalate},
		{"migrations/nested/002.sql", ActionEscalate},
		{"go.sum", ActionIgnore},
		{"tools/go.sum", ActionIgnore},
		{"web/yarn.lock", ActionIgnore},
		{"docs/guide.md", ActionResolve}, // first match wins over *.md
		{"README.md", ActionEscalate},
		{"main.go", ActionResolve},
		{"migrationsfoo/x.sql", ActionResolve},
	}

	for _, tt := range tests {
		if got := Classify(rules, tt.file); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.file, got, tt.want)
		}
	}
}

func TestClassify_NoRulesResolves(t *testing.T) {
	if got := Classify(nil, "anything.go"); got != ActionResolve {
		t.Errorf("expected resolve, got %s", got)
	}
}

func TestSplit(t *testing.T) {
	rules := []Rule{
		{Pattern: "go.sum", Action: ActionIgnore},
		{Pattern: "secrets/**", Action: ActionEscalate},
	}
	p := Split(rules, []string{"main.go", "go.sum", "secrets/key.pem", "util.go"})

	if !slices.Equal(p.Resolve, []string{"main.go", "util.go"}) {
		t.Errorf("unexpected resolve set %v", p.Resolve)
	}
	if !slices.Equal(p.Ignore, []string{"go.sum"}) {
		t.Errorf("unexpected ignore set %v", p.Ignore)
	}
	if !slices.Equal(p.Escalate, []string{"secrets/key.pem"}) {
		t.Errorf("unexpected escalate set %v", p.Escalate)
	}
}
