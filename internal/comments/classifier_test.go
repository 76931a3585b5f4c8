package comments

import (
	"testing"

	"github.com/Pr0fe5s0r/gitybara/internal/config"
	"github.com/Pr0fe5s0r/gitybara/internal/providers"
	"github.com/Pr0fe5s0r/gitybara/internal/state"
)

func newTestClassifier() *Classifier {
	cfg := config.DefaultConfig().Comments
	cfg.BotAccounts = []string{"renovate"}
	return NewClassifier(cfg)
}

func human(id int64, body string) *providers.Comment {
	return &providers.Comment{ID: id, Author: "alice", Body: body}
}

func TestClassify(t *testing.T) {
	c := newTestClassifier()

	tests := []struct {
		name       string
		comment    *providers.Comment
		action     ActionType
		actionable bool
		request    string
	}{
		{"own bot author", &providers.Comment{Author: providers.MockAuthor, Body: "please fix"}, ActionIgnore, false, ""},
		{"bot marker", &providers.Comment{Author: "alice", Body: state.AddBotMarker("Status: done")}, ActionIgnore, false, ""},
		{"configured bot", &providers.Comment{Author: "Renovate", Body: "Update dependency foo"}, ActionIgnore, false, ""},
		{"lgtm", human(1, "LGTM"), ActionIgnore, false, ""},
		{"approved", human(1, "Approved!"), ActionIgnore, false, ""},
		{"future fix", human(1, "TODO: handle the empty case later"), ActionFutureFix, true, "TODO: handle the empty case later"},
		{"fix later", human(1, "ok for now, we can fix it later"), ActionFutureFix, true, ""},
		{"direct fix", human(1, "Please fix the spelling in the footer too"), ActionFix, true, "Please fix the spelling in the footer too"},
		{"nit", human(1, "nit: trailing whitespace in header"), ActionFix, true, "trailing whitespace in header"},
		{"code span", human(1, "Use `strings.Cut` here"), ActionFix, true, "strings.Cut"},
		{"negative feedback", human(1, "This is wrong, the button should not be blue"), ActionFeedback, true, ""},
		{"question only", human(1, "Will this work on Windows?"), ActionClarification, true, ""},
		{"no signal", human(1, "Thanks!"), ActionIgnore, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.comment, nil)
			if got.Action != tt.action {
				t.Errorf("action = %s, want %s (confidence %.2f)", got.Action, tt.action, got.Confidence)
			}
			if c.Actionable(got) != tt.actionable {
				t.Errorf("actionable = %v, want %v (confidence %.2f)", !tt.actionable, tt.actionable, got.Confidence)
			}
			if tt.request != "" && got.Request != tt.request {
				t.Errorf("request = %q, want %q", got.Request, tt.request)
			}
			if got.Confidence < 0 || got.Confidence > 1 {
				t.Errorf("confidence %v out of range", got.Confidence)
			}
		})
	}
}

func TestClassify_ConfidenceIsCapped(t *testing.T) {
	c := newTestClassifier()
	body := "Please fix this, it is broken and still wrong. nit: you should use `errors.Is` instead, the error is missing"
	got := c.Classify(human(1, body), nil)
	if got.Confidence != 1 {
		t.Errorf("expected confidence capped at 1, got %v", got.Confidence)
	}
}

func TestClassify_Continuity(t *testing.T) {
	c := newTestClassifier()
	comment := human(3, "and the header")

	alone := c.Classify(comment, nil)
	if c.Actionable(alone) {
		t.Fatalf("expected bare comment not actionable, got %+v", alone)
	}

	history := []*providers.Comment{
		human(1, "please fix the footer"),
		human(2, "nit: the logo is blurry"),
	}
	got := c.Classify(comment, history)
	if got.Action != ActionFix || !c.Actionable(got) {
		t.Errorf("expected actionable fix from continuity, got %+v", got)
	}
	if len(got.Context) != 2 {
		t.Errorf("expected both earlier comments as context, got %v", got.Context)
	}
}

func TestClassify_ContinuityWindow(t *testing.T) {
	cfg := config.DefaultConfig().Comments
	cfg.ContextWindow = 1
	c := NewClassifier(cfg)

	history := []*providers.Comment{
		human(1, "please fix the footer"),
		human(2, "thanks"),
	}
	got := c.Classify(human(3, "and the header"), history)
	if len(got.Context) != 0 {
		t.Errorf("expected comments outside the window ignored, got %v", got.Context)
	}
}

func TestClassify_ReplyToBot(t *testing.T) {
	c := newTestClassifier()
	bot := &providers.Comment{ID: 10, Author: providers.MockAuthor, Body: state.AddBotMarker("Done")}

	plain := c.Classify(human(11, "the header"), nil)
	reply := c.Classify(&providers.Comment{ID: 11, Author: "alice", Body: "the header", ReplyToID: 10}, []*providers.Comment{bot})
	if reply.Confidence <= plain.Confidence {
		t.Errorf("expected reply to the daemon to score higher: %v <= %v", reply.Confidence, plain.Confidence)
	}

	mention := c.Classify(human(12, "@gitybara the header"), nil)
	if mention.Confidence <= plain.Confidence {
		t.Errorf("expected mention to score higher: %v <= %v", mention.Confidence, plain.Confidence)
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		dup  bool
	}{
		{"Please fix the typo in README", "please fix typo in the README file", true},
		{"Please fix the typo in README", "Please fix the typo in README", true},
		{"Please fix the typo in README", "The login button is misaligned on mobile", false},
		{"", "", false},
	}
	for _, tt := range tests {
		if got := Similarity(tt.a, tt.b) >= 0.8; got != tt.dup {
			t.Errorf("Similarity(%q, %q) = %.2f, dup=%v want %v", tt.a, tt.b, Similarity(tt.a, tt.b), got, tt.dup)
		}
	}
}

func TestTokens_DropsShortWords(t *testing.T) {
	tokens := Tokens("Fix it in the API, OK?")
	if tokens["it"] || tokens["in"] || tokens["ok"] {
		t.Errorf("expected short tokens dropped: %v", tokens)
	}
	if !tokens["fix"] || !tokens["the"] || !tokens["api"] {
		t.Errorf("expected long tokens kept: %v", tokens)
	}
}
