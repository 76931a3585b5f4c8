// Package comments decides which human comments on finished or parked jobs
// call for more work, and records every decision in the processed-comment
// ledger so a comment is acted on at most once.
package comments

import (
	"math"
	"regexp"
	"strings"

	"github.com/Pr0fe5s0r/gitybara/internal/config"
	"github.com/Pr0fe5s0r/gitybara/internal/providers"
	"github.com/Pr0fe5s0r/gitybara/internal/state"
)

// ActionType is the classification of a comment.
type ActionType string

const (
	ActionFix           ActionType = "fix"
	ActionFeedback      ActionType = "feedback"
	ActionClarification ActionType = "clarification"
	ActionFutureFix     ActionType = "future_fix"
	ActionIgnore        ActionType = "ignore"
)

// Classification is the result of classifying one comment.
type Classification struct {
	Action     ActionType
	Confidence float64
	Request    string
	Context    []int64 // ids of earlier comments that contributed continuity
}

// Signal weights.
const (
	weightKeyword      = 0.15
	weightDirectFix    = 0.4
	weightFutureFix    = 0.5
	weightSuggestion   = 0.3
	weightProblem      = 0.3
	weightQuestion     = 0.2
	weightNegative     = 0.25
	weightCodeSpan     = 0.25
	weightNit          = 0.3
	weightContinuity   = 0.2
	maxContinuity      = 0.4
	weightReplyToBot   = 0.2
	questionOnlyWeight = 0.3
	maxRequestLen      = 1000
)

// DefaultKeywords are used when the configuration lists none.
var DefaultKeywords = []string{
	"please", "should", "instead", "missing", "broken", "wrong",
	"doesn't work", "does not work", "still", "also", "typo", "rename", "update",
}

type family struct {
	weight   float64
	patterns []*regexp.Regexp
}

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

var (
	directFix = family{weightDirectFix, compile(
		`(?i)\b(?:please|pls|can you|could you|you need to|must)\s+(?:fix|change|update|remove|add|rename|handle|revert|use)\b`,
		`(?i)^\s*(?:fix|change|update|remove|add|rename|revert|use)\s+\S+`,
		`(?i)\bthis (?:needs|has) to be (?:fixed|changed|updated|removed)\b`,
	)}
	futureFix = family{weightFutureFix, compile(
		`\bTODO\b`,
		`\bFIXME\b`,
		`(?i)\bfix (?:this |it |that )?later\b`,
		`(?i)\btemporary (?:workaround|fix|hack)\b`,
		`(?i)\b(?:in|as) a (?:separate|future|later|follow[- ]up) (?:pr|mr|issue|change)\b`,
		`(?i)\bfollow[- ]up (?:issue|ticket|pr|mr)\b`,
	)}
	suggestion = family{weightSuggestion, compile(
		`(?i)\b(?:consider|maybe|perhaps|how about|what about|i'?d suggest|suggest(?:ion)?|it would be (?:better|nicer))\b`,
		`(?i)\b(?:should|could) (?:probably |also )?(?:be|use|have|return|check)\b`,
	)}
	problem = family{weightProblem, compile(
		`(?i)\b(?:doesn'?t|does not|didn'?t|isn'?t|is not) (?:work|compile|build|pass)\b`,
		`(?i)\b(?:bug|error|exception|panic|crash(?:es)?|regression|fails?|failing|broken)\b`,
		`(?i)\bstill (?:see|seeing|get|getting|happens)\b`,
	)}
	question = family{weightQuestion, compile(
		`(?i)^\s*(?:why|what|how|where|when|is|are|does|do|can|could|should|would)\b.*\?\s*$`,
	)}
	negative = family{weightNegative, compile(
		`(?i)\b(?:not (?:what i|quite)|this is wrong|incorrect|doesn'?t make sense|not right|unnecessary|too (?:complex|complicated))\b`,
		`(?i)\b(?:i don'?t (?:like|think)|please don'?t|shouldn'?t)\b`,
	)}

	approvalPattern = regexp.MustCompile(`(?i)^\s*(?:lgtm|approved?|looks good(?: to me)?|ship it|:\+1:|\+1)[\s!.]*$`)
	nitPattern      = regexp.MustCompile(`(?i)\bnit(?:pick)?:\s*(.{0,1000})`)
	codeSpanPattern = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\\n?(.{1,1000}?)```|`([^`\\n]{1,200})`")
	mentionPattern  = regexp.MustCompile(`(?i)@gitybara\b`)
)

func (f family) match(body string) bool {
	for _, re := range f.patterns {
		if re.MatchString(body) {
			return true
		}
	}
	return false
}

// Classifier scores comments against a fixed set of heuristics.
type Classifier struct {
	keywords  []string
	bots      map[string]bool
	threshold float64
	window    int
}

// NewClassifier builds a classifier from configuration.
func NewClassifier(cfg config.CommentsConfig) *Classifier {
	keywords := cfg.Keywords
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	lower := make([]string, len(keywords))
	for i, k := range keywords {
		lower[i] = strings.ToLower(k)
	}
	bots := map[string]bool{strings.ToLower(providers.MockAuthor): true}
	for _, b := range cfg.BotAccounts {
		bots[strings.ToLower(b)] = true
	}
	return &Classifier{
		keywords:  lower,
		bots:      bots,
		threshold: cfg.Threshold,
		window:    cfg.ContextWindow,
	}
}

// Threshold is the minimum confidence for a comment to be actionable.
func (c *Classifier) Threshold() float64 {
	return c.threshold
}

// Actionable reports whether cl should be acted on. Deferred work is always
// surfaced; everything else must reach the threshold.
func (c *Classifier) Actionable(cl Classification) bool {
	switch cl.Action {
	case ActionFutureFix:
		return true
	case ActionIgnore:
		return false
	default:
		return cl.Confidence >= c.threshold
	}
}

// IsBot reports whether a comment was written by the daemon or a bot account.
func (c *Classifier) IsBot(cm *providers.Comment) bool {
	if state.IsBotComment(cm.Body) {
		return true
	}
	author := strings.ToLower(cm.Author)
	return c.bots[author] || strings.HasSuffix(author, "[bot]")
}

// Classify scores comment given the earlier comments of the same thread,
// oldest first.
func (c *Classifier) Classify(comment *providers.Comment, history []*providers.Comment) Classification {
	if c.IsBot(comment) {
		return Classification{Action: ActionIgnore, Confidence: 1}
	}
	body := strings.TrimSpace(comment.Body)
	if body == "" || approvalPattern.MatchString(body) {
		return Classification{Action: ActionIgnore, Confidence: 1}
	}

	var score float64
	lower := strings.ToLower(body)
	for _, k := range c.keywords {
		if strings.Contains(lower, k) {
			score += weightKeyword
		}
	}

	isDirect := directFix.match(body)
	isFuture := futureFix.match(body)
	isSuggestion := suggestion.match(body)
	isProblem := problem.match(body)
	isQuestion := question.match(body)
	isNegative := negative.match(body)
	for _, f := range []struct {
		hit bool
		fam family
	}{{isDirect, directFix}, {isFuture, futureFix}, {isSuggestion, suggestion}, {isProblem, problem}, {isQuestion, question}, {isNegative, negative}} {
		if f.hit {
			score += f.fam.weight
		}
	}

	request := ""
	m := codeSpanPattern.FindStringSubmatch(body)
	if m != nil {
		score += weightCodeSpan
		request = strings.TrimSpace(m[1] + m[2])
	}
	nit := nitPattern.FindStringSubmatch(body)
	if nit != nil {
		score += weightNit
		if request == "" {
			request = strings.TrimSpace(nit[1])
		}
	}

	ctxIDs, continuity := c.continuity(history)
	score += continuity

	if c.repliesToBot(comment, history) {
		score += weightReplyToBot
	}
	score = math.Min(score, 1)

	if request == "" {
		request = body
	}
	if len(request) > maxRequestLen {
		request = request[:maxRequestLen]
	}

	cl := Classification{Confidence: round(score), Request: request, Context: ctxIDs}
	fixSignal := isDirect || isSuggestion || isProblem || nit != nil || m != nil
	switch {
	case isFuture:
		cl.Action = ActionFutureFix
	case isNegative && !isDirect:
		cl.Action = ActionFeedback
	case fixSignal:
		cl.Action = ActionFix
	case isQuestion || strings.HasSuffix(body, "?"):
		cl.Action = ActionClarification
		if cl.Confidence < questionOnlyWeight {
			cl.Confidence = questionOnlyWeight
		}
	case cl.Confidence > 0:
		cl.Action = ActionFix
	default:
		cl.Action = ActionIgnore
	}
	return cl
}

// continuity scores recent human comments that were already discussing a fix.
func (c *Classifier) continuity(history []*providers.Comment) ([]int64, float64) {
	start := len(history) - c.window
	if start < 0 {
		start = 0
	}
	var ids []int64
	var score float64
	for _, h := range history[start:] {
		if c.IsBot(h) {
			continue
		}
		if directFix.match(h.Body) || nitPattern.MatchString(h.Body) || problem.match(h.Body) {
			ids = append(ids, h.ID)
			score += weightContinuity
		}
	}
	return ids, math.Min(score, maxContinuity)
}

// repliesToBot reports whether comment answers the daemon: an explicit
// reply to one of its comments, a mention, or following directly after it.
func (c *Classifier) repliesToBot(comment *providers.Comment, history []*providers.Comment) bool {
	if mentionPattern.MatchString(comment.Body) {
		return true
	}
	if comment.ReplyToID != 0 {
		for _, h := range history {
			if h.ID == comment.ReplyToID {
				return c.IsBot(h)
			}
		}
	}
	return len(history) > 0 && c.IsBot(history[len(history)-1])
}

func round(f float64) float64 {
	return math.Round(f*100) / 100
}

// Tokens returns the set of lower-cased words longer than two characters.
func Tokens(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r > 127)
	}) {
		if len([]rune(w)) > 2 {
			set[w] = true
		}
	}
	return set
}

// Similarity is the Jaccard overlap of the token sets of a and b.
func Similarity(a, b string) float64 {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}
