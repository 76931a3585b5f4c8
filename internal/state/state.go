package state

import (
	"fmt"
	"strings"
)

// Status is the persisted lifecycle state of a job
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
	StatusWaiting    Status = "waiting"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusInProgress,
	StatusDone,
	StatusWaiting,
	StatusFailed,
	StatusCancelled,
}

// ValidTransitions is the complete transition table. A pair that is not listed
// here is rejected by the store without touching the row.
var ValidTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusDone, StatusWaiting, StatusFailed, StatusCancelled, StatusPending},
	StatusWaiting:    {StatusInProgress, StatusCancelled},
	StatusFailed:     {StatusInProgress, StatusPending},
	StatusDone:       {StatusPending},
	StatusCancelled:  {},
}

// CanTransition reports whether from -> to is a defined edge.
func CanTransition(from, to Status) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseStatus converts a stored string back into a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// IsTerminal reports whether no transition leaves the status.
func (s Status) IsTerminal() bool {
	return len(ValidTransitions[s]) == 0
}

// IsActive reports whether the job still occupies its issue: a second job for
// the same issue must not be created while one is active.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusInProgress || s == StatusWaiting
}

// Label returns the issue label mirroring the status.
func (s Status) Label() string {
	return LabelPrefix + string(s)
}

// LabelPrefix prefixes every status label.
const LabelPrefix = "gitybara:"

// ParseStatusFromLabels extracts the status from issue labels, if present.
func ParseStatusFromLabels(labels []string) (Status, bool) {
	for _, l := range labels {
		if !strings.HasPrefix(l, LabelPrefix) {
			continue
		}
		if st, err := ParseStatus(strings.TrimPrefix(l, LabelPrefix)); err == nil {
			return st, true
		}
	}
	return "", false
}

// BotMarker tags every comment the daemon posts so it can recognise its own output.
const BotMarker = "<!-- gitybara -->"

// AddBotMarker appends the bot marker to a comment body.
func AddBotMarker(body string) string {
	return body + "\n\n" + BotMarker
}

// IsBotComment checks whether a comment was posted by the daemon.
func IsBotComment(body string) bool {
	return strings.Contains(body, BotMarker)
}
