// Package security decides whose comments the daemon acts on.
package security

import (
	"log/slog"
	"strings"
)

// Allowlist authorizes hosting-platform users by login. An empty list
// authorizes everyone.
type Allowlist struct {
	users  map[string]struct{}
	logger *slog.Logger
}

// NewAllowlist builds an allowlist. Logins are matched case-insensitively.
func NewAllowlist(users []string, logger *slog.Logger) *Allowlist {
	a := &Allowlist{users: make(map[string]struct{}, len(users)), logger: logger}
	for _, u := range users {
		if u = strings.TrimSpace(u); u != "" {
			a.users[strings.ToLower(u)] = struct{}{}
		}
	}
	return a
}

// Empty reports whether the list places no restriction.
func (a *Allowlist) Empty() bool {
	return a == nil || len(a.users) == 0
}

// IsAuthorized reports whether username may trigger work. Rejections are
// logged with repo for context.
func (a *Allowlist) IsAuthorized(repo, username string) bool {
	if a.Empty() {
		return true
	}
	if _, ok := a.users[strings.ToLower(username)]; ok {
		return true
	}
	if a.logger != nil {
		a.logger.Warn("ignoring unauthorized user", "repo", repo, "user", username)
	}
	return false
}
