package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func bufLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, nil))
}

func TestIsAuthorized_AllowedUser(t *testing.T) {
	a := NewAllowlist([]string{"alice", "bob"}, bufLogger(&bytes.Buffer{}))

	if !a.IsAuthorized("acme/widgets", "alice") {
		t.Error("expected allowed user to be authorized")
	}
}

func TestIsAuthorized_CaseInsensitive(t *testing.T) {
	a := NewAllowlist([]string{"Alice"}, bufLogger(&bytes.Buffer{}))

	if !a.IsAuthorized("acme/widgets", "alice") {
		t.Error("expected case-insensitive match")
	}
}

func TestIsAuthorized_NotInList(t *testing.T) {
	var logBuf bytes.Buffer
	a := NewAllowlist([]string{"alice", "bob"}, bufLogger(&logBuf))

	if a.IsAuthorized("acme/widgets", "eve") {
		t.Error("expected user not in list to be unauthorized")
	}
	if !strings.Contains(logBuf.String(), "user=eve") {
		t.Errorf("expected unauthorized attempt to be logged, got %q", logBuf.String())
	}
}

func TestIsAuthorized_EmptyListAllowsAll(t *testing.T) {
	for _, users := range [][]string{nil, {}, {"  "}} {
		a := NewAllowlist(users, nil)
		if !a.Empty() {
			t.Errorf("expected %q to be empty", users)
		}
		if !a.IsAuthorized("acme/widgets", "anyone") {
			t.Error("expected empty allowed list to authorize all users")
		}
	}
}

func TestIsAuthorized_NilLogger(t *testing.T) {
	if NewAllowlist([]string{"alice"}, nil).IsAuthorized("acme/widgets", "eve") {
		t.Error("expected unauthorized with nil logger")
	}
}

func TestIsAuthorized_NilAllowlist(t *testing.T) {
	var a *Allowlist
	if !a.IsAuthorized("acme/widgets", "anyone") {
		t.Error("expected nil allowlist to authorize everyone")
	}
}
