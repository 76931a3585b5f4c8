package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Pr0fe5s0r/gitybara/internal/scheduler"
	"github.com/Pr0fe5s0r/gitybara/internal/state"
	"github.com/Pr0fe5s0r/gitybara/internal/store"
)

func TestSetupLogger_StdoutOnly(t *testing.T) {
	logger, cleanup, err := setupLogger("", false)
	if err != nil {
		t.Fatalf("setupLogger returned error: %v", err)
	}
	defer cleanup()

	if logger == nil {
		t.Fatal("setupLogger returned nil logger")
	}
	logger.Info("test message")
}

func TestSetupLogger_WithFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	var stdout bytes.Buffer

	logger, cleanup, err := newLogger(&stdout, logPath, false)
	if err != nil {
		t.Fatalf("newLogger returned error: %v", err)
	}
	logger.Info("test message for file", "issue", "acme/widgets#42")
	logger.Debug("hidden without verbose")
	cleanup()

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	for _, out := range []string{string(content), stdout.String()} {
		if !strings.Contains(out, "test message for file") || !strings.Contains(out, "issue=acme/widgets#42") {
			t.Errorf("log output missing message: %s", out)
		}
		if strings.Contains(out, "hidden without verbose") {
			t.Errorf("debug message logged without verbose: %s", out)
		}
	}
}

func TestSetupLogger_VerboseLogsDebug(t *testing.T) {
	var stdout bytes.Buffer
	logger, cleanup, _ := newLogger(&stdout, "", true)
	defer cleanup()

	logger.Debug("details")
	if !strings.Contains(stdout.String(), "details") {
		t.Errorf("expected debug output, got %q", stdout.String())
	}
}

func TestSetupLogger_CreatesParentDirectories(t *testing.T) {
	nestedPath := filepath.Join(t.TempDir(), "nested", "dir", "test.log")

	_, cleanup, err := setupLogger(nestedPath, false)
	if err != nil {
		t.Fatalf("setupLogger returned error: %v", err)
	}
	defer cleanup()

	if _, err := os.Stat(filepath.Dir(nestedPath)); os.IsNotExist(err) {
		t.Errorf("parent directory was not created: %s", filepath.Dir(nestedPath))
	}
}

func TestSetupLogger_CleanupClosesFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	logger, cleanup, err := setupLogger(logPath, false)
	if err != nil {
		t.Fatalf("setupLogger returned error: %v", err)
	}
	logger.Info("test")
	cleanup()

	if err := os.Remove(logPath); err != nil {
		t.Errorf("failed to remove log file after cleanup: %v", err)
	}
}

func TestSetupLogger_InvalidPath(t *testing.T) {
	// Falls back to stdout only.
	logger, cleanup, err := setupLogger("/dev/null/invalid/path/test.log", false)
	if err != nil {
		t.Fatalf("setupLogger should not return error for invalid path: %v", err)
	}
	defer cleanup()
	logger.Info("test message")
}

func TestParseRepo(t *testing.T) {
	tests := []struct {
		in          string
		owner, name string
		wantErr     bool
	}{
		{"acme/widgets", "acme", "widgets", false},
		{"acme", "", "", true},
		{"/widgets", "", "", true},
		{"acme/", "", "", true},
		{"acme/widgets/extra", "", "", true},
	}
	for _, tt := range tests {
		owner, name, err := parseRepo(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseRepo(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if owner != tt.owner || name != tt.name {
			t.Errorf("parseRepo(%q) = %q, %q", tt.in, owner, name)
		}
	}
}

func TestIssueKey_RequiresIssue(t *testing.T) {
	if _, err := issueKey("acme/widgets", 0); err == nil {
		t.Error("expected error without issue number")
	}
	key, err := issueKey("acme/widgets", 42)
	if err != nil || key.String() != "acme/widgets#42" {
		t.Errorf("unexpected key %v, %v", key, err)
	}
}

func TestPrintJobs(t *testing.T) {
	var buf bytes.Buffer
	printJobs(&buf, nil)
	if !strings.Contains(buf.String(), "No jobs found") {
		t.Errorf("unexpected output %q", buf.String())
	}

	buf.Reset()
	printJobs(&buf, []*store.Job{{
		Key:                store.Key{Owner: "acme", Name: "widgets", Number: 42},
		Title:              strings.Repeat("very long title ", 10),
		Status:             state.StatusDone,
		Branch:             "work/issue-42-fix-typo",
		MergeRequestNumber: 101,
		UpdatedAt:          time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC),
	}})
	out := buf.String()
	for _, want := range []string{"acme/widgets#42", "done", "work/issue-42-fix-typo", "!101", "2026-01-02 03:04", "..."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintJob_ShowsConflictAttempts(t *testing.T) {
	var buf bytes.Buffer
	printJob(&buf, &store.Job{
		Key:    store.Key{Owner: "acme", Name: "widgets", Number: 42},
		Title:  "Fix typo",
		Status: state.StatusFailed,
		Error:  "agent made no changes",
	}, []store.ConflictAttempt{{
		Outcome:        store.AttemptEscalated,
		ResolvedFiles:  []string{"go.sum"},
		EscalatedFiles: []string{"main.go"},
	}})
	out := buf.String()
	for _, want := range []string{"Status: failed", "Error: agent made no changes", "resolved: go.sum", "escalated: main.go"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintTasks(t *testing.T) {
	now := time.Now()
	var buf bytes.Buffer
	printTasks(&buf, []scheduler.Info{{
		JobID:     7,
		Key:       store.Key{Owner: "acme", Name: "widgets", Number: 42},
		StartedAt: now.Add(-90 * time.Second),
		Cancelled: true,
	}}, now)
	out := buf.String()
	for _, want := range []string{"acme/widgets#42", "1m30s", "yes"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "provider: github\ndata_dir: " + filepath.Join(dir, "data") + "\ncontrol:\n  listen: \"\"\nrepos:\n  - owner: acme\n    name: widgets\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestAutomergeCommands(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "-c", cfg, "automerge", "show", "--repo", "acme/widgets")
	if err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if !strings.Contains(out, "Enabled: true") || !strings.Contains(out, "Merge method: merge") {
		t.Errorf("expected seeded defaults:\n%s", out)
	}

	out, err = execute(t, "-c", cfg, "automerge", "set", "--repo", "acme/widgets", "--resolve=false", "--method", "squash")
	if err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if !strings.Contains(out, "Resolve conflicts: false") || !strings.Contains(out, "Merge method: squash") {
		t.Errorf("expected updated policy:\n%s", out)
	}
	if !strings.Contains(out, "Merge clean: true") {
		t.Errorf("unchanged fields must keep their value:\n%s", out)
	}

	out, err = execute(t, "-c", cfg, "automerge", "set", "--repo", "acme/widgets", "--mr", "17", "--enabled=false")
	if err != nil {
		t.Fatalf("set override failed: %v", err)
	}
	if !strings.Contains(out, "acme/widgets!17") || !strings.Contains(out, "Enabled: false") {
		t.Errorf("expected override applied:\n%s", out)
	}

	out, err = execute(t, "-c", cfg, "automerge", "show", "--repo", "acme/widgets")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Enabled: true") {
		t.Errorf("override must not change the repository policy:\n%s", out)
	}

	if _, err := execute(t, "-c", cfg, "automerge", "set", "--repo", "acme/widgets", "--method", "fast-forward"); err == nil {
		t.Error("expected invalid method to fail")
	}
	if _, err := execute(t, "-c", cfg, "automerge", "set", "--repo", "acme/widgets", "--mr", "17", "--clean"); err == nil {
		t.Error("expected repository-only flag to fail per merge request")
	}
}

func TestStatus_ListsStoredJobs(t *testing.T) {
	cfg := writeConfig(t)
	out, err := execute(t, "-c", cfg, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "No jobs found") {
		t.Errorf("unexpected output:\n%s", out)
	}

	if _, err := execute(t, "-c", cfg, "status", "--status", "sleeping"); err == nil {
		t.Error("expected invalid status to fail")
	}
}

func TestCancel_RequiresControlAPI(t *testing.T) {
	cfg := writeConfig(t)
	_, err := execute(t, "-c", cfg, "cancel", "--repo", "acme/widgets", "--issue", "42")
	if err == nil || !strings.Contains(err.Error(), "control API is disabled") {
		t.Errorf("expected disabled control API error, got %v", err)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "gitybara ") {
		t.Errorf("unexpected version output %q", out)
	}
}
