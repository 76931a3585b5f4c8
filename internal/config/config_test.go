package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
provider: github
data_dir: /tmp/gitybara
repos:
  - owner: acme
    name: widgets
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Concurrency.MaxTotal != 3 {
		t.Errorf("expected default max_total 3, got %d", cfg.Concurrency.MaxTotal)
	}
	if cfg.Jobs.StaleAfter != 30*time.Minute {
		t.Errorf("expected default stale window 30m, got %s", cfg.Jobs.StaleAfter)
	}
	if cfg.Comments.Threshold != 0.3 {
		t.Errorf("expected default threshold 0.3, got %v", cfg.Comments.Threshold)
	}
	if got := cfg.LabelFor(cfg.Repos[0]); got != "gitybara" {
		t.Errorf("expected default label, got %q", got)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("GITYBARA_TEST_TOKEN", "secret")
	path := writeConfig(t, `
provider: gitea
gitea:
  url: https://git.example.com
  token: ${GITYBARA_TEST_TOKEN}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Gitea.Token != "secret" {
		t.Errorf("expected expanded token, got %q", cfg.Gitea.Token)
	}
}

func TestLoad_ParsesDurationsAndRules(t *testing.T) {
	path := writeConfig(t, `
provider: github
poll_interval: 15s
automerge:
  merge_method: squash
  stale_after: 5m
  max_resolution_attempts: 2
repos:
  - owner: acme
    name: widgets
    label: bot
    conflict_rules:
      - pattern: "migrations/**"
        action: escalate
      - pattern: "*.lock"
        action: ignore
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PollInterval != 15*time.Second {
		t.Errorf("expected 15s poll interval, got %s", cfg.PollInterval)
	}
	if cfg.AutoMerge.MergeMethod != "squash" || cfg.AutoMerge.MaxResolutionAttempts != 2 {
		t.Errorf("unexpected automerge config: %+v", cfg.AutoMerge)
	}
	r, ok := cfg.Repo("acme/widgets")
	if !ok {
		t.Fatal("expected repo acme/widgets")
	}
	if len(r.ConflictRules) != 2 || r.ConflictRules[0].Action != "escalate" {
		t.Errorf("unexpected rules: %+v", r.ConflictRules)
	}
	if cfg.LabelFor(r) != "bot" {
		t.Errorf("expected repo label override")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults with gitea url", func(c *Config) { c.Gitea.URL = "https://git.example.com" }, ""},
		{"unknown provider", func(c *Config) { c.Provider = "svn" }, "Provider"},
		{"gitea without url", func(c *Config) {}, "gitea.url"},
		{"bad conflict action", func(c *Config) {
			c.Provider = "github"
			c.Repos = []RepoConfig{{Owner: "a", Name: "b", ConflictRules: []ConflictRule{{Pattern: "*", Action: "delete"}}}}
		}, "Action"},
		{"duplicate repo", func(c *Config) {
			c.Provider = "github"
			c.Repos = []RepoConfig{{Owner: "a", Name: "b"}, {Owner: "a", Name: "b"}}
		}, "listed twice"},
		{"zero concurrency", func(c *Config) {
			c.Provider = "github"
			c.Concurrency.MaxTotal = 0
		}, "MaxTotal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRemoteURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gitea.URL = "https://git.example.com"
	r := RepoConfig{Owner: "acme", Name: "widgets"}

	if got := cfg.RemoteURL(r); got != "https://git.example.com/acme/widgets.git" {
		t.Errorf("gitea remote: got %q", got)
	}

	cfg.Provider = "github"
	if got := cfg.RemoteURL(r); got != "https://github.com/acme/widgets.git" {
		t.Errorf("github remote: got %q", got)
	}

	r.CloneURL = "/srv/mirror.git"
	if got := cfg.RemoteURL(r); got != "/srv/mirror.git" {
		t.Errorf("explicit clone url: got %q", got)
	}
}
