package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Pr0fe5s0r/gitybara/internal/config"
	"github.com/Pr0fe5s0r/gitybara/internal/providers"
	"github.com/Pr0fe5s0r/gitybara/internal/retry"
	"github.com/Pr0fe5s0r/gitybara/internal/store"
)

// env is what every command needs: validated config and a logger.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	cleanup func()
}

func loadEnv() (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	path := logFile
	if path == "" {
		path = cfg.LogFile
	}
	logger, cleanup, err := setupLogger(path, verbose)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	return &env{cfg: cfg, logger: logger, cleanup: cleanup}, nil
}

func (e *env) openStore() (*store.Store, error) {
	if err := os.MkdirAll(e.cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	st, err := store.Open(filepath.Join(e.cfg.DataDir, "gitybara.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	return st, nil
}

// provider builds the hosting platform client, wrapped with retries and
// request pacing.
func (e *env) provider() (providers.Provider, error) {
	var p providers.Provider
	switch e.cfg.Provider {
	case "gitea":
		p = providers.NewGiteaProvider(e.cfg.Gitea.URL, e.cfg.Gitea.Token)
	case "github":
		p = providers.NewGitHubProvider(e.cfg.GitHub.Token)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", e.cfg.Provider)
	}
	opts := retry.DefaultOptions(e.cfg.Retry, retry.ClassifyHost)
	opts.OnRetry = func(attempt int, err error, delay time.Duration) {
		e.logger.Warn("provider call failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}
	limiter := providers.NewLimiter(e.cfg.RateLimit.RequestsPerSecond, e.cfg.RateLimit.Burst)
	return providers.NewRetrying(p, opts, limiter), nil
}

// parseRepo splits "owner/name".
func parseRepo(s string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(s, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repository %q, expected owner/name", s)
	}
	return owner, name, nil
}

func issueKey(repo string, issue int) (store.Key, error) {
	owner, name, err := parseRepo(repo)
	if err != nil {
		return store.Key{}, err
	}
	if issue <= 0 {
		return store.Key{}, fmt.Errorf("--issue is required")
	}
	return store.Key{Owner: owner, Name: name, Number: issue}, nil
}
