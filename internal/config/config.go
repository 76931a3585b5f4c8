package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Provider     string        `yaml:"provider" validate:"oneof=gitea github"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	TriggerLabel string        `yaml:"trigger_label" validate:"required"`
	DataDir      string        `yaml:"data_dir" validate:"required"`
	LogFile      string        `yaml:"log_file"`
	AllowedUsers []string      `yaml:"allowed_users"`

	Gitea  GiteaConfig  `yaml:"gitea"`
	GitHub GitHubConfig `yaml:"github"`

	Repos []RepoConfig `yaml:"repos" validate:"dive"`

	Agent       AgentConfig       `yaml:"agent"`
	Retry       RetryConfig       `yaml:"retry"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Jobs        JobsConfig        `yaml:"jobs"`
	AutoMerge   AutoMergeConfig   `yaml:"automerge"`
	Comments    CommentsConfig    `yaml:"comments"`
	Association AssociationConfig `yaml:"association"`
	Workspace   WorkspaceConfig   `yaml:"workspace"`
	Control     ControlConfig     `yaml:"control"`
	Progress    ProgressConfig    `yaml:"progress"`
}

type GiteaConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type GitHubConfig struct {
	Token string `yaml:"token"`
}

// RepoConfig describes one watched repository.
type RepoConfig struct {
	Owner      string `yaml:"owner" validate:"required"`
	Name       string `yaml:"name" validate:"required"`
	Label      string `yaml:"label"`       // overrides trigger_label for this repo
	BaseBranch string `yaml:"base_branch"` // empty means ask the provider
	CloneURL   string `yaml:"clone_url"`   // empty means derive from provider

	ConflictRules []ConflictRule `yaml:"conflict_rules" validate:"dive"`
}

// FullName returns "owner/name".
func (r RepoConfig) FullName() string {
	return r.Owner + "/" + r.Name
}

// ConflictRule maps a path glob to a conflict action. Rules are matched in order.
type ConflictRule struct {
	Pattern string `yaml:"pattern" validate:"required"`
	Action  string `yaml:"action" validate:"oneof=resolve ignore escalate"`
}

type AgentConfig struct {
	Command string        `yaml:"command" validate:"required"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	Model   string        `yaml:"model"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	RateLimitRetry time.Duration `yaml:"rate_limit_retry"`
}

// RateLimitConfig paces calls to the hosting platform API.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

type ConcurrencyConfig struct {
	MaxTotal int `yaml:"max_total" validate:"min=1"` // simultaneous agent sessions across all repos
}

// JobsConfig controls recovery of jobs orphaned by a dead process.
type JobsConfig struct {
	StaleAfter    time.Duration `yaml:"stale_after" validate:"gt=0"`
	MaxStaleCount int           `yaml:"max_stale_count" validate:"min=1"`
}

// AutoMergeConfig holds the repository defaults seeded into the store the
// first time a repository is seen.
type AutoMergeConfig struct {
	Enabled               bool          `yaml:"enabled"`
	AutoMergeClean        bool          `yaml:"auto_merge_clean"`
	AutoResolveConflicts  bool          `yaml:"auto_resolve_conflicts"`
	MergeMethod           string        `yaml:"merge_method" validate:"oneof=merge squash rebase"`
	StaleAfter            time.Duration `yaml:"stale_after" validate:"gte=0"`
	MaxResolutionAttempts int           `yaml:"max_resolution_attempts" validate:"min=1"`
}

type CommentsConfig struct {
	Enabled             bool     `yaml:"enabled"`
	Threshold           float64  `yaml:"threshold" validate:"gte=0,lte=1"`
	SimilarityThreshold float64  `yaml:"similarity_threshold" validate:"gt=0,lte=1"`
	ContextWindow       int      `yaml:"context_window" validate:"gte=0"`
	Keywords            []string `yaml:"keywords"`
	BotAccounts         []string `yaml:"bot_accounts"`
}

type AssociationConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

type WorkspaceConfig struct {
	SweepAfter   time.Duration `yaml:"sweep_after" validate:"gt=0"`
	SweepTimeout time.Duration `yaml:"sweep_timeout" validate:"gt=0"`
}

// ControlConfig configures the local operator API. An empty Listen disables it.
type ControlConfig struct {
	Listen string `yaml:"listen"`
}

type ProgressConfig struct {
	Enabled          bool          `yaml:"enabled"`
	DebounceInterval time.Duration `yaml:"debounce_interval"`
}

// DefaultConfig returns the configuration used for any key the file omits.
func DefaultConfig() *Config {
	return &Config{
		Provider:     "gitea",
		PollInterval: 60 * time.Second,
		TriggerLabel: "gitybara",
		DataDir:      defaultDataDir(),
		Agent: AgentConfig{
			Command: "claude",
			Timeout: 30 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			BackoffBase:    2 * time.Second,
			RateLimitRetry: time.Minute,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Concurrency: ConcurrencyConfig{
			MaxTotal: 3,
		},
		Jobs: JobsConfig{
			StaleAfter:    30 * time.Minute,
			MaxStaleCount: 3,
		},
		AutoMerge: AutoMergeConfig{
			Enabled:               true,
			AutoMergeClean:        true,
			AutoResolveConflicts:  true,
			MergeMethod:           "merge",
			StaleAfter:            10 * time.Minute,
			MaxResolutionAttempts: 3,
		},
		Comments: CommentsConfig{
			Enabled:             true,
			Threshold:           0.3,
			SimilarityThreshold: 0.8,
			ContextWindow:       5,
		},
		Association: AssociationConfig{
			Enabled: true,
			Timeout: 2 * time.Minute,
		},
		Workspace: WorkspaceConfig{
			SweepAfter:   7 * 24 * time.Hour,
			SweepTimeout: 5 * time.Minute,
		},
		Control: ControlConfig{
			Listen: "127.0.0.1:7777",
		},
		Progress: ProgressConfig{
			Enabled:          true,
			DebounceInterval: 60 * time.Second,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gitybara"
	}
	return home + "/.gitybara"
}

// Load reads configuration from a YAML file and validates it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	data = expandEnvVars(data)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Provider == "gitea" && c.Gitea.URL == "" {
		return fmt.Errorf("invalid config: gitea.url is required for the gitea provider")
	}
	seen := make(map[string]bool, len(c.Repos))
	for _, r := range c.Repos {
		if seen[r.FullName()] {
			return fmt.Errorf("invalid config: repository %s listed twice", r.FullName())
		}
		seen[r.FullName()] = true
	}
	return nil
}

// Repo looks up a configured repository by "owner/name".
func (c *Config) Repo(fullName string) (RepoConfig, bool) {
	for _, r := range c.Repos {
		if r.FullName() == fullName {
			return r, true
		}
	}
	return RepoConfig{}, false
}

// LabelFor returns the trigger label used for a repository.
func (c *Config) LabelFor(r RepoConfig) string {
	if r.Label != "" {
		return r.Label
	}
	return c.TriggerLabel
}

// RemoteURL returns the URL the shared mirror is cloned from.
func (c *Config) RemoteURL(r RepoConfig) string {
	if r.CloneURL != "" {
		return r.CloneURL
	}
	if c.Provider == "github" {
		return fmt.Sprintf("https://github.com/%s.git", r.FullName())
	}
	return fmt.Sprintf("%s/%s.git", c.Gitea.URL, r.FullName())
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(envVarPattern.FindSubmatch(match)[1])
		return []byte(os.Getenv(name))
	})
}
