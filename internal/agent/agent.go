// Package agent runs the external coding agent CLI inside a workspace and
// reports what it changed.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/Pr0fe5s0r/gitybara/internal/git"
)

// Request is one agent invocation.
type Request struct {
	WorkDir string
	Prompt  string
	Model   string // optional hint, empty uses the configured default
}

// Result is what an agent run produced. Success and a non-empty
// FilesChanged are independent: a failed run may still leave changes.
type Result struct {
	Success      bool
	Summary      string
	FilesChanged []string
}

// Runner is anything that can run the agent. Client is the real one.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req Request) (*Result, error)

func (f RunnerFunc) Run(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// Client wraps the agent CLI
type Client struct {
	command string
	timeout time.Duration
	model   string
	logger  *slog.Logger
}

// NewClient creates a new agent client
func NewClient(command string, timeout time.Duration, model string, logger *slog.Logger) *Client {
	return &Client{
		command: command,
		timeout: timeout,
		model:   model,
		logger:  logger,
	}
}

// streamEvent is one line of the CLI's stream-json output.
type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Content string `json:"content,omitempty"`
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Error   string `json:"error,omitempty"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// Run executes the agent in req.WorkDir. A run that reported failure, or
// that timed out or crashed after changing files, comes back as
// Result.Success == false. An error means the run produced nothing.
func (c *Client) Run(ctx context.Context, req Request) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	model := req.Model
	if model == "" {
		model = c.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, req.Prompt)

	cmd := exec.CommandContext(runCtx, c.command, args...)
	cmd.Dir = req.WorkDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}

	summary, reported := parseStream(stdout)
	stderrBytes, _ := io.ReadAll(stderr)
	waitErr := cmd.Wait()
	if waitErr != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var files []string
	if req.WorkDir != "" {
		// The run context may have expired, so list with the caller's.
		files, err = git.Open(req.WorkDir).ChangedFiles(ctx)
		if err != nil {
			c.logger.Warn("could not list changed files", "dir", req.WorkDir, "error", err)
		}
	}

	if waitErr != nil && (reported == nil || errors.Is(runCtx.Err(), context.DeadlineExceeded)) {
		runErr := fmt.Errorf("agent failed: %w: %s", waitErr, strings.TrimSpace(string(stderrBytes)))
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			runErr = fmt.Errorf("agent timed out after %v", c.timeout)
		}
		if len(files) == 0 {
			return nil, runErr
		}
		// Work left behind by an interrupted run is kept as a partial result.
		c.logger.Warn("agent run interrupted with changes", "dir", req.WorkDir, "files_changed", len(files), "error", runErr)
		if summary == "" {
			summary = runErr.Error()
		}
		return &Result{Success: false, Summary: summary, FilesChanged: files}, nil
	}

	res := &Result{
		Success:      waitErr == nil && (reported == nil || *reported),
		Summary:      summary,
		FilesChanged: files,
	}

	c.logger.Info("agent finished",
		"dir", req.WorkDir,
		"success", res.Success,
		"files_changed", len(res.FilesChanged),
		"duration", time.Since(start).Round(time.Second))
	return res, nil
}

// parseStream collects the agent's text output. The second return is nil
// when no final result event was seen, otherwise whether it reported success.
func parseStream(r io.Reader) (string, *bool) {
	var text, final strings.Builder
	var ok *bool

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			text.WriteString(line)
			text.WriteString("\n")
			continue
		}

		switch ev.Type {
		case "assistant":
			text.WriteString(ev.Content)
			for _, block := range ev.Message.Content {
				if block.Type == "text" {
					text.WriteString(block.Text)
				}
			}
		case "result":
			final.WriteString(ev.Result)
			final.WriteString(ev.Content)
			success := !ev.IsError && ev.Subtype != "error"
			ok = &success
		case "error":
			failed := false
			ok = &failed
			text.WriteString(ev.Error)
		}
	}

	if final.Len() > 0 {
		return strings.TrimSpace(final.String()), ok
	}
	return strings.TrimSpace(text.String()), ok
}

// ClarificationSentinel marks a request for human input in agent output.
const ClarificationSentinel = "NEEDS_CLARIFICATION:"

const maxQuestion = 500

var clarificationPattern = regexp.MustCompile(`(?s)NEEDS_CLARIFICATION:\s*(.{1,500})`)

// Clarification extracts the question following ClarificationSentinel.
// The question runs to the first blank line and is capped in length; when
// nothing usable follows the sentinel, the start of the summary is used.
func Clarification(summary string) (string, bool) {
	if !strings.Contains(summary, ClarificationSentinel) {
		return "", false
	}

	if m := clarificationPattern.FindStringSubmatch(summary); m != nil {
		q := m[1]
		if i := strings.Index(q, "\n\n"); i >= 0 {
			q = q[:i]
		}
		if q = strings.TrimSpace(q); q != "" {
			return q, true
		}
	}

	fallback := strings.TrimSpace(summary)
	if len(fallback) > maxQuestion {
		fallback = fallback[:maxQuestion]
	}
	return fallback, true
}
