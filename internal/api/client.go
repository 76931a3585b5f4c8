package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Pr0fe5s0r/gitybara/internal/scheduler"
	"github.com/Pr0fe5s0r/gitybara/internal/store"
)

// Client talks to a running daemon's control API.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the API listening on addr (host:port).
func NewClient(addr string) *Client {
	return &Client{
		base: "http://" + addr,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	env := Envelope{Data: out}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding %s %s response (status %d): %w", method, path, resp.StatusCode, err)
	}
	if env.Error != nil {
		return env.Error
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}

func jobPathOf(key store.Key) string {
	return fmt.Sprintf("/jobs/%s/%s/%d", url.PathEscape(key.Owner), url.PathEscape(key.Name), key.Number)
}

// Tasks lists the daemon's live tasks.
func (c *Client) Tasks(ctx context.Context) ([]scheduler.Info, error) {
	var infos []scheduler.Info
	err := c.do(ctx, http.MethodGet, "/tasks", nil, &infos)
	return infos, err
}

// Jobs lists jobs. repo and status may be empty.
func (c *Client) Jobs(ctx context.Context, repo, status string, limit int) ([]*store.Job, error) {
	q := url.Values{}
	if repo != "" {
		q.Set("repo", repo)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var jobs []*store.Job
	err := c.do(ctx, http.MethodGet, "/jobs", q, &jobs)
	return jobs, err
}

// Cancel cancels the job of one issue.
func (c *Client) Cancel(ctx context.Context, key store.Key, force bool) (scheduler.Result, error) {
	var res scheduler.Result
	err := c.do(ctx, http.MethodPost, jobPathOf(key)+"/cancel", url.Values{"force": {strconv.FormatBool(force)}}, &res)
	return res, err
}

// CancelAll cancels every live task and returns how many were signalled.
func (c *Client) CancelAll(ctx context.Context, force bool) (int, error) {
	var res CancelAllResult
	err := c.do(ctx, http.MethodPost, "/tasks/cancel", url.Values{"force": {strconv.FormatBool(force)}}, &res)
	return res.Cancelled, err
}

// Reset moves a failed job back to pending.
func (c *Client) Reset(ctx context.Context, key store.Key) (*store.Job, error) {
	var job store.Job
	if err := c.do(ctx, http.MethodPost, jobPathOf(key)+"/reset", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
