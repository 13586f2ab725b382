// Package httpstore implements the task store against a remote HTTP
// API. Every request carries the scope header; transient failures are
// retried with exponential backoff and jitter, conflicts are not.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/randalmurphal/drover/internal/errors"
	"github.com/randalmurphal/drover/internal/store"
	"github.com/randalmurphal/drover/internal/task"
)

// ScopeHeader carries the tenant tag on every request.
const ScopeHeader = "X-Drover-Scope"

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 4
	backoffBase        = 250 * time.Millisecond
)

// Options configures the HTTP store client.
type Options struct {
	URL         string
	Scope       string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
}

// Client is the HTTP store client.
type Client struct {
	base        string
	scope       string
	apiKey      string
	http        *http.Client
	maxAttempts int
}

var _ store.Store = (*Client)(nil)

// New builds a client. Scope and URL are mandatory.
func New(opts Options) (*Client, error) {
	if opts.Scope == "" {
		return nil, errors.ErrScopeMissing("server options")
	}
	if opts.URL == "" {
		return nil, errors.ErrConfigInvalid("server.url", "required in API mode")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	return &Client{
		base:        strings.TrimRight(opts.URL, "/"),
		scope:       opts.Scope,
		apiKey:      opts.APIKey,
		http:        &http.Client{Timeout: timeout},
		maxAttempts: attempts,
	}, nil
}

func (c *Client) Close() error { return nil }

// apiError is the store's error payload.
type apiError struct {
	Error string `json:"error"`
}

// do sends one request with retries. Only network failures and 5xx
// responses retry; everything else maps straight to a typed error.
// The returned body is nil for 204.
func (c *Client) do(ctx context.Context, method, path string, body any, taskID string) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set(ScopeHeader, c.scope)
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNoContent:
			return nil, nil
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return data, nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
			continue
		default:
			return nil, c.statusError(resp.StatusCode, data, taskID)
		}
	}
	return nil, errors.ErrTransient(method+" "+path, lastErr)
}

// statusError maps a non-retryable status to a typed error.
func (c *Client) statusError(status int, body []byte, taskID string) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	msg := ae.Error
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	switch status {
	case http.StatusNotFound:
		return errors.ErrTaskNotFound(taskID)
	case http.StatusConflict:
		return errors.ErrConflict(taskID, 0)
	case http.StatusPreconditionFailed:
		return errors.ErrPreconditionFailed(taskID, msg)
	case http.StatusBadRequest:
		return errors.ErrInvalidArgument("request", msg)
	default:
		return fmt.Errorf("store returned status %d: %s", status, msg)
	}
}

// sleepBackoff waits base*2^(attempt-1) with jitter, or returns
// early when the context ends.
func sleepBackoff(ctx context.Context, attempt int) error {
	d := backoffBase << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(d)))
	wait := d/2 + jitter

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func decodeTask(data []byte) (*task.Task, error) {
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

// Create inserts a new task.
func (c *Client) Create(ctx context.Context, t *task.Task) (*task.Task, error) {
	if strings.EqualFold(strings.TrimSpace(t.BlockedBy), "none") && t.BlockedBy != "" {
		return nil, errors.ErrInvalidArgument("blocked_by", `literal "None" must be normalized to empty before create`)
	}
	data, err := c.do(ctx, http.MethodPost, "/v1/tasks", t, t.ID)
	if err != nil {
		return nil, err
	}
	return decodeTask(data)
}

// Get returns a task or NotFound.
func (c *Client) Get(ctx context.Context, id string) (*task.Task, error) {
	data, err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id), nil, id)
	if err != nil {
		return nil, err
	}
	return decodeTask(data)
}

// List returns tasks matching the filter in claim order. Ordering is
// the server's responsibility; the client re-sorts defensively.
func (c *Client) List(ctx context.Context, f store.ListFilter) ([]*task.Task, error) {
	q := url.Values{}
	if f.Queue != "" {
		q.Set("queue", string(f.Queue))
	}
	if f.ClaimedBy != "" {
		q.Set("claimed_by", f.ClaimedBy)
	}
	if f.Role != "" {
		q.Set("role", f.Role)
	}
	if f.ProjectID != "" {
		q.Set("project_id", f.ProjectID)
	}

	path := "/v1/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	data, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}

	var tasks []*task.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	task.Sort(tasks)
	return tasks, nil
}

type claimBody struct {
	OrchestratorID string `json:"orchestrator_id"`
	AgentName      string `json:"agent_name"`
	RoleFilter     string `json:"role_filter,omitempty"`
	TypeFilter     string `json:"type_filter,omitempty"`
	Queue          string `json:"queue"`
	MaxClaimed     int    `json:"max_claimed"`
	LeaseSeconds   int    `json:"lease_duration_seconds"`
}

// Claim asks the server for the next eligible task. A 204 means
// nothing is claimable and returns (nil, nil).
func (c *Client) Claim(ctx context.Context, req store.ClaimRequest) (*task.Task, error) {
	queue := req.Queue
	if queue == "" {
		queue = task.QueueIncoming
	}
	body := claimBody{
		OrchestratorID: req.OrchestratorID,
		AgentName:      req.AgentName,
		RoleFilter:     req.RoleFilter,
		TypeFilter:     req.TypeFilter,
		Queue:          string(queue),
		MaxClaimed:     req.MaxClaimed,
		LeaseSeconds:   int(req.LeaseDuration.Seconds()),
	}
	data, err := c.do(ctx, http.MethodPost, "/v1/tasks/claim", body, "")
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return decodeTask(data)
}

// Submit moves a claimed task to provisional.
func (c *Client) Submit(ctx context.Context, req store.SubmitRequest) (*task.Task, error) {
	body := map[string]any{
		"commits_count": req.CommitsCount,
		"turns_used":    req.TurnsUsed,
		"notes":         req.Notes,
		"version":       req.Version,
	}
	data, err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(req.TaskID)+"/submit", body, req.TaskID)
	if err != nil {
		return nil, err
	}
	return decodeTask(data)
}

// Accept moves a provisional task to done.
func (c *Client) Accept(ctx context.Context, id, acceptedBy string, version int64) (*task.Task, error) {
	body := map[string]any{"accepted_by": acceptedBy, "version": version}
	data, err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(id)+"/accept", body, id)
	if err != nil {
		return nil, err
	}
	return decodeTask(data)
}

// Reject sends a provisional task back with feedback.
func (c *Client) Reject(ctx context.Context, id, reason, rejectedBy string, version int64) (*task.Task, error) {
	body := map[string]any{"reason": reason, "rejected_by": rejectedBy, "version": version}
	data, err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(id)+"/reject", body, id)
	if err != nil {
		return nil, err
	}
	return decodeTask(data)
}

// Update writes the full record; the server applies CAS on version.
func (c *Client) Update(ctx context.Context, t *task.Task) (*task.Task, error) {
	data, err := c.do(ctx, http.MethodPut, "/v1/tasks/"+url.PathEscape(t.ID), t, t.ID)
	if err != nil {
		return nil, err
	}
	return decodeTask(data)
}

// Delete removes a task record.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/tasks/"+url.PathEscape(id), nil, id)
	return err
}

// QueueCounts returns per-queue counts for the scope.
func (c *Client) QueueCounts(ctx context.Context) (map[task.Queue]int, error) {
	data, err := c.do(ctx, http.MethodGet, "/v1/queues/counts", nil, "")
	if err != nil {
		return nil, err
	}
	var raw map[string]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode queue counts: %w", err)
	}
	counts := make(map[task.Queue]int, len(raw))
	for q, n := range raw {
		counts[task.Queue(q)] = n
	}
	return counts, nil
}
