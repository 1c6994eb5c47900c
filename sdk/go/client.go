package leadlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Leadline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v1",
		Timeout:  10 * time.Second,
	}
}

// Outreach represents the API outreach model (partial).
type Outreach struct {
	ID               string  `json:"id"`
	DatasetID        *string `json:"dataset_id,omitempty"`
	LeadID           *string `json:"lead_id,omitempty"`
	RequesterEmail   string  `json:"requester_email"`
	ContactEmail     string  `json:"contact_email"`
	ContactName      string  `json:"contact_name,omitempty"`
	Status           string  `json:"status"`
	Subject          string  `json:"email_subject"`
	Body             string  `json:"email_body"`
	ApprovalRequired bool    `json:"approval_required"`
	ApprovedBy       *string `json:"approved_by,omitempty"`
	MessageID        *string `json:"message_id,omitempty"`
	ThreadID         *string `json:"thread_id,omitempty"`
	LastError        *string `json:"last_error,omitempty"`
	SentAt           *string `json:"sent_at,omitempty"`
	RepliedAt        *string `json:"replied_at,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

// CreateOutreach is the create request body.
type CreateOutreach struct {
	DatasetID        string `json:"dataset_id,omitempty"`
	LeadID           string `json:"lead_id,omitempty"`
	RequesterEmail   string `json:"requester_email,omitempty"`
	RequesterName    string `json:"requester_name,omitempty"`
	ContactEmail     string `json:"contact_email"`
	ContactName      string `json:"contact_name,omitempty"`
	Subject          string `json:"email_subject,omitempty"`
	Body             string `json:"email_body,omitempty"`
	Persona          string `json:"persona,omitempty"`
	ApprovalRequired bool   `json:"approval_required,omitempty"`
	Enqueue          bool   `json:"enqueue,omitempty"`
}

// SendResult carries the record after a send; Error is the provider error
// when the attempt failed.
type SendResult struct {
	Outreach Outreach `json:"outreach"`
	Error    string   `json:"error,omitempty"`
}

// BulkResult reports a bulk send.
type BulkResult struct {
	Queued []string          `json:"queued"`
	Sent   []string          `json:"sent"`
	Failed map[string]string `json:"failed"`
}

// Task represents a tracked background job.
type Task struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	UserEmail    string          `json:"user_email"`
	Output       json.RawMessage `json:"output_data,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	Attempts     int             `json:"attempts"`
	CreatedAt    string          `json:"created_at"`
}

// Dispatched identifies a queued job and its task.
type Dispatched struct {
	JobID  string `json:"job_id"`
	TaskID string `json:"task_id,omitempty"`
}

// PaginatedOutreach wraps list responses with cursors.
type PaginatedOutreach struct {
	Items      []Outreach `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// PaginatedTasks wraps list responses with cursors.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// ListOptions filters list calls. Zero values are omitted.
type ListOptions struct {
	Status string
	Limit  int
	Cursor string
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Cursor != "" {
		q.Set("cursor", o.Cursor)
	}
	return q
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateOutreach creates an outreach request.
func (c *Client) CreateOutreach(ctx context.Context, in CreateOutreach) (Outreach, error) {
	var resp Outreach
	err := c.do(ctx, http.MethodPost, "outreach", in, &resp)
	return resp, err
}

// GetOutreach fetches an outreach request by id.
func (c *Client) GetOutreach(ctx context.Context, id string) (Outreach, error) {
	var resp Outreach
	err := c.do(ctx, http.MethodGet, "outreach/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListOutreach returns one page of outreach requests, newest first.
func (c *Client) ListOutreach(ctx context.Context, opts ListOptions) (PaginatedOutreach, error) {
	var resp PaginatedOutreach
	err := c.do(ctx, http.MethodGet, withQuery("outreach", opts.query()), nil, &resp)
	return resp, err
}

// EnqueueOutreach moves a draft or failed request to the queue.
func (c *Client) EnqueueOutreach(ctx context.Context, id string) (Outreach, error) {
	return c.outreachAction(ctx, id, "enqueue", nil)
}

// ApproveOutreach records the caller's approval.
func (c *Client) ApproveOutreach(ctx context.Context, id string) (Outreach, error) {
	return c.outreachAction(ctx, id, "approve", nil)
}

// UpdateOutreachStatus applies a manual transition.
func (c *Client) UpdateOutreachStatus(ctx context.Context, id, status, reason string) (Outreach, error) {
	return c.outreachAction(ctx, id, "status", map[string]string{"status": status, "reason": reason})
}

func (c *Client) outreachAction(ctx context.Context, id, action string, body any) (Outreach, error) {
	var resp Outreach
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("outreach/%s/%s", url.PathEscape(id), action), body, &resp)
	return resp, err
}

// SendOutreach sends one request now.
func (c *Client) SendOutreach(ctx context.Context, id string) (SendResult, error) {
	var resp SendResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("outreach/%s/send", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// BulkSend sends several requests. One invalid id rejects the whole batch.
func (c *Client) BulkSend(ctx context.Context, ids []string) (BulkResult, error) {
	var resp BulkResult
	err := c.do(ctx, http.MethodPost, "outreach/bulk-send", map[string]any{"outreach_ids": ids}, &resp)
	return resp, err
}

// Prospect dispatches prospecting for repos.
func (c *Client) Prospect(ctx context.Context, repos []string, maxPerRepo int) (Dispatched, error) {
	body := map[string]any{"repos": repos}
	if maxPerRepo > 0 {
		body["max_per_repo"] = maxPerRepo
	}
	var resp Dispatched
	err := c.do(ctx, http.MethodPost, "leads/prospect", body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListTasks returns one page of tasks.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) (PaginatedTasks, error) {
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, withQuery("tasks", opts.query()), nil, &resp)
	return resp, err
}

// CancelTask cancels a pending or running task.
func (c *Client) CancelTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/cancel", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// WaitTask polls a task until it completes or fails, or ctx ends.
func (c *Client) WaitTask(ctx context.Context, id string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t, err := c.GetTask(ctx, id)
		if err != nil {
			return t, err
		}
		if t.Status == "completed" || t.Status == "failed" {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message, apiErr.Details = env.Error.Code, env.Error.Message, env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
