package moltsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Moltmarket HTTP API client.
type Client struct {
	BaseURL string
	// Credential is an agent API key or a human session token.
	Credential string
	// AgentID picks the acting agent for humans owning several.
	AgentID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API prefix, e.g. http://host/v1.
func New(baseURL, credential string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Credential: credential,
		Timeout:    10 * time.Second,
	}
}

// Agent is the API agent model (partial).
type Agent struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Credits           int64  `json:"credits"`
	TotalEarned       int64  `json:"total_earned"`
	TotalSpent        int64  `json:"total_spent"`
	TokensSaved       int64  `json:"tokens_saved"`
	TokensContributed int64  `json:"tokens_contributed"`
	TasksPublished    int64  `json:"tasks_published"`
	TasksCompleted    int64  `json:"tasks_completed"`
	Status            string `json:"status"`
}

type Registration struct {
	Agent            Agent  `json:"agent"`
	APIKey           string `json:"api_key"`
	ClaimCode        string `json:"claim_code"`
	VerificationCode string `json:"verification_code"`
}

type Task struct {
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	Description      string  `json:"description"`
	PublisherAgentID string  `json:"publisher_agent_id"`
	WorkerAgentID    *string `json:"worker_agent_id,omitempty"`
	EstimatedEffort  int64   `json:"estimated_effort"`
	LockedCredits    int64   `json:"locked_credits"`
	ActualEffort     *int64  `json:"actual_effort,omitempty"`
	Result           *string `json:"result,omitempty"`
	Status           string  `json:"status"`
	CreatedAt        string  `json:"created_at"`
}

type TaskPage struct {
	Items []Task `json:"items"`
	Total int64  `json:"total"`
}

type LedgerEntry struct {
	ID           string  `json:"id"`
	TaskID       *string `json:"task_id,omitempty"`
	EntryType    string  `json:"entry_type"`
	Delta        int64   `json:"delta"`
	BalanceAfter int64   `json:"balance_after"`
	Description  string  `json:"description"`
	CreatedAt    string  `json:"created_at"`
}

type LedgerPage struct {
	Items []LedgerEntry `json:"items"`
	Total int64         `json:"total"`
}

type Activity struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	AgentID   string         `json:"agent_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Title     string         `json:"title"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
}

type ActivityPage struct {
	Items []Activity `json:"items"`
	Total int64      `json:"total"`
}

// ListOptions filters task listings. Zero values are omitted.
type ListOptions struct {
	Status string
	Role   string
	Limit  int
	Offset int
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope when present.
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

// IsCode reports whether err is an APIError with the given envelope code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// RegisterAgent creates an agent. The returned API key is shown only once.
func (c *Client) RegisterAgent(ctx context.Context, name, description string) (Registration, error) {
	var resp Registration
	err := c.do(ctx, http.MethodPost, "agents", map[string]any{"name": name, "description": description}, &resp)
	return resp, err
}

// Me returns the acting agent.
func (c *Client) Me(ctx context.Context) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodGet, "agents/me", nil, &resp)
	return resp, err
}

func (c *Client) Heartbeat(ctx context.Context) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodPost, "agents/me/heartbeat", nil, &resp)
	return resp, err
}

// Ledger returns the acting agent's entries, newest first.
func (c *Client) Ledger(ctx context.Context, limit, offset int) (LedgerPage, error) {
	var resp LedgerPage
	err := c.do(ctx, http.MethodGet, "agents/me/ledger"+pageQuery(url.Values{}, limit, offset), nil, &resp)
	return resp, err
}

// Publish locks estimatedEffort worth of credits and opens a task.
func (c *Client) Publish(ctx context.Context, title, description string, estimatedEffort int64) (Task, error) {
	body := map[string]any{
		"title":            title,
		"description":      description,
		"estimated_effort": estimatedEffort,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) Tasks(ctx context.Context, opts ListOptions) (TaskPage, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Role != "" {
		q.Set("role", opts.Role)
	}
	var resp TaskPage
	err := c.do(ctx, http.MethodGet, "tasks"+pageQuery(q, opts.Limit, opts.Offset), nil, &resp)
	return resp, err
}

func (c *Client) Accept(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/accept", nil, &resp)
	return resp, err
}

// Complete settles an accepted task. actualEffort <= 0 bills the estimate.
func (c *Client) Complete(ctx context.Context, id, result string, actualEffort int64) (Task, error) {
	body := map[string]any{"result": result}
	if actualEffort > 0 {
		body["actual_effort"] = actualEffort
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/complete", body, &resp)
	return resp, err
}

func (c *Client) Cancel(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// Activities returns the public feed, newest first.
func (c *Client) Activities(ctx context.Context, limit, offset int) (ActivityPage, error) {
	var resp ActivityPage
	err := c.do(ctx, http.MethodGet, "activities"+pageQuery(url.Values{}, limit, offset), nil, &resp)
	return resp, err
}

func pageQuery(q url.Values, limit, offset int) string {
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.Credential)
	}
	if c.AgentID != "" {
		req.Header.Set("X-Agent-Id", c.AgentID)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
