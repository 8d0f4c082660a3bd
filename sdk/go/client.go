// Package caseflowsdk is a minimal Caseflow HTTP API client for workers and
// integrations. It talks the org-scoped v0 surface and mirrors the server's
// wire types.
package caseflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a Caseflow API client. Set either BearerToken or APIKey; bearer
// wins when both are present, matching the server's auth order.
type Client struct {
	BaseURL     string
	OrgID       string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, orgID string) *Client {
	return &Client{
		BaseURL: baseURL,
		OrgID:   orgID,
		Timeout: 10 * time.Second,
	}
}

// Session is a long-lived orchestration context.
type Session struct {
	ID               string         `json:"id"`
	OrgID            string         `json:"org_id"`
	ThreadID         *string        `json:"thread_id,omitempty"`
	Status           string         `json:"status"`
	DirectorState    map[string]any `json:"director_state,omitempty"`
	SafetyState      map[string]any `json:"safety_state,omitempty"`
	CurrentObjective string         `json:"current_objective,omitempty"`
	Version          int64          `json:"version"`
	CreatedAt        string         `json:"created_at"`
	UpdatedAt        string         `json:"updated_at"`
}

// Command is a gated unit of work.
type Command struct {
	ID           string         `json:"id"`
	OrgID        string         `json:"org_id"`
	SessionID    string         `json:"session_id"`
	CommandType  string         `json:"command_type"`
	Payload      map[string]any `json:"payload,omitempty"`
	Status       string         `json:"status"`
	Priority     int            `json:"priority"`
	ScheduledFor string         `json:"scheduled_for"`
	IssuedBy     string         `json:"issued_by"`
	Result       map[string]any `json:"result,omitempty"`
	LastError    *string        `json:"last_error,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

// Job is the claimable record behind a command.
type Job struct {
	ID          string  `json:"id"`
	OrgID       string  `json:"org_id"`
	CommandID   string  `json:"command_id"`
	WorkerClass string  `json:"worker_class"`
	DomainKey   *string `json:"domain_key,omitempty"`
	Status      string  `json:"status"`
	Attempts    int     `json:"attempts"`
	ScheduledAt string  `json:"scheduled_at"`
}

// Envelope bundles a claimed job with its command and session.
type Envelope struct {
	Session Session `json:"session"`
	Command Command `json:"command"`
	Job     Job     `json:"job"`
}

// SafetyDecision reports the gate's verdict on a submitted command.
type SafetyDecision struct {
	Status      string   `json:"status"`
	Reasons     []string `json:"reasons,omitempty"`
	Mitigations []string `json:"mitigations,omitempty"`
}

// IntakeResult is the outcome of command submission.
type IntakeResult struct {
	Outcome string         `json:"outcome"`
	Safety  SafetyDecision `json:"safety"`
	Session *Session       `json:"session,omitempty"`
	Command *Command       `json:"command,omitempty"`
	Job     *Job           `json:"job,omitempty"`
}

// CommandResult is what a worker reports when a job finishes.
type CommandResult struct {
	Status     string           `json:"status"`
	Output     map[string]any   `json:"output,omitempty"`
	Notices    []string         `json:"notices,omitempty"`
	FollowUps  []map[string]any `json:"follow_ups,omitempty"`
	Telemetry  map[string]any   `json:"telemetry,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	HITLReason string           `json:"hitl_reason,omitempty"`
}

// CompletionResult is the outcome of reporting a job result.
type CompletionResult struct {
	Outcome     string   `json:"outcome"`
	Message     string   `json:"message,omitempty"`
	FinalStatus string   `json:"final_status,omitempty"`
	Command     *Command `json:"command,omitempty"`
}

// Connector is an org's external system registration.
type Connector struct {
	ID           string         `json:"id"`
	OrgID        string         `json:"org_id"`
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	Status       string         `json:"status"`
	Config       map[string]any `json:"config,omitempty"`
	LastSyncedAt *string        `json:"last_synced_at,omitempty"`
}

// Event is an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// SubmitCommandRequest is the intake payload.
type SubmitCommandRequest struct {
	SessionID    string         `json:"session_id,omitempty"`
	ThreadID     string         `json:"thread_id,omitempty"`
	Objective    string         `json:"objective,omitempty"`
	CommandType  string         `json:"command_type"`
	Payload      map[string]any `json:"payload,omitempty"`
	Priority     *int           `json:"priority,omitempty"`
	ScheduledFor string         `json:"scheduled_for,omitempty"`
	WorkerClass  string         `json:"worker_class,omitempty"`
	DomainKey    string         `json:"domain_key,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// SubmitCommand runs a command through intake. A rejected verdict is reported
// in the result, not as an error.
func (c *Client) SubmitCommand(ctx context.Context, req SubmitCommandRequest) (IntakeResult, error) {
	var resp IntakeResult
	err := c.do(ctx, http.MethodPost, c.orgPath("commands"), req, &resp)
	return resp, err
}

// GetCommand fetches a command by id.
func (c *Client) GetCommand(ctx context.Context, id string) (Command, error) {
	var resp Command
	err := c.do(ctx, http.MethodGet, c.orgPath("commands/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// CancelCommand cancels a queued command.
func (c *Client) CancelCommand(ctx context.Context, id string) (Command, error) {
	var resp Command
	err := c.do(ctx, http.MethodPost, c.orgPath("commands/"+url.PathEscape(id)+"/cancel"), nil, &resp)
	return resp, err
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, c.orgPath("sessions/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ClaimJobs atomically claims up to limit jobs for one worker class.
func (c *Client) ClaimJobs(ctx context.Context, workerClass string, limit int) ([]Envelope, error) {
	body := map[string]any{"worker_class": workerClass}
	if limit > 0 {
		body["limit"] = limit
	}
	var resp []Envelope
	err := c.do(ctx, http.MethodPost, c.orgPath("jobs/claim"), body, &resp)
	return resp, err
}

// CompleteJob reports a job result.
func (c *Client) CompleteJob(ctx context.Context, jobID string, result CommandResult) (CompletionResult, error) {
	body := map[string]any{"result": result}
	var resp CompletionResult
	err := c.do(ctx, http.MethodPost, c.orgPath("jobs/"+url.PathEscape(jobID)+"/complete"), body, &resp)
	return resp, err
}

// RegisterConnector upserts a connector keyed by (type, name).
func (c *Client) RegisterConnector(ctx context.Context, connType, name, status string, config map[string]any) (Connector, error) {
	body := map[string]any{
		"type":   connType,
		"name":   name,
		"status": status,
		"config": config,
	}
	var resp Connector
	err := c.do(ctx, http.MethodPost, c.orgPath("connectors"), body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.orgPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
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
	req.Header.Set("Content-Type", "application/json")
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) orgPath(p string) string {
	org := url.PathEscape(c.OrgID)
	return fmt.Sprintf("v0/orgs/%s/%s", org, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
