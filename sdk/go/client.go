package pledgelinesdk

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

// Client is a minimal pledgeline HTTP API client.
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
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Owner identifies the record a task list hangs off.
type Owner struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Task represents the API task model (partial).
type Task struct {
	ID           string         `json:"id"`
	Owner        Owner          `json:"owner"`
	Step         string         `json:"step"`
	Type         string         `json:"type"`
	Title        string         `json:"title"`
	AssignedRole string         `json:"assigned_role"`
	AssignedTo   string         `json:"assigned_to"`
	Status       string         `json:"status"`
	Dependencies []string       `json:"dependencies"`
	Order        float64        `json:"order"`
	Metadata     map[string]any `json:"metadata"`
	CompletedAt  string         `json:"completed_at,omitempty"`
}

type Participation struct {
	ID                     string `json:"id"`
	CampaignID             string `json:"campaign_id"`
	UserID                 string `json:"user_id"`
	OrganizationApproverID string `json:"organization_approver_id"`
	Status                 string `json:"status"`
}

type ParticipationResult struct {
	Participation Participation `json:"participation"`
	Tasks         []Task        `json:"tasks"`
}

type TaskList struct {
	Owner Owner  `json:"owner"`
	Tasks []Task `json:"tasks"`
	Next  *Task  `json:"next_task,omitempty"`
}

// TaskResult is returned by every single-task transition.
type TaskResult struct {
	Task      Task     `json:"task"`
	Unblocked []string `json:"unblocked"`
	Warnings  []string `json:"warnings,omitempty"`
}

type DecisionResult struct {
	Task          Task     `json:"task"`
	Decision      string   `json:"decision"`
	Inserted      *Task    `json:"inserted,omitempty"`
	Rewired       []string `json:"rewired,omitempty"`
	Participation string   `json:"participation_status,omitempty"`
	Unblocked     []string `json:"unblocked"`
}

type Invitation struct {
	ID           string `json:"id"`
	Owner        Owner  `json:"owner"`
	Role         string `json:"role"`
	InvitedEmail string `json:"invited_email"`
	Status       string `json:"status"`
	AcceptedBy   string `json:"accepted_by,omitempty"`
	ExpiresAt    string `json:"expires_at"`
}

type InvitationResult struct {
	Invitation Invitation `json:"invitation"`
	Revoked    []string   `json:"revoked,omitempty"`
	Warnings   []string   `json:"warnings,omitempty"`
}

type AcceptResult struct {
	Invitation      Invitation `json:"invitation"`
	AlreadyAccepted bool       `json:"already_accepted"`
	Reassigned      int        `json:"reassigned"`
	RoleGranted     bool       `json:"role_granted"`
	Unblocked       []string   `json:"unblocked"`
}

// Event represents a log entry.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	OwnerKind string `json:"owner_kind"`
	OwnerID   string `json:"owner_id"`
	TaskID    string `json:"task_id"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the error envelope's code
// when the body carried one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartParticipation starts the caller's participation in a campaign.
func (c *Client) StartParticipation(ctx context.Context, campaignID, orgApproverID string) (ParticipationResult, error) {
	body := map[string]any{
		"campaign_id":              campaignID,
		"organization_approver_id": orgApproverID,
	}
	var resp ParticipationResult
	err := c.do(ctx, http.MethodPost, "participations", body, &resp)
	return resp, err
}

// Tasks lists an owner's tasks in order.
func (c *Client) Tasks(ctx context.Context, owner Owner) (TaskList, error) {
	var resp TaskList
	err := c.do(ctx, http.MethodGet, ownerPath(owner, "tasks"), nil, &resp)
	return resp, err
}

func (c *Client) StartTask(ctx context.Context, taskID string) (TaskResult, error) {
	var resp TaskResult
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "start"), nil, &resp)
	return resp, err
}

// CompleteTask completes a task. payload may be nil.
func (c *Client) CompleteTask(ctx context.Context, taskID string, payload map[string]any) (TaskResult, error) {
	var body any
	if payload != nil {
		body = map[string]any{"payload": payload}
	}
	var resp TaskResult
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "complete"), body, &resp)
	return resp, err
}

func (c *Client) AttachEnvelope(ctx context.Context, taskID, envelopeID string) (TaskResult, error) {
	var resp TaskResult
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "envelope"), map[string]any{"envelope_id": envelopeID}, &resp)
	return resp, err
}

// Decide submits a commitment decision. amount is ignored for commit_after_valuation.
func (c *Client) Decide(ctx context.Context, taskID, decision string, amount float64) (DecisionResult, error) {
	body := map[string]any{"decision": decision}
	if amount > 0 {
		body["amount"] = amount
	}
	var resp DecisionResult
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "commitment-decision"), body, &resp)
	return resp, err
}

func (c *Client) Invite(ctx context.Context, owner Owner, email string) (InvitationResult, error) {
	var resp InvitationResult
	err := c.do(ctx, http.MethodPost, ownerPath(owner, "invitations"), map[string]any{"email": email}, &resp)
	return resp, err
}

func (c *Client) AcceptInvitation(ctx context.Context, token string) (AcceptResult, error) {
	var resp AcceptResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("invitations/%s/accept", url.PathEscape(token)), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing for an owner.
func (c *Client) EventsPage(ctx context.Context, owner Owner, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := ownerPath(owner, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func ownerPath(o Owner, p string) string {
	return fmt.Sprintf("owners/%s/%s/%s", url.PathEscape(o.Kind), url.PathEscape(o.ID), p)
}

func taskPath(id, p string) string {
	return fmt.Sprintf("tasks/%s/%s", url.PathEscape(id), p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
