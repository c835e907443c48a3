package sdlinesdk

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

// Client is a minimal sdline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     30 * time.Second,
	}
}

// Directive represents the API directive model (partial).
type Directive struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Type           string   `json:"sd_type"`
	CurrentPhase   string   `json:"current_phase"`
	ActivePhase    string   `json:"active_phase"`
	Status         string   `json:"status"`
	SubState       string   `json:"sub_state"`
	Priority       string   `json:"priority"`
	Children       []string `json:"children"`
	ApprovalStatus string   `json:"approval_status"`
	Handoffs       []struct {
		ID     string `json:"id"`
		Type   string `json:"handoff_type"`
		Status string `json:"status"`
	} `json:"handoffs"`
}

// Decision is one logged judgment.
type Decision struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Category  string         `json:"category"`
	Action    string         `json:"action"`
	Reason    string         `json:"reason"`
	Context   map[string]any `json:"context"`
}

// RunOptions mirror the run request body.
type RunOptions struct {
	Phase     string `json:"phase,omitempty"`
	Force     bool   `json:"force,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// RunResult summarizes a run.
type RunResult struct {
	SessionID string     `json:"session_id"`
	Outcome   string     `json:"outcome"`
	Completed []string   `json:"completed_phases"`
	Decisions []Decision `json:"decisions"`
}

// DimensionScore is one compliance dimension.
type DimensionScore struct {
	Score   int            `json:"score"`
	Details map[string]any `json:"details"`
}

// ComplianceReport is the weighted compliance score of a directive.
type ComplianceReport struct {
	DirectiveID     string                    `json:"sd_id"`
	Composite       bool                      `json:"composite"`
	Overall         int                       `json:"overall"`
	Grade           string                    `json:"grade"`
	Dimensions      map[string]DimensionScore `json:"dimensions"`
	Progress        int                       `json:"progress"`
	Recommendations []string                  `json:"recommendations"`
}

// PipelineHealth reports the approval rate of improvement proposals.
type PipelineHealth struct {
	Status       string   `json:"status"`
	Total        int      `json:"total"`
	Approved     int      `json:"approved"`
	Rejected     int      `json:"rejected"`
	Pending      int      `json:"pending"`
	ApprovalRate float64  `json:"approval_rate"`
	Warnings     []string `json:"warnings"`
}

// Outcome is a proposal outcome to record.
type Outcome struct {
	ProposalID   string  `json:"proposal_id"`
	ProposalType string  `json:"proposal_type"`
	Target       string  `json:"target,omitempty"`
	Decision     string  `json:"decision"`
	Category     string  `json:"category,omitempty"`
	Score        float64 `json:"score,omitempty"`
	Tokens       int     `json:"tokens,omitempty"`
	Content      string  `json:"content,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Blocked reports whether the error is a run stopped by unmet requirements.
func (e *APIError) Blocked() bool {
	return e.StatusCode == http.StatusConflict && e.Code == "requirements_unmet"
}

// Health checks the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// Directive fetches a directive with its handoffs.
func (c *Client) Directive(ctx context.Context, id string) (Directive, error) {
	var resp Directive
	err := c.do(ctx, http.MethodGet, "directives/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Run advances a directive. A blocked run returns an *APIError whose
// Details name the failed requirements.
func (c *Client) Run(ctx context.Context, id string, opts RunOptions) (RunResult, error) {
	var resp RunResult
	err := c.do(ctx, http.MethodPost, "directives/"+url.PathEscape(id)+"/run", opts, &resp)
	return resp, err
}

// Compliance scores a directive.
func (c *Client) Compliance(ctx context.Context, id string) (ComplianceReport, error) {
	var resp ComplianceReport
	err := c.do(ctx, http.MethodGet, "directives/"+url.PathEscape(id)+"/compliance", nil, &resp)
	return resp, err
}

// Decisions lists logged decisions, optionally for one session.
func (c *Client) Decisions(ctx context.Context, id, session string) ([]Decision, error) {
	endpoint := "directives/" + url.PathEscape(id) + "/decisions"
	if session != "" {
		endpoint += "?session=" + url.QueryEscape(session)
	}
	var resp struct {
		Items []Decision `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// PipelineHealth returns the improvement pipeline status.
func (c *Client) PipelineHealth(ctx context.Context) (PipelineHealth, error) {
	var resp PipelineHealth
	err := c.do(ctx, http.MethodGet, "pipeline/health", nil, &resp)
	return resp, err
}

// RecordOutcome records a proposal outcome.
func (c *Client) RecordOutcome(ctx context.Context, o Outcome) error {
	return c.do(ctx, http.MethodPost, "pipeline/outcomes", o, nil)
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
