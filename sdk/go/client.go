// Package onecostsdk is the typed HTTP client used by the external portal
// robot: log in or present an API key, poll for work, report observations.
package onecostsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal OneCost HTTP API client.
type Client struct {
	BaseURL string
	// BasePath mirrors the server's configured API base path.
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
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// CostRequest represents the API request model.
type CostRequest struct {
	ID                        int64    `json:"id"`
	CaseReference             string   `json:"case_reference"`
	ProcessNumber             *string  `json:"process_number,omitempty"`
	RequestNumber             string   `json:"request_number"`
	Amount                    string   `json:"amount"`
	RequestedDate             string   `json:"requested_date"`
	UserConfirmationRequested bool     `json:"user_confirmation_requested"`
	PortalStatus              *string  `json:"portal_status,omitempty"`
	RobotStatus               string   `json:"robot_status"`
	LastRobotCheckAt          *string  `json:"last_robot_check_at,omitempty"`
	ConfirmedBy               *string  `json:"confirmed_by,omitempty"`
	TreatedBy                 *string  `json:"treated_by,omitempty"`
	Archived                  bool     `json:"archived"`
	Attachments               []string `json:"attachments"`
}

// Actor represents an authenticated identity.
type Actor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// RobotReport is one portal observation.
type RobotReport struct {
	PortalStatus *string  `json:"portal_status,omitempty"`
	RobotStatus  string   `json:"robot_status"`
	CheckedAt    *string  `json:"checked_at,omitempty"`
	ConfirmedBy  *string  `json:"confirmed_by,omitempty"`
	Attachments  []string `json:"attachments,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login exchanges credentials for a bearer token and stores it on the client.
func (c *Client) Login(ctx context.Context, username, password string) (Actor, error) {
	var resp struct {
		Token string `json:"token"`
		Actor Actor  `json:"actor"`
	}
	err := c.do(ctx, http.MethodPost, "auth/login", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	if err != nil {
		return Actor{}, err
	}
	c.BearerToken = resp.Token
	return resp.Actor, nil
}

// Me returns the authenticated actor.
func (c *Client) Me(ctx context.Context) (Actor, error) {
	var resp Actor
	err := c.do(ctx, http.MethodGet, "auth/me", nil, &resp)
	return resp, err
}

// ListPending returns requests waiting for robot work: the pending and error
// categories, most recent first.
func (c *Client) ListPending(ctx context.Context) ([]CostRequest, error) {
	return c.ListRequests(ctx, "pending,error")
}

// ListRequests lists active requests, optionally filtered by comma-separated
// robot status categories.
func (c *Client) ListRequests(ctx context.Context, status string) ([]CostRequest, error) {
	endpoint := "requests"
	if status != "" {
		endpoint += "?status=" + status
	}
	var resp []CostRequest
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetRequest fetches one request by id.
func (c *Client) GetRequest(ctx context.Context, id int64) (CostRequest, error) {
	var resp CostRequest
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("requests/%d", id), nil, &resp)
	return resp, err
}

// Report submits a portal observation for a request.
func (c *Client) Report(ctx context.Context, id int64, report RobotReport) (CostRequest, error) {
	var resp CostRequest
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("requests/%d/robot-report", id), report, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + c.basePath() + "/" + strings.TrimLeft(endpoint, "/")
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Client) basePath() string {
	p := strings.Trim(c.BasePath, "/")
	if p == "" {
		return "/v0"
	}
	return "/" + p
}
