package jdsdk

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

// Client is a minimal JD request-lifecycle API client.
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
		BasePath: "api",
		Timeout:  10 * time.Second,
	}
}

// Rejection records one user's rejection of a request.
type Rejection struct {
	Username string `json:"username"`
	Reason   string `json:"reason,omitempty"`
	Date     string `json:"date"`
}

// Request represents the API request model.
type Request struct {
	ID                    string      `json:"id"`
	Title                 string      `json:"title"`
	Description           string      `json:"description,omitempty"`
	Department            string      `json:"department,omitempty"`
	Departments           []string    `json:"departments,omitempty"`
	Status                string      `json:"status"`
	Type                  string      `json:"type"`
	MultiDepartment       bool        `json:"multiDepartment"`
	Creator               string      `json:"creator"`
	UsersNeeded           int         `json:"usersNeeded"`
	UsersAccepted         int         `json:"usersAccepted"`
	AcceptedBy            []string    `json:"acceptedBy"`
	ParticipantsCompleted []string    `json:"participantsCompleted"`
	Rejections            []Rejection `json:"rejections,omitempty"`
	Archived              bool        `json:"archived"`
	IsExpired             bool        `json:"isExpired"`
}

// User represents a directory entry.
type User struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	FullName   string `json:"fullName,omitempty"`
	Department string `json:"department"`
	Role       string `json:"role,omitempty"`
}

// Department is one entry of the department directory.
type Department struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Icon        string `json:"icon,omitempty"`
	Description string `json:"description,omitempty"`
}

// Decision is the acceptance-gate verdict for one user.
type Decision struct {
	CanAccept bool   `json:"canAccept"`
	Reason    string `json:"reason,omitempty"`
}

// SweepSummary reports the effects of one expiry pass.
type SweepSummary struct {
	Updated       bool     `json:"updated"`
	ExpiredCount  int      `json:"expired_count"`
	ArchivedCount int      `json:"archived_count"`
	DeletedIDs    []string `json:"deleted_ids,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// CreateRequestOptions are the fields accepted when opening a request.
type CreateRequestOptions struct {
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Department      string   `json:"department,omitempty"`
	Departments     []string `json:"departments,omitempty"`
	Type            string   `json:"type,omitempty"`
	MultiDepartment bool     `json:"multiDepartment,omitempty"`
	UsersNeeded     int      `json:"usersNeeded,omitempty"`
	Priority        string   `json:"priority,omitempty"`
	RelatedProject  string   `json:"relatedProject,omitempty"`
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
func (c *Client) Login(ctx context.Context, username, password string) (User, error) {
	var resp struct {
		Token string `json:"token"`
		User  User   `json:"user"`
	}
	body := map[string]any{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, c.path("users/login"), body, &resp); err != nil {
		return User{}, err
	}
	c.BearerToken = resp.Token
	return resp.User, nil
}

// CreateRequest opens a new request.
func (c *Client) CreateRequest(ctx context.Context, opts CreateRequestOptions) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, c.path("requests"), opts, &resp)
	return resp, err
}

// GetRequest fetches one request by id.
func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, c.requestPath(id, ""), nil, &resp)
	return resp, err
}

// ListRequests fetches every request.
func (c *Client) ListRequests(ctx context.Context) ([]Request, error) {
	var resp []Request
	err := c.do(ctx, http.MethodGet, c.path("requests"), nil, &resp)
	return resp, err
}

// ListUserRequests fetches requests a user created or accepted.
func (c *Client) ListUserRequests(ctx context.Context, username string) ([]Request, error) {
	var resp []Request
	err := c.do(ctx, http.MethodGet, c.path("requests/user/"+url.PathEscape(username)), nil, &resp)
	return resp, err
}

// Accept joins the caller to a request's roster.
func (c *Client) Accept(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "accept"), nil, &resp)
	return resp, err
}

// Complete marks the caller's share of the work finished.
func (c *Client) Complete(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "complete"), nil, &resp)
	return resp, err
}

// Abandon withdraws the caller from a request.
func (c *Client) Abandon(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "abandon"), nil, &resp)
	return resp, err
}

// Reject declines a request with an optional reason.
func (c *Client) Reject(ctx context.Context, id, reason string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "reject"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Archive hides a request pending deletion.
func (c *Client) Archive(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "archive"), nil, &resp)
	return resp, err
}

// Unarchive restores an archived request.
func (c *Client) Unarchive(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "unarchive"), nil, &resp)
	return resp, err
}

// CanAccept asks the gate whether a user may accept a request.
func (c *Client) CanAccept(ctx context.Context, id, username, department string) (Decision, error) {
	var resp Decision
	body := map[string]any{"username": username, "department": department}
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "can-accept"), body, &resp)
	return resp, err
}

// CheckExpiration runs one server-side expiry pass.
func (c *Client) CheckExpiration(ctx context.Context) (SweepSummary, error) {
	var resp SweepSummary
	err := c.do(ctx, http.MethodPost, c.path("requests/check-expiration"), nil, &resp)
	return resp, err
}

// ListDepartments fetches the department directory.
func (c *Client) ListDepartments(ctx context.Context) ([]Department, error) {
	var resp []Department
	err := c.do(ctx, http.MethodGet, c.path("departments"), nil, &resp)
	return resp, err
}

func (c *Client) path(p string) string {
	return strings.Trim(c.BasePath, "/") + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) requestPath(id, action string) string {
	p := c.path("requests/" + url.PathEscape(id))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
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
