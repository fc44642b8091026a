// Package client is the Go SDK for the zamok HTTP API. It covers the
// authentication surface plus the admin operations the CLI tools need.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Client talks to one zamok-api instance. Safe for concurrent use; the
// bearer token is shared by all calls after Login or SetToken.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// New creates a client against the given base URL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken installs the bearer token for subsequent calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the currently installed bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// APIError carries the service error envelope.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: %s (%s, status %d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("api: %s (status %d)", e.Message, e.Status)
}

// Session mirrors the login/refresh response payload.
type Session struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	User             Identity  `json:"user"`
}

// Identity is the user block of a session or the /me payload.
type Identity struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions,omitempty"`
}

// Login authenticates and installs the returned access token on the client.
func (c *Client) Login(ctx context.Context, login, password string) (*Session, error) {
	var session Session
	err := c.do(ctx, http.MethodPost, "/v1/auth/login", map[string]string{
		"login":    login,
		"password": password,
	}, &session)
	if err != nil {
		return nil, err
	}
	c.SetToken(session.AccessToken)
	return &session, nil
}

// Refresh rotates the refresh token and installs the new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	var session Session
	err := c.do(ctx, http.MethodPost, "/v1/auth/refresh", map[string]string{
		"refresh_token": refreshToken,
	}, &session)
	if err != nil {
		return nil, err
	}
	c.SetToken(session.AccessToken)
	return &session, nil
}

// Logout consumes the refresh token and blacklists the installed bearer.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	err := c.do(ctx, http.MethodPost, "/v1/auth/logout", map[string]string{
		"refresh_token": refreshToken,
	}, nil)
	if err == nil {
		c.SetToken("")
	}
	return err
}

// Me returns the authenticated principal with its effective permissions.
func (c *Client) Me(ctx context.Context) (*Identity, error) {
	var id Identity
	if err := c.do(ctx, http.MethodGet, "/v1/auth/me", nil, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

// ChangePassword rotates the current user's credential. Every refresh token
// of the account is revoked server-side.
func (c *Client) ChangePassword(ctx context.Context, current, next string) error {
	return c.do(ctx, http.MethodPost, "/v1/auth/password", map[string]string{
		"current_password": current,
		"new_password":     next,
	}, nil)
}

// Healthz pings the liveness endpoint.
func (c *Client) Healthz(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// --- admin surface ---

// CreateUserInput is the admin user-creation payload.
type CreateUserInput struct {
	Email    string   `json:"email"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password"`
	Roles    []string `json:"roles,omitempty"`
}

// User is the admin view of an identity.
type User struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	Username       string     `json:"username,omitempty"`
	Status         string     `json:"status"`
	Verified       bool       `json:"verified"`
	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	Roles          []string   `json:"roles,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// CreateUser registers a new identity (USER_WRITE).
func (c *Client) CreateUser(ctx context.Context, in CreateUserInput) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodPost, "/v1/admin/users", in, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// SetUserStatus activates or disables an account (USER_WRITE).
func (c *Client) SetUserStatus(ctx context.Context, userID, status string) error {
	return c.do(ctx, http.MethodPut, "/v1/admin/users/"+url.PathEscape(userID)+"/status",
		map[string]string{"status": status}, nil)
}

// AssignRole grants a role by name (USER_WRITE).
func (c *Client) AssignRole(ctx context.Context, userID, role string) error {
	return c.do(ctx, http.MethodPost,
		"/v1/admin/users/"+url.PathEscape(userID)+"/roles/"+url.PathEscape(role), nil, nil)
}

// RemoveRole revokes a role by name (USER_WRITE).
func (c *Client) RemoveRole(ctx context.Context, userID, role string) error {
	return c.do(ctx, http.MethodDelete,
		"/v1/admin/users/"+url.PathEscape(userID)+"/roles/"+url.PathEscape(role), nil, nil)
}

// RevokeSessions drops every refresh token of a user (SESSION_REVOKE) and
// returns the count of revoked sessions.
func (c *Client) RevokeSessions(ctx context.Context, userID string) (int, error) {
	var out struct {
		Revoked int `json:"revoked"`
	}
	err := c.do(ctx, http.MethodDelete,
		"/v1/admin/users/"+url.PathEscape(userID)+"/sessions", nil, &out)
	return out.Revoked, err
}

// Event is one entry of the security trail.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	UserID     string    `json:"user_id,omitempty"`
	Email      string    `json:"email,omitempty"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Success    bool      `json:"success"`
	Details    string    `json:"details,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventQuery filters the security trail. Zero values mean "no filter".
type EventQuery struct {
	Type   string
	UserID string
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// Events queries the security trail (EVENT_READ), newest first.
func (c *Client) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	params := url.Values{}
	if q.Type != "" {
		params.Set("type", q.Type)
	}
	if q.UserID != "" {
		params.Set("user_id", q.UserID)
	}
	if !q.Since.IsZero() {
		params.Set("since", q.Since.Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		params.Set("until", q.Until.Format(time.RFC3339))
	}
	if q.Limit > 0 {
		params.Set("limit", fmt.Sprint(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", fmt.Sprint(q.Offset))
	}
	path := "/v1/admin/events"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var out struct {
		Items []Event `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// --- plumbing ---

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Message: resp.Status}
	var envelope struct {
		Error     string `json:"error"`
		Code      string `json:"code"`
		RequestID string `json:"request_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error != "" {
		apiErr.Message = envelope.Error
		apiErr.Code = envelope.Code
		apiErr.RequestID = envelope.RequestID
	}
	return apiErr
}
