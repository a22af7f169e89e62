// Package backend is the client for the REST collaborator endpoints used by
// the chat: the user directory, message history and read receipts.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/rmachat/message"
)

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "http://localhost:8080"

// DefaultTimeout bounds each request.
const DefaultTimeout = 15 * time.Second

// RequestIDHeader carries a per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// ErrUserNotFound is returned by User when the directory has no such user.
var ErrUserNotFound = errors.New("user not found")

// StatusError is returned for responses with status 400 or above.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// User is a directory entry.
type User struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client talks to the REST backend.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for baseURL. An empty baseURL uses
// DefaultBaseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Users lists the user directory.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	var users []User
	if err := c.do(ctx, http.MethodGet, "/users", nil, &users); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// User looks up a single user.
func (c *Client) User(ctx context.Context, username string) (*User, error) {
	var u User
	err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(username), nil, &u)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("lookup %s: %w", username, ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", username, err)
	}
	if u.Username == "" {
		u.Username = username
	}
	return &u, nil
}

// MessagesBetween returns the stored frames exchanged between sender and
// receiver.
func (c *Client) MessagesBetween(ctx context.Context, sender, receiver string) ([]message.Frame, error) {
	q := url.Values{"sender": {sender}, "receiver": {receiver}}
	var frames []message.Frame
	if err := c.do(ctx, http.MethodGet, "/chat/messages/between?"+q.Encode(), nil, &frames); err != nil {
		return nil, fmt.Errorf("messages between %s and %s: %w", sender, receiver, err)
	}
	return frames, nil
}

// MarkAsRead records that receiver has read everything sender sent.
func (c *Client) MarkAsRead(ctx context.Context, sender, receiver string) error {
	q := url.Values{"sender": {sender}, "receiver": {receiver}}
	if err := c.do(ctx, http.MethodPost, "/chat/markAsRead?"+q.Encode(), nil, nil); err != nil {
		return fmt.Errorf("mark as read: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		se := &StatusError{
			Method:     method,
			Path:       req.URL.Path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			c.logger.Warn("Unauthorized backend request, session may have expired",
				"method", method,
				"path", se.Path,
				"request_id", req.Header.Get(RequestIDHeader))
		case resp.StatusCode >= 500:
			c.logger.Error("Backend server error",
				"method", method,
				"path", se.Path,
				"status", resp.StatusCode,
				"request_id", req.Header.Get(RequestIDHeader))
		}
		return se
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
