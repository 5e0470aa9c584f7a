// Package apiclient talks to the notifyhub HTTP API on behalf of a listener.
package apiclient

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

	"github.com/internhub/notifyhub/internal/connection"
	"github.com/internhub/notifyhub/internal/models"
	"github.com/internhub/notifyhub/internal/realtime"
	"github.com/pkg/errors"
)

const (
	defaultTimeout = 10 * time.Second
	// codeNotConfigured matches the server's 503 error code.
	codeNotConfigured = "REALTIME_NOT_CONFIGURED"
)

var ErrNotFound = errors.New("not found")

// StatusError is a non-2xx response the client has no special handling for.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.Status, e.Body)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Grant is a realtime token and the channels it covers.
type Grant struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Channels  struct {
		Personal  string `json:"personal"`
		Broadcast string `json:"broadcast"`
		Presence  string `json:"presence"`
	} `json:"channels"`
}

// Covers reports whether the grant names the same channels the client
// subscribes to for userID.
func (g Grant) Covers(channels realtime.Channels, userID string) bool {
	return g.Channels.Personal == channels.User(userID) &&
		g.Channels.Broadcast == channels.Broadcast() &&
		g.Channels.Presence == channels.Presence()
}

// RealtimeToken fetches a transport token. It returns connection.ErrNotConfigured
// when the server has no transport.
func (c *Client) RealtimeToken(ctx context.Context) (Grant, error) {
	var grant Grant
	err := c.do(ctx, http.MethodGet, "/api/realtime/token", nil, &grant)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Status == http.StatusServiceUnavailable && strings.Contains(statusErr.Body, codeNotConfigured) {
		return Grant{}, connection.ErrNotConfigured
	}
	return grant, err
}

func (c *Client) ListRecent(ctx context.Context, limit int) ([]models.Notification, error) {
	var resp struct {
		Notifications []models.Notification `json:"notifications"`
	}
	path := "/api/notifications?limit=" + url.QueryEscape(strconv.Itoa(limit))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Notifications, nil
}

func (c *Client) Acknowledge(ctx context.Context, notificationID string) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/"+url.PathEscape(notificationID)+"/ack", nil, nil)
}

func (c *Client) MarkDelivered(ctx context.Context, notificationID string) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/"+url.PathEscape(notificationID)+"/delivered", nil, nil)
}

// SetPresence mirrors presence through the API. The user id must match the
// token's subject, the server ignores it otherwise.
func (c *Client) SetPresence(ctx context.Context, _ string, online bool, _ time.Time) error {
	return c.do(ctx, http.MethodPost, "/api/presence", map[string]bool{"online": online}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
