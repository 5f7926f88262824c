package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cinelog/cinelog-sync/internal/syncapi"
)

// TokenFunc supplies the bearer token for outgoing requests. It is called
// per request so a refreshed session token takes effect without rebuilding
// the client.
type TokenFunc func() (string, error)

// RemoteError is a non-2xx answer from the sync service.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("sync service: %d %s", e.StatusCode, e.Message)
}

// Temporary reports whether the failure is worth retrying. Server-side
// trouble and throttling are; a 4xx verdict on our payload is not.
func (e *RemoteError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client talks to the sync service over HTTP/JSON.
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenFunc
}

// NewClient builds a client for the service at baseURL. Every request is
// bounded by timeout so a dead network fails fast instead of hanging the
// sync loop.
func NewClient(baseURL string, timeout time.Duration, token TokenFunc) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		token:   token,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(raw, &apiErr)
		msg := apiErr.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &RemoteError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// PushStatus sends one film-status record, pre-encoded as queued.
func (c *Client) PushStatus(ctx context.Context, payload []byte) (bool, error) {
	var resp syncapi.PushResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sync/status", payload, &resp); err != nil {
		return false, err
	}
	return resp.Applied, nil
}

// RemoveStatus deletes one film-status record on the server.
func (c *Client) RemoveStatus(ctx context.Context, filmID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sync/status/"+url.PathEscape(filmID), nil, nil)
}

// PushPreferences sends the preferences record, pre-encoded as queued.
func (c *Client) PushPreferences(ctx context.Context, payload []byte) (bool, error) {
	var resp syncapi.PushResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sync/preferences", payload, &resp); err != nil {
		return false, err
	}
	return resp.Applied, nil
}

// PullChanges fetches everything updated strictly after sinceMs.
func (c *Client) PullChanges(ctx context.Context, sinceMs int64) (*syncapi.ChangesResponse, error) {
	var resp syncapi.ChangesResponse
	path := "/v1/sync/changes?since=" + strconv.FormatInt(sinceMs, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteAccount asks the server to drop the account and all its records.
func (c *Client) DeleteAccount(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/v1/account", nil, nil)
}

// retryable reports whether err is worth another attempt after backoff.
// Anything that never reached a verdict (timeouts, refused connections) is;
// a logical rejection of the payload is not.
func retryable(err error) bool {
	if remoteErr, ok := err.(*RemoteError); ok {
		return remoteErr.Temporary()
	}
	return true
}
