package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PetoAdam/lumina-relay/internal/command"
)

const (
	DefaultTimeout = 10 * time.Second
	maxBodyBytes   = 64 * 1024
)

// ErrResponseTooLarge is returned for 2xx bodies over the read limit; a cut
// body would no longer be valid JSON.
var ErrResponseTooLarge = errors.New("response too large")

// StatusError is returned for any non-2xx answer from the gateway.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.Status)
}

// Client talks to the lighting controller's local JSON API. BaseURL includes
// the API root (for WLED, http://host/json); request paths are appended to it.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// Do issues one request and returns the response body on 2xx. There is no
// retry here: retry policy belongs to whoever submitted the command.
func (c *Client) Do(ctx context.Context, r command.Request) ([]byte, error) {
	var body io.Reader
	if r.Method != http.MethodGet && r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, c.baseURL+r.Path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &StatusError{Status: resp.StatusCode}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, transportError(err)
	}
	if len(b) > maxBodyBytes {
		return nil, ErrResponseTooLarge
	}
	return b, nil
}

func (c *Client) State(ctx context.Context) ([]byte, error) {
	return c.Do(ctx, command.Command{Action: command.ActionGetState}.Route())
}

// transportError strips the url.Error wrapper so status messages carry a short
// reason ("context deadline exceeded", "connection refused") rather than the
// full request line.
func transportError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		return ue.Err
	}
	return err
}
