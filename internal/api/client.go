package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"engwewatch/internal/monitor"
	"engwewatch/internal/scheduler"
	"engwewatch/internal/service"
	"engwewatch/internal/version"
)

// ErrUnavailable means no monitor process answered at the configured address.
var ErrUnavailable = errors.New("monitor process not reachable")

// Client talks to a running `start` process.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient constructs an API client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8765"
	}
	return &Client{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

// Status fetches the monitor status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/status", &out)
	return out, err
}

// Scan triggers a manual scan and waits for its report.
func (c *Client) Scan(ctx context.Context) (service.Report, error) {
	var out service.Report
	err := c.do(ctx, http.MethodPost, "/api/scan", &out)
	return out, err
}

// Stop asks the monitor to stop.
func (c *Client) Stop(ctx context.Context) (StopResponse, error) {
	var out StopResponse
	err := c.do(ctx, http.MethodPost, "/api/monitor/stop", &out)
	return out, err
}

// History returns up to limit history entries, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]monitor.HistoryEntry, error) {
	var out []monitor.HistoryEntry
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/history?limit=%d", limit), &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Mark(errors.Wrapf(err, "%s %s", method, path), ErrUnavailable)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseHTTPError(resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(bytes.NewReader(payload)).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr ErrorResponse
	msg := strings.TrimSpace(string(payload))
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}
	err := errors.Newf("monitor api error (%d): %s", status, msg)
	switch status {
	case http.StatusConflict:
		return errors.Mark(err, scheduler.ErrScanInProgress)
	case http.StatusServiceUnavailable:
		return errors.Mark(err, scheduler.ErrStopped)
	case http.StatusBadGateway:
		return errors.Mark(err, service.ErrFetchFailure)
	}
	return err
}
