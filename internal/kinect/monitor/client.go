package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/kinect.receiver/internal/httputil"
)

// Client reads the monitoring endpoints of a running receiver.
type Client struct {
	HTTPClient httputil.HTTPClient
	BaseURL    string
}

// NewClient creates a new monitoring client.
func NewClient(httpClient httputil.HTTPClient, baseURL string) *Client {
	if httpClient == nil {
		httpClient = httputil.NewStandardClient(&http.Client{Timeout: 10 * time.Second})
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		HTTPClient: httpClient,
		BaseURL:    strings.TrimRight(baseURL, "/"),
	}
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// Status fetches /api/status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var status StatusResponse
	resp, err := c.get(ctx, "/api/status")
	if err != nil {
		return status, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("decoding status: %w", err)
	}
	return status, nil
}

// Frame fetches the last complete frame and its sequence number.
func (c *Client) Frame(ctx context.Context) ([]byte, uint64, error) {
	resp, err := c.get(ctx, "/api/frame")
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("reading frame: %w", err)
	}
	seq, _ := strconv.ParseUint(resp.Header.Get("X-Frame-Sequence"), 10, 64)
	return data, seq, nil
}

// WaitForFrames polls the status until the receiver reports at least n
// frames in total, or ctx ends.
func (c *Client) WaitForFrames(ctx context.Context, n int64, poll time.Duration) (StatusResponse, error) {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		status, err := c.Status(ctx)
		if err == nil && status.Totals != nil && status.Totals.Frames >= n {
			return status, nil
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return status, fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
			}
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}
