package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// QueueInfo is the subset of the management API queue object the monitor reads.
type QueueInfo struct {
	Name                   string `json:"name"`
	VHost                  string `json:"vhost"`
	Messages               int    `json:"messages"`
	MessagesReady          int    `json:"messages_ready"`
	MessagesUnacknowledged int    `json:"messages_unacknowledged"`
	Consumers              int    `json:"consumers"`
}

// ManagementClient talks to the RabbitMQ management HTTP API.
type ManagementClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

// NewManagementClient creates a management API client. A zero timeout
// defaults to 10 seconds.
func NewManagementClient(baseURL, username, password string, timeout time.Duration) *ManagementClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ManagementClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GetQueue returns the current counters for one queue.
func (c *ManagementClient) GetQueue(ctx context.Context, vhost, name string) (*QueueInfo, error) {
	endpoint := fmt.Sprintf("/api/queues/%s/%s", url.PathEscape(vhost), url.PathEscape(name))

	resp, err := c.request(ctx, http.MethodGet, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var info QueueInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode queue %s: %w", name, err)
	}
	return &info, nil
}

func (c *ManagementClient) request(ctx context.Context, method, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("management request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("management API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return resp, nil
}
