package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/busybox42/relayq/internal/api"
	"github.com/busybox42/relayq/internal/queue"
)

// Client talks to the relayq operational API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Recipient is one envelope recipient of a submitted message.
type Recipient struct {
	Address string `json:"address"`
	Notify  string `json:"notify,omitempty"`
}

// Submission is a message handed to the relay for delivery.
type Submission struct {
	From string      `json:"from"`
	To   []Recipient `json:"to"`
	Body string      `json:"body"`
}

// NewClient creates a new API client. A bare host:port gets an http scheme.
func NewClient(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Enqueue submits a message and returns its queue id
func (c *Client) Enqueue(sub Submission) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	if err := c.do("POST", "/api/queue", sub, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// Messages returns every queued message
func (c *Client) Messages() ([]queue.Message, error) {
	var messages []queue.Message
	err := c.do("GET", "/api/queue", nil, &messages)
	return messages, err
}

// Health returns the server health summary
func (c *Client) Health() (*api.HealthResponse, error) {
	var health api.HealthResponse
	if err := c.do("GET", "/api/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Pause stops new delivery attempts until Resume is called
func (c *Client) Pause(reason string) error {
	return c.do("POST", "/api/queue/pause", map[string]string{"reason": reason}, nil)
}

// Resume restarts delivery attempts
func (c *Client) Resume() error {
	return c.do("POST", "/api/queue/resume", nil, nil)
}

// do performs an HTTP request and decodes the response into result when
// result is non-nil.
func (c *Client) do(method, path string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s (status code %d)", strings.TrimSpace(string(msg)), resp.StatusCode)
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
