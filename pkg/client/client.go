// Package client is the official Go SDK for FastQ.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Management
//	err := c.CreateTopic(ctx, "orders")
//	err = c.CreateSubscription(ctx, "orders", "billing", 0)
//
//	// Streaming writes with durability acks
//	p, err := c.NewPublisher(ctx, "orders", func(a client.Ack) {
//	    log.Printf("durable up to seq %d", a.Seq)
//	})
//	seq, err := p.Write([]byte(`{"amount":42}`))
//
//	// Streaming reads
//	s, err := c.Subscribe(ctx, "orders", "billing", func(s *client.Stream, msgs []client.Message) {
//	    process(msgs)
//	    _ = s.Complete(msgs[len(msgs)-1].ID)
//	})
//
// # Error handling
//
// All request/response methods return an *APIError when the server responds
// with a non-2xx status code. Check errors.As(err, &client.APIError{}) to
// inspect the HTTP status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines. Each Publisher and Stream owns
// one WebSocket connection.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the FastQ server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fastq: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsConflict reports whether the error is a 409 (already exists) from the server.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout of management calls.
// The default is 30 seconds. Streams are not affected.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the FastQ API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the FastQ server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("https://fastq.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Result types ─────────────────────────────────────────────────────────────

// HealthInfo is returned by Health.
type HealthInfo struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Topics   int    `json:"topics"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

// TopicInfo is the server-side view of a topic.
type TopicInfo struct {
	Name               string `json:"name"`
	State              string `json:"state"`
	FirstRetainedID    int64  `json:"first_retained_id"`
	LastMessageID      int64  `json:"last_message_id"`
	PersistedMessageID int64  `json:"persisted_message_id"`
	Subscriptions      int    `json:"subscriptions"`
	Writers            int    `json:"writers"`
}

// SubscriptionInfo is the server-side view of a subscription.
type SubscriptionInfo struct {
	Name               string `json:"name"`
	ID                 string `json:"id"`
	CompletedMessageID int64  `json:"completed_message_id"`
	Lag                int64  `json:"lag"`
}

// PublishResult describes the IDs assigned by Publish.
type PublishResult struct {
	FirstID   int64
	LastID    int64
	Timestamp time.Time
}

// ─── Health ───────────────────────────────────────────────────────────────────

// Health returns the node's health summary. It is served without auth.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp HealthInfo
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ─── Topics ───────────────────────────────────────────────────────────────────

// CreateTopic creates an empty topic.
func (c *Client) CreateTopic(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPut, topicPath(name), nil, nil)
}

// DeleteTopic deletes a topic with all of its messages and subscriptions.
func (c *Client) DeleteTopic(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, topicPath(name), nil, nil)
}

// ListTopics returns the topic names in lexical order.
func (c *Client) ListTopics(ctx context.Context) ([]string, error) {
	var resp struct {
		Topics []string `json:"topics"`
	}
	if err := c.do(ctx, http.MethodGet, "/topics", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Topics, nil
}

// Topic returns the stats of a topic.
func (c *Client) Topic(ctx context.Context, name string) (*TopicInfo, error) {
	var resp TopicInfo
	if err := c.do(ctx, http.MethodGet, topicPath(name), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Publish writes bodies to a topic in one request. The call returns once the
// server has accepted the batch; use a Publisher for durability acks.
func (c *Client) Publish(ctx context.Context, topic string, bodies ...[]byte) (*PublishResult, error) {
	if len(bodies) == 0 {
		return nil, errors.New("fastq: publish needs at least one message")
	}
	var resp struct {
		FirstID   int64 `json:"first_id"`
		LastID    int64 `json:"last_id"`
		Timestamp int64 `json:"timestamp"`
	}
	payload := struct {
		Messages [][]byte `json:"messages"`
	}{Messages: bodies}
	if err := c.do(ctx, http.MethodPost, topicPath(topic)+"/messages", payload, &resp); err != nil {
		return nil, err
	}
	return &PublishResult{
		FirstID:   resp.FirstID,
		LastID:    resp.LastID,
		Timestamp: time.UnixMilli(resp.Timestamp).UTC(),
	}, nil
}

// ─── Subscriptions ────────────────────────────────────────────────────────────

// CreateSubscription adds a subscription to a topic. The first message
// delivered is startID; 0 starts after everything the topic has persisted.
func (c *Client) CreateSubscription(ctx context.Context, topic, name string, startID int64) error {
	var body any
	if startID != 0 {
		body = struct {
			StartID int64 `json:"start_id"`
		}{startID}
	}
	return c.do(ctx, http.MethodPut, subscriptionPath(topic, name), body, nil)
}

// DeleteSubscription removes a subscription and its cursor.
func (c *Client) DeleteSubscription(ctx context.Context, topic, name string) error {
	return c.do(ctx, http.MethodDelete, subscriptionPath(topic, name), nil, nil)
}

// Subscription returns the state of one subscription.
func (c *Client) Subscription(ctx context.Context, topic, name string) (*SubscriptionInfo, error) {
	var resp SubscriptionInfo
	if err := c.do(ctx, http.MethodGet, subscriptionPath(topic, name), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubscriptionExists reports whether topic/name exists. A missing topic is
// reported as an error.
func (c *Client) SubscriptionExists(ctx context.Context, topic, name string) (bool, error) {
	if _, err := c.Topic(ctx, topic); err != nil {
		return false, err
	}
	_, err := c.Subscription(ctx, topic, name)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListSubscriptions returns the subscription names of a topic.
func (c *Client) ListSubscriptions(ctx context.Context, topic string) ([]string, error) {
	var resp struct {
		Subscriptions []string `json:"subscriptions"`
	}
	if err := c.do(ctx, http.MethodGet, topicPath(topic)+"/subscriptions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subscriptions, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

func topicPath(name string) string { return "/topics/" + url.PathEscape(name) }

func subscriptionPath(topic, name string) string {
	return topicPath(topic) + "/subscriptions/" + url.PathEscape(name)
}

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("fastq: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("fastq: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fastq: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("fastq: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return apiError(httpResp.StatusCode, respBody)
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("fastq: decode response: %w", err)
		}
	}
	return nil
}

func apiError(code int, body []byte) *APIError {
	var errResp struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &errResp)
	msg := errResp.Error
	if msg == "" {
		msg = http.StatusText(code)
	}
	return &APIError{StatusCode: code, Message: msg}
}
