// Package webhook delivers due and missed items to HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/livinlefevreloca/deferral/internal/db"
)

// Config holds the webhook endpoints. An empty URL turns that callback into
// a log line.
type Config struct {
	DueURL    string            `toml:"due_url"`
	MissedURL string            `toml:"missed_url"`
	Timeout   time.Duration     `toml:"timeout"`
	Headers   map[string]string `toml:"headers"`
}

// DefaultConfig returns webhook defaults: no endpoints, 10s timeout
func DefaultConfig() Config {
	return Config{
		Timeout: 10 * time.Second,
	}
}

// Validate checks the configuration and returns an error if invalid
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("webhook timeout must be positive, got %v", c.Timeout)
	}
	return nil
}

// Event is the body of a webhook request
type Event struct {
	Kind   string    `json:"kind"`
	SentAt time.Time `json:"sent_at"`
	Item   *db.Item  `json:"item,omitempty"`
	Items  []db.Item `json:"items,omitempty"`
}

const (
	EventDue    = "due"
	EventMissed = "missed"
)

// Client posts scheduler events to the configured endpoints
type Client struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// New creates a webhook client
func New(config Config, logger *slog.Logger) *Client {
	return &Client{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// HandleDue posts {"kind":"due","item":...} to the due URL
func (c *Client) HandleDue(ctx context.Context, item db.Item) error {
	if c.config.DueURL == "" {
		c.logger.Info("item due",
			"time_stamp", item.TimeStamp,
			"scheduled_at", item.ScheduledAt(),
			"payload", string(item.Payload))
		return nil
	}

	return c.post(ctx, c.config.DueURL, Event{Kind: EventDue, SentAt: time.Now(), Item: &item})
}

// HandleMissed posts {"kind":"missed","items":[...]} to the missed URL
func (c *Client) HandleMissed(ctx context.Context, items []db.Item) error {
	if c.config.MissedURL == "" {
		for _, item := range items {
			c.logger.Warn("item missed",
				"time_stamp", item.TimeStamp,
				"scheduled_at", item.ScheduledAt(),
				"payload", string(item.Payload))
		}
		return nil
	}

	return c.post(ctx, c.config.MissedURL, Event{Kind: EventMissed, SentAt: time.Now(), Items: items})
}

func (c *Client) post(ctx context.Context, url string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.Kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range c.config.Headers {
		req.Header.Set(name, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s webhook request failed: %w", event.Kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s webhook returned %d: %s", event.Kind, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug("webhook delivered", "kind", event.Kind, "status", resp.StatusCode)
	return nil
}
