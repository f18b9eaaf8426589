// Package mock provides a deterministic AssistantClient for tests and local
// development.
package mock

import (
	"context"
	"fmt"
	"time"

	"github.com/jo-hoe/jobserver/internal/config"
	"github.com/jo-hoe/jobserver/internal/llm"
)

var _ llm.AssistantClient = (*Client)(nil)

// Client is a canned AssistantClient: it sleeps for the configured delay
// (respecting context cancellation) then returns a deterministic response.
type Client struct {
	prefix string
	delay  time.Duration
}

// New creates a mock AssistantClient from cfg.
func New(cfg config.MockSettings) *Client {
	return &Client{prefix: cfg.Prefix, delay: cfg.Delay}
}

// Complete waits the configured delay (or returns early on ctx cancellation)
// and then returns a fixed response echoing the prefix and a snippet of userPrompt.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.delay > 0 {
		timer := time.NewTimer(c.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return "", err
	}

	prefix := c.prefix
	if prefix == "" {
		prefix = "Title"
	}
	return fmt.Sprintf("%s: %s", prefix, snippet(userPrompt, 60)), nil
}

func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
