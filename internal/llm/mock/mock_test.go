package mock

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jo-hoe/jobserver/internal/config"
)

func TestMockClient_Complete(t *testing.T) {
	cfg := config.MockSettings{Delay: 0, Prefix: "MockPrefix"}
	c := New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := c.Complete(ctx, "sys", "please title this job")
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if !strings.Contains(got, "MockPrefix") {
		t.Fatalf("Complete missing prefix, got: %q", got)
	}
}

func TestMockClient_RespectsContextCancel(t *testing.T) {
	cfg := config.MockSettings{Delay: 200 * time.Millisecond, Prefix: "x"}
	c := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Complete(ctx, "sys", "x"); err == nil {
		t.Fatalf("expected context cancellation error")
	}
}

func TestMockClient_DefaultsPrefixWhenEmpty(t *testing.T) {
	c := New(config.MockSettings{})
	got, err := c.Complete(context.Background(), "sys", "hi")
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if !strings.HasPrefix(got, "Title:") {
		t.Fatalf("expected default prefix Title:, got %q", got)
	}
}
