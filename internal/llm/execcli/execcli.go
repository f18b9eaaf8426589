// Package execcli implements an AssistantClient that shells out to the same
// assistant CLI the Executor drives for full jobs, but with no workspace and
// no impersonation, since title derivation touches no repository state.
package execcli

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/jo-hoe/jobserver/internal/jobserr"
	"github.com/jo-hoe/jobserver/internal/llm"
)

var _ llm.AssistantClient = (*Client)(nil)

const defaultTimeout = 15 * time.Second

// Client invokes command (plus baseArgs) once per Complete call, combining
// systemPrompt and userPrompt onto stdin.
type Client struct {
	command  string
	baseArgs []string
	timeout  time.Duration
}

// New creates an execcli AssistantClient for command (the configured
// claude.command) with its default args.
func New(command string, baseArgs []string) *Client {
	return &Client{command: command, baseArgs: baseArgs, timeout: defaultTimeout}
}

// Complete runs the assistant CLI with a bounded timeout, feeding the
// composed prompt on stdin and returning combined stdout+stderr trimmed.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.command, c.baseArgs...)
	cmd.Stdin = strings.NewReader(systemPrompt + "\n\n" + userPrompt)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", jobserr.Wrap(jobserr.Timeout, "assistant cli timed out", ctx.Err())
		}
		return "", jobserr.Wrap(jobserr.ExecutionFailed, fmt.Sprintf("assistant cli: %s", strings.TrimSpace(out.String())), err)
	}
	return strings.TrimSpace(out.String()), nil
}
