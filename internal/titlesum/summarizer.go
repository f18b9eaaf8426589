// Package titlesum implements the Title Summarizer (§4.8): a detached,
// best-effort one-shot call to an AssistantClient that labels a job.
package titlesum

import (
	"context"
	"log/slog"
	"strings"

	"github.com/jo-hoe/jobserver/internal/llm"
)

const (
	// DefaultTitle is used whenever summarization fails or times out.
	DefaultTitle = "(untitled)"

	metaSystemPrompt = "You produce short, plain-text titles, five words or fewer, no punctuation at the end, no quotes."
)

// Summarizer produces a short label for a job's prompt via an AssistantClient.
type Summarizer struct {
	client llm.AssistantClient
	log    *slog.Logger
}

// New builds a Summarizer backed by client.
func New(client llm.AssistantClient, log *slog.Logger) *Summarizer {
	if log == nil {
		log = slog.Default()
	}
	return &Summarizer{client: client, log: log}
}

// Summarize asks the AssistantClient for a short title for prompt. On any
// error it logs and returns DefaultTitle rather than propagating failure.
func (s *Summarizer) Summarize(ctx context.Context, prompt string) string {
	out, err := s.client.Complete(ctx, metaSystemPrompt, prompt)
	if err != nil {
		s.log.Warn("title summarization failed", "err", err)
		return DefaultTitle
	}
	title := strings.TrimSpace(strings.Trim(strings.TrimSpace(out), "\"'"))
	if title == "" {
		return DefaultTitle
	}
	return title
}

// SummarizeDetached runs Summarize in its own goroutine and calls onResult
// with the title once done. It never blocks the caller and never panics
// outward. Whether the job still exists when the summary completes is for
// onResult to check.
func (s *Summarizer) SummarizeDetached(ctx context.Context, prompt string, onResult func(title string)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("title summarizer panic recovered", "panic", r)
				onResult(DefaultTitle)
			}
		}()
		onResult(s.Summarize(ctx, prompt))
	}()
}
