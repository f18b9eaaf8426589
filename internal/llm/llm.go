// Package llm defines the AssistantClient abstraction (§4.12): a small
// pluggable interface used by the Title Summarizer for cheap, workspace-free
// meta-prompts.
package llm

import "context"

// AssistantClient completes a single system+user prompt pair and returns the
// assistant's response text.
type AssistantClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
