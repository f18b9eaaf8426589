package aiproxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jo-hoe/jobserver/internal/config"
)

func TestClient_Complete_Success(t *testing.T) {
	var seenAuth string
	var seenBody chatCompletionRequest

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/chat/completions" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&seenBody); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		resp := chatCompletionResponse{
			ID: "id-123", Object: "chat.completion", Created: time.Now().Unix(),
			Choices: []chatCompletionChoice{
				{Index: 0, Message: responseMsg{Role: "assistant", Content: "Short Title"}, FinishReason: "stop"},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()

	cfg := config.AIProxySettings{BaseURL: ts.URL, APIKey: "k123", Model: "gpt-5"}
	c := New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := c.Complete(ctx, "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if out != "Short Title" {
		t.Fatalf("unexpected content: %q", out)
	}
	if seenAuth != "Bearer k123" {
		t.Fatalf("missing/incorrect auth header, got %q", seenAuth)
	}
	if seenBody.Model != "gpt-5" {
		t.Fatalf("expected model gpt-5, got %q", seenBody.Model)
	}
	if len(seenBody.Messages) != 2 || seenBody.Messages[0].Content != "system prompt" || seenBody.Messages[1].Content != "user prompt" {
		t.Fatalf("unexpected messages: %+v", seenBody.Messages)
	}
}

func TestClient_Complete_Non200(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer ts.Close()

	c := New(config.AIProxySettings{BaseURL: ts.URL, Model: "gpt-5"})
	if _, err := c.Complete(context.Background(), "s", "u"); err == nil {
		t.Fatalf("expected error for non-200 response")
	}
}

func TestClient_Complete_ContextCancel(t *testing.T) {
	var started int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.StoreInt32(&started, 1)
		time.Sleep(2 * time.Second)
	}))
	defer ts.Close()

	c := New(config.AIProxySettings{BaseURL: ts.URL, Model: "gpt-5"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := c.Complete(ctx, "s", "u"); err == nil {
		t.Fatalf("expected context cancellation error")
	}
	if atomic.LoadInt32(&started) == 0 {
		t.Fatalf("server was not invoked; test invalid")
	}
}
