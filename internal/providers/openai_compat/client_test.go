package openai_compat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"modelgate/internal/providers"
)

func TestBuildPayloadChatCompletions(t *testing.T) {
	c := New(Config{BaseURL: "https://api.example.com/v1", Endpoint: "chat_completions"})

	body, endpoint, err := c.buildPayload(providers.ChatRequest{
		Model:        "gpt-4o",
		SystemPrompt: "You are concise",
		Messages: []providers.Message{
			{Role: providers.RoleUser, Content: "hello"},
			{Role: providers.RoleAssistant, Content: "hi"},
			{Role: providers.RoleUser, Content: "how are you"},
		},
		MaxTokens:   123,
		Temperature: 0.4,
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://api.example.com/v1/chat/completions" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}

	var payload struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Model != "gpt-4o" {
		t.Fatalf("expected model gpt-4o, got %q", payload.Model)
	}
	if len(payload.Messages) != 4 {
		t.Fatalf("expected 4 messages incl system, got %d", len(payload.Messages))
	}
	if payload.Messages[0].Role != "system" {
		t.Fatalf("expected leading system message, got role %q", payload.Messages[0].Role)
	}
	if payload.Messages[3].Content != "how are you" {
		t.Fatalf("message order broken: last = %q", payload.Messages[3].Content)
	}
}

func TestBuildPayloadResponsesEndpoint(t *testing.T) {
	c := New(Config{BaseURL: "https://api.example.com/v1", Endpoint: "responses"})

	_, endpoint, err := c.buildPayload(providers.ChatRequest{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://api.example.com/v1/responses" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}
}

func TestChatSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"pong"}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "sk-test"})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "ping"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "pong" {
		t.Fatalf("text = %q, want pong", resp.Text)
	}
}

func TestChatRetriesOnServerError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 2, BackoffBase: time.Millisecond})
	_, err := c.Chat(context.Background(), providers.ChatRequest{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "ping"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if providers.KindOf(err) != providers.KindUnavailable {
		t.Fatalf("kind = %s, want unavailable", providers.KindOf(err))
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestChatDoesNotRetryAuthFailure(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 2, BackoffBase: time.Millisecond})
	_, err := c.Chat(context.Background(), providers.ChatRequest{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "ping"}},
	})
	if providers.KindOf(err) != providers.KindAuthFailed {
		t.Fatalf("kind = %s, want auth_failed", providers.KindOf(err))
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestChatMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Chat(context.Background(), providers.ChatRequest{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "ping"}},
	})
	if providers.KindOf(err) != providers.KindBadResponse {
		t.Fatalf("kind = %s, want bad_response", providers.KindOf(err))
	}
}
