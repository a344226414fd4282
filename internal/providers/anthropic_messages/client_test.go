package anthropic_messages

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"modelgate/internal/providers"
)

func TestBuildPayloadExtractsSystem(t *testing.T) {
	c := New(Config{APIKey: "sk-ant"})

	body, endpoint, err := c.buildPayload(providers.ChatRequest{
		Model:        "claude-3-5-sonnet-20241022",
		SystemPrompt: "You are terse",
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: "stray system turn"},
			{Role: providers.RoleUser, Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://api.anthropic.com/v1/messages" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}

	var payload struct {
		System    string `json:"system"`
		MaxTokens int    `json:"max_tokens"`
		Messages  []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.System != "You are terse" {
		t.Fatalf("system = %q", payload.System)
	}
	if payload.MaxTokens != defaultMaxTokens {
		t.Fatalf("max_tokens = %d, want default %d", payload.MaxTokens, defaultMaxTokens)
	}
	for _, m := range payload.Messages {
		if m.Role == "system" {
			t.Fatal("system role leaked into messages array")
		}
	}
	if len(payload.Messages) != 1 {
		t.Fatalf("messages len = %d, want 1", len(payload.Messages))
	}
}

func TestChatParsesTextBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "sk-ant" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != apiVersion {
			t.Errorf("anthropic-version = %q", got)
		}
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"first"},{"type":"text","text":"second"}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "sk-ant"})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "first\nsecond" {
		t.Fatalf("text = %q", resp.Text)
	}
}

func TestChatClassifiesOverloaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "sk-ant", MaxRetries: 0})
	_, err := c.Chat(context.Background(), providers.ChatRequest{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})
	if providers.KindOf(err) != providers.KindUnavailable {
		t.Fatalf("kind = %s, want unavailable", providers.KindOf(err))
	}
}
