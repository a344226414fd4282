// Package gemini adapts the Google generative AI SDK to the shared
// provider contract.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"modelgate/internal/providers"
)

type Config struct {
	APIKey      string
	MaxRetries  int
	BackoffBase time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		text, err := c.callOnce(ctx, req)
		if err == nil {
			return providers.ChatResponse{Text: text}, nil
		}
		lastErr = err
		if providers.KindOf(err) != providers.KindUnavailable || attempt == c.cfg.MaxRetries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return providers.ChatResponse{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return providers.ChatResponse{}, lastErr
}

func (c *Client) callOnce(ctx context.Context, req providers.ChatRequest) (string, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(c.cfg.APIKey))
	if err != nil {
		return "", providers.Unavailable(fmt.Errorf("create genai client: %w", err))
	}
	defer client.Close()

	model := client.GenerativeModel(req.Model)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.SystemPrompt)},
		}
	}
	if req.MaxTokens > 0 {
		max := int32(req.MaxTokens)
		model.GenerationConfig.MaxOutputTokens = &max
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		model.GenerationConfig.Temperature = &temp
	}

	history, last, err := splitHistory(req.Messages)
	if err != nil {
		return "", providers.BadResponse(err)
	}

	chat := model.StartChat()
	chat.History = history

	resp, err := chat.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return "", classify(err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", providers.BadResponse(fmt.Errorf("empty candidates in response"))
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", providers.BadResponse(fmt.Errorf("no text parts in response"))
	}
	return sb.String(), nil
}

// splitHistory maps prior turns to SDK content and peels off the final
// user message, which the SDK sends separately.
func splitHistory(msgs []providers.Message) ([]*genai.Content, string, error) {
	if len(msgs) == 0 {
		return nil, "", fmt.Errorf("no messages to send")
	}
	final := msgs[len(msgs)-1]
	if final.Role != providers.RoleUser {
		return nil, "", fmt.Errorf("final message role %q, want user", final.Role)
	}

	history := make([]*genai.Content, 0, len(msgs)-1)
	for _, m := range msgs[:len(msgs)-1] {
		role := "user"
		if m.Role == providers.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}
	return history, final.Content, nil
}

func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code >= 500 || apiErr.Code == http.StatusTooManyRequests:
			return providers.Unavailable(err)
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return providers.AuthFailed(err)
		default:
			return providers.BadResponse(err)
		}
	}
	return providers.Unavailable(err)
}
