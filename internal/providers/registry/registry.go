// Package registry builds provider clients from a backend family name.
package registry

import (
	"fmt"
	"net/http"
	"time"

	"modelgate/internal/providers"
	"modelgate/internal/providers/anthropic_messages"
	"modelgate/internal/providers/gemini"
	"modelgate/internal/providers/openai_compat"
)

type BuildOptions struct {
	Kind        string
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

func Build(opts BuildOptions) (providers.Provider, error) {
	switch opts.Kind {
	case "openai", "openai_compat", "openai-compatible", "custom":
		return openai_compat.New(openai_compat.Config{
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			Headers:     opts.Headers,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case "anthropic":
		return anthropic_messages.New(anthropic_messages.Config{
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case "gemini":
		return gemini.New(gemini.Config{
			APIKey:      opts.APIKey,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}
