// Package dispatch routes a completion request to the provider client the
// resolved backend calls for. Custom endpoint secrets are decrypted here,
// per call, and never stored in plaintext.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"modelgate/internal/backend"
	"modelgate/internal/providers"
	"modelgate/internal/providers/registry"
	"modelgate/internal/vault"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

type Config struct {
	// Keys maps a built-in provider name to its operator credential.
	Keys         map[string]string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	HTTPClient   *http.Client
	MaxRetries   int
	BackoffBase  time.Duration
	ProbeTimeout time.Duration
}

type Response struct {
	Text        string
	BackendUsed string
}

type Dispatcher struct {
	cfg   Config
	vault *vault.Vault
	log   zerolog.Logger
}

func New(cfg Config, v *vault.Vault, log zerolog.Logger) *Dispatcher {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	return &Dispatcher{cfg: cfg, vault: v, log: log}
}

var _ backend.Prober = (*Dispatcher)(nil)

// Complete sends the message window to the backend and returns its reply.
// A vault decrypt failure propagates unchanged so the caller can tell the
// user to re-register the endpoint.
func (d *Dispatcher) Complete(ctx context.Context, cfg backend.Config, msgs []providers.Message) (Response, error) {
	provider, err := d.build(cfg, d.cfg.MaxRetries)
	if err != nil {
		return Response{}, err
	}

	start := time.Now()
	resp, err := provider.Chat(ctx, providers.ChatRequest{
		Model:        modelOf(cfg),
		SystemPrompt: d.cfg.SystemPrompt,
		Messages:     msgs,
		MaxTokens:    d.cfg.MaxTokens,
		Temperature:  d.cfg.Temperature,
	})
	if err != nil {
		d.log.Warn().
			Err(err).
			Str("backend", cfg.Describe()).
			Str("kind", string(providers.KindOf(err))).
			Dur("elapsed", time.Since(start)).
			Msg("completion failed")
		return Response{}, err
	}

	d.log.Debug().
		Str("backend", cfg.Describe()).
		Dur("elapsed", time.Since(start)).
		Msg("completion ok")
	return Response{Text: resp.Text, BackendUsed: cfg.Describe()}, nil
}

// Probe sends a one-token request to verify an endpoint and secret work.
// No retries; probes answer fast or fail fast.
func (d *Dispatcher) Probe(ctx context.Context, endpoint, secret, model string) error {
	provider, err := registry.Build(registry.BuildOptions{
		Kind:       "custom",
		BaseURL:    endpoint,
		APIKey:     secret,
		HTTPClient: &http.Client{Timeout: d.cfg.ProbeTimeout},
		MaxRetries: 0,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.ProbeTimeout)
	defer cancel()

	_, err = provider.Chat(ctx, providers.ChatRequest{
		Model:     model,
		Messages:  []providers.Message{{Role: providers.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}

func (d *Dispatcher) build(cfg backend.Config, maxRetries int) (providers.Provider, error) {
	switch cfg.Kind {
	case backend.KindBuiltin:
		key := d.cfg.Keys[cfg.Builtin.Provider]
		if key == "" {
			return nil, providers.AuthFailed(fmt.Errorf("no credential configured for provider %q", cfg.Builtin.Provider))
		}
		baseURL := ""
		if cfg.Builtin.Provider == "openai" {
			baseURL = defaultOpenAIBaseURL
		}
		return registry.Build(registry.BuildOptions{
			Kind:        cfg.Builtin.Provider,
			BaseURL:     baseURL,
			APIKey:      key,
			HTTPClient:  d.cfg.HTTPClient,
			MaxRetries:  maxRetries,
			BackoffBase: d.cfg.BackoffBase,
		})

	case backend.KindCustom:
		secret, err := d.vault.DecryptString(cfg.Custom.EncSecret)
		if err != nil {
			return nil, err
		}
		return registry.Build(registry.BuildOptions{
			Kind:        "custom",
			BaseURL:     cfg.Custom.Endpoint,
			APIKey:      secret,
			HTTPClient:  d.cfg.HTTPClient,
			MaxRetries:  maxRetries,
			BackoffBase: d.cfg.BackoffBase,
		})

	default:
		return nil, fmt.Errorf("unsupported backend kind %q", cfg.Kind)
	}
}

func modelOf(cfg backend.Config) string {
	if cfg.Kind == backend.KindBuiltin {
		return cfg.Builtin.Model
	}
	return cfg.Custom.Model
}
