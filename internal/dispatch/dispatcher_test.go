package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"modelgate/internal/backend"
	"modelgate/internal/providers"
	"modelgate/internal/vault"
)

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New("v1", map[string][]byte{"v1": []byte(strings.Repeat("k", 32))})
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func customConfig(t *testing.T, v *vault.Vault, endpoint, secret string) backend.Config {
	t.Helper()
	enc, err := v.EncryptString(secret)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return backend.Config{Kind: backend.KindCustom, Custom: &backend.CustomAPI{
		ID: 1, Label: "work", Endpoint: endpoint, Model: "test-model", EncSecret: enc,
	}}
}

func TestCompleteCustomEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-user" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"reply text"}}]}`))
	}))
	defer srv.Close()

	v := newTestVault(t)
	d := New(Config{SystemPrompt: "be brief"}, v, zerolog.Nop())

	resp, err := d.Complete(context.Background(), customConfig(t, v, srv.URL, "sk-user"), []providers.Message{
		{Role: providers.RoleUser, Content: "hello"},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Text != "reply text" {
		t.Fatalf("text = %q", resp.Text)
	}
	if resp.BackendUsed != "work" {
		t.Fatalf("backend used = %q, want work", resp.BackendUsed)
	}
}

func TestCompleteRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	v := newTestVault(t)
	d := New(Config{MaxRetries: 2, BackoffBase: time.Millisecond}, v, zerolog.Nop())

	_, err := d.Complete(context.Background(), customConfig(t, v, srv.URL, "sk-user"), []providers.Message{
		{Role: providers.RoleUser, Content: "hello"},
	})
	if providers.KindOf(err) != providers.KindUnavailable {
		t.Fatalf("kind = %s, want unavailable", providers.KindOf(err))
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestCompleteAuthFailureNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	v := newTestVault(t)
	d := New(Config{MaxRetries: 2, BackoffBase: time.Millisecond}, v, zerolog.Nop())

	_, err := d.Complete(context.Background(), customConfig(t, v, srv.URL, "sk-user"), []providers.Message{
		{Role: providers.RoleUser, Content: "hello"},
	})
	if providers.KindOf(err) != providers.KindAuthFailed {
		t.Fatalf("kind = %s, want auth_failed", providers.KindOf(err))
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestCompleteMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"unexpected":true}`))
	}))
	defer srv.Close()

	v := newTestVault(t)
	d := New(Config{}, v, zerolog.Nop())

	_, err := d.Complete(context.Background(), customConfig(t, v, srv.URL, "sk-user"), []providers.Message{
		{Role: providers.RoleUser, Content: "hello"},
	})
	if providers.KindOf(err) != providers.KindBadResponse {
		t.Fatalf("kind = %s, want bad_response", providers.KindOf(err))
	}
}

func TestCompleteSurfacesDecryptFailure(t *testing.T) {
	v := newTestVault(t)
	cfg := customConfig(t, v, "https://llm.example.com", "sk-user")

	other, err := vault.New("v1", map[string][]byte{"v1": []byte(strings.Repeat("x", 32))})
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	d := New(Config{}, other, zerolog.Nop())

	_, err = d.Complete(context.Background(), cfg, []providers.Message{
		{Role: providers.RoleUser, Content: "hello"},
	})
	if !errors.Is(err, vault.ErrDecrypt) {
		t.Fatalf("err = %v, want vault.ErrDecrypt", err)
	}
}

func TestCompleteBuiltinWithoutKey(t *testing.T) {
	v := newTestVault(t)
	d := New(Config{Keys: map[string]string{}}, v, zerolog.Nop())

	b := backend.DefaultBuiltin()
	_, err := d.Complete(context.Background(), backend.Config{Kind: backend.KindBuiltin, Builtin: &b}, []providers.Message{
		{Role: providers.RoleUser, Content: "hello"},
	})
	if providers.KindOf(err) != providers.KindAuthFailed {
		t.Fatalf("kind = %s, want auth_failed", providers.KindOf(err))
	}
}

func TestProbeSendsMinimalRequest(t *testing.T) {
	var sawModel atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawModel.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	d := New(Config{}, newTestVault(t), zerolog.Nop())
	if err := d.Probe(context.Background(), srv.URL, "sk-probe", "m"); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if got := sawModel.Load(); got != "Bearer sk-probe" {
		t.Fatalf("Authorization = %v", got)
	}
}

func TestProbeFailsOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := New(Config{}, newTestVault(t), zerolog.Nop())
	err := d.Probe(context.Background(), srv.URL, "sk-probe", "m")
	if providers.KindOf(err) != providers.KindAuthFailed {
		t.Fatalf("kind = %s, want auth_failed", providers.KindOf(err))
	}
}
