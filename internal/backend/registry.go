package backend

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"modelgate/internal/session"
	"modelgate/internal/storage"
	"modelgate/internal/vault"
)

var (
	ErrUnknownBackend  = errors.New("unknown backend")
	ErrLabelTaken      = errors.New("label already taken")
	ErrInvalidLabel    = errors.New("invalid label")
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	ErrEmptySecret     = errors.New("secret is empty")
	ErrEmptyModel      = errors.New("model is empty")
)

const maxLabelLen = 32

// Prober checks whether an endpoint answers a minimal completion request.
// The dispatcher implements it.
type Prober interface {
	Probe(ctx context.Context, endpoint, secret, model string) error
}

type Registry struct {
	store  *storage.Store
	vault  *vault.Vault
	cache  *session.Cache
	prober Prober
	log    zerolog.Logger
}

func NewRegistry(store *storage.Store, v *vault.Vault, cache *session.Cache, prober Prober, log zerolog.Logger) *Registry {
	return &Registry{store: store, vault: v, cache: cache, prober: prober, log: log}
}

// ResolveActive returns the backend that serves the user's next message.
// Users without a selection, and users whose selected custom endpoint has
// since been deleted, get the default built-in.
func (r *Registry) ResolveActive(ctx context.Context, userID int64) (Config, error) {
	if kind, ref, ok, err := r.cache.GetActiveBackend(ctx, userID); err == nil && ok {
		cfg, err := r.resolve(ctx, userID, kind, ref)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, ErrUnknownBackend) {
			return Config{}, err
		}
		// Stale cache entry; fall through to the store.
	} else if err != nil {
		r.log.Warn().Err(err).Int64("user_id", userID).Msg("active backend cache read failed")
	}

	kind, ref, err := r.store.GetActiveBackend(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return r.defaultConfig(ctx, userID)
	}
	if err != nil {
		return Config{}, err
	}

	cfg, err := r.resolve(ctx, userID, kind, ref)
	if errors.Is(err, ErrUnknownBackend) {
		return r.defaultConfig(ctx, userID)
	}
	if err != nil {
		return Config{}, err
	}

	if err := r.cache.SetActiveBackend(ctx, userID, kind, ref); err != nil {
		r.log.Warn().Err(err).Int64("user_id", userID).Msg("active backend cache write failed")
	}
	return cfg, nil
}

func (r *Registry) defaultConfig(ctx context.Context, userID int64) (Config, error) {
	b := DefaultBuiltin()
	if err := r.cache.SetActiveBackend(ctx, userID, string(KindBuiltin), b.Name); err != nil {
		r.log.Warn().Err(err).Int64("user_id", userID).Msg("active backend cache write failed")
	}
	return Config{Kind: KindBuiltin, Builtin: &b}, nil
}

func (r *Registry) resolve(ctx context.Context, userID int64, kind, ref string) (Config, error) {
	switch Kind(kind) {
	case KindBuiltin:
		b, ok := BuiltinByName(ref)
		if !ok {
			return Config{}, ErrUnknownBackend
		}
		return Config{Kind: KindBuiltin, Builtin: &b}, nil

	case KindCustom:
		id, err := strconv.ParseInt(ref, 10, 64)
		if err != nil {
			return Config{}, ErrUnknownBackend
		}
		row, err := r.store.GetBackendConfigByID(ctx, userID, id)
		if errors.Is(err, storage.ErrNotFound) {
			return Config{}, ErrUnknownBackend
		}
		if err != nil {
			return Config{}, err
		}
		return Config{Kind: KindCustom, Custom: &CustomAPI{
			ID:        row.ID,
			Label:     row.Label,
			Endpoint:  row.Endpoint,
			Model:     row.Model,
			EncSecret: row.EncSecret,
		}}, nil

	default:
		return Config{}, ErrUnknownBackend
	}
}

// RegisterCustom validates and stores a user endpoint. The secret is
// encrypted before it touches the store and is not kept in the returned
// value.
func (r *Registry) RegisterCustom(ctx context.Context, userID int64, label, endpoint, model, secret string) (CustomAPI, error) {
	label = strings.TrimSpace(label)
	if label == "" || len(label) > maxLabelLen {
		return CustomAPI{}, ErrInvalidLabel
	}
	if _, taken := BuiltinByName(label); taken {
		return CustomAPI{}, ErrLabelTaken
	}
	if err := validateEndpoint(endpoint); err != nil {
		return CustomAPI{}, err
	}
	if strings.TrimSpace(model) == "" {
		return CustomAPI{}, ErrEmptyModel
	}
	if strings.TrimSpace(secret) == "" {
		return CustomAPI{}, ErrEmptySecret
	}

	enc, err := r.vault.EncryptString(secret)
	if err != nil {
		return CustomAPI{}, fmt.Errorf("encrypt secret: %w", err)
	}

	id, err := r.store.InsertBackendConfig(ctx, storage.BackendConfig{
		UserID:    userID,
		Label:     label,
		Endpoint:  endpoint,
		Model:     model,
		EncSecret: enc,
	})
	if errors.Is(err, storage.ErrConflict) {
		return CustomAPI{}, ErrLabelTaken
	}
	if err != nil {
		return CustomAPI{}, err
	}

	r.log.Info().Int64("user_id", userID).Str("label", label).Msg("custom backend registered")
	return CustomAPI{ID: id, Label: label, Endpoint: endpoint, Model: model}, nil
}

// ListCustom returns the user's endpoints without their secret envelopes.
func (r *Registry) ListCustom(ctx context.Context, userID int64) ([]CustomAPI, error) {
	rows, err := r.store.ListBackendConfigs(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]CustomAPI, 0, len(rows))
	for _, row := range rows {
		out = append(out, CustomAPI{ID: row.ID, Label: row.Label, Endpoint: row.Endpoint, Model: row.Model})
	}
	return out, nil
}

// SetActive switches the user's backend by name: a built-in catalog name
// first, then a custom endpoint label.
func (r *Registry) SetActive(ctx context.Context, userID int64, ref string) (Config, error) {
	ref = strings.TrimSpace(ref)

	if b, ok := BuiltinByName(ref); ok {
		if err := r.store.SetActiveBackend(ctx, userID, string(KindBuiltin), b.Name); err != nil {
			return Config{}, err
		}
		r.invalidateActive(ctx, userID)
		return Config{Kind: KindBuiltin, Builtin: &b}, nil
	}

	row, err := r.store.GetBackendConfigByLabel(ctx, userID, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return Config{}, ErrUnknownBackend
	}
	if err != nil {
		return Config{}, err
	}
	if err := r.store.SetActiveBackend(ctx, userID, string(KindCustom), strconv.FormatInt(row.ID, 10)); err != nil {
		return Config{}, err
	}
	r.invalidateActive(ctx, userID)
	return Config{Kind: KindCustom, Custom: &CustomAPI{
		ID: row.ID, Label: row.Label, Endpoint: row.Endpoint, Model: row.Model, EncSecret: row.EncSecret,
	}}, nil
}

// DeleteCustom removes an endpoint by label. If it was the active backend
// the user falls back to the default built-in.
func (r *Registry) DeleteCustom(ctx context.Context, userID int64, label string) error {
	row, err := r.store.GetBackendConfigByLabel(ctx, userID, strings.TrimSpace(label))
	if errors.Is(err, storage.ErrNotFound) {
		return ErrUnknownBackend
	}
	if err != nil {
		return err
	}

	kind, ref, err := r.store.GetActiveBackend(ctx, userID)
	if err == nil && Kind(kind) == KindCustom && ref == strconv.FormatInt(row.ID, 10) {
		b := DefaultBuiltin()
		if err := r.store.SetActiveBackend(ctx, userID, string(KindBuiltin), b.Name); err != nil {
			return err
		}
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if err := r.store.DeleteBackendConfig(ctx, userID, row.ID); err != nil {
		return err
	}
	r.invalidateActive(ctx, userID)
	r.log.Info().Int64("user_id", userID).Str("label", row.Label).Msg("custom backend deleted")
	return nil
}

// TestConnection probes a stored endpoint with its decrypted secret.
// A vault.ErrDecrypt here means the envelope predates a lost key and the
// endpoint must be re-registered.
func (r *Registry) TestConnection(ctx context.Context, userID int64, label string) error {
	row, err := r.store.GetBackendConfigByLabel(ctx, userID, strings.TrimSpace(label))
	if errors.Is(err, storage.ErrNotFound) {
		return ErrUnknownBackend
	}
	if err != nil {
		return err
	}
	secret, err := r.vault.DecryptString(row.EncSecret)
	if err != nil {
		return err
	}
	return r.prober.Probe(ctx, row.Endpoint, secret, row.Model)
}

// ProbeCandidate checks an endpoint before it is saved.
func (r *Registry) ProbeCandidate(ctx context.Context, endpoint, secret, model string) error {
	if err := validateEndpoint(endpoint); err != nil {
		return err
	}
	return r.prober.Probe(ctx, endpoint, secret, model)
}

func (r *Registry) invalidateActive(ctx context.Context, userID int64) {
	if err := r.cache.InvalidateActiveBackend(ctx, userID); err != nil {
		r.log.Warn().Err(err).Int64("user_id", userID).Msg("active backend cache invalidate failed")
	}
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return ErrInvalidEndpoint
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidEndpoint
	}
	return nil
}
