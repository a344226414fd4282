package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Wizard steps for /setapi. The secret is the last thing collected so an
// abandoned wizard leaves nothing sensitive in redis; state before that
// step holds only endpoint metadata.
const (
	stepLabel    = "label"
	stepEndpoint = "endpoint"
	stepModel    = "model"
	stepSecret   = "secret"
)

type setAPIWizardState struct {
	Step     string `json:"step"`
	Label    string `json:"label"`
	Endpoint string `json:"endpoint"`
	Model    string `json:"model"`
}

type wizardStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func newWizardStore(rdb *redis.Client, ttl time.Duration) *wizardStore {
	return &wizardStore{redis: rdb, ttl: ttl}
}

func (w *wizardStore) key(userID int64) string {
	return fmt.Sprintf("modelgate:wizard:%d", userID)
}

func (w *wizardStore) Set(ctx context.Context, userID int64, state setAPIWizardState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return w.redis.Set(ctx, w.key(userID), string(b), w.ttl).Err()
}

func (w *wizardStore) Get(ctx context.Context, userID int64) (*setAPIWizardState, error) {
	raw, err := w.redis.Get(ctx, w.key(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state setAPIWizardState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (w *wizardStore) Clear(ctx context.Context, userID int64) error {
	return w.redis.Del(ctx, w.key(userID)).Err()
}
