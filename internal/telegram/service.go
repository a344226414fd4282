// Package telegram is the transport layer: it maps bot commands and plain
// messages onto the gate, backend registry, conversation store and
// dispatcher.
package telegram

import (
	"context"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"modelgate/internal/backend"
	"modelgate/internal/convo"
	"modelgate/internal/dispatch"
	"modelgate/internal/gate"
	"modelgate/internal/metrics"
	"modelgate/internal/session"
	"modelgate/internal/storage"
)

type Service struct {
	store       *storage.Store
	backends    *backend.Registry
	convo       *convo.Store
	gate        *gate.Gate
	dispatcher  *dispatch.Dispatcher
	rateLimiter *session.RateLimiter
	wizard      *wizardStore
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	accessMode  string
	botUsername string
}

type Config struct {
	Store       *storage.Store
	Backends    *backend.Registry
	Convo       *convo.Store
	Gate        *gate.Gate
	Dispatcher  *dispatch.Dispatcher
	RateLimiter *session.RateLimiter
	Redis       *redis.Client
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	WizardTTL   time.Duration
	AccessMode  string
	BotUsername string
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.WizardTTL <= 0 {
		cfg.WizardTTL = 20 * time.Minute
	}
	return &Service{
		store:       cfg.Store,
		backends:    cfg.Backends,
		convo:       cfg.Convo,
		gate:        cfg.Gate,
		dispatcher:  cfg.Dispatcher,
		rateLimiter: cfg.RateLimiter,
		wizard:      newWizardStore(cfg.Redis, cfg.WizardTTL),
		logger:      cfg.Logger,
		metrics:     m,
		accessMode:  cfg.AccessMode,
		botUsername: cfg.BotUsername,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("start", s.start))
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("model", s.model))
	d.AddHandler(handlers.NewCommand("setapi", s.setAPI))
	d.AddHandler(handlers.NewCommand("listapi", s.listAPI))
	d.AddHandler(handlers.NewCommand("delapi", s.delAPI))
	d.AddHandler(handlers.NewCommand("testapi", s.testAPI))
	d.AddHandler(handlers.NewCommand("cancel", s.cancelWizard))
	d.AddHandler(handlers.NewCommand("clear", s.clear))
	d.AddHandler(handlers.NewCommand("ban", s.ban))
	d.AddHandler(handlers.NewCommand("unban", s.unban))
	d.AddHandler(handlers.NewMessage(message.Text, s.onText))
}

func (s *Service) now() time.Time {
	return time.Now().UTC()
}

func (s *Service) ensureUser(ctx *ext.Context) {
	u := ctx.EffectiveUser
	if u == nil {
		return
	}
	if err := s.store.EnsureUser(context.Background(), u.Id, u.Username, u.FirstName); err != nil {
		s.logger.Error().Err(err).Int64("user_id", u.Id).Msg("ensure user failed")
	}
}
