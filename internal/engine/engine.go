package engine

import (
	"log/slog"
	"math/rand"
	"time"

	"annotask/internal/config"
	"annotask/internal/events"
	"annotask/internal/idempotency"
	"annotask/internal/lease"
	"annotask/internal/repo"
	"annotask/internal/storage"
)

// Engine hands out annotation work, accepts submissions and keeps the
// consensus and reputation state current. It holds no locks: every
// concurrent decision is settled by the repository's constraints.
type Engine struct {
	Repo        repo.Repository
	Config      *config.Config
	Idempotency *idempotency.Guard
	Annotations storage.Annotations
	Logger      *slog.Logger
	Now         func() time.Time
	// Rand drives golden sampling; it returns values in [0,1).
	Rand func() float64
}

func New(r repo.Repository, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	opts := []idempotency.Option{}
	if cfg.Tasks.MockMode {
		opts = append(opts, idempotency.WithResponseCache(idempotency.DefaultCacheSize))
	}
	return Engine{
		Repo:        r,
		Config:      cfg,
		Idempotency: idempotency.New(r, opts...),
		Annotations: storage.Annotations{Prefix: cfg.Storage.Prefix},
		Logger:      slog.Default(),
		Now:         time.Now,
		Rand:        rand.Float64,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) random() float64 {
	if e.Rand != nil {
		return e.Rand()
	}
	return rand.Float64()
}

func (e Engine) cfg() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) events() events.Writer {
	return events.Writer{Store: e.Repo, Now: e.now, Logger: e.logger()}
}

// Leases returns the lease manager bound to this engine's store and clock.
func (e Engine) Leases() lease.Manager {
	t := e.cfg().Tasks
	return lease.Manager{
		Store:         e.Repo,
		Events:        e.events(),
		Logger:        e.logger(),
		Now:           e.now,
		LeaseDuration: t.LeaseDuration(),
		BundleTTL:     t.BundleTTL(),
		TargetVotes:   t.TargetVotes,
	}
}

func (e Engine) guard() *idempotency.Guard {
	if e.Idempotency != nil {
		return e.Idempotency
	}
	return idempotency.New(e.Repo)
}
