package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/CreditForge/internal/adapter/memory"
	cfnats "github.com/Strob0t/CreditForge/internal/adapter/nats"
	"github.com/Strob0t/CreditForge/internal/adapter/natskv"
	cfotel "github.com/Strob0t/CreditForge/internal/adapter/otel"
	"github.com/Strob0t/CreditForge/internal/adapter/portal"
	"github.com/Strob0t/CreditForge/internal/adapter/postgres"
	"github.com/Strob0t/CreditForge/internal/adapter/promscale"
	"github.com/Strob0t/CreditForge/internal/adapter/redislock"
	"github.com/Strob0t/CreditForge/internal/adapter/ristretto"
	"github.com/Strob0t/CreditForge/internal/adapter/tiered"
	"github.com/Strob0t/CreditForge/internal/config"
	"github.com/Strob0t/CreditForge/internal/port/cache"
	"github.com/Strob0t/CreditForge/internal/port/ledger"
	"github.com/Strob0t/CreditForge/internal/port/locker"
	"github.com/Strob0t/CreditForge/internal/port/messagequeue"
	"github.com/Strob0t/CreditForge/internal/port/pmprovider"
	"github.com/Strob0t/CreditForge/internal/resilience"
	"github.com/Strob0t/CreditForge/internal/service"
)

// app is the wired accounting engine shared by the service and the admin
// commands.
type app struct {
	store     ledger.Store
	fetcher   *promscale.Fetcher
	queue     messagequeue.Queue // nil without NATS
	pool      *service.Pool
	scheduler *service.Scheduler

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// newApp connects every backend configured in cfg and wires the services.
// On error everything acquired so far is released.
func newApp(ctx context.Context, cfg *config.Config, src service.ConfigSource) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---

	if a.store, err = openLedger(ctx, a, cfg); err != nil {
		return nil, err
	}

	measPool, err := promscale.NewPool(ctx, cfg.Measurement)
	if err != nil {
		return nil, fmt.Errorf("measurement: %w", err)
	}
	a.onClose(measPool.Close)
	a.fetcher = promscale.New(measPool, cfg.Measurement, service.ResourceKinds(&cfg.Accounting))
	a.fetcher.SetBreaker(resilience.NewBreaker("promscale", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	var nq *cfnats.Queue
	if cfg.NATS.URL != "" {
		nq, err = cfnats.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		a.onClose(func() {
			if err := nq.Drain(); err != nil {
				slog.Warn("nats drain", "error", err)
			}
		})
		a.queue = nq
	}

	grantCache, err := openGrantCache(ctx, a, cfg, nq)
	if err != nil {
		return nil, err
	}

	var (
		provider     pmprovider.Provider
		portalClient *portal.Client
	)
	if cfg.Portal.BaseURL != "" {
		portalClient = portal.NewClient(cfg.Portal)
		portalClient.SetBreaker(resilience.NewBreaker("portal", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
		provider = portalClient
	} else {
		slog.Warn("portal.base_url not set, granted credits come from the ledger only")
	}

	var lock locker.Locker
	if cfg.Redis.Addr != "" {
		client, err := redislock.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.onClose(func() { _ = client.Close() })
		lock = redislock.New(client, cfg.Redis.LockTTL)
		slog.Info("redis project locks enabled", "addr", cfg.Redis.Addr)
	}

	// --- Services ---

	notifiers, err := buildNotifiers(cfg, a.queue, portalClient)
	if err != nil {
		return nil, fmt.Errorf("notifiers: %w", err)
	}

	grants := service.NewGrantService(provider, grantCache, cfg.Cache.GrantedTTL)
	notify := service.NewNotificationService(a.store, notifiers, cfg.Notify)
	notify.SetMetrics(metrics)
	accounting := service.NewAccountingService(a.store, a.fetcher, grants, notify, src)
	accounting.SetMetrics(metrics)

	a.pool = service.NewPool(cfg.Accounting.Workers, lock)
	reg, err := cfotel.ObservePool(func() cfotel.PoolStats { return cfotel.PoolStats(a.pool.Stats()) })
	if err != nil {
		return nil, fmt.Errorf("otel pool gauge: %w", err)
	}
	a.onClose(func() { _ = reg.Unregister() })

	a.scheduler = service.NewScheduler(src, a.fetcher, a.store, a.pool, accounting)
	if a.queue != nil {
		a.scheduler.SetQueue(a.queue)
	}

	slog.Info("accounting engine ready",
		"notifiers", len(notifiers),
		"portal", provider != nil,
		"nats", a.queue != nil,
		"redis_locks", lock != nil,
	)
	return a, nil
}

// openLedger returns the configured ledger store. Postgres migrations run
// before the store is handed out.
func openLedger(ctx context.Context, a *app, cfg *config.Config) (ledger.Store, error) {
	if cfg.Accounting.LedgerDriver == config.LedgerMemory {
		slog.Warn("using in-memory ledger, entries are lost on restart")
		return memory.NewStore(), nil
	}

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	a.onClose(pool.Close)
	slog.Info("postgres connected")
	return postgres.NewStore(pool), nil
}

// openGrantCache builds the granted-credit cache: ristretto in-process, with
// a shared NATS KV bucket behind it when NATS is configured.
func openGrantCache(ctx context.Context, a *app, cfg *config.Config, nq *cfnats.Queue) (cache.Cache, error) {
	l1, err := ristretto.NewFromConfig(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("l1 cache: %w", err)
	}
	a.onClose(l1.Close)

	var l2 cache.Cache
	if nq != nil {
		kv, err := nq.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
		if err != nil {
			return nil, fmt.Errorf("l2 cache: %w", err)
		}
		l2 = natskv.New(kv)
	}
	return tiered.New(l1, l2, cfg.Cache.GrantedTTL), nil
}
