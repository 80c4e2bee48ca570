package main

import (
	"context"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/field-sync-engine/internal/cache"
	"github.com/example/field-sync-engine/internal/config"
	"github.com/example/field-sync-engine/internal/gateway"
	"github.com/example/field-sync-engine/internal/observability"
	"github.com/example/field-sync-engine/internal/permissions"
	"github.com/example/field-sync-engine/internal/query"
	"github.com/example/field-sync-engine/internal/realtime"
	"github.com/example/field-sync-engine/internal/session"
	"github.com/example/field-sync-engine/internal/storage"
	"github.com/example/field-sync-engine/internal/types"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Logger()
	observability.RegisterEngineCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Ready:        resources.HealthCheck,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	var mirror cache.Mirror
	if resources.Redis != nil {
		mirror = cache.NewRedisMirror(resources.Redis, "")
	}
	store := cache.New(cache.Config{
		DefaultTTL:        cfg.CacheTTL,
		DefaultStaleAfter: cfg.CacheStaleAfter,
		Mirror:            mirror,
		Logger:            logger,
	})
	if mirror != nil {
		if n := store.Rehydrate(ctx); n > 0 {
			logger.Info().Int("entries", n).Msg("cache warmed from mirror")
		}
	}
	store.StartSweeper(ctx, cfg.SweepInterval)

	// The coordinator supplies bearer tokens but also needs the gateway as
	// its backend; the function indirection breaks the construction cycle.
	var coordinator *session.Coordinator
	backend, err := gateway.NewClient(gateway.ClientConfig{
		BaseURL: cfg.BackendURL,
		AnonKey: cfg.AnonKey,
		HTTP:    resources.HTTP,
		Logger:  logger,
		Tokens: gateway.TokenFunc(func() string {
			if coordinator == nil {
				return ""
			}
			return coordinator.AccessToken()
		}),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build gateway client")
	}

	orchestrator := query.New(store, query.Config{
		Defaults: query.Options{
			TTL:        cfg.CacheTTL,
			StaleTime:  cfg.CacheStaleAfter,
			RetryCount: cfg.RetryCount,
			RetryDelay: cfg.RetryDelay,
			Timeout:    cfg.QueryTimeout,
		},
		Logger: logger,
	})

	resolver := permissions.NewResolver(backend, logger)
	coordinator = session.New(backend, store, orchestrator, resolver, logger)
	go coordinator.RunRefreshLoop(ctx)

	updater := gateway.ProbeUpdater(ctx, backend, logger)
	photos := storage.NewPhotoStore(resources.Object, cfg.ObjectBucket, cfg.ObjectPublicURL, logger)

	feed := startChangeFeed(ctx, cfg, coordinator, orchestrator, resolver, logger)
	defer feed.close()

	api := newAPIServer(backend, orchestrator, updater, photos, resolver, coordinator, feed, logger)
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: api.handler()}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	logger.Info().Msg("sync engine initialized")

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(context.Background()); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info().Msg("shutdown complete")
}

// changeFeed owns the realtime connection. The session lifecycle decides
// which channels exist; this loop only keeps the socket alive.
type changeFeed struct {
	client   *realtime.Client
	registry *realtime.Registry
	bridge   *realtime.Bridge
}

func (f *changeFeed) close() {
	_ = f.client.Close()
}

func startChangeFeed(ctx context.Context, cfg config.Config, coordinator *session.Coordinator, orchestrator *query.Orchestrator, resolver *permissions.Resolver, logger zerolog.Logger) *changeFeed {
	disconnected := make(chan struct{}, 1)
	client, err := realtime.NewClient(realtime.ClientConfig{
		URL:               cfg.RealtimeURL,
		APIKey:            cfg.AnonKey,
		Tokens:            coordinator,
		HeartbeatInterval: cfg.HeartbeatPeriod,
		Logger:            logger,
		OnDisconnect: func(error) {
			select {
			case disconnected <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build realtime client")
	}

	registry := realtime.NewRegistry(client)
	client.SetSink(registry.Dispatch)
	bridge := realtime.NewBridge(registry, orchestrator, realtime.BridgeConfig{
		Debounce: cfg.DebounceWindow,
		Logger:   logger,
	})
	feed := &changeFeed{client: client, registry: registry, bridge: bridge}

	// Channel membership follows the auth lifecycle: joined on sign-in,
	// released on sign-out.
	var relMu sync.Mutex
	var releases []func()
	coordinator.Subscribe(func(state session.State) {
		relMu.Lock()
		defer relMu.Unlock()
		switch state {
		case session.StateAuthenticated:
			if len(releases) > 0 {
				return
			}
			profile := coordinator.Profile()
			if profile == nil {
				return
			}
			filter := "company_id=eq." + string(profile.CompanyID)
			for _, table := range []string{"orders", "employees", "departments"} {
				release, err := bridge.Subscribe(table, realtime.SubscribeOptions{Filter: filter})
				if err != nil {
					logger.Warn().Err(err).Str("table", table).Msg("change-feed subscribe failed")
					continue
				}
				releases = append(releases, release)
			}
			release, err := bridge.Subscribe("role_permissions", realtime.SubscribeOptions{
				Filter: filter,
				OnChange: func(types.ChangeEvent) {
					resolver.Recompute(context.Background())
				},
			})
			if err != nil {
				logger.Warn().Err(err).Msg("permission channel subscribe failed")
			} else {
				releases = append(releases, release)
			}
		case session.StateUnauthenticated:
			for _, release := range releases {
				release()
			}
			releases = nil
		}
	})

	go func() {
		for {
			if err := client.Start(ctx); err != nil {
				logger.Warn().Err(err).Msg("realtime connect failed")
			} else {
				select {
				case <-disconnected:
					logger.Warn().Msg("realtime connection dropped")
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-time.After(cfg.ReconnectBackoff):
			case <-ctx.Done():
				return
			}
		}
	}()

	return feed
}
