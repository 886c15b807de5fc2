package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/botwalk/botwalk/internal/cache"
	"github.com/botwalk/botwalk/internal/channel"
	"github.com/botwalk/botwalk/internal/channel/adapters/telegram"
	"github.com/botwalk/botwalk/internal/channel/adapters/wagate"
	"github.com/botwalk/botwalk/internal/channel/inbound"
	"github.com/botwalk/botwalk/internal/config"
	"github.com/botwalk/botwalk/internal/conversation"
	"github.com/botwalk/botwalk/internal/db"
	"github.com/botwalk/botwalk/internal/dispatch"
	"github.com/botwalk/botwalk/internal/event"
	"github.com/botwalk/botwalk/internal/flow"
	"github.com/botwalk/botwalk/internal/graph"
	"github.com/botwalk/botwalk/internal/handlers"
	"github.com/botwalk/botwalk/internal/logger"
	"github.com/botwalk/botwalk/internal/pending"
	"github.com/botwalk/botwalk/internal/reaper"
	"github.com/botwalk/botwalk/internal/server"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideCache,
			provideGraphStore,
			provideConversationStore,
			provideSessionStore,
			provideCipher,
			conversation.NewLocks,
			event.NewHub,
			provideChannelRegistry,
			provideChannelManager,
			provideDispatcher,
			provideFlowEngine,
			providePendingStore,
			providePendingDrainer,
			provideProcessor,
			provideReaper,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideSessionHandler),
			provideServerHandler(provideConversationHandler),
			provideServerHandler(provideEventsHandler),
			provideServerHandler(provideChannelsHandler),
			provideServer,
		),
		fx.Invoke(
			startChannelRuntime,
			startPendingDrainer,
			startReaper,
			startServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.Postgres); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	pool, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	log.Info("database ready", slog.String("database", cfg.Postgres.Database))
	lc.Append(fx.Hook{OnStop: func(context.Context) error { pool.Close(); return nil }})
	return pool, nil
}

func provideCache(lc fx.Lifecycle, cfg config.Config, log *slog.Logger) (cache.Cache, error) {
	if strings.TrimSpace(cfg.Redis.URL) == "" {
		return cache.NewMemory(time.Minute), nil
	}
	redisCache, err := cache.NewRedis(context.Background(), cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	log.Info("redis cache enabled")
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return redisCache.Close() }})
	return redisCache, nil
}

func provideGraphStore(cfg config.Config, pool *pgxpool.Pool, c cache.Cache, log *slog.Logger) (graph.Store, error) {
	var base graph.Store
	switch cfg.Flow.GraphSource {
	case "file":
		fileStore, err := graph.NewFileStore(cfg.Flow.GraphDir)
		if err != nil {
			return nil, fmt.Errorf("load graph dir: %w", err)
		}
		base = fileStore
	default:
		base = graph.NewPGStore(pool)
	}
	return graph.NewCachedStore(base, c, cfg.Flow.CacheTTL.Duration, log), nil
}

func provideConversationStore(pool *pgxpool.Pool) conversation.Store {
	return conversation.NewPGStore(pool)
}

func provideSessionStore(pool *pgxpool.Pool) channel.SessionStore {
	return channel.NewPGSessionStore(pool)
}

func provideCipher(cfg config.Config) (channel.Cipher, error) {
	return channel.NewCipher(cfg.Security.CredentialKey)
}

func provideChannelRegistry(log *slog.Logger, cfg config.Config) *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(wagate.New(log, cfg.Channel.GatewayURL))
	if token := strings.TrimSpace(cfg.Channel.TelegramToken); token != "" {
		registry.MustRegister(telegram.New(log, token))
	}
	return registry
}

func provideChannelManager(log *slog.Logger, registry *channel.Registry, store channel.SessionStore, cipher channel.Cipher, hub *event.Hub, cfg config.Config) *channel.Manager {
	manager := channel.NewManager(log, registry, store, cipher, hub)
	manager.SetConnectTimeout(cfg.Channel.ConnectTimeout.Duration)
	manager.SetPairingTimeout(cfg.Channel.PairingTimeout.Duration)
	manager.SetSweepInterval(cfg.Channel.SweepInterval.Duration)
	return manager
}

func provideDispatcher(log *slog.Logger, registry *channel.Registry, manager *channel.Manager, cfg config.Config) *dispatch.Dispatcher {
	return dispatch.New(log, registry, manager, cfg.Dispatch.RetryMax, cfg.Dispatch.RetryBackoff.Duration)
}

func provideFlowEngine(log *slog.Logger, graphs graph.Store) *flow.Engine {
	return flow.NewEngine(log, graphs)
}

func providePendingStore(pool *pgxpool.Pool) pending.Store {
	return pending.NewPGStore(pool)
}

func providePendingDrainer(log *slog.Logger, store pending.Store, conversations conversation.Store, locks *conversation.Locks, engine *flow.Engine, dispatcher *dispatch.Dispatcher, cfg config.Config) *pending.Drainer {
	return pending.NewDrainer(log, store, conversations, locks, engine, dispatcher,
		cfg.Pending.DrainInterval.Duration, cfg.Pending.MaxAttempts)
}

func provideProcessor(log *slog.Logger, graphs graph.Store, conversations conversation.Store, locks *conversation.Locks, engine *flow.Engine, dispatcher *dispatch.Dispatcher, drainer *pending.Drainer, hub *event.Hub) *inbound.Processor {
	return inbound.NewProcessor(log, graphs, conversations, locks, engine, dispatcher, drainer, hub)
}

func provideReaper(log *slog.Logger, conversations conversation.Store, dispatcher *dispatch.Dispatcher, hub *event.Hub, cfg config.Config) *reaper.Reaper {
	return reaper.New(log, conversations, dispatcher, hub, cfg.Reaper.Spec,
		cfg.Reaper.InactivityTimeout.Duration, cfg.Reaper.ClosingMessage)
}

func provideSessionHandler(log *slog.Logger, manager *channel.Manager) *handlers.SessionHandler {
	return handlers.NewSessionHandler(log, manager, wagate.ChannelType)
}

func provideConversationHandler(log *slog.Logger, conversations conversation.Store) *handlers.ConversationHandler {
	return handlers.NewConversationHandler(log, conversations)
}

func provideEventsHandler(log *slog.Logger, hub *event.Hub) *handlers.EventsHandler {
	return handlers.NewEventsHandler(log, hub)
}

func provideChannelsHandler(registry *channel.Registry) *handlers.ChannelsHandler {
	return handlers.NewChannelsHandler(registry)
}

type serverParams struct {
	fx.In

	Logger   *slog.Logger
	Config   config.Config
	Handlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Handlers...)
}

func startChannelRuntime(lc fx.Lifecycle, manager *channel.Manager, processor *inbound.Processor) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			manager.Bind(processor.Handle)
			manager.Start(ctx)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			return manager.Shutdown(stopCtx)
		},
	})
}

func startPendingDrainer(lc fx.Lifecycle, drainer *pending.Drainer) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			drainer.Start(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func startReaper(lc fx.Lifecycle, r *reaper.Reaper) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return r.Start()
		},
		OnStop: func(stopCtx context.Context) error {
			r.Stop(stopCtx)
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server stopped", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			return srv.Shutdown(stopCtx)
		},
	})
}
