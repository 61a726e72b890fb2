package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/nsnw/yahk/internal/bot"
	"github.com/nsnw/yahk/internal/config"
	"github.com/nsnw/yahk/internal/connector"
	"github.com/nsnw/yahk/internal/connector/adapters/discord"
	"github.com/nsnw/yahk/internal/connector/adapters/irc"
	"github.com/nsnw/yahk/internal/connector/adapters/slack"
	"github.com/nsnw/yahk/internal/connector/adapters/telegram"
	"github.com/nsnw/yahk/internal/console"
	"github.com/nsnw/yahk/internal/db"
	"github.com/nsnw/yahk/internal/entity"
	"github.com/nsnw/yahk/internal/feed"
	"github.com/nsnw/yahk/internal/handlers"
	"github.com/nsnw/yahk/internal/logger"
	"github.com/nsnw/yahk/internal/plugin"
	"github.com/nsnw/yahk/internal/plugin/admin"
	"github.com/nsnw/yahk/internal/server"
	"github.com/nsnw/yahk/internal/store"
	"github.com/nsnw/yahk/internal/store/sqlstore"
	"github.com/nsnw/yahk/internal/version"
)

type configPath string

func runServe(path string) error {
	app := fx.New(
		fx.Supply(configPath(path)),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideStore,
			provideConnectors,
			provideBot,
			feed.NewHub,
			provideStatusSource,

			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(handlers.NewStatusHandler),
			provideServerHandler(handlers.NewMetricsHandler),
			provideServerHandler(handlers.NewFeedHandler),
			provideServer,
		),
		fx.Invoke(
			startFeed,
			startBot,
			startServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func provideConfig(path configPath) (config.Config, error) {
	return loadConfig(string(path))
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideStore(lc fx.Lifecycle, cfg config.Config, log *slog.Logger) (store.Store, error) {
	if cfg.Database.Driver == "memory" {
		log.Warn("using in-memory store; state is lost on exit")
		return store.NewMemory(), nil
	}
	ctx := context.Background()
	if err := migrateUp(ctx, cfg); err != nil {
		return nil, err
	}
	conn, dialect, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	st := sqlstore.New(conn, dialect)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return st.Close()
		},
	})
	return st, nil
}

func provideConnectors() *connector.Registry {
	registry := connector.NewRegistry()
	registry.MustRegister(entity.KindIRC, irc.New)
	registry.MustRegister(entity.KindSlack, slack.New)
	registry.MustRegister(entity.KindDiscord, discord.New)
	registry.MustRegister(entity.KindTelegram, telegram.New)
	return registry
}

// provideBot builds the core and registers the console, which needs the core as its backend.
func provideBot(cfg config.Config, st store.Store, connectors *connector.Registry, log *slog.Logger) (*bot.Bot, error) {
	b := bot.New(cfg, st, connectors, log)
	if cfg.Console.Enabled {
		con := console.New(cfg.Console.Addr, b, log)
		if err := connectors.Register(entity.KindConsole, con.Factory()); err != nil {
			return nil, err
		}
	}
	loaded := b.LoadPlugins([]plugin.Factory{admin.New})
	log.Info("plugins loaded", slog.Int("count", loaded))
	return b, nil
}

func provideStatusSource(b *bot.Bot) handlers.StatusSource { return b }

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.ServerHandlers...)
}

func startFeed(b *bot.Bot, hub *feed.Hub) {
	b.Hub().AddObserver(feed.NewBroadcaster(hub))
}

// startBot runs the core for the lifetime of the application. A shutdown requested from inside the bot (console
// or an entity inconsistency) stops the whole application.
func startBot(lc fx.Lifecycle, log *slog.Logger, b *bot.Bot, shutdowner fx.Shutdowner) {
	log.Info("starting yahk", slog.String("version", version.GetInfo()))
	runCtx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(finished)
				if err := b.Run(runCtx); err != nil && !errors.Is(err, bot.ErrStopped) {
					log.Error("bot failed", slog.Any("error", err))
				}
				_ = shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			b.Shutdown("signal received")
			select {
			case <-b.Done():
			case <-ctx.Done():
			}
			cancel()
			select {
			case <-finished:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("bot stop: %w", ctx.Err())
			}
		},
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, srv *server.Server, shutdowner fx.Shutdowner) {
	if cfg.Server.Addr == "" {
		log.Info("status server disabled")
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
