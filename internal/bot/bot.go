// Package bot is the core context. It owns the entity registry, the bridge hub, the dispatcher, the plugin
// registry and the connector manager, applies inbound events and runs the orderly shutdown.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nsnw/yahk/internal/bridge"
	"github.com/nsnw/yahk/internal/config"
	"github.com/nsnw/yahk/internal/connector"
	"github.com/nsnw/yahk/internal/console"
	"github.com/nsnw/yahk/internal/dispatch"
	"github.com/nsnw/yahk/internal/entity"
	"github.com/nsnw/yahk/internal/logger"
	"github.com/nsnw/yahk/internal/metrics"
	"github.com/nsnw/yahk/internal/plugin"
	"github.com/nsnw/yahk/internal/store"
)

// ErrStopped is returned by Run when the bot was shut down before it started.
var ErrStopped = errors.New("bot stopped")

// Bot wires the core components together.
type Bot struct {
	cfg    config.Config
	logger *slog.Logger

	registry   *entity.Registry
	hub        *bridge.Hub
	dispatcher *dispatch.Dispatcher
	plugins    *plugin.Registry
	manager    *connector.Manager

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopping bool
	reason   string
	done     chan struct{}
}

// New builds the core. Connector factories are looked up in connectors when services start.
func New(cfg config.Config, st store.Store, connectors *connector.Registry, log *slog.Logger) *Bot {
	if log == nil {
		log = slog.Default()
	}
	b := &Bot{
		cfg:    cfg,
		logger: log.With(slog.String("component", "bot")),
		done:   make(chan struct{}),
	}
	b.registry = entity.NewRegistry(st, log)
	b.registry.OnInconsistency(func(err error) {
		b.Shutdown("entity inconsistency: " + err.Error())
	})
	b.manager = connector.NewManager(connectors, b.handle, log, connector.ManagerOptions{
		QueueSize:       cfg.Bot.QueueSize,
		ShutdownTimeout: cfg.Bot.ShutdownTimeout.Duration,
		OnDisabled:      b.serviceDisabled,
	})
	b.hub = bridge.NewHub(b.registry, b.manager, log, bridge.Options{
		SourceFormat: cfg.Bot.SourceFormat,
		SendTimeout:  cfg.Bot.SendTimeout.Duration,
	})
	b.hub.AddObserver(metrics.DeliveryObserver{})
	b.plugins = plugin.NewRegistry(log)
	b.dispatcher = dispatch.New(b.hub, b.plugins, log, dispatch.Options{
		Prefix:      cfg.Bot.Prefix,
		DedupSize:   cfg.Bot.DedupSize,
		DedupMaxAge: cfg.Bot.DedupMaxAge.Duration,
	})
	return b
}

// Registry returns the entity registry.
func (b *Bot) Registry() *entity.Registry { return b.registry }

// Hub returns the bridge hub.
func (b *Bot) Hub() *bridge.Hub { return b.hub }

// Manager returns the connector manager.
func (b *Bot) Manager() *connector.Manager { return b.manager }

// Plugins returns the plugin registry.
func (b *Bot) Plugins() *plugin.Registry { return b.plugins }

// LoadPlugins builds and registers plugins, skipping the disabled ones from configuration.
func (b *Bot) LoadPlugins(factories []plugin.Factory) int {
	return b.plugins.Load(b, factories, b.cfg.Plugins.Disabled...)
}

// Do runs fn on the inbound worker. Goroutines other than the worker must use it to touch entities.
func (b *Bot) Do(ctx context.Context, fn func(ctx context.Context)) error {
	return b.manager.Do(ctx, fn)
}

// Run starts the worker, restores state, starts every enabled service and blocks until ctx ends or Shutdown
// completes.
func (b *Bot) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return ErrStopped
	}
	b.cancel = cancel
	b.mu.Unlock()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		b.manager.Run(ctx)
	}()

	var setupErr error
	if err := b.Do(ctx, func(ctx context.Context) { setupErr = b.setup(ctx) }); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	if setupErr != nil {
		cancel()
		<-workerDone
		return setupErr
	}
	for _, cfg := range b.serviceConfigs() {
		if !cfg.IsEnabled() {
			b.logger.Info("service disabled", slog.String("service", cfg.Identifier))
			continue
		}
		if err := b.manager.Start(ctx, cfg); err != nil {
			b.logger.Error("service start failed", slog.String("service", cfg.Identifier), slog.Any("error", err))
		}
	}
	b.logger.Info("bot running", slog.Int("services", len(b.registry.Services())), slog.Int("bridges", len(b.hub.Bridges())))

	<-ctx.Done()
	if err := b.manager.Shutdown(context.Background()); err != nil {
		b.logger.Warn("connector shutdown incomplete", slog.Any("error", err))
	}
	<-workerDone
	return nil
}

// serviceConfigs returns the configured services plus the console when it is enabled.
func (b *Bot) serviceConfigs() []config.ServiceConfig {
	out := append([]config.ServiceConfig(nil), b.cfg.Services...)
	if b.cfg.Console.Enabled {
		out = append(out, config.ServiceConfig{
			Kind:       string(entity.KindConsole),
			Name:       console.Identifier,
			Identifier: console.Identifier,
		})
	}
	return out
}

// setup registers services, restores bridges and creates the configured chats. It runs on the worker.
func (b *Bot) setup(ctx context.Context) error {
	for _, cfg := range b.serviceConfigs() {
		if _, err := b.registry.RegisterService(ctx, entity.ServiceInfo{
			Kind:       entity.Kind(cfg.Kind),
			Name:       cfg.Name,
			Identifier: cfg.Identifier,
			Enabled:    cfg.IsEnabled(),
		}); err != nil {
			return fmt.Errorf("register service %s: %w", cfg.Identifier, err)
		}
	}
	if err := b.hub.Load(ctx); err != nil {
		return fmt.Errorf("load bridges: %w", err)
	}
	for _, cfg := range b.cfg.Services {
		svc, _ := b.registry.Service(cfg.Identifier)
		for _, chat := range cfg.Chats {
			if _, err := b.CreateChat(ctx, svc, chat.Identifier, chat.Name, chat.Bridges); err != nil {
				return err
			}
		}
	}
	return nil
}

// CreateChat resolves a chat, marks it joined and attaches it to each named bridge. A chat with no configured
// bridges gets a fresh anonymous bridge unless it already belongs to one.
func (b *Bot) CreateChat(ctx context.Context, svc *entity.Service, identifier, name string, bridges []string) (*entity.Chat, error) {
	chat, err := b.registry.ResolveChat(ctx, svc, identifier, name)
	if err != nil {
		return nil, fmt.Errorf("create chat %s: %w", identifier, err)
	}
	if name != "" {
		if err := b.registry.RenameChat(ctx, chat, name); err != nil {
			return nil, err
		}
	}
	if err := b.registry.SetChatJoined(ctx, chat, true); err != nil {
		return nil, err
	}
	names := bridges
	if len(names) == 0 {
		if len(b.hub.ChatBridges(chat)) > 0 {
			return chat, nil
		}
		names = []string{""}
	}
	for _, bridgeName := range names {
		br, err := b.hub.GetOrCreate(ctx, bridgeName)
		if err != nil {
			return nil, err
		}
		if _, err := b.hub.Attach(ctx, br, chat); err != nil {
			return nil, err
		}
	}
	return chat, nil
}

func (b *Bot) serviceDisabled(ctx context.Context, identifier string) {
	svc, ok := b.registry.Service(identifier)
	if !ok {
		return
	}
	if err := b.registry.SetServiceEnabled(ctx, svc, false); err != nil {
		b.logger.Error("disable service failed", slog.String("service", identifier), slog.Any("error", err))
	}
}

// Shutdown stops every connector within the shutdown timeout and then cancels the root context. Only the first
// call has an effect; it returns immediately and Done reports completion.
func (b *Bot) Shutdown(reason string) {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return
	}
	b.stopping = true
	b.reason = reason
	cancel := b.cancel
	b.mu.Unlock()

	logger.Critical(context.Background(), b.logger, "shutting down", slog.String("reason", reason))
	go func() {
		defer close(b.done)
		if err := b.manager.Shutdown(context.Background()); err != nil {
			b.logger.Warn("connector shutdown incomplete", slog.Any("error", err))
		}
		if cancel != nil {
			cancel()
		}
	}()
}

// Done is closed once Shutdown has finished.
func (b *Bot) Done() <-chan struct{} { return b.done }

// ShutdownReason returns the reason given to the first Shutdown call.
func (b *Bot) ShutdownReason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reason
}

// Reply implements plugin.Host.
func (b *Bot) Reply(ctx context.Context, chat *entity.Chat, text string) error {
	return b.hub.Reply(ctx, chat, text)
}

// Services implements plugin.Host.
func (b *Bot) Services() []*entity.Service { return b.registry.Services() }

// Bridges implements plugin.Host.
func (b *Bot) Bridges() []*entity.Bridge { return b.hub.Bridges() }

// Members implements plugin.Host.
func (b *Bot) Members(br *entity.Bridge) []*entity.BridgeChat { return b.hub.Members(br) }

// RenameBridge implements plugin.Host.
func (b *Bot) RenameBridge(ctx context.Context, br *entity.Bridge, name string) error {
	return b.hub.Rename(ctx, br, name)
}
