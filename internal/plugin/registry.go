package plugin

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Command is a registered command handler.
type Command struct {
	Plugin  string
	Name    string
	Handler HandlerFunc
}

// Pattern is a registered pattern handler.
type Pattern struct {
	Plugin  string
	Pattern *regexp.Regexp
	Handler HandlerFunc
}

// Registry holds the loaded plugins. Later command registrations replace earlier ones;
// patterns are matched in registration order.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	plugins  []string
	commands map[string]Command
	patterns []Pattern
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		logger:   log.With(slog.String("component", "plugin")),
		commands: map[string]Command{},
	}
}

// Load instantiates every factory once and registers its handlers. A failing or panicking factory is logged
// and skipped; plugins named in disabled are built but not registered. It returns the number of plugins loaded.
func (r *Registry) Load(host Host, factories []Factory, disabled ...string) int {
	skip := map[string]bool{}
	for _, name := range disabled {
		skip[strings.ToLower(strings.TrimSpace(name))] = true
	}

	loaded := 0
	for i, factory := range factories {
		p, err := build(host, factory)
		if err != nil {
			r.logger.Error("plugin load failed", slog.Int("index", i), slog.Any("error", err))
			continue
		}
		if skip[strings.ToLower(p.Name())] {
			r.logger.Info("plugin disabled", slog.String("plugin", p.Name()))
			continue
		}
		if err := r.Register(p); err != nil {
			r.logger.Error("plugin load failed", slog.String("plugin", p.Name()), slog.Any("error", err))
			continue
		}
		loaded++
	}
	return loaded
}

func build(host Host, factory Factory) (p Plugin, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p, err = nil, fmt.Errorf("plugin factory panic: %v", rec)
		}
	}()
	if factory == nil {
		return nil, errors.New("plugin factory is nil")
	}
	p, err = factory(host)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.New("plugin factory returned nil")
	}
	return p, nil
}

// Register adds the handlers of p. Either every descriptor is registered or none is.
func (r *Registry) Register(p Plugin) error {
	name := p.Name()
	descriptors := p.Handlers()
	for i, d := range descriptors {
		if err := d.validate(); err != nil {
			return fmt.Errorf("%w: %s handler %d: %v", ErrInvalidDescriptor, name, i, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range descriptors {
		if d.Pattern != nil {
			r.patterns = append(r.patterns, Pattern{Plugin: name, Pattern: d.Pattern, Handler: d.Handler})
			r.logger.Debug("pattern registered", slog.String("plugin", name), slog.String("pattern", d.Pattern.String()))
			continue
		}
		for _, c := range d.Commands {
			c = normalizeCommand(c)
			if prev, ok := r.commands[c]; ok {
				r.logger.Warn("command replaced", slog.String("command", c),
					slog.String("previous", prev.Plugin), slog.String("plugin", name))
			}
			r.commands[c] = Command{Plugin: name, Name: c, Handler: d.Handler}
			r.logger.Debug("command registered", slog.String("plugin", name), slog.String("command", c))
		}
	}
	r.plugins = append(r.plugins, name)
	r.logger.Info("plugin loaded", slog.String("plugin", name))
	return nil
}

// Command looks up a command by name.
func (r *Registry) Command(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.commands[name]
	return c, ok
}

// Match returns the first pattern matching text and its submatches.
func (r *Registry) Match(text string) (Pattern, []string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.patterns {
		if m := p.Pattern.FindStringSubmatch(text); m != nil {
			return p, m, true
		}
	}
	return Pattern{}, nil, false
}

// Commands returns the registered command names, sorted.
func (r *Registry) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.commands))
	for name := range r.commands {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Plugins returns the loaded plugin names in load order.
func (r *Registry) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.plugins...)
}

func normalizeCommand(name string) string {
	return strings.TrimSpace(name)
}
