package plugin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
)

type stubPlugin struct {
	name     string
	handlers []Descriptor
}

func (p stubPlugin) Name() string           { return p.name }
func (p stubPlugin) Handlers() []Descriptor { return p.handlers }

func factoryOf(p Plugin) Factory {
	return func(Host) (Plugin, error) { return p, nil }
}

func testRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func noop(context.Context, Request) error { return nil }

func TestLoadSkipsFailingPlugins(t *testing.T) {
	t.Parallel()
	r := testRegistry()

	loaded := r.Load(nil, []Factory{
		func(Host) (Plugin, error) { return nil, errors.New("missing token") },
		func(Host) (Plugin, error) { panic("boom") },
		factoryOf(stubPlugin{name: "good", handlers: []Descriptor{{Commands: []string{"ping"}, Handler: noop}}}),
		nil,
	})
	if loaded != 1 {
		t.Fatalf("expected one plugin loaded, got %d", loaded)
	}
	if _, ok := r.Command("ping"); !ok {
		t.Fatal("expected ping to be registered")
	}
	if got := r.Plugins(); len(got) != 1 || got[0] != "good" {
		t.Fatalf("unexpected plugins: %v", got)
	}
}

func TestLaterCommandRegistrationWins(t *testing.T) {
	t.Parallel()
	r := testRegistry()
	r.Load(nil, []Factory{
		factoryOf(stubPlugin{name: "first", handlers: []Descriptor{{Commands: []string{" ping"}, Handler: noop}}}),
		factoryOf(stubPlugin{name: "second", handlers: []Descriptor{{Commands: []string{"ping"}, Handler: noop}}}),
	})
	cmd, ok := r.Command("ping")
	if !ok {
		t.Fatal("expected command to be found")
	}
	if cmd.Plugin != "second" {
		t.Fatalf("expected second plugin to win, got %q", cmd.Plugin)
	}
}

func TestCommandLookupIsExact(t *testing.T) {
	t.Parallel()
	r := testRegistry()
	r.Load(nil, []Factory{
		factoryOf(stubPlugin{name: "good", handlers: []Descriptor{{Commands: []string{"ping"}, Handler: noop}}}),
	})
	for _, name := range []string{"PING", "Ping", " ping", ""} {
		if _, ok := r.Command(name); ok {
			t.Fatalf("expected %q not to match ping", name)
		}
	}
}

func TestPatternsMatchInOrder(t *testing.T) {
	t.Parallel()
	r := testRegistry()
	r.Load(nil, []Factory{
		factoryOf(stubPlugin{name: "a", handlers: []Descriptor{{Pattern: regexp.MustCompile(`hello (\w+)`), Handler: noop}}}),
		factoryOf(stubPlugin{name: "b", handlers: []Descriptor{{Pattern: regexp.MustCompile(`hello`), Handler: noop}}}),
	})

	p, m, ok := r.Match("well hello world")
	if !ok {
		t.Fatal("expected a match")
	}
	if p.Plugin != "a" || len(m) != 2 || m[1] != "world" {
		t.Fatalf("unexpected match: plugin=%s groups=%v", p.Plugin, m)
	}
	if _, _, ok := r.Match("goodbye"); ok {
		t.Fatal("expected no match")
	}
}

func TestInvalidDescriptors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		d    Descriptor
	}{
		{name: "no handler", d: Descriptor{Commands: []string{"x"}}},
		{name: "no trigger", d: Descriptor{Handler: noop}},
		{name: "both triggers", d: Descriptor{Commands: []string{"x"}, Pattern: regexp.MustCompile("x"), Handler: noop}},
		{name: "blank command", d: Descriptor{Commands: []string{" "}, Handler: noop}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := testRegistry()
			err := r.Register(stubPlugin{name: "bad", handlers: []Descriptor{
				{Commands: []string{"ok"}, Handler: noop},
				tc.d,
			}})
			if !errors.Is(err, ErrInvalidDescriptor) {
				t.Fatalf("expected ErrInvalidDescriptor, got %v", err)
			}
			if _, ok := r.Command("ok"); ok {
				t.Fatal("expected nothing registered from an invalid plugin")
			}
		})
	}
}

func TestDisabledPluginsAreSkipped(t *testing.T) {
	t.Parallel()
	r := testRegistry()
	loaded := r.Load(nil, []Factory{
		factoryOf(stubPlugin{name: "admin", handlers: []Descriptor{{Commands: []string{"ping"}, Handler: noop}}}),
	}, "Admin")
	if loaded != 0 {
		t.Fatalf("expected nothing loaded, got %d", loaded)
	}
	if len(r.Commands()) != 0 {
		t.Fatalf("expected no commands, got %v", r.Commands())
	}
}
