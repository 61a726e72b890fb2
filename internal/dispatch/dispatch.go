// Package dispatch routes received lines to plugin handlers and through the bridge hub.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nsnw/yahk/internal/config"
	"github.com/nsnw/yahk/internal/entity"
	"github.com/nsnw/yahk/internal/logger"
	"github.com/nsnw/yahk/internal/metrics"
	"github.com/nsnw/yahk/internal/plugin"
)

// Hub is the part of the bridge hub the dispatcher relays through.
type Hub interface {
	ChatBridges(chat *entity.Chat) []*entity.BridgeChat
	Relay(ctx context.Context, origin *entity.BridgeChat, sender *entity.ChatUser, text string) int
}

// Handlers resolves commands and patterns, typically a *plugin.Registry.
type Handlers interface {
	Command(name string) (plugin.Command, bool)
	Match(text string) (plugin.Pattern, []string, bool)
}

// Options configures command parsing and the dedup window.
type Options struct {
	Prefix      string
	DedupSize   int
	DedupMaxAge time.Duration
}

// Result summarises one Dispatch call.
type Result struct {
	Bridges    int
	Duplicates int
	Handled    int
	Relayed    int
}

// Dispatcher runs dedup, command handling and relay for every bridge a chat belongs to.
// It is driven by the single inbound worker.
type Dispatcher struct {
	hub      Hub
	handlers Handlers
	logger   *slog.Logger
	prefix   string
	seen     *expirable.LRU[string, struct{}]
}

// New creates a dispatcher. Zero options fall back to the configuration defaults.
func New(hub Hub, handlers Handlers, log *slog.Logger, opts Options) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if opts.Prefix == "" {
		opts.Prefix = config.DefaultPrefix
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = config.DefaultDedupSize
	}
	if opts.DedupMaxAge <= 0 {
		opts.DedupMaxAge = config.DefaultDedupMaxAge
	}
	return &Dispatcher{
		hub:      hub,
		handlers: handlers,
		logger:   log.With(slog.String("component", "dispatch")),
		prefix:   opts.Prefix,
		seen:     expirable.NewLRU[string, struct{}](opts.DedupSize, nil, opts.DedupMaxAge),
	}
}

// Fingerprint identifies a line for dedup by the sender's and chat's platform identifiers and the raw text.
// Display names are not unique, so they never take part.
func Fingerprint(cu *entity.ChatUser, text string) string {
	return cu.User.Identifier + "@" + cu.Chat.Identifier + "/" + text
}

// bridgeKey scopes the dedup window to a bridge. The surrogate id survives renames.
func bridgeKey(b *entity.Bridge) string {
	if b.ID != 0 {
		return strconv.FormatInt(b.ID, 10)
	}
	return "name:" + b.Name
}

// Dispatch processes text from cu once per bridge of its chat. A line already seen on a bridge within the
// dedup window is dropped for that bridge. Otherwise a matching handler runs and the line is relayed
// whether or not a handler ran.
func (d *Dispatcher) Dispatch(ctx context.Context, cu *entity.ChatUser, text string) Result {
	var res Result
	fp := Fingerprint(cu, text)
	for _, bc := range d.hub.ChatBridges(cu.Chat) {
		res.Bridges++
		key := bridgeKey(bc.Bridge) + "\x00" + fp
		if _, ok := d.seen.Get(key); ok {
			res.Duplicates++
			metrics.DuplicatesSuppressed.WithLabelValues(bc.Bridge.Name).Inc()
			d.logger.Debug("duplicate suppressed", slog.String("bridge", bc.Bridge.Name), slog.String("fingerprint", logger.SummarizeText(fp)))
			continue
		}
		d.seen.Add(key, struct{}{})

		if d.handle(ctx, bc, cu, text) {
			res.Handled++
		}
		res.Relayed += d.hub.Relay(ctx, bc, cu, text)
	}
	return res
}

// splitCommand cuts the command token at the first whitespace. Text with whitespace right after the prefix
// has an empty token.
func splitCommand(rest string) (string, []string) {
	i := strings.IndexFunc(rest, unicode.IsSpace)
	if i < 0 {
		return rest, nil
	}
	return rest[:i], strings.Fields(rest[i:])
}

func (d *Dispatcher) handle(ctx context.Context, bc *entity.BridgeChat, cu *entity.ChatUser, text string) bool {
	if rest, ok := strings.CutPrefix(text, d.prefix); ok {
		token, args := splitCommand(rest)
		if token == "" {
			return false
		}
		cmd, ok := d.handlers.Command(token)
		if !ok {
			d.logger.Debug("unknown command", slog.String("command", token))
			return false
		}
		d.invoke(ctx, cmd.Plugin, cmd.Name, cmd.Handler, plugin.Request{
			Command:    cmd.Name,
			Args:       args,
			BridgeChat: bc,
			ChatUser:   cu,
			Raw:        text,
		})
		return true
	}

	p, match, ok := d.handlers.Match(text)
	if !ok {
		return false
	}
	d.invoke(ctx, p.Plugin, p.Pattern.String(), p.Handler, plugin.Request{
		Match:      match,
		BridgeChat: bc,
		ChatUser:   cu,
		Raw:        text,
	})
	return true
}

func (d *Dispatcher) invoke(ctx context.Context, pluginName, name string, h plugin.HandlerFunc, req plugin.Request) {
	metrics.CommandsDispatched.WithLabelValues(pluginName).Inc()
	err := safeCall(ctx, h, req)
	if err == nil {
		return
	}
	metrics.HandlerFailures.WithLabelValues(pluginName).Inc()
	d.logger.Error("handler failed",
		slog.String("plugin", pluginName),
		slog.String("command", name),
		slog.String("chat", req.BridgeChat.Chat.String()),
		slog.Any("error", err))
}

func safeCall(ctx context.Context, h plugin.HandlerFunc, req plugin.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, req)
}
