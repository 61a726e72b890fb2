// Package bridge owns bridges and their chat memberships and relays lines between bridged chats.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nsnw/yahk/internal/config"
	"github.com/nsnw/yahk/internal/entity"
	"github.com/nsnw/yahk/internal/logger"
	"github.com/nsnw/yahk/internal/store"
)

// Sender delivers text to a chat on its platform.
type Sender interface {
	Send(ctx context.Context, chat *entity.Chat, text string) error
}

// Delivery describes one outbound send performed by the hub.
type Delivery struct {
	Bridge string
	Origin *entity.Chat
	Target *entity.Chat
	Text   string
	Err    error
}

// Observer is notified after every send, successful or not.
type Observer interface {
	OnDelivery(ctx context.Context, d Delivery)
}

// Options tunes relay formatting and send timeouts.
type Options struct {
	SourceFormat string
	SendTimeout  time.Duration
}

// Hub owns the bridge set. Entities it hands out follow the ownership rules of package entity.
type Hub struct {
	registry    *entity.Registry
	sender      Sender
	logger      *slog.Logger
	format      string
	sendTimeout time.Duration

	mu        sync.RWMutex
	bridges   map[string]*entity.Bridge
	members   map[string][]*entity.BridgeChat
	observers []Observer
}

// NewHub creates a hub that persists through reg and delivers through sender.
func NewHub(reg *entity.Registry, sender Sender, log *slog.Logger, opts Options) *Hub {
	if log == nil {
		log = slog.Default()
	}
	format := opts.SourceFormat
	if format == "" {
		format = config.SourceFormatLong
	}
	return &Hub{
		registry:    reg,
		sender:      sender,
		logger:      log.With(slog.String("component", "bridge")),
		format:      format,
		sendTimeout: opts.SendTimeout,
		bridges:     map[string]*entity.Bridge{},
		members:     map[string][]*entity.BridgeChat{},
	}
}

// AddObserver registers o for delivery notifications.
func (h *Hub) AddObserver(o Observer) {
	if o == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, o)
}

// Load restores persisted bridges and the memberships of chats whose services are registered.
func (h *Hub) Load(ctx context.Context) error {
	bridges, err := h.registry.LoadBridges(ctx)
	if err != nil {
		return err
	}
	for _, b := range bridges {
		members, err := h.registry.LoadBridgeChats(ctx, b)
		if err != nil {
			return err
		}
		h.mu.Lock()
		if _, ok := h.bridges[b.Name]; !ok {
			h.bridges[b.Name] = b
			h.members[b.Name] = members
		}
		h.mu.Unlock()
		h.logger.Debug("bridge loaded", slog.String("bridge", b.Name), slog.Int("members", len(members)))
	}
	return nil
}

// GetOrCreate returns the bridge called name, creating and persisting it when absent.
// An empty name creates an anonymous bridge with a generated unique name.
func (h *Hub) GetOrCreate(ctx context.Context, name string) (*entity.Bridge, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = uuid.NewString()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if b, ok := h.bridges[name]; ok {
		return b, nil
	}

	b, err := h.registry.FindBridge(ctx, name)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		b = &entity.Bridge{Name: name, Enabled: true}
		if err := h.registry.SaveBridge(ctx, b); err != nil {
			return nil, err
		}
		h.logger.Info("bridge created", slog.String("bridge", name))
	default:
		return nil, err
	}
	h.bridges[name] = b
	return b, nil
}

// Rename changes the name of b. The new name must not belong to another bridge.
func (h *Hub) Rename(ctx context.Context, b *entity.Bridge, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("bridge name is empty")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if name == b.Name {
		return nil
	}
	if _, ok := h.bridges[name]; ok {
		return fmt.Errorf("bridge %s already exists", name)
	}
	old := b.Name
	b.Name = name
	if err := h.registry.SaveBridge(ctx, b); err != nil {
		b.Name = old
		return err
	}
	delete(h.bridges, old)
	h.bridges[name] = b
	h.members[name] = h.members[old]
	delete(h.members, old)
	h.logger.Info("bridge renamed", slog.String("from", old), slog.String("to", name))
	return nil
}

// Bridge returns the in-memory bridge called name.
func (h *Hub) Bridge(name string) (*entity.Bridge, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.bridges[name]
	return b, ok
}

// Bridges returns every bridge ordered by name.
func (h *Hub) Bridges() []*entity.Bridge {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*entity.Bridge, 0, len(h.bridges))
	for _, b := range h.bridges {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Members returns the routable memberships of b in attach order.
func (h *Hub) Members(b *entity.Bridge) []*entity.BridgeChat {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*entity.BridgeChat
	for _, bc := range h.members[b.Name] {
		if bc.Routable() {
			out = append(out, bc)
		}
	}
	return out
}

// ChatBridges returns the routable memberships of chat across all bridges, ordered by bridge name.
func (h *Hub) ChatBridges(chat *entity.Chat) []*entity.BridgeChat {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*entity.BridgeChat
	for _, members := range h.members {
		for _, bc := range members {
			if bc.Chat == chat && bc.Routable() {
				out = append(out, bc)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bridge.Name < out[j].Bridge.Name })
	return out
}

func (h *Hub) findMember(b *entity.Bridge, chat *entity.Chat) *entity.BridgeChat {
	for _, bc := range h.members[b.Name] {
		if bc.Chat == chat {
			return bc
		}
	}
	return nil
}

// Attach adds chat to b. Attaching an existing pair returns the existing membership, reactivating it if needed.
func (h *Hub) Attach(ctx context.Context, b *entity.Bridge, chat *entity.Chat) (*entity.BridgeChat, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.bridges[b.Name]; !ok {
		h.bridges[b.Name] = b
	}

	bc := h.findMember(b, chat)
	if bc == nil {
		found, err := h.registry.FindBridgeChat(ctx, b, chat)
		switch {
		case err == nil:
			bc = found
			h.members[b.Name] = append(h.members[b.Name], bc)
		case errors.Is(err, store.ErrNotFound):
			bc = &entity.BridgeChat{Bridge: b, Chat: chat, Enabled: true, Active: true}
			if err := h.registry.SaveBridgeChat(ctx, bc); err != nil {
				return nil, err
			}
			h.members[b.Name] = append(h.members[b.Name], bc)
			h.logger.Info("chat attached", slog.String("bridge", b.Name), slog.String("chat", chat.String()))
			return bc, nil
		default:
			return nil, err
		}
	}

	if !bc.Active {
		bc.Active = true
		if err := h.registry.SaveBridgeChat(ctx, bc); err != nil {
			return nil, err
		}
	}
	return bc, nil
}

// Detach removes chat from routing in b. The membership row is kept, marked inactive.
func (h *Hub) Detach(ctx context.Context, b *entity.Bridge, chat *entity.Chat) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	bc := h.findMember(b, chat)
	if bc == nil || !bc.Active {
		return fmt.Errorf("%s is not part of bridge %s", chat, b.Name)
	}
	bc.Active = false
	if err := h.registry.SaveBridgeChat(ctx, bc); err != nil {
		return err
	}
	h.logger.Info("chat detached", slog.String("bridge", b.Name), slog.String("chat", chat.String()))
	return nil
}

// Format renders a relayed line with the configured source label.
func (h *Hub) Format(sender *entity.ChatUser, text string) string {
	source := sender.User.DisplayName()
	if h.format != config.SourceFormatShort {
		source = sender.String()
	}
	return "<" + source + "> " + text
}

// Relay sends text from sender to every other routable member of origin's bridge.
// Failures are logged per member and never stop the fan-out. It returns the number of successful sends.
func (h *Hub) Relay(ctx context.Context, origin *entity.BridgeChat, sender *entity.ChatUser, text string) int {
	line := h.Format(sender, text)
	h.logger.Debug("relay",
		slog.String("bridge", origin.Bridge.Name),
		slog.String("from", sender.String()),
		slog.String("text", logger.SummarizeText(text)))
	return h.Announce(ctx, origin.Bridge, line, origin.Chat)
}

// Announce sends a preformatted line to every routable member of b except exclude, which may be nil.
func (h *Hub) Announce(ctx context.Context, b *entity.Bridge, line string, exclude *entity.Chat) int {
	h.mu.RLock()
	var targets []*entity.BridgeChat
	for _, bc := range h.members[b.Name] {
		if bc.Routable() && bc.Chat != exclude {
			targets = append(targets, bc)
		}
	}
	observers := append([]Observer(nil), h.observers...)
	h.mu.RUnlock()

	delivered := 0
	for _, target := range targets {
		err := h.send(ctx, target.Chat, line)
		if err != nil {
			h.logger.Error("relay send failed",
				slog.String("bridge", b.Name),
				slog.String("chat", target.Chat.String()),
				slog.Any("error", err))
		} else {
			delivered++
		}
		d := Delivery{Bridge: b.Name, Origin: exclude, Target: target.Chat, Text: line, Err: err}
		for _, o := range observers {
			o.OnDelivery(ctx, d)
		}
	}
	return delivered
}

// Reply sends text straight to chat.
func (h *Hub) Reply(ctx context.Context, chat *entity.Chat, text string) error {
	return h.send(ctx, chat, text)
}

func (h *Hub) send(ctx context.Context, chat *entity.Chat, text string) (err error) {
	if h.sender == nil {
		return errors.New("no sender configured")
	}
	if h.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.sendTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panic: %v", r)
		}
	}()
	return h.sender.Send(ctx, chat, text)
}
