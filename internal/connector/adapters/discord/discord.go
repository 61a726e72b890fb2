// Package discord connects a service to Discord through the gateway.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/nsnw/yahk/internal/config"
	"github.com/nsnw/yahk/internal/connector"
	"github.com/nsnw/yahk/internal/entity"
)

// Adapter is a Discord gateway session.
type Adapter struct {
	cfg    config.ServiceConfig
	logger *slog.Logger

	mu      sync.Mutex
	session *discordgo.Session
	known   map[string]bool
	cancel  context.CancelFunc
}

// New is the connector.Factory for Discord services.
func New(cfg config.ServiceConfig, log *slog.Logger) (connector.Adapter, error) {
	if strings.TrimSpace(cfg.Discord.Token) == "" {
		return nil, errors.New("discord: token is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{cfg: cfg, logger: log.With(slog.String("adapter", "discord")), known: map[string]bool{}}, nil
}

// Kind implements connector.Adapter.
func (a *Adapter) Kind() entity.Kind { return entity.KindDiscord }

// Start implements connector.Adapter.
func (a *Adapter) Start(ctx context.Context, sink connector.Sink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	session, err := discordgo.New("Bot " + a.cfg.Discord.Token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

	session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		a.emit(ctx, sink, connector.Event{Type: connector.EventReady, User: userRef(r.User)})
		for _, chat := range a.cfg.Chats {
			a.announceChat(ctx, sink, s, chat.Identifier)
		}
	})
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Content == "" {
			return
		}
		a.announceChat(ctx, sink, s, m.ChannelID)
		a.emit(ctx, sink, connector.Event{
			Type: connector.EventMessage,
			Chat: connector.ChatRef{Identifier: m.ChannelID},
			User: userRef(m.Author),
			Text: m.Content,
		})
	})
	session.AddHandler(func(_ *discordgo.Session, c *discordgo.ChannelUpdate) {
		if c.Channel == nil {
			return
		}
		a.emit(ctx, sink, connector.Event{Type: connector.EventChat, Chat: chatRef(c.Channel)})
		a.emit(ctx, sink, connector.Event{Type: connector.EventTopic, Chat: connector.ChatRef{Identifier: c.ID}, Text: c.Topic})
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	a.mu.Lock()
	a.session = session
	a.cancel = cancel
	a.mu.Unlock()

	<-ctx.Done()

	a.mu.Lock()
	if a.session == session {
		a.session = nil
	}
	a.mu.Unlock()
	if err := session.Close(); err != nil {
		a.logger.Warn("close failed", slog.Any("error", err))
	}
	return nil
}

// announceChat emits channel info the first time a channel is seen.
func (a *Adapter) announceChat(ctx context.Context, sink connector.Sink, s *discordgo.Session, channelID string) {
	a.mu.Lock()
	seen := a.known[channelID]
	a.known[channelID] = true
	a.mu.Unlock()
	if seen {
		return
	}
	ch, err := s.State.Channel(channelID)
	if err != nil {
		ch, err = s.Channel(channelID, discordgo.WithContext(ctx))
	}
	if err != nil {
		a.logger.Warn("channel lookup failed", slog.String("chat", channelID), slog.Any("error", err))
		return
	}
	a.emit(ctx, sink, connector.Event{Type: connector.EventChat, Chat: chatRef(ch)})
	if ch.Topic != "" {
		a.emit(ctx, sink, connector.Event{Type: connector.EventTopic, Chat: connector.ChatRef{Identifier: ch.ID}, Text: ch.Topic})
	}
}

func chatRef(ch *discordgo.Channel) connector.ChatRef {
	return connector.ChatRef{
		Identifier: ch.ID,
		Name:       "#" + ch.Name,
		Details:    &entity.ChatDetails{Discord: &entity.DiscordChat{GuildID: ch.GuildID}},
	}
}

func userRef(u *discordgo.User) connector.UserRef {
	name := u.GlobalName
	if name == "" {
		name = u.Username
	}
	return connector.UserRef{
		Identifier: u.ID,
		Name:       name,
		Details: &entity.UserDetails{Discord: &entity.DiscordUser{
			Discriminator: u.Discriminator,
			Bot:           u.Bot,
		}},
	}
}

func (a *Adapter) emit(ctx context.Context, sink connector.Sink, ev connector.Event) {
	if err := sink.Emit(ctx, ev); err != nil && ctx.Err() == nil {
		a.logger.Warn("event dropped", slog.String("type", ev.Type.String()), slog.Any("error", err))
	}
}

// Send implements connector.Adapter.
func (a *Adapter) Send(ctx context.Context, chat *entity.Chat, text string) error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return connector.ErrNotRunning
	}
	if _, err := session.ChannelMessageSend(chat.Identifier, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send %s: %w", chat.Identifier, err)
	}
	return nil
}

// Quit implements connector.Adapter. Start closes the gateway session on its way out.
func (a *Adapter) Quit(context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
