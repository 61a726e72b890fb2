// Package telegram connects a service to the Telegram Bot API by long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/nsnw/yahk/internal/config"
	"github.com/nsnw/yahk/internal/connector"
	"github.com/nsnw/yahk/internal/entity"
	"github.com/nsnw/yahk/internal/logger"
)

const defaultTimeout = 30

// Adapter polls Telegram for updates.
type Adapter struct {
	cfg    config.ServiceConfig
	logger *slog.Logger

	mu   sync.Mutex
	bot  *tgbotapi.BotAPI
	stop func()
}

// New is the connector.Factory for Telegram services.
func New(cfg config.ServiceConfig, log *slog.Logger) (connector.Adapter, error) {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return nil, errors.New("telegram: token is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{cfg: cfg, logger: log.With(slog.String("adapter", "telegram"))}, nil
}

// Kind implements connector.Adapter.
func (a *Adapter) Kind() entity.Kind { return entity.KindTelegram }

// Start implements connector.Adapter.
func (a *Adapter) Start(ctx context.Context, sink connector.Sink) error {
	bot, err := tgbotapi.NewBotAPI(a.cfg.Telegram.Token)
	if err != nil {
		a.logger.Error("create bot failed", slog.Any("error", err))
		return fmt.Errorf("telegram bot: %w", err)
	}
	// StopReceivingUpdates closes a channel and must run at most once.
	stop := sync.OnceFunc(bot.StopReceivingUpdates)
	a.mu.Lock()
	a.bot = bot
	a.stop = stop
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.bot == bot {
			a.bot = nil
		}
		a.mu.Unlock()
	}()

	a.emit(ctx, sink, connector.Event{Type: connector.EventReady, User: userRef(&bot.Self)})

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = a.cfg.Telegram.Timeout
	if updateConfig.Timeout <= 0 {
		updateConfig.Timeout = defaultTimeout
	}
	updates := bot.GetUpdatesChan(updateConfig)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("stop")
			stop()
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("telegram updates channel closed")
			}
			if update.Message == nil {
				continue
			}
			for _, ev := range messageEvents(update.Message) {
				a.emit(ctx, sink, ev)
			}
		}
	}
}

// messageEvents maps one Telegram message to the events it carries.
func messageEvents(msg *tgbotapi.Message) []connector.Event {
	if msg.Chat == nil {
		return nil
	}
	chat := chatRef(msg.Chat)
	ts := time.Unix(int64(msg.Date), 0).UTC()
	events := []connector.Event{{Type: connector.EventChat, Chat: chat, Timestamp: ts}}
	ref := connector.ChatRef{Identifier: chat.Identifier}

	for i := range msg.NewChatMembers {
		events = append(events, connector.Event{Type: connector.EventJoin, Chat: ref, User: userRef(&msg.NewChatMembers[i]), Timestamp: ts})
	}
	if msg.LeftChatMember != nil {
		events = append(events, connector.Event{Type: connector.EventPart, Chat: ref, User: userRef(msg.LeftChatMember), Timestamp: ts})
	}
	if msg.NewChatTitle != "" {
		events[0].Chat.Name = msg.NewChatTitle
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text != "" && msg.From != nil {
		events = append(events, connector.Event{
			Type:      connector.EventMessage,
			Chat:      ref,
			User:      userRef(msg.From),
			Text:      text,
			Timestamp: ts,
		})
	}
	return events
}

func chatRef(c *tgbotapi.Chat) connector.ChatRef {
	name := strings.TrimSpace(c.Title)
	if name == "" && c.UserName != "" {
		name = "@" + c.UserName
	}
	return connector.ChatRef{
		Identifier: strconv.FormatInt(c.ID, 10),
		Name:       name,
		Details:    &entity.ChatDetails{Telegram: &entity.TelegramChat{Type: c.Type, Username: c.UserName}},
	}
}

func userRef(u *tgbotapi.User) connector.UserRef {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" {
		name = u.UserName
	}
	return connector.UserRef{
		Identifier: strconv.FormatInt(u.ID, 10),
		Name:       name,
		Details:    &entity.UserDetails{Telegram: &entity.TelegramUser{Username: u.UserName, Bot: u.IsBot}},
	}
}

func (a *Adapter) emit(ctx context.Context, sink connector.Sink, ev connector.Event) {
	if ev.Type == connector.EventMessage {
		a.logger.Debug("inbound received",
			slog.String("chat_id", ev.Chat.Identifier),
			slog.String("user_id", ev.User.Identifier),
			slog.String("text", logger.SummarizeText(ev.Text)),
		)
	}
	if err := sink.Emit(ctx, ev); err != nil && ctx.Err() == nil {
		a.logger.Warn("event dropped", slog.String("type", ev.Type.String()), slog.Any("error", err))
	}
}

// Send implements connector.Adapter.
func (a *Adapter) Send(_ context.Context, chat *entity.Chat, text string) error {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if bot == nil {
		return connector.ErrNotRunning
	}
	chatID, err := strconv.ParseInt(chat.Identifier, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", chat.Identifier, err)
	}
	if _, err := bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("telegram send %s: %w", chat.Identifier, err)
	}
	return nil
}

// Quit implements connector.Adapter.
func (a *Adapter) Quit(context.Context) error {
	a.mu.Lock()
	stop := a.stop
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}
