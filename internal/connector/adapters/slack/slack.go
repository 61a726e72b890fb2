// Package slack connects a service to a Slack workspace over socket mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/nsnw/yahk/internal/config"
	"github.com/nsnw/yahk/internal/connector"
	"github.com/nsnw/yahk/internal/entity"
)

// Adapter is a Slack socket mode connection.
type Adapter struct {
	cfg    config.ServiceConfig
	logger *slog.Logger
	api    *slack.Client

	mu     sync.Mutex
	users  map[string]connector.UserRef
	cancel context.CancelFunc
}

// New is the connector.Factory for Slack services.
func New(cfg config.ServiceConfig, log *slog.Logger) (connector.Adapter, error) {
	if !strings.HasPrefix(cfg.Slack.BotToken, "xoxb-") {
		return nil, errors.New("slack: bot_token must start with xoxb-")
	}
	if !strings.HasPrefix(cfg.Slack.AppToken, "xapp-") {
		return nil, errors.New("slack: app_token must start with xapp-")
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("adapter", "slack"))
	api := slack.New(cfg.Slack.BotToken,
		slack.OptionAppLevelToken(cfg.Slack.AppToken),
		slack.OptionLog(slog.NewLogLogger(log.Handler(), slog.LevelDebug)),
	)
	return &Adapter{cfg: cfg, logger: log, api: api, users: map[string]connector.UserRef{}}, nil
}

// Kind implements connector.Adapter.
func (a *Adapter) Kind() entity.Kind { return entity.KindSlack }

// Start implements connector.Adapter.
func (a *Adapter) Start(ctx context.Context, sink connector.Sink) error {
	auth, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	a.emit(runCtx, sink, connector.Event{Type: connector.EventReady, User: connector.UserRef{Identifier: auth.UserID, Name: auth.User}})
	for _, chat := range a.cfg.Chats {
		a.refreshChat(runCtx, sink, chat.Identifier)
	}

	client := socketmode.New(a.api, socketmode.OptionLog(slog.NewLogLogger(a.logger.Handler(), slog.LevelDebug)))
	go a.consume(runCtx, client, sink)
	if err := client.RunContext(runCtx); err != nil && runCtx.Err() == nil {
		return fmt.Errorf("slack socket mode: %w", err)
	}
	return nil
}

func (a *Adapter) consume(ctx context.Context, client *socketmode.Client, sink connector.Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-client.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnected:
				a.logger.Info("connected")
			case socketmode.EventTypeEventsAPI:
				payload, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				if evt.Request != nil {
					client.Ack(*evt.Request)
				}
				a.handle(ctx, sink, payload.InnerEvent.Data)
			}
		}
	}
}

func (a *Adapter) handle(ctx context.Context, sink connector.Sink, data any) {
	switch ev := data.(type) {
	case *slackevents.MessageEvent:
		switch ev.SubType {
		case "", "me_message", "thread_broadcast":
			if ev.User == "" {
				return
			}
			a.emit(ctx, sink, connector.Event{
				Type: connector.EventMessage,
				Chat: connector.ChatRef{Identifier: ev.Channel},
				User: a.user(ctx, ev.User),
				Text: ev.Text,
			})
		case "channel_topic", "channel_purpose", "channel_name":
			a.refreshChat(ctx, sink, ev.Channel)
		}
	case *slackevents.MemberJoinedChannelEvent:
		a.emit(ctx, sink, connector.Event{
			Type: connector.EventJoin,
			Chat: connector.ChatRef{Identifier: ev.Channel},
			User: a.user(ctx, ev.User),
		})
	case *slackevents.MemberLeftChannelEvent:
		a.emit(ctx, sink, connector.Event{
			Type: connector.EventPart,
			Chat: connector.ChatRef{Identifier: ev.Channel},
			User: a.user(ctx, ev.User),
		})
	case *slackevents.ChannelRenameEvent:
		a.emit(ctx, sink, connector.Event{
			Type: connector.EventChat,
			Chat: connector.ChatRef{Identifier: ev.Channel.ID, Name: "#" + ev.Channel.Name},
		})
	}
}

// refreshChat fetches channel info and emits its name, purpose and topic.
func (a *Adapter) refreshChat(ctx context.Context, sink connector.Sink, channelID string) {
	ch, err := a.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		a.logger.Warn("conversation info failed", slog.String("chat", channelID), slog.Any("error", err))
		return
	}
	ref := chatRef(ch)
	a.emit(ctx, sink, connector.Event{Type: connector.EventChat, Chat: ref})
	a.emit(ctx, sink, connector.Event{Type: connector.EventTopic, Chat: connector.ChatRef{Identifier: ref.Identifier}, Text: ch.Topic.Value})
}

func chatRef(ch *slack.Channel) connector.ChatRef {
	return connector.ChatRef{
		Identifier: ch.ID,
		Name:       "#" + ch.Name,
		Details: &entity.ChatDetails{Slack: &entity.SlackChat{
			Purpose: ch.Purpose.Value,
			Private: ch.IsPrivate,
			Deleted: ch.IsArchived,
		}},
	}
}

// user resolves a user id to a reference, caching profile lookups.
func (a *Adapter) user(ctx context.Context, id string) connector.UserRef {
	a.mu.Lock()
	ref, ok := a.users[id]
	a.mu.Unlock()
	if ok {
		return ref
	}
	ref = connector.UserRef{Identifier: id, Name: id}
	info, err := a.api.GetUserInfoContext(ctx, id)
	if err != nil {
		a.logger.Warn("user info failed", slog.String("user", id), slog.Any("error", err))
		return ref
	}
	ref = userRef(info)
	a.mu.Lock()
	a.users[id] = ref
	a.mu.Unlock()
	return ref
}

func userRef(u *slack.User) connector.UserRef {
	name := u.Profile.DisplayName
	if name == "" {
		name = u.Name
	}
	return connector.UserRef{
		Identifier: u.ID,
		Name:       name,
		Details: &entity.UserDetails{Slack: &entity.SlackUser{
			RealName: u.RealName,
			Team:     u.TeamID,
			Deleted:  u.Deleted,
			Bot:      u.IsBot,
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
	if _, _, err := a.api.PostMessageContext(ctx, chat.Identifier, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("slack post %s: %w", chat.Identifier, err)
	}
	return nil
}

// Quit implements connector.Adapter.
func (a *Adapter) Quit(context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
