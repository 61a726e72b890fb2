package bot

import (
	"context"
	"log/slog"
	"reflect"

	"github.com/nsnw/yahk/internal/connector"
	"github.com/nsnw/yahk/internal/entity"
	"github.com/nsnw/yahk/internal/logger"
	"github.com/nsnw/yahk/internal/metrics"
)

// handle applies one inbound event. It runs on the worker.
func (b *Bot) handle(ctx context.Context, ev connector.Event) {
	svc, ok := b.registry.Service(ev.Service)
	if !ok {
		b.logger.Warn("event for unknown service", slog.String("service", ev.Service), slog.String("type", ev.Type.String()))
		return
	}
	log := b.logger.With(slog.String("service", svc.Identifier), slog.String("type", ev.Type.String()))
	a := applier{b: b, svc: svc, ev: ev}

	var err error
	switch ev.Type {
	case connector.EventReady:
		err = a.ready(ctx)
	case connector.EventMessage:
		err = a.message(ctx)
	case connector.EventJoin:
		err = a.join(ctx)
	case connector.EventPart:
		err = a.part(ctx)
	case connector.EventKick:
		err = a.kick(ctx)
	case connector.EventQuit:
		err = a.quit(ctx)
	case connector.EventTopic:
		err = a.topic(ctx)
	case connector.EventNick:
		err = a.nick(ctx)
	case connector.EventMember:
		err = a.member(ctx)
	case connector.EventInvite:
		err = a.invite(ctx)
	case connector.EventMode:
		err = a.mode(ctx)
	case connector.EventChat:
		err = a.chat(ctx)
	default:
		log.Debug("event ignored")
		return
	}
	if err != nil {
		log.Error("apply event failed", slog.Any("error", err))
	}
}

// applier carries one event through resolution and mutation.
type applier struct {
	b   *Bot
	svc *entity.Service
	ev  connector.Event
}

func (a applier) chatRef(ctx context.Context, ref connector.ChatRef) (*entity.Chat, error) {
	reg := a.b.registry
	chat, err := reg.ResolveChat(ctx, a.svc, ref.Identifier, ref.Name)
	if err != nil {
		return nil, err
	}
	if ref.Name != "" {
		if err := reg.RenameChat(ctx, chat, ref.Name); err != nil {
			return nil, err
		}
	}
	if ref.Details != nil {
		details := ref.Details.ForKind(a.svc.Kind)
		if !reflect.DeepEqual(details, chat.Details) {
			if err := reg.SetChatDetails(ctx, chat, details); err != nil {
				return nil, err
			}
		}
	}
	return chat, nil
}

func (a applier) userRef(ctx context.Context, ref connector.UserRef) (*entity.User, error) {
	reg := a.b.registry
	user, err := reg.ResolveUser(ctx, a.svc, ref.Identifier, ref.Name)
	if err != nil {
		return nil, err
	}
	if ref.Name != "" {
		if _, err := reg.RenameUser(ctx, user, ref.Name); err != nil {
			return nil, err
		}
	}
	if ref.Details != nil {
		details := ref.Details.ForKind(a.svc.Kind)
		if !reflect.DeepEqual(details, user.Details) {
			if err := reg.SetUserDetails(ctx, user, details); err != nil {
				return nil, err
			}
		}
	}
	return user, nil
}

// membership resolves the chat, the user and the chat user of the event.
func (a applier) membership(ctx context.Context, uref connector.UserRef) (*entity.ChatUser, error) {
	chat, err := a.chatRef(ctx, a.ev.Chat)
	if err != nil {
		return nil, err
	}
	user, err := a.userRef(ctx, uref)
	if err != nil {
		return nil, err
	}
	return a.b.registry.ResolveChatUser(ctx, chat, user)
}

func (a applier) record(ctx context.Context, kind entity.EventKind, chat *entity.Chat, user, target *entity.User, oldValue, newValue string) error {
	return a.b.registry.RecordEvent(ctx, &entity.Event{
		Service:   a.svc,
		Chat:      chat,
		User:      user,
		Target:    target,
		Timestamp: a.ev.Timestamp,
		Kind:      kind,
		OldValue:  oldValue,
		NewValue:  newValue,
	})
}

func (a applier) ready(ctx context.Context) error {
	me, err := a.userRef(ctx, a.ev.User)
	if err != nil {
		return err
	}
	a.b.logger.Info("service ready", slog.String("service", a.svc.Identifier), slog.String("me", me.DisplayName()))
	return a.b.registry.SetMe(ctx, a.svc, me)
}

func (a applier) message(ctx context.Context) error {
	cu, err := a.membership(ctx, a.ev.User)
	if err != nil {
		return err
	}
	if a.svc.IsMe(cu.User) {
		return nil
	}
	metrics.MessagesReceived.WithLabelValues(a.svc.Identifier).Inc()
	if _, err := a.b.registry.SetActive(ctx, cu, true); err != nil {
		return err
	}
	if _, err := a.b.registry.RecordMessage(ctx, cu, a.ev.Text, a.ev.Timestamp); err != nil {
		return err
	}
	a.b.logger.Debug("message received",
		slog.String("from", cu.String()),
		slog.String("text", logger.SummarizeText(a.ev.Text)),
	)
	a.b.dispatcher.Dispatch(ctx, cu, a.ev.Text)
	return nil
}

func (a applier) join(ctx context.Context) error {
	cu, err := a.membership(ctx, a.ev.User)
	if err != nil {
		return err
	}
	if a.svc.IsMe(cu.User) {
		return a.b.registry.SetChatJoined(ctx, cu.Chat, true)
	}
	changed, err := a.b.registry.SetActive(ctx, cu, true)
	if err != nil || !changed {
		return err
	}
	return a.record(ctx, entity.EventUserJoined, cu.Chat, cu.User, nil, "", "")
}

func (a applier) part(ctx context.Context) error {
	cu, err := a.membership(ctx, a.ev.User)
	if err != nil {
		return err
	}
	if a.svc.IsMe(cu.User) {
		return a.b.registry.SetChatJoined(ctx, cu.Chat, false)
	}
	if _, err := a.b.registry.SetActive(ctx, cu, false); err != nil {
		return err
	}
	return a.record(ctx, entity.EventUserLeft, cu.Chat, cu.User, nil, "", a.ev.Text)
}

func (a applier) kick(ctx context.Context) error {
	target, err := a.membership(ctx, a.ev.Target)
	if err != nil {
		return err
	}
	var kicker *entity.User
	if a.ev.User.Identifier != "" {
		if kicker, err = a.userRef(ctx, a.ev.User); err != nil {
			return err
		}
	}
	if a.svc.IsMe(target.User) {
		if err := a.b.registry.SetChatJoined(ctx, target.Chat, false); err != nil {
			return err
		}
	} else if _, err := a.b.registry.SetActive(ctx, target, false); err != nil {
		return err
	}
	return a.record(ctx, entity.EventUserKicked, target.Chat, kicker, target.User, "", a.ev.Text)
}

func (a applier) quit(ctx context.Context) error {
	user, err := a.userRef(ctx, a.ev.User)
	if err != nil {
		return err
	}
	for _, cu := range a.b.registry.MembershipsOf(user) {
		if _, err := a.b.registry.SetActive(ctx, cu, false); err != nil {
			return err
		}
	}
	return a.record(ctx, entity.EventUserQuit, nil, user, nil, "", a.ev.Text)
}

func (a applier) topic(ctx context.Context) error {
	chat, err := a.chatRef(ctx, a.ev.Chat)
	if err != nil {
		return err
	}
	old, err := a.b.registry.SetTopic(ctx, chat, a.ev.Text)
	if err != nil || old == a.ev.Text {
		return err
	}
	var setter *entity.User
	if a.ev.User.Identifier != "" {
		if setter, err = a.userRef(ctx, a.ev.User); err != nil {
			return err
		}
	}
	return a.record(ctx, entity.EventTopicSet, chat, setter, nil, old, a.ev.Text)
}

// nick renames the user. The identifier stays the nick the user was first seen with.
func (a applier) nick(ctx context.Context) error {
	user, err := a.b.registry.ResolveUser(ctx, a.svc, a.ev.User.Identifier, a.ev.User.Name)
	if err != nil {
		return err
	}
	old, err := a.b.registry.RenameUser(ctx, user, a.ev.Text)
	if err != nil || old == a.ev.Text {
		return err
	}
	return a.record(ctx, entity.EventUserRenamed, nil, user, nil, old, a.ev.Text)
}

func (a applier) member(ctx context.Context) error {
	cu, err := a.membership(ctx, a.ev.User)
	if err != nil {
		return err
	}
	if a.ev.Member != nil {
		if err := a.b.registry.SetChatUserDetails(ctx, cu, *a.ev.Member); err != nil {
			return err
		}
	}
	_, err = a.b.registry.SetActive(ctx, cu, true)
	return err
}

func (a applier) invite(ctx context.Context) error {
	chat, err := a.chatRef(ctx, a.ev.Chat)
	if err != nil {
		return err
	}
	inviter, err := a.userRef(ctx, a.ev.User)
	if err != nil {
		return err
	}
	invitee, err := a.userRef(ctx, a.ev.Target)
	if err != nil {
		return err
	}
	return a.record(ctx, entity.EventInvited, chat, inviter, invitee, "", "")
}

func (a applier) mode(ctx context.Context) error {
	target, err := a.membership(ctx, a.ev.Target)
	if err != nil {
		return err
	}
	if a.ev.Member != nil {
		if err := a.b.registry.SetChatUserDetails(ctx, target, *a.ev.Member); err != nil {
			return err
		}
	}
	var setter *entity.User
	if a.ev.User.Identifier != "" {
		if setter, err = a.userRef(ctx, a.ev.User); err != nil {
			return err
		}
	}
	return a.record(ctx, entity.EventModeChanged, target.Chat, setter, target.User, "", a.ev.Text)
}

func (a applier) chat(ctx context.Context) error {
	chat, err := a.b.registry.ResolveChat(ctx, a.svc, a.ev.Chat.Identifier, a.ev.Chat.Name)
	if err != nil {
		return err
	}
	oldPurpose := chat.Purpose()
	if _, err := a.chatRef(ctx, a.ev.Chat); err != nil {
		return err
	}
	if purpose := chat.Purpose(); purpose != oldPurpose {
		return a.record(ctx, entity.EventPurposeSet, chat, nil, nil, oldPurpose, purpose)
	}
	return nil
}
