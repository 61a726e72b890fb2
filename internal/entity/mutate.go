package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nsnw/yahk/internal/store"
)

// Every mutation updates the in-memory entity first and then re-upserts it before returning.

// RenameChat changes the display name of c.
func (r *Registry) RenameChat(ctx context.Context, c *Chat, name string) error {
	if c.Name == name {
		return nil
	}
	c.Name = name
	return r.saveChat(ctx, c)
}

// SetTopic changes the topic of c and returns the previous one.
func (r *Registry) SetTopic(ctx context.Context, c *Chat, topic string) (string, error) {
	old := c.Topic
	if old == topic {
		return old, nil
	}
	c.Topic = topic
	return old, r.saveChat(ctx, c)
}

// SetChatJoined records whether the bot is present in c.
func (r *Registry) SetChatJoined(ctx context.Context, c *Chat, joined bool) error {
	if c.Joined == joined {
		return nil
	}
	c.Joined = joined
	return r.saveChat(ctx, c)
}

// SetChatDetails replaces the platform payload of c.
func (r *Registry) SetChatDetails(ctx context.Context, c *Chat, details ChatDetails) error {
	c.Details = details.ForKind(c.Kind())
	return r.saveChat(ctx, c)
}

// RenameUser changes the display name of u and returns the previous one.
func (r *Registry) RenameUser(ctx context.Context, u *User, name string) (string, error) {
	old := u.Name
	if old == name {
		return old, nil
	}
	u.Name = name
	return old, r.saveUser(ctx, u)
}

// SetUserDetails replaces the platform payload of u.
func (r *Registry) SetUserDetails(ctx context.Context, u *User, details UserDetails) error {
	u.Details = details.ForKind(u.Service.Kind)
	return r.saveUser(ctx, u)
}

// SetActive toggles a membership and reports whether it changed.
func (r *Registry) SetActive(ctx context.Context, cu *ChatUser, active bool) (bool, error) {
	if cu.Active == active {
		return false, nil
	}
	cu.Active = active
	if err := r.saveChatUser(ctx, cu); err != nil {
		return true, err
	}
	return true, nil
}

// SetChatUserDetails replaces the platform payload of a membership.
func (r *Registry) SetChatUserDetails(ctx context.Context, cu *ChatUser, details ChatUserDetails) error {
	cu.Details = details.ForKind(cu.Chat.Kind())
	return r.saveChatUser(ctx, cu)
}

// SetServiceEnabled records whether the service may be started.
func (r *Registry) SetServiceEnabled(ctx context.Context, svc *Service, enabled bool) error {
	if svc.Enabled == enabled {
		return nil
	}
	svc.Enabled = enabled
	return r.saveService(ctx, svc, 0)
}

// SetMe records the bot's own account on svc.
func (r *Registry) SetMe(ctx context.Context, svc *Service, me *User) error {
	if svc.Me == me {
		return nil
	}
	svc.Me = me
	return r.saveService(ctx, svc, 0)
}

// FindBridge loads a bridge by name. It returns store.ErrNotFound when the bridge was never persisted.
func (r *Registry) FindBridge(ctx context.Context, name string) (*Bridge, error) {
	rec, err := r.store.GetBridgeByName(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, r.lookupError("bridge", name, err)
	}
	return &Bridge{ID: rec.ID, Name: rec.Name, Enabled: rec.Enabled}, nil
}

// SaveBridge persists b.
func (r *Registry) SaveBridge(ctx context.Context, b *Bridge) error {
	saved, err := save(ctx, r, r.bridgeRepo, b.Name, store.Bridge{ID: b.ID, Name: b.Name, Enabled: b.Enabled})
	if err != nil {
		return err
	}
	b.ID = saved.ID
	return nil
}

// LoadBridges returns every persisted bridge.
func (r *Registry) LoadBridges(ctx context.Context) ([]*Bridge, error) {
	recs, err := r.store.ListBridges(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bridges: %w", err)
	}
	out := make([]*Bridge, 0, len(recs))
	for _, rec := range recs {
		out = append(out, &Bridge{ID: rec.ID, Name: rec.Name, Enabled: rec.Enabled})
	}
	return out, nil
}

// FindBridgeChat loads the persisted membership of chat in b, if any.
func (r *Registry) FindBridgeChat(ctx context.Context, b *Bridge, chat *Chat) (*BridgeChat, error) {
	rec, err := r.store.GetBridgeChatByMembers(ctx, b.ID, chat.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, r.lookupError("bridge chat", b.Name+":"+chat.String(), err)
	}
	return &BridgeChat{ID: rec.ID, Bridge: b, Chat: chat, Enabled: rec.Enabled, Active: rec.Active}, nil
}

// SaveBridgeChat persists bc.
func (r *Registry) SaveBridgeChat(ctx context.Context, bc *BridgeChat) error {
	saved, err := save(ctx, r, r.bridgeChatRepo, bc.String(), store.BridgeChat{
		ID:       bc.ID,
		BridgeID: bc.Bridge.ID,
		ChatID:   bc.Chat.ID,
		Enabled:  bc.Enabled,
		Active:   bc.Active,
	})
	if err != nil {
		return err
	}
	bc.ID = saved.ID
	return nil
}

// LoadBridgeChats returns the persisted memberships of b whose chats belong to registered services.
// Memberships of unknown services are skipped.
func (r *Registry) LoadBridgeChats(ctx context.Context, b *Bridge) ([]*BridgeChat, error) {
	recs, err := r.store.ListBridgeChats(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("list bridge chats for %s: %w", b.Name, err)
	}
	out := make([]*BridgeChat, 0, len(recs))
	for _, rec := range recs {
		chat, err := r.LoadChat(ctx, rec.ChatID)
		if err != nil {
			r.logger.Warn("bridge member skipped", slog.String("bridge", b.Name), slog.Int64("chat_id", rec.ChatID), slog.Any("error", err))
			continue
		}
		out = append(out, &BridgeChat{ID: rec.ID, Bridge: b, Chat: chat, Enabled: rec.Enabled, Active: rec.Active})
	}
	return out, nil
}

// RecordMessage persists a received line once.
func (r *Registry) RecordMessage(ctx context.Context, cu *ChatUser, text string, ts time.Time) (*Message, error) {
	if ts.IsZero() {
		ts = time.Now()
	}
	rec, err := r.store.InsertMessage(ctx, store.Message{
		ServiceID: cu.Chat.Service.ID,
		ChatID:    cu.Chat.ID,
		UserID:    cu.User.ID,
		Kind:      string(cu.Chat.Kind()),
		Timestamp: ts,
		Text:      text,
	})
	if err != nil {
		return nil, fmt.Errorf("record message: %w", err)
	}
	return &Message{ID: rec.ID, ChatUser: cu, Timestamp: ts, Text: text}, nil
}

// RecordEvent persists ev once and sets its id.
func (r *Registry) RecordEvent(ctx context.Context, ev *Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	rec := store.Event{
		ServiceID: ev.Service.ID,
		Kind:      string(ev.Service.Kind),
		Timestamp: ev.Timestamp,
		Event:     string(ev.Kind),
		OldValue:  ev.OldValue,
		NewValue:  ev.NewValue,
	}
	if ev.Chat != nil {
		rec.ChatID = ev.Chat.ID
	}
	if ev.User != nil {
		rec.UserID = ev.User.ID
	}
	if ev.Target != nil {
		rec.TargetUserID = ev.Target.ID
	}
	saved, err := r.store.InsertEvent(ctx, rec)
	if err != nil {
		return fmt.Errorf("record event %s: %w", ev.Kind, err)
	}
	ev.ID = saved.ID
	return nil
}
