package bot

import (
	"context"
	"errors"
	"fmt"

	"github.com/nsnw/yahk/internal/console"
	"github.com/nsnw/yahk/internal/entity"
)

// The console.Backend methods are called from console session goroutines, so each one runs its body on the
// worker through Do.

var _ console.Backend = (*Bot)(nil)

var errConsoleMissing = errors.New("console service not registered")

// call runs fn on the worker and returns its error.
func (b *Bot) call(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	if doErr := b.Do(ctx, func(ctx context.Context) { err = fn(ctx) }); doErr != nil {
		return doErr
	}
	return err
}

// ServiceStatuses implements console.Backend.
func (b *Bot) ServiceStatuses(ctx context.Context) ([]console.ServiceStatus, error) {
	running := map[string]bool{}
	for _, st := range b.manager.Statuses() {
		running[st.Identifier] = st.Running
	}
	var out []console.ServiceStatus
	err := b.call(ctx, func(context.Context) error {
		for _, svc := range b.registry.Services() {
			out = append(out, console.ServiceStatus{
				Identifier: svc.Identifier,
				Enabled:    svc.Enabled,
				Running:    running[svc.Identifier],
			})
		}
		return nil
	})
	return out, err
}

func (b *Bot) bridgeInfo(br *entity.Bridge) console.BridgeInfo {
	info := console.BridgeInfo{Name: br.Name}
	for _, bc := range b.hub.Members(br) {
		info.Chats = append(info.Chats, console.ChatInfo{Name: bc.Chat.String(), Identifier: bc.Chat.Identifier})
	}
	return info
}

// BridgeInfos implements console.Backend.
func (b *Bot) BridgeInfos(ctx context.Context) ([]console.BridgeInfo, error) {
	var out []console.BridgeInfo
	err := b.call(ctx, func(context.Context) error {
		for _, br := range b.hub.Bridges() {
			out = append(out, b.bridgeInfo(br))
		}
		return nil
	})
	return out, err
}

func (b *Bot) sessionChat(id string) (*entity.Chat, error) {
	svc, ok := b.registry.Service(console.Identifier)
	if !ok {
		return nil, errConsoleMissing
	}
	chat, ok := b.registry.LookupChat(svc, id)
	if !ok {
		return nil, fmt.Errorf("unknown console session %s", id)
	}
	return chat, nil
}

// OpenSession implements console.Backend.
func (b *Bot) OpenSession(ctx context.Context, id string) error {
	return b.call(ctx, func(ctx context.Context) error {
		svc, ok := b.registry.Service(console.Identifier)
		if !ok {
			return errConsoleMissing
		}
		chat, err := b.registry.ResolveChat(ctx, svc, id, id)
		if err != nil {
			return err
		}
		return b.registry.SetChatJoined(ctx, chat, true)
	})
}

// CloseSession implements console.Backend. The session chat leaves every bridge it joined.
func (b *Bot) CloseSession(ctx context.Context, id string) error {
	return b.call(ctx, func(ctx context.Context) error {
		chat, err := b.sessionChat(id)
		if err != nil {
			return err
		}
		for _, bc := range b.hub.ChatBridges(chat) {
			if err := b.hub.Detach(ctx, bc.Bridge, chat); err != nil {
				return err
			}
		}
		return b.registry.SetChatJoined(ctx, chat, false)
	})
}

// SessionBridges implements console.Backend.
func (b *Bot) SessionBridges(ctx context.Context, id string) ([]console.BridgeInfo, error) {
	var out []console.BridgeInfo
	err := b.call(ctx, func(context.Context) error {
		chat, err := b.sessionChat(id)
		if err != nil {
			return err
		}
		for _, bc := range b.hub.ChatBridges(chat) {
			out = append(out, b.bridgeInfo(bc.Bridge))
		}
		return nil
	})
	return out, err
}

// JoinBridge implements console.Backend.
func (b *Bot) JoinBridge(ctx context.Context, id, name string) error {
	return b.call(ctx, func(ctx context.Context) error {
		br, ok := b.hub.Bridge(name)
		if !ok {
			return console.ErrBridgeNotFound
		}
		chat, err := b.sessionChat(id)
		if err != nil {
			return err
		}
		_, err = b.hub.Attach(ctx, br, chat)
		return err
	})
}

// LeaveBridge implements console.Backend.
func (b *Bot) LeaveBridge(ctx context.Context, id, name string) error {
	return b.call(ctx, func(ctx context.Context) error {
		br, ok := b.hub.Bridge(name)
		if !ok {
			return console.ErrBridgeNotFound
		}
		chat, err := b.sessionChat(id)
		if err != nil {
			return err
		}
		return b.hub.Detach(ctx, br, chat)
	})
}
