// Package admin provides the built-in diagnostic commands.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nsnw/yahk/internal/plugin"
)

// Name is the plugin name used in the disabled list.
const Name = "admin"

type adminPlugin struct {
	host plugin.Host
}

// New is the plugin.Factory for the admin plugin.
func New(host plugin.Host) (plugin.Plugin, error) {
	if host == nil {
		return nil, errors.New("admin plugin requires a host")
	}
	return &adminPlugin{host: host}, nil
}

func (p *adminPlugin) Name() string { return Name }

func (p *adminPlugin) Handlers() []plugin.Descriptor {
	return []plugin.Descriptor{
		{Commands: []string{"ping"}, Handler: p.ping},
		{Commands: []string{"echo"}, Handler: p.echo},
		{Commands: []string{"services"}, Handler: p.services},
		{Commands: []string{"bridges"}, Handler: p.bridges},
		{Commands: []string{"bridge-name"}, Handler: p.bridgeName},
		{Commands: []string{"whoami"}, Handler: p.whoami},
		{Commands: []string{"whereami"}, Handler: p.whereami},
		{Commands: []string{"chats"}, Handler: p.chats},
	}
}

func (p *adminPlugin) reply(ctx context.Context, req plugin.Request, text string) error {
	return p.host.Reply(ctx, req.BridgeChat.Chat, text)
}

func (p *adminPlugin) ping(ctx context.Context, req plugin.Request) error {
	return p.reply(ctx, req, "Test received!")
}

func (p *adminPlugin) echo(ctx context.Context, req plugin.Request) error {
	return p.reply(ctx, req, "You said: "+strings.Join(req.Args, " "))
}

func (p *adminPlugin) services(ctx context.Context, req plugin.Request) error {
	var names []string
	for _, svc := range p.host.Services() {
		names = append(names, svc.Identifier)
	}
	return p.reply(ctx, req, "Current services: "+strings.Join(names, ", "))
}

func (p *adminPlugin) bridges(ctx context.Context, req plugin.Request) error {
	var names []string
	for _, b := range p.host.Bridges() {
		names = append(names, b.Name)
	}
	return p.reply(ctx, req, "Current bridges: "+strings.Join(names, ", "))
}

func (p *adminPlugin) bridgeName(ctx context.Context, req plugin.Request) error {
	b := req.BridgeChat.Bridge
	if len(req.Args) == 0 {
		return p.reply(ctx, req, "Bridge name: "+b.Name)
	}
	if err := p.host.RenameBridge(ctx, b, req.Args[0]); err != nil {
		return err
	}
	return p.reply(ctx, req, "Bridge name changed to "+b.Name)
}

func (p *adminPlugin) whoami(ctx context.Context, req plugin.Request) error {
	user := req.ChatUser.User
	chat := req.BridgeChat.Chat
	return p.reply(ctx, req, fmt.Sprintf("You are %s (%s), in %s (%s) on %s",
		user.DisplayName(), user.Identifier, chat.DisplayName(), chat.Identifier, chat.Service))
}

func (p *adminPlugin) whereami(ctx context.Context, req plugin.Request) error {
	chat := req.BridgeChat.Chat
	return p.reply(ctx, req, fmt.Sprintf("You are in %s (%s), on %s, part of bridge %s",
		chat.DisplayName(), chat.Identifier, chat.Service, req.BridgeChat.Bridge.Name))
}

func (p *adminPlugin) chats(ctx context.Context, req plugin.Request) error {
	var names []string
	for _, bc := range p.host.Members(req.BridgeChat.Bridge) {
		names = append(names, bc.Chat.String())
	}
	return p.reply(ctx, req, "Bridged chats: "+strings.Join(names, ", "))
}
