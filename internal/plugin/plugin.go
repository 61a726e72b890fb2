// Package plugin defines the command and pattern handler contract and the registry that loads plugins.
package plugin

import (
	"context"
	"errors"
	"regexp"

	"github.com/nsnw/yahk/internal/entity"
)

// ErrInvalidDescriptor is returned when a plugin declares a handler without a trigger, or with both triggers.
var ErrInvalidDescriptor = errors.New("invalid handler descriptor")

// Request carries one invocation. Args is nil for pattern matches, which get Match instead.
type Request struct {
	Command    string
	Args       []string
	Match      []string
	BridgeChat *entity.BridgeChat
	ChatUser   *entity.ChatUser
	Raw        string
}

// HandlerFunc handles a command or pattern match.
type HandlerFunc func(ctx context.Context, req Request) error

// Descriptor binds a handler to command names or to one pattern.
type Descriptor struct {
	Commands []string
	Pattern  *regexp.Regexp
	Handler  HandlerFunc
}

// Plugin is a named set of handlers.
type Plugin interface {
	Name() string
	Handlers() []Descriptor
}

// Host is the slice of the bot core that plugins may use.
type Host interface {
	Reply(ctx context.Context, chat *entity.Chat, text string) error
	Services() []*entity.Service
	Bridges() []*entity.Bridge
	Members(b *entity.Bridge) []*entity.BridgeChat
	RenameBridge(ctx context.Context, b *entity.Bridge, name string) error
	Shutdown(reason string)
}

// Factory builds a plugin bound to host.
type Factory func(host Host) (Plugin, error)

func (d Descriptor) validate() error {
	if d.Handler == nil {
		return errors.New("handler is nil")
	}
	hasCommands := len(d.Commands) > 0
	if hasCommands == (d.Pattern != nil) {
		return errors.New("exactly one of commands or pattern is required")
	}
	for _, c := range d.Commands {
		if normalizeCommand(c) == "" {
			return errors.New("command name is empty")
		}
	}
	return nil
}
