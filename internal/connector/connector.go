// Package connector defines the platform adapter contract and the manager that supervises running adapters.
package connector

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nsnw/yahk/internal/config"
	"github.com/nsnw/yahk/internal/entity"
)

var (
	// ErrUnsupported is returned by adapters for operations their platform cannot perform.
	ErrUnsupported = errors.New("operation not supported by connector")
	// ErrNotRunning is returned when sending through a service that is not connected.
	ErrNotRunning = errors.New("connector not running")
)

// EventType names a normalized platform event.
type EventType string

const (
	EventReady   EventType = "ready"
	EventMessage EventType = "message"
	EventJoin    EventType = "join"
	EventPart    EventType = "part"
	EventQuit    EventType = "quit"
	EventKick    EventType = "kick"
	EventTopic   EventType = "topic"
	EventNick    EventType = "nick"
	EventMember  EventType = "member"
	EventInvite  EventType = "invite"
	EventMode    EventType = "mode"
	EventChat    EventType = "chat"
)

func (t EventType) String() string { return string(t) }

// ChatRef identifies a chat on the adapter's platform.
type ChatRef struct {
	Identifier string
	Name       string
	Details    *entity.ChatDetails
}

// UserRef identifies a user on the adapter's platform.
type UserRef struct {
	Identifier string
	Name       string
	Details    *entity.UserDetails
}

// Event is what adapters emit. Which fields matter depends on Type:
//
//	ready    User is the bot's own account
//	message  Chat, User, Text
//	join     Chat, User
//	part     Chat, User, Text is the reason
//	quit     User, Text is the reason
//	kick     Chat, User is the kicker, Target the kicked user, Text the reason
//	topic    Chat, User (optional), Text is the new topic
//	nick     User, Text is the new name
//	member   Chat, User, Member holds channel flags
//	invite   Chat, User is the inviter, Target the invitee
//	mode     Chat, User (optional), Target, Member holds the resulting flags, Text the raw mode string
//	chat     Chat with name and details
type Event struct {
	Type      EventType
	Service   string
	Chat      ChatRef
	User      UserRef
	Target    UserRef
	Text      string
	Member    *entity.ChatUserDetails
	Timestamp time.Time
}

// Sink receives events from a running adapter. Emit blocks until the event is queued or ctx ends.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Adapter is one live connection to a platform.
type Adapter interface {
	Kind() entity.Kind
	// Start connects and delivers events to sink until ctx ends or the connection fails.
	Start(ctx context.Context, sink Sink) error
	Send(ctx context.Context, chat *entity.Chat, text string) error
	Quit(ctx context.Context) error
}

// Factory builds an adapter for a configured service.
type Factory func(cfg config.ServiceConfig, log *slog.Logger) (Adapter, error)
