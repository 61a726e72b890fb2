// Package entity holds the cross-platform identity model and the registry that keeps it consistent with the store.
//
// Entities are owned by the bot's inbound worker goroutine. Other goroutines (console sessions, the status
// server) must reach them through the bot core's Do method rather than reading fields directly.
package entity

import (
	"fmt"
	"sort"
	"time"
)

// Kind identifies the platform a service, and everything it owns, belongs to.
type Kind string

const (
	KindIRC      Kind = "irc"
	KindSlack    Kind = "slack"
	KindDiscord  Kind = "discord"
	KindTelegram Kind = "telegram"
	KindConsole  Kind = "console"
)

// String returns the kind name.
func (k Kind) String() string { return string(k) }

// Label returns the human readable platform name.
func (k Kind) Label() string {
	switch k {
	case KindIRC:
		return "IRC"
	case KindSlack:
		return "Slack"
	case KindDiscord:
		return "Discord"
	case KindTelegram:
		return "Telegram"
	case KindConsole:
		return "Console"
	default:
		return string(k)
	}
}

// Service is one configured platform connection.
type Service struct {
	ID         int64
	Kind       Kind
	Name       string
	Identifier string
	Enabled    bool
	// Me is the bot's own account on this service, once known.
	Me *User

	chats map[string]*Chat
	users map[string]*User
}

func newService(kind Kind, name, identifier string) *Service {
	return &Service{
		Kind:       kind,
		Name:       name,
		Identifier: identifier,
		Enabled:    true,
		chats:      map[string]*Chat{},
		users:      map[string]*User{},
	}
}

// String renders the service as "IRC/libera".
func (s *Service) String() string {
	return fmt.Sprintf("%s/%s", s.Kind.Label(), s.Name)
}

// Chats returns the indexed chats ordered by identifier.
func (s *Service) Chats() []*Chat {
	out := make([]*Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// Users returns the indexed users ordered by identifier.
func (s *Service) Users() []*User {
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// IsMe reports whether u is the bot's own account.
func (s *Service) IsMe(u *User) bool {
	if s.Me == nil || u == nil {
		return false
	}
	return s.Me == u || s.Me.Identifier == u.Identifier
}

// Chat is a conversation venue within a service.
type Chat struct {
	ID         int64
	Service    *Service
	Identifier string
	Name       string
	Topic      string
	Joined     bool
	Details    ChatDetails

	members map[string]*ChatUser
}

// Kind returns the owning service's kind.
func (c *Chat) Kind() Kind { return c.Service.Kind }

// DisplayName returns the name, falling back to the identifier.
func (c *Chat) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Identifier
}

// String renders the chat as "IRC/libera/#lobby".
func (c *Chat) String() string {
	return fmt.Sprintf("%s/%s", c.Service, c.DisplayName())
}

// Members returns the known memberships ordered by user identifier.
func (c *Chat) Members() []*ChatUser {
	out := make([]*ChatUser, 0, len(c.members))
	for _, cu := range c.members {
		out = append(out, cu)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User.Identifier < out[j].User.Identifier })
	return out
}

// ActiveMembers returns the memberships currently marked active.
func (c *Chat) ActiveMembers() []*ChatUser {
	var out []*ChatUser
	for _, cu := range c.Members() {
		if cu.Active {
			out = append(out, cu)
		}
	}
	return out
}

// User is an account on a service.
type User struct {
	ID         int64
	Service    *Service
	Identifier string
	Name       string
	Details    UserDetails
}

// DisplayName returns the name, falling back to the identifier.
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Identifier
}

func (u *User) String() string {
	return fmt.Sprintf("%s/%s", u.Service, u.DisplayName())
}

// ChatUser is the membership of a user in a chat.
type ChatUser struct {
	ID      int64
	Chat    *Chat
	User    *User
	Active  bool
	Details ChatUserDetails
}

// String renders the membership as "alice@#lobby".
func (cu *ChatUser) String() string {
	return cu.User.DisplayName() + "@" + cu.Chat.DisplayName()
}

// Bridge is a named relay group.
type Bridge struct {
	ID      int64
	Name    string
	Enabled bool
}

func (b *Bridge) String() string { return b.Name }

// BridgeChat is the membership of a chat in a bridge.
type BridgeChat struct {
	ID      int64
	Bridge  *Bridge
	Chat    *Chat
	Enabled bool
	Active  bool
}

func (bc *BridgeChat) String() string {
	return bc.Bridge.Name + ":" + bc.Chat.String()
}

// Routable reports whether the membership takes part in relays.
func (bc *BridgeChat) Routable() bool {
	return bc.Enabled && bc.Active && bc.Bridge.Enabled
}

// Message is a received chat line.
type Message struct {
	ID        int64
	ChatUser  *ChatUser
	Timestamp time.Time
	Text      string
}

// EventKind names a side-channel state change.
type EventKind string

const (
	EventTopicSet    EventKind = "topic_set"
	EventPurposeSet  EventKind = "purpose_set"
	EventUserJoined  EventKind = "user_joined"
	EventUserLeft    EventKind = "user_left"
	EventUserKicked  EventKind = "user_kicked"
	EventUserQuit    EventKind = "user_quit"
	EventUserRenamed EventKind = "user_renamed"
	EventInvited     EventKind = "invited"
	EventModeChanged EventKind = "mode_changed"
)

// Event is a side-channel state change. Chat, User and Target are optional.
type Event struct {
	ID        int64
	Service   *Service
	Chat      *Chat
	User      *User
	Target    *User
	Timestamp time.Time
	Kind      EventKind
	OldValue  string
	NewValue  string
}
