// Package store defines the persistence gateway for bridge entities.
//
// Every entity kind offers lookup by surrogate id, lookup by natural key and an upsert that returns the
// persisted record. Lookups report ErrNotFound when nothing matches; natural-key lookups report
// ErrMultipleFound when more than one row matches, which means the backing data violates a uniqueness rule.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no row matches a lookup, or when an upsert by id finds no row.
	ErrNotFound = errors.New("record not found")
	// ErrMultipleFound is returned when a natural-key lookup matches more than one row.
	ErrMultipleFound = errors.New("multiple records found")
)

// Service is the persisted shape of a configured platform connection.
type Service struct {
	ID         int64
	Kind       string
	Name       string
	Identifier string
	Enabled    bool
	MeUserID   int64
}

// Chat is the persisted shape of a conversation venue. Attrs holds the platform payload as JSON.
type Chat struct {
	ID         int64
	ServiceID  int64
	Kind       string
	Identifier string
	Name       string
	Topic      string
	Joined     bool
	Attrs      string
}

// User is the persisted shape of a platform account.
type User struct {
	ID         int64
	ServiceID  int64
	Kind       string
	Identifier string
	Name       string
	Attrs      string
}

// ChatUser is the persisted membership of a user in a chat.
type ChatUser struct {
	ID     int64
	ChatID int64
	UserID int64
	Kind   string
	Active bool
	Attrs  string
}

// Bridge is the persisted shape of a named relay group.
type Bridge struct {
	ID      int64
	Name    string
	Enabled bool
}

// BridgeChat is the persisted membership of a chat in a bridge.
type BridgeChat struct {
	ID       int64
	BridgeID int64
	ChatID   int64
	Enabled  bool
	Active   bool
}

// Message is an immutable received chat line.
type Message struct {
	ID        int64
	ServiceID int64
	ChatID    int64
	UserID    int64
	Kind      string
	Timestamp time.Time
	Text      string
}

// Event is an immutable side-channel state change. Zero ids mean "not set".
type Event struct {
	ID           int64
	ServiceID    int64
	ChatID       int64
	UserID       int64
	TargetUserID int64
	Kind         string
	Timestamp    time.Time
	Event        string
	OldValue     string
	NewValue     string
}

// Store is the repository contract used by the entity registry and the bridge hub.
type Store interface {
	GetService(ctx context.Context, id int64) (Service, error)
	GetServiceByIdentifier(ctx context.Context, identifier string) (Service, error)
	UpsertService(ctx context.Context, rec Service) (Service, error)

	GetChat(ctx context.Context, id int64) (Chat, error)
	GetChatByIdentifier(ctx context.Context, serviceID int64, identifier string) (Chat, error)
	UpsertChat(ctx context.Context, rec Chat) (Chat, error)
	ListChats(ctx context.Context, serviceID int64) ([]Chat, error)

	GetUser(ctx context.Context, id int64) (User, error)
	GetUserByIdentifier(ctx context.Context, serviceID int64, identifier string) (User, error)
	UpsertUser(ctx context.Context, rec User) (User, error)

	GetChatUser(ctx context.Context, id int64) (ChatUser, error)
	GetChatUserByMembers(ctx context.Context, chatID, userID int64) (ChatUser, error)
	UpsertChatUser(ctx context.Context, rec ChatUser) (ChatUser, error)

	GetBridge(ctx context.Context, id int64) (Bridge, error)
	GetBridgeByName(ctx context.Context, name string) (Bridge, error)
	UpsertBridge(ctx context.Context, rec Bridge) (Bridge, error)
	ListBridges(ctx context.Context) ([]Bridge, error)

	GetBridgeChat(ctx context.Context, id int64) (BridgeChat, error)
	GetBridgeChatByMembers(ctx context.Context, bridgeID, chatID int64) (BridgeChat, error)
	UpsertBridgeChat(ctx context.Context, rec BridgeChat) (BridgeChat, error)
	ListBridgeChats(ctx context.Context, bridgeID int64) ([]BridgeChat, error)

	InsertMessage(ctx context.Context, rec Message) (Message, error)
	InsertEvent(ctx context.Context, rec Event) (Event, error)

	Ping(ctx context.Context) error
	Close() error
}
