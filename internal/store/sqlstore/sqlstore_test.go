package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	migrations "github.com/nsnw/yahk/db"
	"github.com/nsnw/yahk/internal/config"
	"github.com/nsnw/yahk/internal/db"
	"github.com/nsnw/yahk/internal/store"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	cfg := config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "yahk.db")}
	require.NoError(t, db.RunMigrate(ctx, nil, cfg, migrations.MigrationsFS, "up", nil))

	conn, dialect, err := db.Open(ctx, cfg)
	require.NoError(t, err)
	s := New(conn, dialect)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRebind(t *testing.T) {
	t.Parallel()

	pg := New(nil, db.DialectPostgres)
	require.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	lite := New(nil, db.DialectSQLite)
	require.Equal(t, "SELECT 1 WHERE x = ?", lite.rebind("SELECT 1 WHERE x = ?"))
}

func TestServiceChatUserRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	svc, err := s.UpsertService(ctx, store.Service{Kind: "irc", Name: "libera", Identifier: "irc/libera", Enabled: true})
	require.NoError(t, err)
	require.NotZero(t, svc.ID)

	again, err := s.UpsertService(ctx, store.Service{Kind: "irc", Name: "libera", Identifier: "irc/libera", Enabled: true})
	require.NoError(t, err)
	require.Equal(t, svc.ID, again.ID)

	chat, err := s.UpsertChat(ctx, store.Chat{ServiceID: svc.ID, Kind: "irc", Identifier: "#lobby", Name: "#lobby"})
	require.NoError(t, err)

	chat.Topic = "welcome"
	chat.Joined = true
	_, err = s.UpsertChat(ctx, chat)
	require.NoError(t, err)

	got, err := s.GetChatByIdentifier(ctx, svc.ID, "#lobby")
	require.NoError(t, err)
	require.Equal(t, chat.ID, got.ID)
	require.Equal(t, "welcome", got.Topic)
	require.True(t, got.Joined)
	require.Equal(t, "{}", got.Attrs)

	user, err := s.UpsertUser(ctx, store.User{ServiceID: svc.ID, Kind: "irc", Identifier: "alice", Name: "alice", Attrs: `{"irc":{"host":"example.org"}}`})
	require.NoError(t, err)

	cu, err := s.UpsertChatUser(ctx, store.ChatUser{ChatID: chat.ID, UserID: user.ID, Kind: "irc", Active: true})
	require.NoError(t, err)
	byMembers, err := s.GetChatUserByMembers(ctx, chat.ID, user.ID)
	require.NoError(t, err)
	require.Equal(t, cu.ID, byMembers.ID)
	require.True(t, byMembers.Active)

	svc.MeUserID = user.ID
	_, err = s.UpsertService(ctx, svc)
	require.NoError(t, err)
	reloaded, err := s.GetService(ctx, svc.ID)
	require.NoError(t, err)
	require.Equal(t, user.ID, reloaded.MeUserID)
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	_, err := s.GetChat(ctx, 404)
	require.True(t, errors.Is(err, store.ErrNotFound))

	_, err = s.GetBridgeByName(ctx, "missing")
	require.True(t, errors.Is(err, store.ErrNotFound))

	_, err = s.UpsertUser(ctx, store.User{ID: 77, ServiceID: 1, Kind: "irc", Identifier: "ghost"})
	require.True(t, errors.Is(err, store.ErrNotFound))
}

func TestBridgeChatsAndHistory(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	svc, err := s.UpsertService(ctx, store.Service{Kind: "slack", Name: "team", Identifier: "slack/team", Enabled: true})
	require.NoError(t, err)
	chat, err := s.UpsertChat(ctx, store.Chat{ServiceID: svc.ID, Kind: "slack", Identifier: "C123", Name: "general"})
	require.NoError(t, err)
	user, err := s.UpsertUser(ctx, store.User{ServiceID: svc.ID, Kind: "slack", Identifier: "U1", Name: "bob"})
	require.NoError(t, err)

	bridge, err := s.UpsertBridge(ctx, store.Bridge{Name: "general", Enabled: true})
	require.NoError(t, err)

	first, err := s.UpsertBridgeChat(ctx, store.BridgeChat{BridgeID: bridge.ID, ChatID: chat.ID, Enabled: true, Active: true})
	require.NoError(t, err)
	second, err := s.UpsertBridgeChat(ctx, store.BridgeChat{BridgeID: bridge.ID, ChatID: chat.ID, Enabled: true, Active: true})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	members, err := s.ListBridgeChats(ctx, bridge.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)

	bridges, err := s.ListBridges(ctx)
	require.NoError(t, err)
	require.Len(t, bridges, 1)

	msg, err := s.InsertMessage(ctx, store.Message{
		ServiceID: svc.ID, ChatID: chat.ID, UserID: user.ID, Kind: "slack", Timestamp: time.Now(), Text: "hello",
	})
	require.NoError(t, err)
	require.NotZero(t, msg.ID)

	ev, err := s.InsertEvent(ctx, store.Event{
		ServiceID: svc.ID, ChatID: chat.ID, Kind: "slack", Timestamp: time.Now(), Event: "topic_set", NewValue: "hi",
	})
	require.NoError(t, err)
	require.NotZero(t, ev.ID)
}
