// Package sqlstore implements store.Store over database/sql for PostgreSQL and SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nsnw/yahk/internal/db"
	"github.com/nsnw/yahk/internal/store"
)

// Store is a store.Store backed by a relational database.
type Store struct {
	conn    *sql.DB
	dialect db.Dialect
}

// New wraps an open connection. Queries are written with "?" placeholders and rebound per dialect.
func New(conn *sql.DB, dialect db.Dialect) *Store {
	return &Store{conn: conn, dialect: dialect}
}

var _ store.Store = (*Store)(nil)

func (s *Store) rebind(query string) string {
	if s.dialect != db.DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type scanner interface {
	Scan(dest ...any) error
}

// one runs a by-id query and maps sql.ErrNoRows to store.ErrNotFound.
func one[T any](ctx context.Context, s *Store, scan func(scanner) (T, error), query string, args ...any) (T, error) {
	rec, err := scan(s.conn.QueryRowContext(ctx, s.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, store.ErrNotFound
	}
	return rec, err
}

// unique runs a natural-key query; zero rows is ErrNotFound, more than one is ErrMultipleFound.
func unique[T any](ctx context.Context, s *Store, scan func(scanner) (T, error), query string, args ...any) (T, error) {
	var zero T
	rows, err := s.conn.QueryContext(ctx, s.rebind(query+" LIMIT 2"), args...)
	if err != nil {
		return zero, err
	}
	defer rows.Close()

	var found []T
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return zero, err
		}
		found = append(found, rec)
	}
	if err := rows.Err(); err != nil {
		return zero, err
	}
	switch len(found) {
	case 0:
		return zero, store.ErrNotFound
	case 1:
		return found[0], nil
	default:
		return zero, store.ErrMultipleFound
	}
}

func many[T any](ctx context.Context, s *Store, scan func(scanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := s.conn.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// update runs an UPDATE by id and reports store.ErrNotFound when no row was touched.
func (s *Store) update(ctx context.Context, query string, args ...any) error {
	res, err := s.conn.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// insert runs an INSERT ... RETURNING id.
func (s *Store) insert(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	if err := s.conn.QueryRowContext(ctx, s.rebind(query), args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

func attrs(value string) string {
	if value == "" {
		return "{}"
	}
	return value
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

const serviceColumns = "id, kind, name, identifier, enabled, me_user_id"

func scanService(row scanner) (store.Service, error) {
	var rec store.Service
	var me sql.NullInt64
	err := row.Scan(&rec.ID, &rec.Kind, &rec.Name, &rec.Identifier, &rec.Enabled, &me)
	rec.MeUserID = me.Int64
	return rec, err
}

func (s *Store) GetService(ctx context.Context, id int64) (store.Service, error) {
	return one(ctx, s, scanService, "SELECT "+serviceColumns+" FROM services WHERE id = ?", id)
}

func (s *Store) GetServiceByIdentifier(ctx context.Context, identifier string) (store.Service, error) {
	return unique(ctx, s, scanService, "SELECT "+serviceColumns+" FROM services WHERE identifier = ?", identifier)
}

func (s *Store) UpsertService(ctx context.Context, rec store.Service) (store.Service, error) {
	if rec.ID != 0 {
		err := s.update(ctx,
			"UPDATE services SET kind = ?, name = ?, identifier = ?, enabled = ?, me_user_id = ? WHERE id = ?",
			rec.Kind, rec.Name, rec.Identifier, rec.Enabled, nullID(rec.MeUserID), rec.ID)
		if err != nil {
			return store.Service{}, fmt.Errorf("update service %d: %w", rec.ID, err)
		}
		return rec, nil
	}
	id, err := s.insert(ctx,
		`INSERT INTO services (kind, name, identifier, enabled, me_user_id) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (identifier) DO UPDATE SET kind = excluded.kind, name = excluded.name,
		enabled = excluded.enabled, me_user_id = excluded.me_user_id
		RETURNING id`,
		rec.Kind, rec.Name, rec.Identifier, rec.Enabled, nullID(rec.MeUserID))
	if err != nil {
		return store.Service{}, fmt.Errorf("upsert service %s: %w", rec.Identifier, err)
	}
	rec.ID = id
	return rec, nil
}

const chatColumns = "id, service_id, kind, identifier, name, topic, joined, attrs"

func scanChat(row scanner) (store.Chat, error) {
	var rec store.Chat
	err := row.Scan(&rec.ID, &rec.ServiceID, &rec.Kind, &rec.Identifier, &rec.Name, &rec.Topic, &rec.Joined, &rec.Attrs)
	return rec, err
}

func (s *Store) GetChat(ctx context.Context, id int64) (store.Chat, error) {
	return one(ctx, s, scanChat, "SELECT "+chatColumns+" FROM chats WHERE id = ?", id)
}

func (s *Store) GetChatByIdentifier(ctx context.Context, serviceID int64, identifier string) (store.Chat, error) {
	return unique(ctx, s, scanChat,
		"SELECT "+chatColumns+" FROM chats WHERE service_id = ? AND identifier = ?", serviceID, identifier)
}

func (s *Store) UpsertChat(ctx context.Context, rec store.Chat) (store.Chat, error) {
	rec.Attrs = attrs(rec.Attrs)
	if rec.ID != 0 {
		err := s.update(ctx,
			`UPDATE chats SET service_id = ?, kind = ?, identifier = ?, name = ?, topic = ?, joined = ?, attrs = ?
			WHERE id = ?`,
			rec.ServiceID, rec.Kind, rec.Identifier, rec.Name, rec.Topic, rec.Joined, rec.Attrs, rec.ID)
		if err != nil {
			return store.Chat{}, fmt.Errorf("update chat %d: %w", rec.ID, err)
		}
		return rec, nil
	}
	id, err := s.insert(ctx,
		`INSERT INTO chats (service_id, kind, identifier, name, topic, joined, attrs) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (service_id, identifier) DO UPDATE SET kind = excluded.kind, name = excluded.name,
		topic = excluded.topic, joined = excluded.joined, attrs = excluded.attrs
		RETURNING id`,
		rec.ServiceID, rec.Kind, rec.Identifier, rec.Name, rec.Topic, rec.Joined, rec.Attrs)
	if err != nil {
		return store.Chat{}, fmt.Errorf("upsert chat %s: %w", rec.Identifier, err)
	}
	rec.ID = id
	return rec, nil
}

func (s *Store) ListChats(ctx context.Context, serviceID int64) ([]store.Chat, error) {
	return many(ctx, s, scanChat, "SELECT "+chatColumns+" FROM chats WHERE service_id = ? ORDER BY id", serviceID)
}

const userColumns = "id, service_id, kind, identifier, name, attrs"

func scanUser(row scanner) (store.User, error) {
	var rec store.User
	err := row.Scan(&rec.ID, &rec.ServiceID, &rec.Kind, &rec.Identifier, &rec.Name, &rec.Attrs)
	return rec, err
}

func (s *Store) GetUser(ctx context.Context, id int64) (store.User, error) {
	return one(ctx, s, scanUser, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
}

func (s *Store) GetUserByIdentifier(ctx context.Context, serviceID int64, identifier string) (store.User, error) {
	return unique(ctx, s, scanUser,
		"SELECT "+userColumns+" FROM users WHERE service_id = ? AND identifier = ?", serviceID, identifier)
}

func (s *Store) UpsertUser(ctx context.Context, rec store.User) (store.User, error) {
	rec.Attrs = attrs(rec.Attrs)
	if rec.ID != 0 {
		err := s.update(ctx,
			"UPDATE users SET service_id = ?, kind = ?, identifier = ?, name = ?, attrs = ? WHERE id = ?",
			rec.ServiceID, rec.Kind, rec.Identifier, rec.Name, rec.Attrs, rec.ID)
		if err != nil {
			return store.User{}, fmt.Errorf("update user %d: %w", rec.ID, err)
		}
		return rec, nil
	}
	id, err := s.insert(ctx,
		`INSERT INTO users (service_id, kind, identifier, name, attrs) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (service_id, identifier) DO UPDATE SET kind = excluded.kind, name = excluded.name,
		attrs = excluded.attrs
		RETURNING id`,
		rec.ServiceID, rec.Kind, rec.Identifier, rec.Name, rec.Attrs)
	if err != nil {
		return store.User{}, fmt.Errorf("upsert user %s: %w", rec.Identifier, err)
	}
	rec.ID = id
	return rec, nil
}

const chatUserColumns = "id, chat_id, user_id, kind, active, attrs"

func scanChatUser(row scanner) (store.ChatUser, error) {
	var rec store.ChatUser
	err := row.Scan(&rec.ID, &rec.ChatID, &rec.UserID, &rec.Kind, &rec.Active, &rec.Attrs)
	return rec, err
}

func (s *Store) GetChatUser(ctx context.Context, id int64) (store.ChatUser, error) {
	return one(ctx, s, scanChatUser, "SELECT "+chatUserColumns+" FROM chat_users WHERE id = ?", id)
}

func (s *Store) GetChatUserByMembers(ctx context.Context, chatID, userID int64) (store.ChatUser, error) {
	return unique(ctx, s, scanChatUser,
		"SELECT "+chatUserColumns+" FROM chat_users WHERE chat_id = ? AND user_id = ?", chatID, userID)
}

func (s *Store) UpsertChatUser(ctx context.Context, rec store.ChatUser) (store.ChatUser, error) {
	rec.Attrs = attrs(rec.Attrs)
	if rec.ID != 0 {
		err := s.update(ctx,
			"UPDATE chat_users SET chat_id = ?, user_id = ?, kind = ?, active = ?, attrs = ? WHERE id = ?",
			rec.ChatID, rec.UserID, rec.Kind, rec.Active, rec.Attrs, rec.ID)
		if err != nil {
			return store.ChatUser{}, fmt.Errorf("update chat user %d: %w", rec.ID, err)
		}
		return rec, nil
	}
	id, err := s.insert(ctx,
		`INSERT INTO chat_users (chat_id, user_id, kind, active, attrs) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (chat_id, user_id) DO UPDATE SET kind = excluded.kind, active = excluded.active,
		attrs = excluded.attrs
		RETURNING id`,
		rec.ChatID, rec.UserID, rec.Kind, rec.Active, rec.Attrs)
	if err != nil {
		return store.ChatUser{}, fmt.Errorf("upsert chat user %d/%d: %w", rec.ChatID, rec.UserID, err)
	}
	rec.ID = id
	return rec, nil
}

const bridgeColumns = "id, name, enabled"

func scanBridge(row scanner) (store.Bridge, error) {
	var rec store.Bridge
	err := row.Scan(&rec.ID, &rec.Name, &rec.Enabled)
	return rec, err
}

func (s *Store) GetBridge(ctx context.Context, id int64) (store.Bridge, error) {
	return one(ctx, s, scanBridge, "SELECT "+bridgeColumns+" FROM bridges WHERE id = ?", id)
}

func (s *Store) GetBridgeByName(ctx context.Context, name string) (store.Bridge, error) {
	return unique(ctx, s, scanBridge, "SELECT "+bridgeColumns+" FROM bridges WHERE name = ?", name)
}

func (s *Store) UpsertBridge(ctx context.Context, rec store.Bridge) (store.Bridge, error) {
	if rec.ID != 0 {
		err := s.update(ctx, "UPDATE bridges SET name = ?, enabled = ? WHERE id = ?", rec.Name, rec.Enabled, rec.ID)
		if err != nil {
			return store.Bridge{}, fmt.Errorf("update bridge %d: %w", rec.ID, err)
		}
		return rec, nil
	}
	id, err := s.insert(ctx,
		`INSERT INTO bridges (name, enabled) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET enabled = excluded.enabled
		RETURNING id`,
		rec.Name, rec.Enabled)
	if err != nil {
		return store.Bridge{}, fmt.Errorf("upsert bridge %s: %w", rec.Name, err)
	}
	rec.ID = id
	return rec, nil
}

func (s *Store) ListBridges(ctx context.Context) ([]store.Bridge, error) {
	return many(ctx, s, scanBridge, "SELECT "+bridgeColumns+" FROM bridges ORDER BY id")
}

const bridgeChatColumns = "id, bridge_id, chat_id, enabled, active"

func scanBridgeChat(row scanner) (store.BridgeChat, error) {
	var rec store.BridgeChat
	err := row.Scan(&rec.ID, &rec.BridgeID, &rec.ChatID, &rec.Enabled, &rec.Active)
	return rec, err
}

func (s *Store) GetBridgeChat(ctx context.Context, id int64) (store.BridgeChat, error) {
	return one(ctx, s, scanBridgeChat, "SELECT "+bridgeChatColumns+" FROM bridge_chats WHERE id = ?", id)
}

func (s *Store) GetBridgeChatByMembers(ctx context.Context, bridgeID, chatID int64) (store.BridgeChat, error) {
	return unique(ctx, s, scanBridgeChat,
		"SELECT "+bridgeChatColumns+" FROM bridge_chats WHERE bridge_id = ? AND chat_id = ?", bridgeID, chatID)
}

func (s *Store) UpsertBridgeChat(ctx context.Context, rec store.BridgeChat) (store.BridgeChat, error) {
	if rec.ID != 0 {
		err := s.update(ctx,
			"UPDATE bridge_chats SET bridge_id = ?, chat_id = ?, enabled = ?, active = ? WHERE id = ?",
			rec.BridgeID, rec.ChatID, rec.Enabled, rec.Active, rec.ID)
		if err != nil {
			return store.BridgeChat{}, fmt.Errorf("update bridge chat %d: %w", rec.ID, err)
		}
		return rec, nil
	}
	id, err := s.insert(ctx,
		`INSERT INTO bridge_chats (bridge_id, chat_id, enabled, active) VALUES (?, ?, ?, ?)
		ON CONFLICT (bridge_id, chat_id) DO UPDATE SET enabled = excluded.enabled, active = excluded.active
		RETURNING id`,
		rec.BridgeID, rec.ChatID, rec.Enabled, rec.Active)
	if err != nil {
		return store.BridgeChat{}, fmt.Errorf("upsert bridge chat %d/%d: %w", rec.BridgeID, rec.ChatID, err)
	}
	rec.ID = id
	return rec, nil
}

func (s *Store) ListBridgeChats(ctx context.Context, bridgeID int64) ([]store.BridgeChat, error) {
	return many(ctx, s, scanBridgeChat,
		"SELECT "+bridgeChatColumns+" FROM bridge_chats WHERE bridge_id = ? ORDER BY id", bridgeID)
}

func (s *Store) InsertMessage(ctx context.Context, rec store.Message) (store.Message, error) {
	id, err := s.insert(ctx,
		"INSERT INTO messages (service_id, chat_id, user_id, kind, ts, message) VALUES (?, ?, ?, ?, ?, ?) RETURNING id",
		rec.ServiceID, rec.ChatID, rec.UserID, rec.Kind, rec.Timestamp.UTC(), rec.Text)
	if err != nil {
		return store.Message{}, fmt.Errorf("insert message: %w", err)
	}
	rec.ID = id
	return rec, nil
}

func (s *Store) InsertEvent(ctx context.Context, rec store.Event) (store.Event, error) {
	id, err := s.insert(ctx,
		`INSERT INTO events (service_id, chat_id, user_id, target_user_id, kind, ts, event, old_value, new_value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		rec.ServiceID, nullID(rec.ChatID), nullID(rec.UserID), nullID(rec.TargetUserID), rec.Kind,
		rec.Timestamp.UTC(), rec.Event, rec.OldValue, rec.NewValue)
	if err != nil {
		return store.Event{}, fmt.Errorf("insert event %s: %w", rec.Event, err)
	}
	rec.ID = id
	return rec, nil
}
