package store

import (
	"context"
	"sort"
	"sync"
)

type scopedKey struct {
	scope int64
	key   string
}

type pairKey struct {
	left  int64
	right int64
}

// Memory is a process-local Store. Data is lost on exit; it backs the "memory" driver and tests.
type Memory struct {
	mu     sync.RWMutex
	nextID int64

	services      map[int64]Service
	serviceByKey  map[string]int64
	chats         map[int64]Chat
	chatByKey     map[scopedKey]int64
	users         map[int64]User
	userByKey     map[scopedKey]int64
	chatUsers     map[int64]ChatUser
	chatUserByKey map[pairKey]int64
	bridges       map[int64]Bridge
	bridgeByName  map[string]int64
	bridgeChats   map[int64]BridgeChat
	bridgeChatKey map[pairKey]int64
	messages      []Message
	events        []Event
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		services:      map[int64]Service{},
		serviceByKey:  map[string]int64{},
		chats:         map[int64]Chat{},
		chatByKey:     map[scopedKey]int64{},
		users:         map[int64]User{},
		userByKey:     map[scopedKey]int64{},
		chatUsers:     map[int64]ChatUser{},
		chatUserByKey: map[pairKey]int64{},
		bridges:       map[int64]Bridge{},
		bridgeByName:  map[string]int64{},
		bridgeChats:   map[int64]BridgeChat{},
		bridgeChatKey: map[pairKey]int64{},
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// lookup returns the record at id, or ErrNotFound.
func lookup[T any](items map[int64]T, id int64) (T, error) {
	rec, ok := items[id]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return rec, nil
}

// upsert stores rec under its id, or under the id already indexed by key, or under a new id.
// setID writes the chosen id into the record.
func upsert[K comparable, T any](m *Memory, items map[int64]T, index map[K]int64, key K, id int64, rec T, setID func(*T, int64)) (T, error) {
	if id != 0 {
		if _, ok := items[id]; !ok {
			var zero T
			return zero, ErrNotFound
		}
		for k, v := range index {
			if v == id && k != key {
				delete(index, k)
			}
		}
	} else if existing, ok := index[key]; ok {
		id = existing
	} else {
		id = m.id()
	}
	setID(&rec, id)
	items[id] = rec
	index[key] = id
	return rec, nil
}

func (m *Memory) GetService(_ context.Context, id int64) (Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.services, id)
}

func (m *Memory) GetServiceByIdentifier(_ context.Context, identifier string) (Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.services, m.serviceByKey[identifier])
}

func (m *Memory) UpsertService(_ context.Context, rec Service) (Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return upsert(m, m.services, m.serviceByKey, rec.Identifier, rec.ID, rec, func(r *Service, id int64) { r.ID = id })
}

func (m *Memory) GetChat(_ context.Context, id int64) (Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.chats, id)
}

func (m *Memory) GetChatByIdentifier(_ context.Context, serviceID int64, identifier string) (Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.chats, m.chatByKey[scopedKey{serviceID, identifier}])
}

func (m *Memory) UpsertChat(_ context.Context, rec Chat) (Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scopedKey{rec.ServiceID, rec.Identifier}
	return upsert(m, m.chats, m.chatByKey, key, rec.ID, rec, func(r *Chat, id int64) { r.ID = id })
}

func (m *Memory) ListChats(_ context.Context, serviceID int64) ([]Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Chat
	for _, c := range m.chats {
		if c.ServiceID == serviceID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetUser(_ context.Context, id int64) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.users, id)
}

func (m *Memory) GetUserByIdentifier(_ context.Context, serviceID int64, identifier string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.users, m.userByKey[scopedKey{serviceID, identifier}])
}

func (m *Memory) UpsertUser(_ context.Context, rec User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scopedKey{rec.ServiceID, rec.Identifier}
	return upsert(m, m.users, m.userByKey, key, rec.ID, rec, func(r *User, id int64) { r.ID = id })
}

func (m *Memory) GetChatUser(_ context.Context, id int64) (ChatUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.chatUsers, id)
}

func (m *Memory) GetChatUserByMembers(_ context.Context, chatID, userID int64) (ChatUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.chatUsers, m.chatUserByKey[pairKey{chatID, userID}])
}

func (m *Memory) UpsertChatUser(_ context.Context, rec ChatUser) (ChatUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{rec.ChatID, rec.UserID}
	return upsert(m, m.chatUsers, m.chatUserByKey, key, rec.ID, rec, func(r *ChatUser, id int64) { r.ID = id })
}

func (m *Memory) GetBridge(_ context.Context, id int64) (Bridge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.bridges, id)
}

func (m *Memory) GetBridgeByName(_ context.Context, name string) (Bridge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.bridges, m.bridgeByName[name])
}

func (m *Memory) UpsertBridge(_ context.Context, rec Bridge) (Bridge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return upsert(m, m.bridges, m.bridgeByName, rec.Name, rec.ID, rec, func(r *Bridge, id int64) { r.ID = id })
}

func (m *Memory) ListBridges(_ context.Context) ([]Bridge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Bridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetBridgeChat(_ context.Context, id int64) (BridgeChat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.bridgeChats, id)
}

func (m *Memory) GetBridgeChatByMembers(_ context.Context, bridgeID, chatID int64) (BridgeChat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.bridgeChats, m.bridgeChatKey[pairKey{bridgeID, chatID}])
}

func (m *Memory) UpsertBridgeChat(_ context.Context, rec BridgeChat) (BridgeChat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{rec.BridgeID, rec.ChatID}
	return upsert(m, m.bridgeChats, m.bridgeChatKey, key, rec.ID, rec, func(r *BridgeChat, id int64) { r.ID = id })
}

func (m *Memory) ListBridgeChats(_ context.Context, bridgeID int64) ([]BridgeChat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []BridgeChat
	for _, bc := range m.bridgeChats {
		if bc.BridgeID == bridgeID {
			out = append(out, bc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) InsertMessage(_ context.Context, rec Message) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = m.id()
	m.messages = append(m.messages, rec)
	return rec, nil
}

func (m *Memory) InsertEvent(_ context.Context, rec Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = m.id()
	m.events = append(m.events, rec)
	return rec, nil
}

// Messages returns a copy of every stored message in insertion order.
func (m *Memory) Messages() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Message(nil), m.messages...)
}

// Events returns a copy of every stored event in insertion order.
func (m *Memory) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Event(nil), m.events...)
}

// Forget deletes a chat row behind the caller's back, simulating a durable store that lost data.
func (m *Memory) Forget(chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chats, chatID)
	for k, v := range m.chatByKey {
		if v == chatID {
			delete(m.chatByKey, k)
		}
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
