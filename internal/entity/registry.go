package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nsnw/yahk/internal/logger"
	"github.com/nsnw/yahk/internal/store"
)

// ErrInconsistent reports that an entity carrying a surrogate id is missing from the store.
var ErrInconsistent = errors.New("entity missing from store")

// repo binds the store calls for one record type so every kind shares the same resolution order.
type repo[R any] struct {
	kind   string
	byID   func(context.Context, int64) (R, error)
	byKey  func(context.Context, R) (R, error)
	upsert func(context.Context, R) (R, error)
	id     func(R) int64
	setID  func(*R, int64)
}

// Registry resolves and persists entities. It owns the service index; each service owns its chat and user
// indices and each chat its membership index.
//
// mu guards the indices only. Entity fields are written without it, so every mutation must run on the single
// inbound worker.
type Registry struct {
	store  store.Store
	logger *slog.Logger

	mu       sync.RWMutex
	services map[string]*Service

	hookMu        sync.Mutex
	inconsistency func(error)
	tripped       bool

	serviceRepo    repo[store.Service]
	chatRepo       repo[store.Chat]
	userRepo       repo[store.User]
	chatUserRepo   repo[store.ChatUser]
	bridgeRepo     repo[store.Bridge]
	bridgeChatRepo repo[store.BridgeChat]
}

// NewRegistry creates a registry backed by st.
func NewRegistry(st store.Store, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store:    st,
		logger:   log.With(slog.String("component", "entity")),
		services: map[string]*Service{},
		serviceRepo: repo[store.Service]{
			kind: "service",
			byID: st.GetService,
			byKey: func(ctx context.Context, r store.Service) (store.Service, error) {
				return st.GetServiceByIdentifier(ctx, r.Identifier)
			},
			upsert: st.UpsertService,
			id:     func(r store.Service) int64 { return r.ID },
			setID:  func(r *store.Service, id int64) { r.ID = id },
		},
		chatRepo: repo[store.Chat]{
			kind: "chat",
			byID: st.GetChat,
			byKey: func(ctx context.Context, r store.Chat) (store.Chat, error) {
				return st.GetChatByIdentifier(ctx, r.ServiceID, r.Identifier)
			},
			upsert: st.UpsertChat,
			id:     func(r store.Chat) int64 { return r.ID },
			setID:  func(r *store.Chat, id int64) { r.ID = id },
		},
		userRepo: repo[store.User]{
			kind: "user",
			byID: st.GetUser,
			byKey: func(ctx context.Context, r store.User) (store.User, error) {
				return st.GetUserByIdentifier(ctx, r.ServiceID, r.Identifier)
			},
			upsert: st.UpsertUser,
			id:     func(r store.User) int64 { return r.ID },
			setID:  func(r *store.User, id int64) { r.ID = id },
		},
		chatUserRepo: repo[store.ChatUser]{
			kind: "chat user",
			byID: st.GetChatUser,
			byKey: func(ctx context.Context, r store.ChatUser) (store.ChatUser, error) {
				return st.GetChatUserByMembers(ctx, r.ChatID, r.UserID)
			},
			upsert: st.UpsertChatUser,
			id:     func(r store.ChatUser) int64 { return r.ID },
			setID:  func(r *store.ChatUser, id int64) { r.ID = id },
		},
		bridgeRepo: repo[store.Bridge]{
			kind: "bridge",
			byID: st.GetBridge,
			byKey: func(ctx context.Context, r store.Bridge) (store.Bridge, error) {
				return st.GetBridgeByName(ctx, r.Name)
			},
			upsert: st.UpsertBridge,
			id:     func(r store.Bridge) int64 { return r.ID },
			setID:  func(r *store.Bridge, id int64) { r.ID = id },
		},
		bridgeChatRepo: repo[store.BridgeChat]{
			kind: "bridge chat",
			byID: st.GetBridgeChat,
			byKey: func(ctx context.Context, r store.BridgeChat) (store.BridgeChat, error) {
				return st.GetBridgeChatByMembers(ctx, r.BridgeID, r.ChatID)
			},
			upsert: st.UpsertBridgeChat,
			id:     func(r store.BridgeChat) int64 { return r.ID },
			setID:  func(r *store.BridgeChat, id int64) { r.ID = id },
		},
	}
}

// OnInconsistency installs the shutdown hook. It runs at most once and must not block.
func (r *Registry) OnInconsistency(fn func(error)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.inconsistency = fn
}

// save persists rec: by id when it has one (a miss is an inconsistency), otherwise by natural key, then upsert.
func save[R any](ctx context.Context, r *Registry, p repo[R], label string, rec R) (R, error) {
	if id := p.id(rec); id != 0 {
		if _, err := p.byID(ctx, id); err != nil {
			return rec, r.storeError(ctx, p.kind, label, err)
		}
	} else {
		existing, err := p.byKey(ctx, rec)
		switch {
		case err == nil:
			p.setID(&rec, p.id(existing))
		case errors.Is(err, store.ErrNotFound):
		default:
			return rec, r.storeError(ctx, p.kind, label, err)
		}
	}
	saved, err := p.upsert(ctx, rec)
	if err != nil {
		return rec, r.storeError(ctx, p.kind, label, err)
	}
	return saved, nil
}

// storeError applies the error policy: a missing row behind a known id is critical and shuts the bot down,
// duplicate natural keys are logged and returned, anything else is wrapped.
func (r *Registry) storeError(ctx context.Context, kind, label string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		wrapped := fmt.Errorf("%w: %s %s", ErrInconsistent, kind, label)
		logger.Critical(ctx, r.logger, "database entry not found, potential database inconsistency",
			slog.String("kind", kind), slog.String("entity", label))
		r.trip(wrapped)
		return wrapped
	case errors.Is(err, store.ErrMultipleFound):
		r.logger.Error("multiple database entries found",
			slog.String("kind", kind), slog.String("entity", label), slog.Any("error", err))
		return fmt.Errorf("%s %s: %w", kind, label, err)
	default:
		return fmt.Errorf("persist %s %s: %w", kind, label, err)
	}
}

func (r *Registry) trip(err error) {
	r.hookMu.Lock()
	if r.tripped {
		r.hookMu.Unlock()
		return
	}
	r.tripped = true
	fn := r.inconsistency
	r.hookMu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// lookupError maps a natural-key lookup failure; ErrNotFound is handled by the caller.
func (r *Registry) lookupError(kind, label string, err error) error {
	if errors.Is(err, store.ErrMultipleFound) {
		r.logger.Error("multiple database entries found",
			slog.String("kind", kind), slog.String("entity", label), slog.Any("error", err))
		return fmt.Errorf("%s %s: %w", kind, label, err)
	}
	return fmt.Errorf("lookup %s %s: %w", kind, label, err)
}

// ServiceInfo describes a configured service.
type ServiceInfo struct {
	Kind       Kind
	Name       string
	Identifier string
	Enabled    bool
}

// RegisterService resolves the service by identifier and indexes it. Configuration wins over stored attributes.
func (r *Registry) RegisterService(ctx context.Context, info ServiceInfo) (*Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if svc, ok := r.services[info.Identifier]; ok {
		return svc, nil
	}

	svc := newService(info.Kind, info.Name, info.Identifier)
	svc.Enabled = info.Enabled

	var meID int64
	rec, err := r.store.GetServiceByIdentifier(ctx, info.Identifier)
	switch {
	case err == nil:
		svc.ID = rec.ID
		meID = rec.MeUserID
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, r.lookupError("service", info.Identifier, err)
	}

	if err := r.saveService(ctx, svc, meID); err != nil {
		return nil, err
	}
	r.services[svc.Identifier] = svc

	if meID != 0 {
		urec, err := r.store.GetUser(ctx, meID)
		switch {
		case err == nil:
			svc.Me = r.indexUser(svc, urec)
		case errors.Is(err, store.ErrNotFound):
			r.logger.Warn("service owner user missing", slog.String("service", svc.Identifier), slog.Int64("user_id", meID))
		default:
			return nil, fmt.Errorf("load service owner: %w", err)
		}
	}
	r.logger.Debug("service registered", slog.String("service", svc.Identifier), slog.Int64("id", svc.ID))
	return svc, nil
}

func (r *Registry) saveService(ctx context.Context, svc *Service, meID int64) error {
	if svc.Me != nil {
		meID = svc.Me.ID
	}
	saved, err := save(ctx, r, r.serviceRepo, svc.Identifier, store.Service{
		ID:         svc.ID,
		Kind:       string(svc.Kind),
		Name:       svc.Name,
		Identifier: svc.Identifier,
		Enabled:    svc.Enabled,
		MeUserID:   meID,
	})
	if err != nil {
		return err
	}
	svc.ID = saved.ID
	return nil
}

// Service returns the registered service with identifier.
func (r *Registry) Service(identifier string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[identifier]
	return svc, ok
}

// ServiceByID returns the registered service with surrogate id.
func (r *Registry) ServiceByID(id int64) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, svc := range r.services {
		if svc.ID == id {
			return svc, true
		}
	}
	return nil, false
}

// Services returns every registered service ordered by identifier.
func (r *Registry) Services() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// LookupChat returns an indexed chat without touching the store.
func (r *Registry) LookupChat(svc *Service, identifier string) (*Chat, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := svc.chats[identifier]
	return c, ok
}

// LookupUser returns an indexed user without touching the store.
func (r *Registry) LookupUser(svc *Service, identifier string) (*User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := svc.users[identifier]
	return u, ok
}

// ResolveChat returns the chat for identifier, loading or creating it on first reference.
// Repeated calls return the same pointer.
func (r *Registry) ResolveChat(ctx context.Context, svc *Service, identifier, name string) (*Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := svc.chats[identifier]; ok {
		return c, nil
	}

	rec, err := r.store.GetChatByIdentifier(ctx, svc.ID, identifier)
	switch {
	case err == nil:
		return r.indexChat(svc, rec), nil
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, r.lookupError("chat", identifier, err)
	}

	c := &Chat{Service: svc, Identifier: identifier, Name: name, members: map[string]*ChatUser{}}
	if err := r.saveChat(ctx, c); err != nil {
		return nil, err
	}
	svc.chats[identifier] = c
	r.logger.Debug("chat created", slog.String("chat", c.String()), slog.Int64("id", c.ID))
	return c, nil
}

func (r *Registry) indexChat(svc *Service, rec store.Chat) *Chat {
	c := &Chat{
		ID:         rec.ID,
		Service:    svc,
		Identifier: rec.Identifier,
		Name:       rec.Name,
		Topic:      rec.Topic,
		Joined:     rec.Joined,
		members:    map[string]*ChatUser{},
	}
	if err := decodeDetails(rec.Attrs, &c.Details); err != nil {
		r.logger.Warn("chat details ignored", slog.String("chat", rec.Identifier), slog.Any("error", err))
	}
	c.Details = c.Details.ForKind(svc.Kind)
	svc.chats[rec.Identifier] = c
	return c
}

func (r *Registry) saveChat(ctx context.Context, c *Chat) error {
	attrs, err := encodeDetails(c.Details.ForKind(c.Kind()))
	if err != nil {
		return err
	}
	saved, err := save(ctx, r, r.chatRepo, c.String(), store.Chat{
		ID:         c.ID,
		ServiceID:  c.Service.ID,
		Kind:       string(c.Kind()),
		Identifier: c.Identifier,
		Name:       c.Name,
		Topic:      c.Topic,
		Joined:     c.Joined,
		Attrs:      attrs,
	})
	if err != nil {
		return err
	}
	c.ID = saved.ID
	return nil
}

// LoadChat returns the chat with surrogate id, indexing it under its service. The service must be registered.
func (r *Registry) LoadChat(ctx context.Context, id int64) (*Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, svc := range r.services {
		for _, c := range svc.chats {
			if c.ID == id {
				return c, nil
			}
		}
	}

	rec, err := r.store.GetChat(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load chat %d: %w", id, err)
	}
	for _, svc := range r.services {
		if svc.ID == rec.ServiceID {
			if c, ok := svc.chats[rec.Identifier]; ok {
				return c, nil
			}
			return r.indexChat(svc, rec), nil
		}
	}
	return nil, fmt.Errorf("load chat %d: service %d not registered: %w", id, rec.ServiceID, store.ErrNotFound)
}

// ResolveUser returns the user for identifier, loading or creating it on first reference.
func (r *Registry) ResolveUser(ctx context.Context, svc *Service, identifier, name string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u, ok := svc.users[identifier]; ok {
		return u, nil
	}

	rec, err := r.store.GetUserByIdentifier(ctx, svc.ID, identifier)
	switch {
	case err == nil:
		return r.indexUser(svc, rec), nil
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, r.lookupError("user", identifier, err)
	}

	u := &User{Service: svc, Identifier: identifier, Name: name}
	if err := r.saveUser(ctx, u); err != nil {
		return nil, err
	}
	svc.users[identifier] = u
	r.logger.Debug("user created", slog.String("user", u.String()), slog.Int64("id", u.ID))
	return u, nil
}

func (r *Registry) indexUser(svc *Service, rec store.User) *User {
	if u, ok := svc.users[rec.Identifier]; ok {
		return u
	}
	u := &User{ID: rec.ID, Service: svc, Identifier: rec.Identifier, Name: rec.Name}
	if err := decodeDetails(rec.Attrs, &u.Details); err != nil {
		r.logger.Warn("user details ignored", slog.String("user", rec.Identifier), slog.Any("error", err))
	}
	u.Details = u.Details.ForKind(svc.Kind)
	svc.users[rec.Identifier] = u
	return u
}

func (r *Registry) saveUser(ctx context.Context, u *User) error {
	attrs, err := encodeDetails(u.Details.ForKind(u.Service.Kind))
	if err != nil {
		return err
	}
	saved, err := save(ctx, r, r.userRepo, u.String(), store.User{
		ID:         u.ID,
		ServiceID:  u.Service.ID,
		Kind:       string(u.Service.Kind),
		Identifier: u.Identifier,
		Name:       u.Name,
		Attrs:      attrs,
	})
	if err != nil {
		return err
	}
	u.ID = saved.ID
	return nil
}

// ResolveChatUser returns the membership of user in chat, loading or creating an inactive one on first reference.
func (r *Registry) ResolveChatUser(ctx context.Context, chat *Chat, user *User) (*ChatUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cu, ok := chat.members[user.Identifier]; ok {
		return cu, nil
	}

	label := user.DisplayName() + "@" + chat.DisplayName()
	rec, err := r.store.GetChatUserByMembers(ctx, chat.ID, user.ID)
	switch {
	case err == nil:
		cu := &ChatUser{ID: rec.ID, Chat: chat, User: user, Active: rec.Active}
		if err := decodeDetails(rec.Attrs, &cu.Details); err != nil {
			r.logger.Warn("chat user details ignored", slog.String("chat_user", label), slog.Any("error", err))
		}
		cu.Details = cu.Details.ForKind(chat.Kind())
		chat.members[user.Identifier] = cu
		return cu, nil
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, r.lookupError("chat user", label, err)
	}

	cu := &ChatUser{Chat: chat, User: user}
	if err := r.saveChatUser(ctx, cu); err != nil {
		return nil, err
	}
	chat.members[user.Identifier] = cu
	return cu, nil
}

func (r *Registry) saveChatUser(ctx context.Context, cu *ChatUser) error {
	attrs, err := encodeDetails(cu.Details.ForKind(cu.Chat.Kind()))
	if err != nil {
		return err
	}
	saved, err := save(ctx, r, r.chatUserRepo, cu.String(), store.ChatUser{
		ID:     cu.ID,
		ChatID: cu.Chat.ID,
		UserID: cu.User.ID,
		Kind:   string(cu.Chat.Kind()),
		Active: cu.Active,
		Attrs:  attrs,
	})
	if err != nil {
		return err
	}
	cu.ID = saved.ID
	return nil
}

// MembershipsOf returns every membership of user across the chats of its service.
func (r *Registry) MembershipsOf(user *User) []*ChatUser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ChatUser
	for _, c := range user.Service.chats {
		if cu, ok := c.members[user.Identifier]; ok {
			out = append(out, cu)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chat.Identifier < out[j].Chat.Identifier })
	return out
}
