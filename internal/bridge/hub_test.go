package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nsnw/yahk/internal/config"
	"github.com/nsnw/yahk/internal/entity"
	"github.com/nsnw/yahk/internal/store"
)

type sent struct {
	chat string
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	out  []sent
	fail map[string]bool
}

func (f *fakeSender) Send(_ context.Context, chat *entity.Chat, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[chat.Identifier] {
		return errors.New("connection reset")
	}
	f.out = append(f.out, sent{chat: chat.Identifier, text: text})
	return nil
}

func (f *fakeSender) chats() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.out {
		out = append(out, s.chat)
	}
	return out
}

type countingObserver struct {
	mu     sync.Mutex
	ok     int
	failed int
}

func (o *countingObserver) OnDelivery(_ context.Context, d Delivery) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if d.Err != nil {
		o.failed++
		return
	}
	o.ok++
}

type fixture struct {
	reg    *entity.Registry
	st     *store.Memory
	irc    *entity.Service
	slack  *entity.Service
	sender *fakeSender
	hub    *Hub
}

func newFixture(t *testing.T, format string) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := entity.NewRegistry(st, log)

	irc, err := reg.RegisterService(ctx, entity.ServiceInfo{Kind: entity.KindIRC, Name: "libera", Identifier: "irc/libera", Enabled: true})
	require.NoError(t, err)
	slack, err := reg.RegisterService(ctx, entity.ServiceInfo{Kind: entity.KindSlack, Name: "work", Identifier: "slack/work", Enabled: true})
	require.NoError(t, err)

	sender := &fakeSender{fail: map[string]bool{}}
	return &fixture{
		reg:    reg,
		st:     st,
		irc:    irc,
		slack:  slack,
		sender: sender,
		hub:    NewHub(reg, sender, log, Options{SourceFormat: format}),
	}
}

func (f *fixture) chat(t *testing.T, svc *entity.Service, id string) *entity.Chat {
	t.Helper()
	c, err := f.reg.ResolveChat(context.Background(), svc, id, id)
	require.NoError(t, err)
	return c
}

func (f *fixture) member(t *testing.T, chat *entity.Chat, nick string) *entity.ChatUser {
	t.Helper()
	ctx := context.Background()
	u, err := f.reg.ResolveUser(ctx, chat.Service, nick, nick)
	require.NoError(t, err)
	cu, err := f.reg.ResolveChatUser(ctx, chat, u)
	require.NoError(t, err)
	return cu
}

func TestRelayReachesOtherMembersOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, config.SourceFormatLong)

	b, err := f.hub.GetOrCreate(ctx, "general")
	require.NoError(t, err)
	a := f.chat(t, f.irc, "#a")
	bChat := f.chat(t, f.irc, "#b")
	c := f.chat(t, f.slack, "C1")

	origin, err := f.hub.Attach(ctx, b, a)
	require.NoError(t, err)
	_, err = f.hub.Attach(ctx, b, bChat)
	require.NoError(t, err)
	_, err = f.hub.Attach(ctx, b, c)
	require.NoError(t, err)

	n := f.hub.Relay(ctx, origin, f.member(t, a, "alice"), "hello")
	require.Equal(t, 2, n)
	require.ElementsMatch(t, []string{"#b", "C1"}, f.sender.chats())
	require.Equal(t, "<alice@#a> hello", f.sender.out[0].text)
}

func TestFormatShort(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.SourceFormatShort)
	a := f.chat(t, f.irc, "#a")
	require.Equal(t, "<alice> hi", f.hub.Format(f.member(t, a, "alice"), "hi"))
}

func TestAttachIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "")

	b, err := f.hub.GetOrCreate(ctx, "general")
	require.NoError(t, err)
	a := f.chat(t, f.irc, "#a")

	first, err := f.hub.Attach(ctx, b, a)
	require.NoError(t, err)
	second, err := f.hub.Attach(ctx, b, a)
	require.NoError(t, err)
	require.Same(t, first, second)

	rows, err := f.st.ListBridgeChats(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Len(t, f.hub.ChatBridges(a), 1)
}

func TestSendFailureDoesNotAbortFanOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "")
	obs := &countingObserver{}
	f.hub.AddObserver(obs)

	b, _ := f.hub.GetOrCreate(ctx, "general")
	a := f.chat(t, f.irc, "#a")
	origin, _ := f.hub.Attach(ctx, b, a)
	for _, id := range []string{"#b", "#c", "#d"} {
		_, err := f.hub.Attach(ctx, b, f.chat(t, f.irc, id))
		require.NoError(t, err)
	}
	f.sender.fail["#c"] = true

	n := f.hub.Relay(ctx, origin, f.member(t, a, "alice"), "hello")
	require.Equal(t, 2, n)
	require.ElementsMatch(t, []string{"#b", "#d"}, f.sender.chats())
	require.Equal(t, 2, obs.ok)
	require.Equal(t, 1, obs.failed)
}

func TestDetachRemovesFromRouting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "")

	b, _ := f.hub.GetOrCreate(ctx, "general")
	a := f.chat(t, f.irc, "#a")
	other := f.chat(t, f.slack, "C1")
	origin, _ := f.hub.Attach(ctx, b, a)
	_, _ = f.hub.Attach(ctx, b, other)

	require.NoError(t, f.hub.Detach(ctx, b, other))
	require.Error(t, f.hub.Detach(ctx, b, other))
	require.Zero(t, f.hub.Relay(ctx, origin, f.member(t, a, "alice"), "hello"))
	require.Empty(t, f.hub.ChatBridges(other))

	rec, err := f.st.GetBridgeChatByMembers(ctx, b.ID, other.ID)
	require.NoError(t, err)
	require.False(t, rec.Active)

	bc, err := f.hub.Attach(ctx, b, other)
	require.NoError(t, err)
	require.True(t, bc.Active)
	require.Len(t, f.hub.Members(b), 2)
}

func TestGetOrCreateAnonymousAndLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "")

	anon, err := f.hub.GetOrCreate(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, anon.Name)
	require.NotZero(t, anon.ID)

	general, _ := f.hub.GetOrCreate(ctx, "general")
	_, err = f.hub.Attach(ctx, general, f.chat(t, f.irc, "#a"))
	require.NoError(t, err)

	restarted := NewHub(f.reg, f.sender, nil, Options{})
	require.NoError(t, restarted.Load(ctx))
	require.Len(t, restarted.Bridges(), 2)
	loaded, ok := restarted.Bridge("general")
	require.True(t, ok)
	require.Equal(t, general.ID, loaded.ID)
	require.Len(t, restarted.Members(loaded), 1)
}

func TestRenameKeepsMembers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "")

	b, _ := f.hub.GetOrCreate(ctx, "general")
	_, _ = f.hub.GetOrCreate(ctx, "ops")
	_, err := f.hub.Attach(ctx, b, f.chat(t, f.irc, "#a"))
	require.NoError(t, err)

	require.Error(t, f.hub.Rename(ctx, b, "ops"))
	require.Error(t, f.hub.Rename(ctx, b, "  "))
	require.NoError(t, f.hub.Rename(ctx, b, "lobby"))

	_, ok := f.hub.Bridge("general")
	require.False(t, ok)
	renamed, ok := f.hub.Bridge("lobby")
	require.True(t, ok)
	require.Same(t, b, renamed)
	require.Len(t, f.hub.Members(renamed), 1)

	rec, err := f.st.GetBridgeByName(ctx, "lobby")
	require.NoError(t, err)
	require.Equal(t, b.ID, rec.ID)
}
