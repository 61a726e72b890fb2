package console

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nsnw/yahk/internal/connector"
	"github.com/nsnw/yahk/internal/entity"
)

type fakeBackend struct {
	mu       sync.Mutex
	opened   []string
	closed   []string
	joined   map[string][]string
	shutdown []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{joined: map[string][]string{}}
}

func (f *fakeBackend) ServiceStatuses(context.Context) ([]ServiceStatus, error) {
	return []ServiceStatus{
		{Identifier: "irc/libera", Enabled: true, Running: true},
		{Identifier: "slack/work", Enabled: false},
	}, nil
}

func (f *fakeBackend) BridgeInfos(context.Context) ([]BridgeInfo, error) {
	return []BridgeInfo{{Name: "general", Chats: []ChatInfo{{Name: "#lobby", Identifier: "#lobby"}}}}, nil
}

func (f *fakeBackend) OpenSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, id)
	return nil
}

func (f *fakeBackend) CloseSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeBackend) SessionBridges(_ context.Context, id string) ([]BridgeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []BridgeInfo
	for _, name := range f.joined[id] {
		out = append(out, BridgeInfo{Name: name})
	}
	return out, nil
}

func (f *fakeBackend) JoinBridge(_ context.Context, id, bridge string) error {
	if bridge != "general" {
		return ErrBridgeNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined[id] = append(f.joined[id], bridge)
	return nil
}

func (f *fakeBackend) LeaveBridge(_ context.Context, id, bridge string) error {
	if bridge != "general" {
		return ErrBridgeNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined[id] = nil
	return nil
}

func (f *fakeBackend) Shutdown(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = append(f.shutdown, reason)
}

type chanSink chan connector.Event

func (s chanSink) Emit(ctx context.Context, ev connector.Event) error {
	select {
	case s <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

// until reads up to and including the next prompt and returns what came before it.
func (c *client) until() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var b strings.Builder
	for !strings.HasSuffix(b.String(), prompt) {
		r, err := c.r.ReadByte()
		require.NoError(c.t, err)
		b.WriteByte(r)
	}
	return strings.TrimSuffix(b.String(), prompt)
}

func (c *client) run(cmd string) string {
	c.t.Helper()
	_, err := c.conn.Write([]byte(cmd + "\r\n"))
	require.NoError(c.t, err)
	return c.until()
}

func startConsole(t *testing.T, backend Backend) (*Console, chanSink) {
	t.Helper()
	c := New("127.0.0.1:0", backend, nil)
	sink := make(chanSink, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, sink) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("console did not stop")
		}
	})
	require.Eventually(t, func() bool { return c.Addr() != nil }, 5*time.Second, 10*time.Millisecond)
	ready := <-sink
	require.Equal(t, connector.EventReady, ready.Type)
	require.Equal(t, SelfUser, ready.User.Identifier)
	return c, sink
}

func dial(t *testing.T, c *Console) *client {
	t.Helper()
	conn, err := net.Dial("tcp", c.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	cl := &client{t: t, conn: conn, r: bufio.NewReader(conn)}
	banner := cl.until()
	require.True(t, strings.HasPrefix(banner, "yahk "), banner)
	return cl
}

func TestConsoleCommands(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend()
	c, _ := startConsole(t, backend)
	cl := dial(t, c)

	require.Equal(t, "Current services:\n - irc/libera (enabled)\n - slack/work (disabled)\n", cl.run("services"))
	require.Equal(t, "Current bridges:\n - general\n   - #lobby (#lobby)\n", cl.run("bridges"))
	require.Equal(t, "Missing argument to join_bridge\n", cl.run("join_bridge"))
	require.Equal(t, "Bridge name nope not found.\n", cl.run("join_bridge nope"))
	require.Equal(t, "Joined bridge general\n", cl.run("join_bridge general"))
	require.Equal(t, "Current connected bridges:\n - general\n", cl.run("connected_bridges"))
	require.Equal(t, "Left bridge general\n", cl.run("leave_bridge general"))
	require.Equal(t, "Unknown command\n", cl.run("frobnicate"))
	require.Equal(t, "", cl.run(""))
	require.Contains(t, cl.run("help"), "join_bridge")

	require.Equal(t, "Shutting down\n", cl.run("shutdown"))
	backend.mu.Lock()
	require.Equal(t, []string{"console shutdown"}, backend.shutdown)
	backend.mu.Unlock()
}

func TestConsoleSendEmitsAdminMessage(t *testing.T) {
	t.Parallel()
	c, sink := startConsole(t, newFakeBackend())
	cl := dial(t, c)
	id := SessionID(cl.conn.LocalAddr())

	require.Equal(t, "Missing argument to send\n", cl.run("send"))
	require.Equal(t, "", cl.run("send hello there"))

	ev := <-sink
	require.Equal(t, connector.EventMessage, ev.Type)
	require.Equal(t, id, ev.Chat.Identifier)
	require.Equal(t, AdminUser, ev.User.Identifier)
	require.Equal(t, "hello there", ev.Text)
}

func TestConsoleSendWritesToSession(t *testing.T) {
	t.Parallel()
	c, _ := startConsole(t, newFakeBackend())
	cl := dial(t, c)
	id := SessionID(cl.conn.LocalAddr())

	chat := &entity.Chat{Identifier: id}
	require.NoError(t, c.Send(context.Background(), chat, "<alice@#lobby> hi"))
	require.NoError(t, cl.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := cl.r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "<alice@#lobby> hi\n", line)

	err = c.Send(context.Background(), &entity.Chat{Identifier: "console:nowhere"}, "x")
	require.ErrorIs(t, err, connector.ErrNotRunning)
}

func TestConsoleAnnouncesNewClients(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend()
	c, _ := startConsole(t, backend)
	first := dial(t, c)
	dial(t, c)

	require.NoError(t, first.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := first.r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "New client connected\n", line)

	require.Equal(t, "Bye\n", readAll(t, first, "quit"))
	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.closed) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func readAll(t *testing.T, c *client, cmd string) string {
	t.Helper()
	_, err := c.conn.Write([]byte(cmd + "\n"))
	require.NoError(t, err)
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var b strings.Builder
	buf := make([]byte, 256)
	for {
		n, err := c.r.Read(buf)
		b.Write(buf[:n])
		if err != nil {
			return b.String()
		}
	}
}
