// Package console serves the line-oriented admin shell. The console is itself a connector of kind "console":
// every TCP session is a chat of that service and can join bridges like any other chat.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nsnw/yahk/internal/config"
	"github.com/nsnw/yahk/internal/connector"
	"github.com/nsnw/yahk/internal/entity"
	"github.com/nsnw/yahk/internal/version"
)

const (
	// Identifier is the service identifier of the console.
	Identifier = "console"
	// AdminUser is the user console input is attributed to.
	AdminUser = "admin"
	// SelfUser is the bot's own account on the console service.
	SelfUser = "yahk"

	prompt       = "yahk> "
	writeTimeout = 5 * time.Second
)

// ErrBridgeNotFound is returned by a Backend when a named bridge does not exist.
var ErrBridgeNotFound = errors.New("bridge not found")

// ServiceStatus is one line of the services listing.
type ServiceStatus struct {
	Identifier string
	Enabled    bool
	Running    bool
}

// ChatInfo names a chat in a bridge listing.
type ChatInfo struct {
	Name       string
	Identifier string
}

// BridgeInfo is a bridge and its routable chats.
type BridgeInfo struct {
	Name  string
	Chats []ChatInfo
}

// Backend is what the console needs from the bot. Implementations must be safe to call from session goroutines.
type Backend interface {
	ServiceStatuses(ctx context.Context) ([]ServiceStatus, error)
	BridgeInfos(ctx context.Context) ([]BridgeInfo, error)
	OpenSession(ctx context.Context, id string) error
	CloseSession(ctx context.Context, id string) error
	SessionBridges(ctx context.Context, id string) ([]BridgeInfo, error)
	JoinBridge(ctx context.Context, id, bridge string) error
	LeaveBridge(ctx context.Context, id, bridge string) error
	Shutdown(reason string)
}

// Console accepts admin sessions on a TCP address.
type Console struct {
	addr    string
	backend Backend
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	sessions map[string]*session
}

// New builds a console listening on addr once started.
func New(addr string, backend Backend, log *slog.Logger) *Console {
	if log == nil {
		log = slog.Default()
	}
	return &Console{
		addr:     addr,
		backend:  backend,
		logger:   log.With(slog.String("component", "console")),
		sessions: map[string]*session{},
	}
}

// Factory returns a connector.Factory that hands out c.
func (c *Console) Factory() connector.Factory {
	return func(_ config.ServiceConfig, _ *slog.Logger) (connector.Adapter, error) {
		return c, nil
	}
}

// Kind implements connector.Adapter.
func (c *Console) Kind() entity.Kind { return entity.KindConsole }

// Addr returns the bound address, or nil before Start has listened.
func (c *Console) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Start implements connector.Adapter. It accepts sessions until ctx ends.
func (c *Console) Start(ctx context.Context, sink connector.Sink) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("console listen %s: %w", c.addr, err)
	}
	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	c.logger.Info("console listening", slog.String("addr", ln.Addr().String()))

	if err := sink.Emit(ctx, connector.Event{Type: connector.EventReady, User: connector.UserRef{Identifier: SelfUser, Name: SelfUser}}); err != nil {
		_ = ln.Close()
		return err
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			c.closeSessions()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("console accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.serve(ctx, conn, sink)
		}()
	}
}

// Send implements connector.Adapter by writing text to the session that owns chat.
func (c *Console) Send(_ context.Context, chat *entity.Chat, text string) error {
	c.mu.Lock()
	s := c.sessions[chat.Identifier]
	c.mu.Unlock()
	if s == nil {
		return fmt.Errorf("%w: no console session %s", connector.ErrNotRunning, chat.Identifier)
	}
	for _, line := range strings.Split(text, "\n") {
		s.writeLine(line)
	}
	return nil
}

// Quit implements connector.Adapter.
func (c *Console) Quit(context.Context) error {
	c.mu.Lock()
	ln := c.listener
	c.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	c.closeSessions()
	return nil
}

func (c *Console) closeSessions() {
	c.mu.Lock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	for _, s := range sessions {
		_ = s.conn.Close()
	}
}

// broadcast writes line to every session except skip.
func (c *Console) broadcast(line string, skip *session) {
	c.mu.Lock()
	targets := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		if s != skip {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()
	for _, s := range targets {
		s.writeLine(line)
	}
}

// SessionID returns the chat identifier of a session from remote.
func SessionID(remote net.Addr) string {
	return "console:" + remote.String()
}

type session struct {
	id   string
	conn net.Conn

	mu sync.Mutex
}

func (s *session) write(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, _ = s.conn.Write([]byte(text))
}

func (s *session) writeLine(text string) {
	s.write(text + "\n")
}

func (c *Console) serve(ctx context.Context, conn net.Conn, sink connector.Sink) {
	s := &session{id: SessionID(conn.RemoteAddr()), conn: conn}
	log := c.logger.With(slog.String("session", s.id))
	defer func() {
		_ = conn.Close()
		c.mu.Lock()
		delete(c.sessions, s.id)
		c.mu.Unlock()
		if err := c.backend.CloseSession(context.WithoutCancel(ctx), s.id); err != nil {
			log.Warn("close session failed", slog.Any("error", err))
		}
		log.Info("client disconnected")
	}()

	if err := c.backend.OpenSession(ctx, s.id); err != nil {
		log.Error("open session failed", slog.Any("error", err))
		return
	}
	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()
	log.Info("client connected")

	s.writeLine("yahk " + version.GetInfo())
	s.writeLine("")
	s.write(prompt)
	c.broadcast("New client connected", s)

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if !c.execute(ctx, s, sink, line) {
			return
		}
		s.write(prompt)
	}
}

// execute runs one command line and reports whether the session stays open.
func (c *Console) execute(ctx context.Context, s *session, sink connector.Sink, line string) bool {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "":
	case "help":
		s.writeLine("Commands: " + strings.Join(commandNames, ", "))
	case "services":
		services, err := c.backend.ServiceStatuses(ctx)
		if err != nil {
			s.writeLine("services failed: " + err.Error())
			return true
		}
		s.writeLine("Current services:")
		for _, svc := range services {
			state := "enabled"
			if !svc.Enabled {
				state = "disabled"
			}
			if svc.Enabled && !svc.Running {
				state = "enabled, not running"
			}
			s.writeLine(fmt.Sprintf(" - %s (%s)", svc.Identifier, state))
		}
	case "bridges":
		bridges, err := c.backend.BridgeInfos(ctx)
		if err != nil {
			s.writeLine("bridges failed: " + err.Error())
			return true
		}
		s.writeLine("Current bridges:")
		writeBridges(s, bridges)
	case "connected_bridges":
		bridges, err := c.backend.SessionBridges(ctx, s.id)
		if err != nil {
			s.writeLine("connected_bridges failed: " + err.Error())
			return true
		}
		s.writeLine("Current connected bridges:")
		writeBridges(s, bridges)
	case "join_bridge", "leave_bridge":
		if rest == "" {
			s.writeLine("Missing argument to " + cmd)
			return true
		}
		op, done := c.backend.JoinBridge, "Joined bridge "
		if cmd == "leave_bridge" {
			op, done = c.backend.LeaveBridge, "Left bridge "
		}
		switch err := op(ctx, s.id, rest); {
		case errors.Is(err, ErrBridgeNotFound):
			s.writeLine(fmt.Sprintf("Bridge name %s not found.", rest))
		case err != nil:
			s.writeLine(cmd + " failed: " + err.Error())
		default:
			s.writeLine(done + rest)
		}
	case "send":
		if rest == "" {
			s.writeLine("Missing argument to send")
			return true
		}
		err := sink.Emit(ctx, connector.Event{
			Type: connector.EventMessage,
			Chat: connector.ChatRef{Identifier: s.id, Name: s.id},
			User: connector.UserRef{Identifier: AdminUser, Name: AdminUser},
			Text: rest,
		})
		if err != nil {
			s.writeLine("send failed: " + err.Error())
		}
	case "shutdown":
		s.writeLine("Shutting down")
		c.backend.Shutdown("console shutdown")
	case "quit", "exit":
		s.writeLine("Bye")
		return false
	default:
		s.writeLine("Unknown command")
	}
	return true
}

var commandNames = func() []string {
	names := []string{"services", "bridges", "connected_bridges", "join_bridge", "leave_bridge", "send", "shutdown", "help", "quit"}
	sort.Strings(names)
	return names
}()

func writeBridges(s *session, bridges []BridgeInfo) {
	for _, b := range bridges {
		s.writeLine(" - " + b.Name)
		for _, chat := range b.Chats {
			s.writeLine(fmt.Sprintf("   - %s (%s)", chat.Name, chat.Identifier))
		}
	}
}
