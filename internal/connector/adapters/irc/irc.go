// Package irc connects a service to an IRC network.
package irc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"

	"github.com/nsnw/yahk/internal/config"
	"github.com/nsnw/yahk/internal/connector"
	"github.com/nsnw/yahk/internal/entity"
)

// Adapter is an IRC client connection.
type Adapter struct {
	cfg    config.ServiceConfig
	logger *slog.Logger

	mu      sync.Mutex
	conn    *ircevent.Connection
	nextIdx int
}

// New is the connector.Factory for IRC services.
func New(cfg config.ServiceConfig, log *slog.Logger) (connector.Adapter, error) {
	if len(cfg.IRC.Hosts) == 0 {
		return nil, errors.New("irc: at least one host is required")
	}
	if strings.TrimSpace(cfg.IRC.Nick) == "" {
		return nil, errors.New("irc: nick is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{cfg: cfg, logger: log.With(slog.String("adapter", "irc"))}, nil
}

// Kind implements connector.Adapter.
func (a *Adapter) Kind() entity.Kind { return entity.KindIRC }

// nextHost rotates through the configured hosts so each restart tries the next one.
func (a *Adapter) nextHost() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	host := a.cfg.IRC.Hosts[a.nextIdx%len(a.cfg.IRC.Hosts)]
	a.nextIdx++
	return host
}

// Start implements connector.Adapter. It blocks until ctx ends or Quit is called.
func (a *Adapter) Start(ctx context.Context, sink connector.Sink) error {
	server := a.nextHost()
	ic := a.cfg.IRC
	user := ic.User
	if user == "" {
		user = ic.Nick
	}
	realName := ic.RealName
	if realName == "" {
		realName = ic.Nick
	}
	conn := &ircevent.Connection{
		Server:      server,
		Nick:        ic.Nick,
		User:        user,
		RealName:    realName,
		Password:    ic.Password,
		UseTLS:      ic.TLS,
		RequestCaps: []string{"server-time", "multi-prefix"},
		QuitMessage: "yahk shutting down",
		Log:         slog.NewLogLogger(a.logger.Handler(), slog.LevelDebug),
	}
	if ic.TLS {
		host, _, err := net.SplitHostPort(server)
		if err != nil {
			host = server
		}
		conn.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	a.register(ctx, conn, sink)

	a.logger.Info("connecting", slog.String("server", server))
	if err := conn.Connect(); err != nil {
		return fmt.Errorf("irc connect %s: %w", server, err)
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	stop := context.AfterFunc(ctx, conn.Quit)
	defer stop()
	conn.Loop()

	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) emit(ctx context.Context, sink connector.Sink, ev connector.Event) {
	if err := sink.Emit(ctx, ev); err != nil && ctx.Err() == nil {
		a.logger.Warn("event dropped", slog.String("type", ev.Type.String()), slog.Any("error", err))
	}
}

func (a *Adapter) register(ctx context.Context, conn *ircevent.Connection, sink connector.Sink) {
	conn.AddConnectCallback(func(ircmsg.Message) {
		a.emit(ctx, sink, connector.Event{Type: connector.EventReady, User: connector.UserRef{Identifier: conn.CurrentNick(), Name: conn.CurrentNick()}})
		for _, chat := range a.cfg.Chats {
			if err := conn.Join(chat.Identifier); err != nil {
				a.logger.Warn("join failed", slog.String("chat", chat.Identifier), slog.Any("error", err))
			}
		}
	})

	conn.AddCallback("PRIVMSG", func(m ircmsg.Message) {
		if len(m.Params) < 2 || !isChannel(m.Params[0]) {
			return
		}
		text := m.Params[1]
		if action, ok := ctcpAction(text); ok {
			text = "* " + sourceNick(m.Source) + " " + action
		}
		a.emit(ctx, sink, connector.Event{
			Type: connector.EventMessage,
			Chat: connector.ChatRef{Identifier: m.Params[0], Name: m.Params[0]},
			User: userRef(m.Source),
			Text: text,
		})
	})

	conn.AddCallback("JOIN", func(m ircmsg.Message) {
		if len(m.Params) < 1 {
			return
		}
		channel := m.Params[0]
		a.emit(ctx, sink, connector.Event{
			Type: connector.EventJoin,
			Chat: connector.ChatRef{Identifier: channel, Name: channel},
			User: userRef(m.Source),
		})
		if sourceNick(m.Source) == conn.CurrentNick() {
			if err := conn.Send("WHO", channel); err != nil {
				a.logger.Warn("who failed", slog.String("chat", channel), slog.Any("error", err))
			}
		}
	})

	conn.AddCallback("PART", func(m ircmsg.Message) {
		if len(m.Params) < 1 {
			return
		}
		a.emit(ctx, sink, connector.Event{
			Type: connector.EventPart,
			Chat: connector.ChatRef{Identifier: m.Params[0]},
			User: userRef(m.Source),
			Text: param(m, 1),
		})
	})

	conn.AddCallback("QUIT", func(m ircmsg.Message) {
		a.emit(ctx, sink, connector.Event{Type: connector.EventQuit, User: userRef(m.Source), Text: param(m, 0)})
	})

	conn.AddCallback("KICK", func(m ircmsg.Message) {
		if len(m.Params) < 2 {
			return
		}
		a.emit(ctx, sink, connector.Event{
			Type:   connector.EventKick,
			Chat:   connector.ChatRef{Identifier: m.Params[0]},
			User:   userRef(m.Source),
			Target: connector.UserRef{Identifier: m.Params[1], Name: m.Params[1]},
			Text:   param(m, 2),
		})
	})

	conn.AddCallback("TOPIC", func(m ircmsg.Message) {
		if len(m.Params) < 1 {
			return
		}
		a.emit(ctx, sink, connector.Event{
			Type: connector.EventTopic,
			Chat: connector.ChatRef{Identifier: m.Params[0]},
			User: userRef(m.Source),
			Text: param(m, 1),
		})
	})

	// RPL_TOPIC: <me> <channel> :<topic>
	conn.AddCallback("332", func(m ircmsg.Message) {
		if len(m.Params) < 3 {
			return
		}
		a.emit(ctx, sink, connector.Event{
			Type: connector.EventTopic,
			Chat: connector.ChatRef{Identifier: m.Params[1]},
			Text: m.Params[2],
		})
	})

	conn.AddCallback("352", func(m ircmsg.Message) {
		if ev, ok := parseWhoReply(m.Params); ok {
			a.emit(ctx, sink, ev)
		}
	})

	conn.AddCallback("NICK", func(m ircmsg.Message) {
		if len(m.Params) < 1 {
			return
		}
		a.emit(ctx, sink, connector.Event{Type: connector.EventNick, User: userRef(m.Source), Text: m.Params[0]})
	})

	conn.AddCallback("INVITE", func(m ircmsg.Message) {
		if len(m.Params) < 2 {
			return
		}
		a.emit(ctx, sink, connector.Event{
			Type:   connector.EventInvite,
			Chat:   connector.ChatRef{Identifier: m.Params[1], Name: m.Params[1]},
			User:   userRef(m.Source),
			Target: connector.UserRef{Identifier: m.Params[0], Name: m.Params[0]},
		})
	})

	conn.AddCallback("MODE", func(m ircmsg.Message) {
		if len(m.Params) < 2 || !isChannel(m.Params[0]) {
			return
		}
		for _, change := range parseModes(m.Params[1], m.Params[2:]) {
			a.emit(ctx, sink, connector.Event{
				Type:   connector.EventMode,
				Chat:   connector.ChatRef{Identifier: m.Params[0]},
				User:   userRef(m.Source),
				Target: connector.UserRef{Identifier: change.nick, Name: change.nick},
				Text:   change.String(),
			})
		}
	})
}

// Send implements connector.Adapter. Multi-line text is sent one PRIVMSG per line.
func (a *Adapter) Send(ctx context.Context, chat *entity.Chat, text string) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return connector.ErrNotRunning
	}
	for _, line := range strings.Split(text, "\n") {
		if err := ctx.Err(); err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if err := conn.Privmsg(chat.Identifier, line); err != nil {
			return fmt.Errorf("irc privmsg %s: %w", chat.Identifier, err)
		}
	}
	return nil
}

// Quit implements connector.Adapter.
func (a *Adapter) Quit(context.Context) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		conn.Quit()
	}
	return nil
}

func param(m ircmsg.Message, i int) string {
	if i < len(m.Params) {
		return m.Params[i]
	}
	return ""
}
