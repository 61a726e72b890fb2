package irc

import (
	"strings"

	"github.com/nsnw/yahk/internal/connector"
	"github.com/nsnw/yahk/internal/entity"
)

func isChannel(target string) bool {
	return target != "" && strings.ContainsRune("#&+!", rune(target[0]))
}

// splitSource splits "nick!user@host".
func splitSource(source string) (nick, ident, host string) {
	nick = source
	if i := strings.IndexByte(nick, '@'); i >= 0 {
		host = nick[i+1:]
		nick = nick[:i]
	}
	if i := strings.IndexByte(nick, '!'); i >= 0 {
		ident = nick[i+1:]
		nick = nick[:i]
	}
	return nick, ident, host
}

func sourceNick(source string) string {
	nick, _, _ := splitSource(source)
	return nick
}

func userRef(source string) connector.UserRef {
	nick, ident, host := splitSource(source)
	ref := connector.UserRef{Identifier: nick, Name: nick}
	if ident != "" || host != "" {
		ref.Details = &entity.UserDetails{IRC: &entity.IRCUser{Ident: ident, Host: host}}
	}
	return ref
}

func ctcpAction(text string) (string, bool) {
	const prefix = "\x01ACTION "
	if !strings.HasPrefix(text, prefix) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(text, prefix), "\x01"), true
}

// parseWhoReply reads RPL_WHOREPLY: <me> <channel> <user> <host> <server> <nick> <flags> :<hops> <realname>
func parseWhoReply(params []string) (connector.Event, bool) {
	if len(params) < 7 || !isChannel(params[1]) {
		return connector.Event{}, false
	}
	realName := ""
	if len(params) > 7 {
		if _, rest, ok := strings.Cut(params[7], " "); ok {
			realName = rest
		}
	}
	flags := params[6]
	return connector.Event{
		Type: connector.EventMember,
		Chat: connector.ChatRef{Identifier: params[1]},
		User: connector.UserRef{
			Identifier: params[5],
			Name:       params[5],
			Details: &entity.UserDetails{IRC: &entity.IRCUser{
				Ident:    params[2],
				Host:     params[3],
				Server:   params[4],
				RealName: realName,
			}},
		},
		Member: &entity.ChatUserDetails{IRC: &entity.IRCChatUser{
			Operator: strings.Contains(flags, "@"),
			Voiced:   strings.Contains(flags, "+"),
		}},
	}, true
}

type modeChange struct {
	add  bool
	mode byte
	nick string
}

func (c modeChange) String() string {
	sign := "-"
	if c.add {
		sign = "+"
	}
	return sign + string(c.mode)
}

// parseModes extracts +o/-o and +v/-v changes. Other modes are skipped, consuming their argument
// when they take one.
func parseModes(modes string, args []string) []modeChange {
	var out []modeChange
	add := true
	next := 0
	take := func() (string, bool) {
		if next >= len(args) {
			return "", false
		}
		next++
		return args[next-1], true
	}
	for i := 0; i < len(modes); i++ {
		switch m := modes[i]; m {
		case '+':
			add = true
		case '-':
			add = false
		case 'o', 'v':
			if nick, ok := take(); ok {
				out = append(out, modeChange{add: add, mode: m, nick: nick})
			}
		case 'b', 'e', 'I', 'k', 'h', 'q', 'a':
			take()
		case 'l':
			if add {
				take()
			}
		}
	}
	return out
}
