package irc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nsnw/yahk/internal/config"
	"github.com/nsnw/yahk/internal/connector"
)

func TestSplitSource(t *testing.T) {
	t.Parallel()
	cases := []struct {
		source, nick, ident, host string
	}{
		{"alice!al@example.org", "alice", "al", "example.org"},
		{"alice", "alice", "", ""},
		{"irc.libera.chat", "irc.libera.chat", "", ""},
		{"bob@host", "bob", "", "host"},
	}
	for _, tc := range cases {
		nick, ident, host := splitSource(tc.source)
		require.Equal(t, tc.nick, nick, tc.source)
		require.Equal(t, tc.ident, ident, tc.source)
		require.Equal(t, tc.host, host, tc.source)
	}
}

func TestParseWhoReply(t *testing.T) {
	t.Parallel()
	ev, ok := parseWhoReply([]string{"yahk", "#lobby", "al", "example.org", "tantalum.libera.chat", "alice", "H@", "0 Alice Liddell"})
	require.True(t, ok)
	require.Equal(t, connector.EventMember, ev.Type)
	require.Equal(t, "#lobby", ev.Chat.Identifier)
	require.Equal(t, "alice", ev.User.Identifier)
	require.Equal(t, "Alice Liddell", ev.User.Details.IRC.RealName)
	require.Equal(t, "tantalum.libera.chat", ev.User.Details.IRC.Server)
	require.True(t, ev.Member.IRC.Operator)
	require.False(t, ev.Member.IRC.Voiced)

	_, ok = parseWhoReply([]string{"yahk", "*", "al"})
	require.False(t, ok)
}

func TestParseModes(t *testing.T) {
	t.Parallel()
	changes := parseModes("+ob-v+l", []string{"alice", "*!*@spam", "bob", "50"})
	require.Len(t, changes, 2)
	require.Equal(t, "+o", changes[0].String())
	require.Equal(t, "alice", changes[0].nick)
	require.Equal(t, "-v", changes[1].String())
	require.Equal(t, "bob", changes[1].nick)

	require.Empty(t, parseModes("+nt", nil))
}

func TestCTCPAction(t *testing.T) {
	t.Parallel()
	text, ok := ctcpAction("\x01ACTION waves\x01")
	require.True(t, ok)
	require.Equal(t, "waves", text)
	_, ok = ctcpAction("hello")
	require.False(t, ok)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	_, err := New(config.ServiceConfig{Identifier: "irc/libera"}, nil)
	require.Error(t, err)

	a, err := New(config.ServiceConfig{
		Identifier: "irc/libera",
		IRC:        config.IRCConfig{Hosts: []string{"a:6697", "b:6697"}, Nick: "yahk"},
	}, nil)
	require.NoError(t, err)
	adapter := a.(*Adapter)
	require.Equal(t, "a:6697", adapter.nextHost())
	require.Equal(t, "b:6697", adapter.nextHost())
	require.Equal(t, "a:6697", adapter.nextHost())
}
