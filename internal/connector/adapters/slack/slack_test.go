package slack

import (
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/require"

	"github.com/nsnw/yahk/internal/config"
)

func TestNewValidatesTokens(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		cfg     config.SlackConfig
		wantErr bool
	}{
		{name: "valid", cfg: config.SlackConfig{BotToken: "xoxb-1", AppToken: "xapp-1"}},
		{name: "missing bot token", cfg: config.SlackConfig{AppToken: "xapp-1"}, wantErr: true},
		{name: "user token", cfg: config.SlackConfig{BotToken: "xoxp-1", AppToken: "xapp-1"}, wantErr: true},
		{name: "missing app token", cfg: config.SlackConfig{BotToken: "xoxb-1"}, wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(config.ServiceConfig{Identifier: "slack/work", Slack: tc.cfg}, nil)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestUserRefPrefersDisplayName(t *testing.T) {
	t.Parallel()
	u := &slack.User{ID: "U1", Name: "alice", RealName: "Alice Liddell", TeamID: "T1"}
	ref := userRef(u)
	require.Equal(t, "U1", ref.Identifier)
	require.Equal(t, "alice", ref.Name)
	require.Equal(t, "T1", ref.Details.Slack.Team)

	u.Profile.DisplayName = "Al"
	require.Equal(t, "Al", userRef(u).Name)
}

func TestChatRef(t *testing.T) {
	t.Parallel()
	ch := &slack.Channel{}
	ch.ID = "C024BE91L"
	ch.Name = "general"
	ch.Purpose.Value = "company wide"
	ch.IsPrivate = true

	ref := chatRef(ch)
	require.Equal(t, "C024BE91L", ref.Identifier)
	require.Equal(t, "#general", ref.Name)
	require.Equal(t, "company wide", ref.Details.Slack.Purpose)
	require.True(t, ref.Details.Slack.Private)
}
