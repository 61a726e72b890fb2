package entity

import (
	"encoding/json"
	"fmt"
)

// ChatDetails holds the platform payload of a chat. Only the field matching the service kind is kept.
type ChatDetails struct {
	Slack    *SlackChat    `json:"slack,omitempty"`
	Discord  *DiscordChat  `json:"discord,omitempty"`
	Telegram *TelegramChat `json:"telegram,omitempty"`
}

// SlackChat carries Slack channel attributes.
type SlackChat struct {
	Purpose string `json:"purpose,omitempty"`
	Private bool   `json:"private,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// DiscordChat carries Discord channel attributes.
type DiscordChat struct {
	GuildID string `json:"guild_id,omitempty"`
}

// TelegramChat carries Telegram chat attributes.
type TelegramChat struct {
	Type     string `json:"type,omitempty"`
	Username string `json:"username,omitempty"`
}

// UserDetails holds the platform payload of a user.
type UserDetails struct {
	IRC      *IRCUser      `json:"irc,omitempty"`
	Slack    *SlackUser    `json:"slack,omitempty"`
	Discord  *DiscordUser  `json:"discord,omitempty"`
	Telegram *TelegramUser `json:"telegram,omitempty"`
}

// IRCUser carries the IRC hostmask and WHO reply fields.
type IRCUser struct {
	Ident    string `json:"ident,omitempty"`
	Host     string `json:"host,omitempty"`
	RealName string `json:"real_name,omitempty"`
	Server   string `json:"server,omitempty"`
}

// SlackUser carries Slack profile fields.
type SlackUser struct {
	RealName string `json:"real_name,omitempty"`
	Team     string `json:"team,omitempty"`
	Deleted  bool   `json:"deleted,omitempty"`
	Bot      bool   `json:"bot,omitempty"`
}

// DiscordUser carries Discord account fields.
type DiscordUser struct {
	Discriminator string `json:"discriminator,omitempty"`
	Bot           bool   `json:"bot,omitempty"`
}

// TelegramUser carries Telegram account fields.
type TelegramUser struct {
	Username string `json:"username,omitempty"`
	Bot      bool   `json:"bot,omitempty"`
}

// ChatUserDetails holds the platform payload of a membership.
type ChatUserDetails struct {
	IRC *IRCChatUser `json:"irc,omitempty"`
}

// IRCChatUser carries channel modes for a member.
type IRCChatUser struct {
	Operator bool `json:"operator,omitempty"`
	Voiced   bool `json:"voiced,omitempty"`
}

// ForKind drops payloads that do not belong to kind.
func (d ChatDetails) ForKind(kind Kind) ChatDetails {
	switch kind {
	case KindSlack:
		return ChatDetails{Slack: d.Slack}
	case KindDiscord:
		return ChatDetails{Discord: d.Discord}
	case KindTelegram:
		return ChatDetails{Telegram: d.Telegram}
	default:
		return ChatDetails{}
	}
}

// ForKind drops payloads that do not belong to kind.
func (d UserDetails) ForKind(kind Kind) UserDetails {
	switch kind {
	case KindIRC:
		return UserDetails{IRC: d.IRC}
	case KindSlack:
		return UserDetails{Slack: d.Slack}
	case KindDiscord:
		return UserDetails{Discord: d.Discord}
	case KindTelegram:
		return UserDetails{Telegram: d.Telegram}
	default:
		return UserDetails{}
	}
}

// ForKind drops payloads that do not belong to kind.
func (d ChatUserDetails) ForKind(kind Kind) ChatUserDetails {
	if kind == KindIRC {
		return ChatUserDetails{IRC: d.IRC}
	}
	return ChatUserDetails{}
}

// Purpose returns the Slack purpose; other platforms have none.
func (c *Chat) Purpose() string {
	if c.Kind() == KindSlack && c.Details.Slack != nil {
		return c.Details.Slack.Purpose
	}
	return ""
}

// Bot reports whether the platform flags the user as a bot account.
func (u *User) Bot() bool {
	switch u.Service.Kind {
	case KindSlack:
		return u.Details.Slack != nil && u.Details.Slack.Bot
	case KindDiscord:
		return u.Details.Discord != nil && u.Details.Discord.Bot
	case KindTelegram:
		return u.Details.Telegram != nil && u.Details.Telegram.Bot
	default:
		return false
	}
}

// Operator reports channel operator status on platforms that have one.
func (cu *ChatUser) Operator() bool {
	if cu.Chat.Kind() == KindIRC && cu.Details.IRC != nil {
		return cu.Details.IRC.Operator
	}
	return false
}

func encodeDetails(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode details: %w", err)
	}
	return string(data), nil
}

func decodeDetails(raw string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode details: %w", err)
	}
	return nil
}
