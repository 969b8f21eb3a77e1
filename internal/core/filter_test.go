package core

import (
	"testing"

	"github.com/keepmind9/miaubot/internal/bot"
	"github.com/keepmind9/miaubot/internal/connection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const botJID = "5511999990000:7@s.whatsapp.net"

func TestFilter_WhatsApp(t *testing.T) {
	f, err := NewFilter(FilterConfig{
		IgnoreJIDs:     []string{"5511000@s.whatsapp.net", " "},
		IgnorePatterns: []string{`^1203630+@g\.us$`},
	})
	require.NoError(t, err)

	tests := []struct {
		name   string
		msg    connection.Message
		reason string
	}{
		{"private chat", connection.Message{Chat: "5511888@s.whatsapp.net", Sender: "5511888@s.whatsapp.net"}, ""},
		{"group chat", connection.Message{Chat: "120363111@g.us", Sender: "5511888@s.whatsapp.net", IsGroup: true}, ""},
		{"from me", connection.Message{Chat: "5511888@s.whatsapp.net", FromMe: true}, SkipFromMe},
		{"no chat", connection.Message{}, SkipNoChat},
		{"status broadcast", connection.Message{Chat: "status@broadcast"}, SkipBroadcast},
		{"newsletter", connection.Message{Chat: "1203@newsletter"}, SkipNewsletter},
		{"own jid", connection.Message{Chat: "5511999990000@s.whatsapp.net"}, SkipSelf},
		{"own jid in group", connection.Message{Chat: "120363111@g.us", Sender: "5511999990000:3@s.whatsapp.net", IsGroup: true}, SkipSelf},
		{"temporary jid", connection.Message{Chat: "temp123@s.whatsapp.net"}, SkipInvalidJID},
		{"no server", connection.Message{Chat: "5511888"}, SkipInvalidJID},
		{"lid server", connection.Message{Chat: "123456@lid"}, SkipServer},
		{"ignored chat", connection.Message{Chat: "5511000@s.whatsapp.net"}, SkipIgnoredJID},
		{"ignored sender", connection.Message{Chat: "120363111@g.us", Sender: "5511000@s.whatsapp.net", IsGroup: true}, SkipIgnoredJID},
		{"pattern", connection.Message{Chat: "1203630@g.us", IsGroup: true}, SkipPattern},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			skip, reason := f.Skip(bot.PlatformWhatsApp, botJID, tt.msg)
			assert.Equal(t, tt.reason != "", skip)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestFilter_AllowedServers(t *testing.T) {
	f, err := NewFilter(FilterConfig{AllowedServers: []string{"@s.whatsapp.net", "g.us", "lid"}})
	require.NoError(t, err)

	skip, _ := f.Skip(bot.PlatformWhatsApp, botJID, connection.Message{Chat: "123456@lid"})
	assert.False(t, skip)
	skip, _ = f.Skip(bot.PlatformWhatsApp, botJID, connection.Message{Chat: "5511888@s.whatsapp.net"})
	assert.False(t, skip)
}

func TestFilter_OtherPlatformsSkipJIDRules(t *testing.T) {
	f, err := NewFilter(FilterConfig{IgnoreJIDs: []string{"666"}})
	require.NoError(t, err)

	skip, _ := f.Skip(bot.PlatformTelegram, "42", connection.Message{Chat: "-100200", Sender: "7"})
	assert.False(t, skip, "numeric chat IDs are not WhatsApp JIDs")

	skip, reason := f.Skip(bot.PlatformTelegram, "42", connection.Message{Chat: "100", Sender: "42"})
	assert.True(t, skip)
	assert.Equal(t, SkipSelf, reason)

	skip, reason = f.Skip(bot.PlatformDiscord, "bot", connection.Message{Chat: "chan", Sender: "666"})
	assert.True(t, skip)
	assert.Equal(t, SkipIgnoredJID, reason)
}

func TestFilter_GroupAndPrivateSwitches(t *testing.T) {
	groups, err := NewFilter(FilterConfig{IgnoreGroups: true})
	require.NoError(t, err)
	skip, reason := groups.Skip(bot.PlatformDiscord, "", connection.Message{Chat: "c", IsGroup: true})
	assert.True(t, skip)
	assert.Equal(t, SkipGroupChat, reason)

	private, err := NewFilter(FilterConfig{IgnorePrivate: true})
	require.NoError(t, err)
	skip, reason = private.Skip(bot.PlatformDiscord, "", connection.Message{Chat: "c"})
	assert.True(t, skip)
	assert.Equal(t, SkipPrivateChat, reason)
}

func TestNewFilter_InvalidPattern(t *testing.T) {
	_, err := NewFilter(FilterConfig{IgnorePatterns: []string{"[a-"}})
	assert.Error(t, err)
}

func TestJIDUser(t *testing.T) {
	assert.Equal(t, "5511", jidUser("5511:12@s.whatsapp.net"))
	assert.Equal(t, "5511", jidUser("5511@s.whatsapp.net"))
	assert.Equal(t, "abc", jidUser("abc"))
	assert.Equal(t, "", jidUser(""))
}
