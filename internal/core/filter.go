package core

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/keepmind9/miaubot/internal/bot"
	"github.com/keepmind9/miaubot/internal/connection"
	"github.com/keepmind9/miaubot/pkg/constants"
)

// Skip reasons reported by Filter.Skip.
const (
	SkipFromMe      = "from-me"
	SkipNoChat      = "no-chat"
	SkipBroadcast   = "status-broadcast"
	SkipNewsletter  = "newsletter"
	SkipSelf        = "own-jid"
	SkipIgnoredJID  = "ignored-jid"
	SkipPattern     = "ignored-pattern"
	SkipInvalidJID  = "invalid-jid"
	SkipServer      = "unsupported-server"
	SkipGroupChat   = "group-chat"
	SkipPrivateChat = "private-chat"
)

// Filter decides which inbound messages the engine ignores.
type Filter struct {
	jids          map[string]struct{}
	patterns      []*regexp.Regexp
	servers       map[string]struct{}
	ignoreGroups  bool
	ignorePrivate bool
}

// NewFilter compiles the filter configuration
func NewFilter(cfg FilterConfig) (*Filter, error) {
	f := &Filter{
		jids:          make(map[string]struct{}, len(cfg.IgnoreJIDs)),
		servers:       make(map[string]struct{}),
		ignoreGroups:  cfg.IgnoreGroups,
		ignorePrivate: cfg.IgnorePrivate,
	}
	for _, jid := range cfg.IgnoreJIDs {
		if jid = strings.TrimSpace(jid); jid != "" {
			f.jids[jid] = struct{}{}
		}
	}
	for _, pattern := range cfg.IgnorePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", pattern, err)
		}
		f.patterns = append(f.patterns, re)
	}
	servers := cfg.AllowedServers
	if len(servers) == 0 {
		servers = DefaultAllowedServers
	}
	for _, s := range servers {
		f.servers[strings.TrimPrefix(s, "@")] = struct{}{}
	}
	return f, nil
}

// Skip reports whether msg should be ignored and why. selfID is the
// socket's own identity on platform.
func (f *Filter) Skip(platform, selfID string, msg connection.Message) (bool, string) {
	if msg.FromMe {
		return true, SkipFromMe
	}
	if msg.Chat == "" {
		return true, SkipNoChat
	}

	if platform == bot.PlatformWhatsApp {
		if skip, reason := f.skipWhatsApp(selfID, msg); skip {
			return true, reason
		}
	} else if selfID != "" && msg.Sender == selfID {
		return true, SkipSelf
	}

	if _, ok := f.jids[msg.Chat]; ok {
		return true, SkipIgnoredJID
	}
	if _, ok := f.jids[msg.Sender]; ok && msg.Sender != "" {
		return true, SkipIgnoredJID
	}
	for _, re := range f.patterns {
		if re.MatchString(msg.Chat) || (msg.Sender != "" && re.MatchString(msg.Sender)) {
			return true, SkipPattern
		}
	}

	if msg.IsGroup && f.ignoreGroups {
		return true, SkipGroupChat
	}
	if !msg.IsGroup && f.ignorePrivate {
		return true, SkipPrivateChat
	}
	return false, ""
}

func (f *Filter) skipWhatsApp(selfID string, msg connection.Message) (bool, string) {
	chat := msg.Chat
	if chat == constants.StatusBroadcastChatID {
		return true, SkipBroadcast
	}
	if strings.Contains(chat, "@newsletter") || strings.Contains(chat, "announcement") {
		return true, SkipNewsletter
	}
	if self := jidUser(selfID); self != "" && (jidUser(chat) == self || jidUser(msg.Sender) == self) {
		return true, SkipSelf
	}
	if strings.Contains(chat, "temp") || strings.Contains(chat, "invalid") {
		return true, SkipInvalidJID
	}
	at := strings.LastIndex(chat, "@")
	if at < 0 {
		return true, SkipInvalidJID
	}
	if _, ok := f.servers[chat[at+1:]]; !ok {
		return true, SkipServer
	}
	return false, ""
}

// jidUser strips the device and server parts of a WhatsApp JID
func jidUser(jid string) string {
	if at := strings.IndexByte(jid, '@'); at >= 0 {
		jid = jid[:at]
	}
	if colon := strings.IndexByte(jid, ':'); colon >= 0 {
		jid = jid[:colon]
	}
	return jid
}
