package core

import (
	"context"
	"fmt"
	"regexp"
	"runtime/debug"
	"strings"

	"github.com/keepmind9/miaubot/internal/connection"
	"github.com/keepmind9/miaubot/internal/i18n"
	"github.com/keepmind9/miaubot/internal/logger"
	"github.com/sirupsen/logrus"
)

// maxCommandInputLength bounds the text handed to the tokenizer.
const maxCommandInputLength = 10000

// argPattern matches one argument: a double or single quoted phrase, or a
// run of non-space characters.
var argPattern = regexp.MustCompile(`("[^"]+"|'[^']+'|\S+)`)

// ParseCommand splits text into a lowercased command name and its
// arguments, with the prefix removed and surrounding quotes stripped.
func ParseCommand(text, prefix string) (string, []string) {
	text = strings.TrimSpace(text)
	if prefix != "" {
		text = strings.TrimPrefix(text, prefix)
	}
	text = strings.TrimSpace(text)
	if len(text) > maxCommandInputLength {
		text = text[:maxCommandInputLength]
	}

	parts := argPattern.FindAllString(text, -1)
	if len(parts) == 0 {
		return "", nil
	}

	args := make([]string, 0, len(parts)-1)
	for _, arg := range parts[1:] {
		if len(arg) >= 2 && ((arg[0] == '"' && arg[len(arg)-1] == '"') || (arg[0] == '\'' && arg[len(arg)-1] == '\'')) {
			arg = arg[1 : len(arg)-1]
		}
		args = append(args, arg)
	}
	return strings.ToLower(parts[0]), args
}

// Request is one command invocation.
type Request struct {
	Command string
	Args    []string
	Message connection.Message
	Socket  connection.Socket
	T       *i18n.Translator
	Prefix  string
}

// Reply sends text back to the chat the command came from
func (r *Request) Reply(ctx context.Context, text string) error {
	return r.Socket.SendText(ctx, r.Message.Chat, text)
}

// Command is a chat command. Description and usage are translation keys
// derived from Name.
type Command struct {
	Name    string
	Aliases []string
	// Platforms restricts the command to some backends; empty means all.
	Platforms []string
	Run       func(ctx context.Context, req *Request) error
}

func (c *Command) supports(platform string) bool {
	if len(c.Platforms) == 0 {
		return true
	}
	for _, p := range c.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}

// Router maps command names and aliases to commands.
type Router struct {
	prefix   string
	tr       *i18n.Translator
	commands []*Command
	byName   map[string]*Command
}

// NewRouter creates an empty router. Replies render {prefix} as prefix.
func NewRouter(prefix string, tr *i18n.Translator) *Router {
	return &Router{
		prefix: prefix,
		tr:     tr.With("prefix", prefix),
		byName: make(map[string]*Command),
	}
}

// Register adds a command. Later registrations win on name clashes.
func (r *Router) Register(cmd *Command) {
	r.commands = append(r.commands, cmd)
	r.byName[cmd.Name] = cmd
	for _, alias := range cmd.Aliases {
		r.byName[alias] = cmd
	}
}

// Lookup finds a command by name or alias
func (r *Router) Lookup(name string) (*Command, bool) {
	cmd, ok := r.byName[strings.ToLower(name)]
	return cmd, ok
}

// Commands returns the registered commands without aliases, in
// registration order
func (r *Router) Commands() []*Command {
	return append([]*Command(nil), r.commands...)
}

// IsCommand reports whether text starts with the command prefix
func (r *Router) IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), r.prefix)
}

// Dispatch parses text and runs the matching command. Unknown commands,
// failures and panics are answered in the chat and never returned.
func (r *Router) Dispatch(ctx context.Context, sock connection.Socket, msg connection.Message) {
	name, args := ParseCommand(msg.Text, r.prefix)
	req := &Request{
		Command: name,
		Args:    args,
		Message: msg,
		Socket:  sock,
		T:       r.tr,
		Prefix:  r.prefix,
	}

	user := msg.PushName
	if user == "" {
		user = msg.Sender
	}
	log := logger.WithFields(logrus.Fields{
		"platform": sock.Platform(),
		"chat":     msg.Chat,
		"user":     user,
		"command":  name,
		"args":     args,
	})
	log.Info("command-received")

	cmd, ok := r.Lookup(name)
	if !ok {
		r.reply(ctx, req, r.tr.T("help.notFound", map[string]string{"command": name}))
		return
	}
	if !cmd.supports(sock.Platform()) {
		r.reply(ctx, req, r.tr.T("core.unsupported", map[string]string{"platform": sock.Platform()}))
		return
	}

	if err := r.run(ctx, cmd, req); err != nil {
		log.WithField("error", err).Error("command-failed")
		r.reply(ctx, req, r.tr.T("core.commandError", nil))
	}
}

func (r *Router) run(ctx context.Context, cmd *Command, req *Request) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.WithFields(logrus.Fields{
				"command": cmd.Name,
				"panic":   rec,
				"stack":   string(debug.Stack()),
			}).Error("command-panic-recovered")
			err = fmt.Errorf("command %s panicked: %v", cmd.Name, rec)
		}
	}()
	return cmd.Run(ctx, req)
}

func (r *Router) reply(ctx context.Context, req *Request, text string) {
	if err := req.Reply(ctx, text); err != nil {
		logger.WithFields(logrus.Fields{
			"chat":  req.Message.Chat,
			"error": err,
		}).Error("failed-to-send-command-reply")
	}
}
