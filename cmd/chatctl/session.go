package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/session"
)

func newSessionCmd(g *globals) *cobra.Command {
	var chats []string
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Run an interactive client session",
		Long: `Connects to the relay as --user, joins every --chat and prints deliveries,
status changes, typing and presence. Each stdin line is sent to the current
chat; lines starting with "/" are commands (/help lists them).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.requireUser(); err != nil {
				return err
			}
			if len(chats) == 0 {
				return fmt.Errorf("at least one --chat is required")
			}
			ws, err := wsURL(g.server)
			if err != nil {
				return err
			}

			opts := session.OptionsFromConfig(&g.cfg, g.user)
			opts.Logger = g.log
			sess := session.New(
				&session.WSDialer{URL: ws, WriteWait: g.cfg.WS.WriteWait, PongWait: g.cfg.WS.PongWait},
				&session.HTTPStore{BaseURL: g.apiURL(), UserID: g.user},
				opts,
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			con := newConsole(sess, cmd.OutOrStdout())
			defer con.close()
			if err := sess.Start(ctx); err != nil {
				// reconnection keeps trying; messages fall back to the REST API meanwhile
				fmt.Fprintf(con.out, "! connect: %v\n", err)
			}
			for _, c := range chats {
				if err := con.join(ctx, c); err != nil {
					return err
				}
			}
			return con.run(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringSliceVarP(&chats, "chat", "c", nil, "chat to join; the first one is current (repeatable)")
	return cmd
}

// console renders session events and turns input lines into operations.
type console struct {
	sess *session.Session
	out  io.Writer

	mu      sync.Mutex // guards writes to out and current
	current string
	typing  map[string]*session.Subscription[session.TypingChange]
	wg      sync.WaitGroup
}

func newConsole(s *session.Session, out io.Writer) *console {
	c := &console{sess: s, out: out, typing: make(map[string]*session.Subscription[session.TypingChange])}
	deliveries := s.Router.OnReceive()
	statuses := s.Router.OnStatus()
	presence := s.Presence.OnChange()
	c.pump(func() {
		for d := range deliveries.C() {
			c.println(formatDelivery(d))
		}
	})
	c.pump(func() {
		for u := range statuses.C() {
			c.println(formatStatus(u))
		}
	})
	c.pump(func() {
		for p := range presence.C() {
			c.printf("* %s is %s\n", p.UserID, p.Status)
		}
	})
	return c
}

func (c *console) pump(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) println(s string) { c.printf("%s\n", s) }

func (c *console) chat() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *console) join(ctx context.Context, chatID string) error {
	if err := c.sess.Rooms.JoinChat(ctx, chatID); err != nil {
		return fmt.Errorf("join %s: %w", chatID, err)
	}
	c.mu.Lock()
	if c.current == "" {
		c.current = chatID
	}
	_, subscribed := c.typing[chatID]
	var sub *session.Subscription[session.TypingChange]
	if !subscribed {
		sub = c.sess.Typing.OnTypingChange(chatID)
		c.typing[chatID] = sub
	}
	c.mu.Unlock()
	if sub != nil {
		c.pump(func() {
			for ch := range sub.C() {
				c.println(formatTyping(ch))
			}
		})
	}
	return nil
}

func (c *console) leave(ctx context.Context, chatID string) error {
	if err := c.sess.Rooms.LeaveChat(ctx, chatID); err != nil {
		return err
	}
	c.mu.Lock()
	sub := c.typing[chatID]
	delete(c.typing, chatID)
	if c.current == chatID {
		c.current = ""
	}
	c.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
	return nil
}

// run reads input until EOF, /quit or ctx is done.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := c.handle(ctx, line)
			if err != nil {
				c.printf("! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (c *console) handle(ctx context.Context, line string) (quit bool, err error) {
	cmd := parseLine(line)
	if cmd.name != "" {
		c.sess.Presence.Activity()
	}
	chat := c.chat()
	needChat := func() error {
		if chat == "" {
			return fmt.Errorf("no current chat; /join one first")
		}
		return nil
	}
	switch cmd.name {
	case "":
		return false, nil
	case "say":
		if err := needChat(); err != nil {
			return false, err
		}
		_ = c.sess.Typing.StopTyping(ctx, chat)
		m := &domain.Message{ChatID: chat, Content: cmd.arg(0), Type: domain.TypeText}
		return false, c.sess.Send(ctx, m)
	case "typing":
		if err := needChat(); err != nil {
			return false, err
		}
		return false, c.sess.Typing.StartTyping(ctx, chat)
	case "join":
		if cmd.arg(0) == "" {
			return false, fmt.Errorf("usage: /join <chat>")
		}
		if err := c.join(ctx, cmd.arg(0)); err != nil {
			return false, err
		}
		c.mu.Lock()
		c.current = cmd.arg(0)
		c.mu.Unlock()
		return false, nil
	case "leave":
		target := cmd.arg(0)
		if target == "" {
			target = chat
		}
		return false, c.leave(ctx, target)
	case "read":
		if err := needChat(); err != nil {
			return false, err
		}
		return false, c.sess.Router.MarkRead(ctx, chat, cmd.arg(0))
	case "react":
		if err := needChat(); err != nil {
			return false, err
		}
		if cmd.arg(1) == "" {
			return false, fmt.Errorf("usage: /react <messageId> <emoji>")
		}
		return false, c.sess.Router.React(ctx, chat, cmd.arg(0), cmd.arg(1))
	case "retry":
		if err := needChat(); err != nil {
			return false, err
		}
		return false, c.sess.Router.Retry(ctx, chat, cmd.arg(0))
	case "busy":
		c.sess.Presence.SetBusy()
	case "available":
		c.sess.Presence.ClearBusy()
	case "away":
		c.sess.Presence.FocusLost()
	case "who":
		for _, p := range c.sess.Presence.Peers() {
			c.printf("  %-20s %s\n", p.UserID, p.Status)
		}
	case "history":
		if err := needChat(); err != nil {
			return false, err
		}
		for _, m := range c.sess.Router.Messages(chat) {
			c.printf("  %s\n", formatMessage(m))
		}
	case "help":
		c.println(helpText)
	case "quit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command /%s", cmd.name)
	}
	return false, nil
}

func (c *console) close() {
	c.sess.Close()
	c.mu.Lock()
	for id, sub := range c.typing {
		sub.Close()
		delete(c.typing, id)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

const helpText = `  text             send to the current chat
  /typing          signal typing in the current chat
  /join <chat>     join and switch to a chat
  /leave [chat]    leave a chat (default current)
  /read <id>       mark a message read
  /react <id> <e>  toggle a reaction
  /retry <id>      resend a failed message
  /busy /available /away
  /who /history /quit`

// command is one parsed input line.
type command struct {
	name string
	args []string
}

func (c command) arg(i int) string {
	if i < len(c.args) {
		return c.args[i]
	}
	return ""
}

// parseLine maps "/name a b" to a command and anything else to "say".
// Blank lines parse to the zero command.
func parseLine(line string) command {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return command{}
	case strings.HasPrefix(line, "//"):
		return command{name: "say", args: []string{line[1:]}}
	case strings.HasPrefix(line, "/"):
		fields := strings.Fields(line[1:])
		if len(fields) == 0 {
			return command{}
		}
		return command{name: strings.ToLower(fields[0]), args: fields[1:]}
	default:
		return command{name: "say", args: []string{line}}
	}
}

func formatMessage(m *domain.Message) string {
	s := fmt.Sprintf("[%s] %s %s: %s (%s)", m.ChatID, m.Timestamp.Format("15:04:05"), m.Sender, m.Content, m.Status)
	if m.Edited {
		s += " edited"
	}
	if len(m.Reactions) > 0 {
		var parts []string
		for emoji, users := range m.Reactions {
			parts = append(parts, fmt.Sprintf("%s%d", emoji, len(users)))
		}
		sort.Strings(parts)
		s += " " + strings.Join(parts, " ")
	}
	return s
}

func formatDelivery(d session.Delivery) string {
	switch d.Op {
	case domain.OpDelete:
		return fmt.Sprintf("- [%s] %s deleted", d.Message.ChatID, d.Message.ID)
	case domain.OpUpdate:
		return "~ " + formatMessage(d.Message)
	default:
		return fmt.Sprintf("> %s via %s", formatMessage(d.Message), d.Source)
	}
}

func formatStatus(u session.StatusUpdate) string {
	s := fmt.Sprintf("  %s %s", u.MessageID, u.Status)
	if u.Err != nil {
		s += ": " + u.Err.Error()
	}
	return s
}

func formatTyping(t session.TypingChange) string {
	switch len(t.Typers) {
	case 0:
		return fmt.Sprintf("  [%s] nobody is typing", t.ChatID)
	case 1:
		return fmt.Sprintf("  [%s] %s is typing", t.ChatID, t.Typers[0])
	default:
		return fmt.Sprintf("  [%s] %s are typing", t.ChatID, strings.Join(t.Typers, ", "))
	}
}
