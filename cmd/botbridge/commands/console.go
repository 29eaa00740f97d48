package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/botbridge/pkg/botbridge/bridge"
	"github.com/jholhewres/botbridge/pkg/botbridge/config"
	"github.com/jholhewres/botbridge/pkg/botbridge/manager"
	"github.com/jholhewres/botbridge/pkg/botbridge/puppet"
	"github.com/jholhewres/botbridge/pkg/botbridge/sessionstore"
)

const consoleHelp = `Commands:
  say <to>[,<to>...] <text>            send to contacts (ids or names)
  room <room> [@<to>,<to>...] <text>   send to a room, mentioning members
  self <text>                          send to the bot's own account
  reply <message-id> <text>            answer a received message
  forward <message-id> <to>[,<to>...]  forward a received message
  {"topic": ...}                       raw command JSON
  contacts | rooms | members <room>    list the directory
  status                               connection status
  logout                               log the account out
  help | quit`

// newConsoleCmd creates `botbridge console`, which runs a single bot with
// an interactive prompt.
func newConsoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Run one bot with an interactive prompt",
		Long: `Run a single configured bot in the foreground. Envelopes are printed
as JSON lines and commands are typed at the prompt.

Examples:
  botbridge console
  botbridge console --bot support`,
		RunE: runConsole,
	}
	cmd.Flags().StringP("bot", "b", "", "bot id (default: first configured bot)")
	return cmd
}

func runConsole(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	botID, _ := cmd.Flags().GetString("bot")
	b, err := pickBot(cfg, botID)
	if err != nil {
		return err
	}

	// Logs go to stderr so they do not interleave with envelopes.
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logging := cfg.Logging
	if !verbose {
		logging.Level = "warn"
	}
	logger := newLogger(logging, verbose, os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := sessionstore.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer store.Close()

	mgr, err := manager.New(manager.Options{Store: store, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		mgr.Shutdown(shutdownCtx)
	}()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          b.ID + "> ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	out := &lockedWriter{w: rl.Stdout()}
	unsubscribe := mgr.Subscribe(func(env bridge.Envelope) {
		printJSON(out, env)
	})
	defer unsubscribe()

	if err := mgr.Apply(ctx, []config.BotConfig{b}); err != nil {
		fmt.Fprintf(out, "start failed: %v\n", err)
	}
	fmt.Fprintln(out, "type 'help' for commands")

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if err != nil { // io.EOF
			return nil
		}

		c, err := parseConsoleLine(line)
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}
		if c.quit {
			return nil
		}
		if c.help {
			fmt.Fprintln(out, consoleHelp)
			continue
		}
		if c.status {
			if s, ok := mgr.Session(b.ID); ok {
				printJSON(out, s.Status())
			}
			continue
		}
		if c.list != "" {
			c.raw = listCommand(out, c.list, c.arg)
		}
		if c.raw == nil {
			continue
		}
		// Failures also arrive as error envelopes.
		if err := mgr.Dispatch(ctx, b.ID, *c.raw); err != nil {
			logger.Debug("command failed", "error", err)
		}
	}
}

// pickBot returns the bot named id, or the first configured bot.
func pickBot(cfg *config.Config, id string) (config.BotConfig, error) {
	if len(cfg.Bots) == 0 {
		return config.BotConfig{}, fmt.Errorf("no bots configured")
	}
	if id == "" {
		return cfg.Bots[0], nil
	}
	b, ok := cfg.Bot(id)
	if !ok {
		return config.BotConfig{}, fmt.Errorf("bot %q is not configured", id)
	}
	return b, nil
}

// consoleLine is one parsed prompt line.
type consoleLine struct {
	raw    *bridge.RawCommand
	list   string // "contacts", "rooms" or "members"
	arg    string
	status bool
	help   bool
	quit   bool
}

// parseConsoleLine turns a prompt line into a command. Blank lines parse
// to an empty consoleLine.
func parseConsoleLine(line string) (consoleLine, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return consoleLine{}, nil
	}
	if strings.HasPrefix(line, "{") {
		var raw bridge.RawCommand
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return consoleLine{}, fmt.Errorf("invalid command JSON: %w", err)
		}
		return consoleLine{raw: &raw}, nil
	}

	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch verb {
	case "quit", "exit":
		return consoleLine{quit: true}, nil
	case "help", "?":
		return consoleLine{help: true}, nil
	case "status":
		return consoleLine{status: true}, nil
	case "contacts", "rooms":
		return consoleLine{list: verb}, nil
	case "members":
		if rest == "" {
			return consoleLine{}, fmt.Errorf("usage: members <room>")
		}
		return consoleLine{list: verb, arg: rest}, nil
	case "logout":
		return consoleLine{raw: &bridge.RawCommand{Topic: bridge.TopicLogout}}, nil
	case "self":
		if rest == "" {
			return consoleLine{}, fmt.Errorf("usage: self <text>")
		}
		return consoleLine{raw: &bridge.RawCommand{Topic: bridge.TopicMessage, Payload: rest}}, nil
	case "say":
		to, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			return consoleLine{}, fmt.Errorf("usage: say <to>[,<to>...] <text>")
		}
		return consoleLine{raw: &bridge.RawCommand{Topic: bridge.TopicMessage, To: to, Payload: strings.TrimSpace(text)}}, nil
	case "reply":
		id, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			return consoleLine{}, fmt.Errorf("usage: reply <message-id> <text>")
		}
		return consoleLine{raw: &bridge.RawCommand{Topic: bridge.TopicMessage, ReplyTo: id, Payload: strings.TrimSpace(text)}}, nil
	case "forward":
		id, to, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(to) == "" {
			return consoleLine{}, fmt.Errorf("usage: forward <message-id> <to>[,<to>...]")
		}
		return consoleLine{raw: &bridge.RawCommand{Topic: bridge.TopicForward, Payload: id, To: strings.TrimSpace(to)}}, nil
	case "room":
		room, text, ok := strings.Cut(rest, " ")
		if !ok {
			return consoleLine{}, fmt.Errorf("usage: room <room> [@<to>,...] <text>")
		}
		text = strings.TrimSpace(text)
		raw := bridge.RawCommand{Topic: bridge.TopicMessage, Room: room}
		if mentions, ok := strings.CutPrefix(text, "@"); ok {
			to, body, _ := strings.Cut(mentions, " ")
			raw.To = to
			text = strings.TrimSpace(body)
		}
		if text == "" {
			return consoleLine{}, fmt.Errorf("usage: room <room> [@<to>,...] <text>")
		}
		raw.Payload = text
		return consoleLine{raw: &raw}, nil
	default:
		return consoleLine{}, fmt.Errorf("unknown command %q, type 'help'", verb)
	}
}

// listCommand builds a function command that prints a directory listing.
func listCommand(out io.Writer, what, arg string) *bridge.RawCommand {
	return &bridge.RawCommand{
		Topic: bridge.TopicFunction,
		Action: func(ctx context.Context, p puppet.Puppet) error {
			var (
				v   any
				err error
			)
			switch what {
			case "contacts":
				v, err = p.Contacts(ctx)
			case "rooms":
				v, err = p.Rooms(ctx)
			case "members":
				v, err = p.RoomMembers(ctx, arg)
			}
			if err != nil {
				return err
			}
			printJSON(out, v)
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(w, "unprintable %T: %v\n", v, err)
		return
	}
	fmt.Fprintf(w, "%s\n", data)
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".botbridge_history")
}

// lockedWriter serializes writes from the event loop and the prompt.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
