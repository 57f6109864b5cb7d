package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LuminPulse-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

// transcript prints confirmed messages as they appear or change.
type transcript struct {
	mu    sync.Mutex
	w     io.Writer
	self  string
	names func(string) string
	seen  map[string]string
}

func newTranscript(w io.Writer, self string, names func(string) string) *transcript {
	return &transcript{w: w, self: self, names: names, seen: make(map[string]string)}
}

// update prints every message whose rendering differs from the last one
// printed. Optimistic entries are skipped until confirmed.
func (t *transcript) update(msgs []chatsync.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range msgs {
		if m.IsLocal() {
			continue
		}
		line := formatMessage(m, t.self, t.names)
		if t.seen[m.ID] == line {
			continue
		}
		t.seen[m.ID] = line
		fmt.Fprintln(t.w, line)
	}
}

// resolveID expands a displayed id prefix to a full message id.
func resolveID(msgs []chatsync.Message, prefix string) (string, error) {
	var match string
	for _, m := range msgs {
		if m.IsLocal() || !strings.HasPrefix(m.ID, prefix) {
			continue
		}
		if match != "" {
			return "", fmt.Errorf("id %q is ambiguous", prefix)
		}
		match = m.ID
	}
	if match == "" {
		return "", fmt.Errorf("no message with id %q", prefix)
	}
	return match, nil
}

// chatLine is one parsed input line.
type chatLine struct {
	cmd  string // "", "unsend", "edit", "image", "quit"
	id   string
	text string
}

func parseChatLine(line string) (chatLine, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return chatLine{text: line}, nil
	}
	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "quit", "q":
		return chatLine{cmd: "quit"}, nil
	case "unsend":
		if rest == "" {
			return chatLine{}, errors.New("usage: /unsend <id>")
		}
		return chatLine{cmd: "unsend", id: rest}, nil
	case "edit":
		id, text, _ := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if id == "" || text == "" {
			return chatLine{}, errors.New("usage: /edit <id> <text>")
		}
		return chatLine{cmd: "edit", id: id, text: text}, nil
	case "image":
		if rest == "" {
			return chatLine{}, errors.New("usage: /image <path>")
		}
		return chatLine{cmd: "image", text: rest}, nil
	}
	return chatLine{}, fmt.Errorf("unknown command /%s (try /unsend, /edit, /image, /quit)", name)
}

var chatCmd = &cobra.Command{
	Use:   "chat <peer>",
	Short: "Open a live conversation with a peer",
	Long: "Follow a conversation live and send messages read from stdin.\n\n" +
		"Commands:\n" +
		"  /unsend <id>       unsend one of your messages\n" +
		"  /edit <id> <text>  edit one of your messages\n" +
		"  /image <path>      send an image\n" +
		"  /quit              leave the conversation",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer := args[0]
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, stop := signalContext()
		defer stop()

		rc, err := rt.realtime(ctx)
		if err != nil {
			return err
		}
		defer rc.Disconnect()

		sess := rt.session(rc, &chatsync.WriterNotifier{W: os.Stderr},
			chatsync.WithStaleFriendHandler(func(p string) {
				if p == peer {
					fmt.Fprintf(os.Stderr, "You are no longer friends with %s.\n", p)
					stop()
				}
			}))
		if err := sess.Login(ctx, rt.user); err != nil {
			return fmt.Errorf("login: %s", chatsync.UserMessage(err))
		}
		defer sess.Logout(context.Background())

		conv, err := sess.OpenConversation(ctx, peer)
		if err != nil {
			return fmt.Errorf("open conversation: %s", chatsync.UserMessage(err))
		}

		names := func(id string) string {
			if n, ok := sess.Friends().DisplayName(id); ok {
				return n
			}
			return id
		}
		out := newTranscript(os.Stdout, rt.user.ID, names)
		conv.OnChange(func() { out.update(conv.Messages()) })
		rc.OnPresence(func(e chatsync.PresenceEntry) {
			if e.UserID == peer {
				fmt.Fprintf(os.Stderr, "%s: %s\n", names(peer), sess.Presence().StatusText(peer))
			}
		})
		rc.OnTyping(func(u chatsync.TypingUpdate) {
			if u.UserID == peer && u.PeerID == rt.user.ID && u.IsTyping {
				fmt.Fprintf(os.Stderr, "%s is typing...\n", names(peer))
			}
		})

		fmt.Fprintf(os.Stderr, "Chatting with %s. Type /quit to leave.\n", names(peer))
		out.update(conv.Messages())

		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(os.Stdin)
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
				quit, err := runChatLine(ctx, conv, line)
				if err != nil {
					rt.logger.Debug("chat command failed", zap.Error(err))
					fmt.Fprintln(os.Stderr, describeChatError(err))
				}
				if quit {
					return nil
				}
			}
		}
	},
}

// inputError is a problem with what the user typed, shown verbatim.
type inputError struct{ error }

func describeChatError(err error) string {
	var in inputError
	if errors.As(err, &in) {
		return in.Error()
	}
	return chatsync.UserMessage(err)
}

// runChatLine executes one input line against conv.
func runChatLine(ctx context.Context, conv *chatsync.Conversation, line string) (quit bool, err error) {
	parsed, err := parseChatLine(line)
	if err != nil {
		return false, inputError{err}
	}
	switch parsed.cmd {
	case "quit":
		return true, nil
	case "unsend":
		id, err := resolveID(conv.Messages(), parsed.id)
		if err != nil {
			return false, inputError{err}
		}
		_, err = conv.Unsend(ctx, id)
		return false, err
	case "edit":
		id, err := resolveID(conv.Messages(), parsed.id)
		if err != nil {
			return false, inputError{err}
		}
		_, err = conv.Edit(ctx, id, parsed.text)
		return false, err
	case "image":
		f, err := os.Open(parsed.text)
		if err != nil {
			return false, inputError{err}
		}
		defer f.Close()
		_, err = conv.SendImage(ctx, filepath.Base(parsed.text), f)
		return false, err
	}
	if parsed.text == "" {
		return false, nil
	}
	_, err = conv.SendText(ctx, parsed.text)
	return false, err
}
