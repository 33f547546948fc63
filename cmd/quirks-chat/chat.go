// ABOUTME: Terminal chat client: open a conversation by handle, send lines, print incoming messages
// ABOUTME: Renders the reconciled transcript grouped by sender with one timestamp per group

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
	"time"

	"github.com/fatih/color"

	"github.com/17anirudh/quirks/internal/chatclient"
	"github.com/17anirudh/quirks/internal/config"
	"github.com/17anirudh/quirks/internal/protocol"
	"github.com/17anirudh/quirks/internal/transcript"
)

// chatToken returns the token from -token, QUIRKS_TOKEN, or the saved token file.
func chatToken(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if token := os.Getenv("QUIRKS_TOKEN"); token != "" {
		return token
	}
	dir, err := quirksConfigDir()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(dir, "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func runChat(ctx context.Context, args []string) error {
	fl := newFlagSet("chat")
	cfgFlag := fl.String("config", "", "config file used to find the server address")
	server := fl.String("server", "", "server URL (default: from config)")
	handle := fl.String("handle", "", "your handle (required)")
	token := fl.String("token", "", "bearer token (default: $QUIRKS_TOKEN or ~/.config/quirks/token)")
	if err := fl.Parse(args); err != nil {
		return err
	}

	base := *server
	if base == "" {
		cfg, _, err := loadConfig(*cfgFlag)
		if err != nil {
			return err
		}
		base = "http://" + cfg.Server.HTTPAddr
	}

	client, err := chatclient.New(chatclient.Options{
		BaseURL: base,
		Handle:  *handle,
		Token:   chatToken(*token),
		Logger:  setupLogger(config.LoggingConfig{Level: "warn"}, os.Stderr),
	})
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Printf("quirks-chat connected to %s as %s\n", base, client.Handle())
	fmt.Println("/open <handle> to start. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	if target := fl.Arg(0); target != "" {
		if err := openConversation(ctx, client, target); err != nil {
			printError(err)
		}
	}

	go watchIncoming(ctx, client, os.Stdout)

	return chatLoop(ctx, client, os.Stdin)
}

// scanLines feeds lines of in to the returned channel until in ends or ctx
// is done. readErr gets io.EOF or the scan error; done closes on exit.
func scanLines(ctx context.Context, in io.Reader) (lines <-chan string, readErr <-chan error, done <-chan struct{}) {
	out := make(chan string)
	errs := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- err
			return
		}
		errs <- io.EOF
	}()
	return out, errs, exited
}

func chatLoop(ctx context.Context, client *chatclient.Client, in io.Reader) error {
	lines, readErr, _ := scanLines(ctx, in)

	for {
		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-lines:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(input, " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "/quit", "/exit", "/q":
			return nil
		case "/help":
			printChatHelp()
		case "/list":
			if err := listConversations(ctx, client); err != nil {
				printError(err)
			}
		case "/open":
			if arg == "" {
				fmt.Println("usage: /open <handle>")
				continue
			}
			if err := openConversation(ctx, client, arg); err != nil {
				printError(err)
			}
		case "/history":
			if err := client.Refresh(ctx); err != nil {
				printError(err)
				continue
			}
			renderGroups(os.Stdout, client.Groups())
		case "/name":
			if _, err := client.UpdateProfile(ctx, arg, ""); err != nil {
				printError(err)
			}
		default:
			if _, err := client.Send(ctx, input); err != nil {
				printError(err)
			}
		}
	}
}

func printChatHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /open <handle>   Open (or start) the conversation with a handle")
	fmt.Println("  /list            List your conversations")
	fmt.Println("  /history         Reload and show the open conversation")
	fmt.Println("  /name <name>     Set your display name")
	fmt.Println("  /help            Show this help")
	fmt.Println("  /quit            Exit")
	fmt.Println("Anything else is sent to the open conversation.")
}

func printError(err error) {
	color.New(color.FgRed).Printf("[error] %v\n", err)
}

func openConversation(ctx context.Context, client *chatclient.Client, target string) error {
	id, err := client.Resolve(ctx, target)
	if err != nil {
		return err
	}
	if err := client.Switch(ctx, id); err != nil {
		return err
	}
	color.New(color.FgHiBlack).Printf("--- conversation with %s ---\n", target)
	renderGroups(os.Stdout, client.Groups())
	return nil
}

func listConversations(ctx context.Context, client *chatclient.Client) error {
	convs, err := client.Conversations(ctx)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Println("No conversations yet")
		return nil
	}
	for _, c := range convs {
		fmt.Println(formatConversation(c))
	}
	return nil
}

func formatConversation(c protocol.ConversationView) string {
	name := c.Other.Handle
	if c.Other.DisplayName != "" {
		name = fmt.Sprintf("%s (%s)", c.Other.DisplayName, c.Other.Handle)
	}
	if c.LastMessage == nil {
		return fmt.Sprintf("  %s  %s", name, color.HiBlackString("no messages"))
	}
	return fmt.Sprintf("  %s  %s %s", name,
		truncate(c.LastMessage.Content, 50),
		color.HiBlackString(c.LastMessage.CreatedAt.Local().Format("Jan 02 15:04")))
}

// watchIncoming prints entries from other members as they arrive.
func watchIncoming(ctx context.Context, client *chatclient.Client, out io.Writer) {
	printed := map[string]bool{}
	conversationID := ""
	var shownErr error
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Updates():
		}

		if id := client.ConversationID(); id != conversationID {
			// openConversation already rendered the new room's history.
			conversationID = id
			printed = map[string]bool{}
			for _, e := range client.Entries() {
				printed[entryKey(e)] = true
			}
			continue
		}

		for _, e := range client.Entries() {
			key := entryKey(e)
			if printed[key] {
				continue
			}
			printed[key] = true
			if e.SenderHandle == client.Handle() {
				continue
			}
			fmt.Fprintf(out, "%s %s %s\n",
				color.CyanString(e.SenderHandle+":"),
				e.Content,
				color.HiBlackString(e.CreatedAt.Local().Format("15:04")))
		}
		if err := client.Err(); err != nil && err != shownErr {
			shownErr = err
			fmt.Fprintln(out, color.RedString("[disconnected] %v", err))
		}
	}
}

// entryKey identifies an entry across history reloads: live and stored
// copies of one message share sender and client id.
func entryKey(e transcript.Entry) string {
	if e.ClientID != "" {
		return e.SenderHandle + "\x1f" + e.ClientID
	}
	if e.ID != "" {
		return e.ID
	}
	return e.SenderHandle + "\x1f" + e.CreatedAt.Format(time.RFC3339Nano) + "\x1f" + e.Content
}

// renderGroups prints each sender run with its name and one timestamp.
func renderGroups(out io.Writer, groups []transcript.Group) {
	if len(groups) == 0 {
		fmt.Fprintln(out, color.HiBlackString("  (no messages)"))
		return
	}
	for _, g := range groups {
		name := color.CyanString(g.SenderHandle)
		if g.Self {
			name = color.GreenString("you")
		}
		fmt.Fprintf(out, "%s %s\n", name, color.HiBlackString(g.Timestamp.Local().Format("15:04")))
		for _, e := range g.Entries {
			line := "  " + e.Content
			if e.Pending {
				line += color.HiBlackString(" …")
			}
			fmt.Fprintln(out, line)
		}
	}
}

// truncate shortens s to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
