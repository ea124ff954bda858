package chatbot

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"PakningChat/internal/completion"
	"PakningChat/internal/persona"
	"PakningChat/internal/session"
)

// Run starts the chat REPL. It returns when input ends, /quit is entered or ctx is done;
// a final backup is taken on the way out.
func (cb *ChatBot) Run(ctx context.Context) error {
	defer cb.Close()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cb.backups.Run(ctx, cb.config.Backup.Interval)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	cb.printBanner()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cb.in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(cb.out, "You: ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(cb.out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(cb.out)
				fmt.Fprintln(cb.out, "Goodbye!")
				return nil
			}
			line = l
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				fmt.Fprintf(cb.out, "Error: %v\n", err)
				cb.logger.Error("command error", "command", input, "error", err)
			}
			if shouldQuit {
				fmt.Fprintln(cb.out, "Goodbye!")
				return nil
			}
			continue
		}

		cb.chat(ctx, input)
	}
}

func (cb *ChatBot) printBanner() {
	mode := cb.Mode()
	fmt.Fprintln(cb.out, "=== PAKNING R1 ===")
	if cs, ok := cb.CurrentSession(); ok {
		fmt.Fprintf(cb.out, "Session: %s (%s)\n", session.DisplayTitle(cs.Title), cs.ID)
	}
	fmt.Fprintf(cb.out, "Mode: %s - %s\n", mode.Title, mode.Hints.Description)
	fmt.Fprintln(cb.out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(cb.out)
}

// chat sends one message and prints the reply
func (cb *ChatBot) chat(ctx context.Context, input string) {
	if cb.config.API.Stream {
		fmt.Fprint(cb.out, "Bot: ")
		_, err := cb.SendStream(ctx, input, func(delta string) {
			fmt.Fprint(cb.out, delta)
		})
		fmt.Fprintln(cb.out)
		if err != nil {
			cb.printSendError(err)
		}
		fmt.Fprintln(cb.out)
		return
	}

	stop := cb.showThinking(cb.Mode())
	reply, err := cb.Send(ctx, input)
	stop()
	if err != nil {
		cb.printSendError(err)
		fmt.Fprintln(cb.out)
		return
	}
	fmt.Fprintf(cb.out, "Bot: %s\n\n", cb.renderer.Render(cb.prefs.Theme(), reply))
}

// printSendError reports err and shows the fallback reply when that is what the
// transcript recorded
func (cb *ChatBot) printSendError(err error) {
	fmt.Fprintf(cb.out, "Error: %v\n", err)
	if errors.Is(err, ErrBusy) || errors.Is(err, ErrEmptyMessage) {
		return
	}
	// partial stream output was kept as the reply and is already on screen
	var se *completion.StreamError
	if errors.As(err, &se) && se.Partial != "" {
		return
	}
	fmt.Fprintf(cb.out, "Bot: %s\n", FallbackReply)
}

// showThinking prints the mode's thinking steps, one per StepDelay, until stop is called.
// stop waits for the printer to exit so output never interleaves.
func (cb *ChatBot) showThinking(mode persona.Mode) (stop func()) {
	steps := mode.Hints.ThinkingSteps
	delay := mode.Hints.StepDelay
	if len(steps) == 0 || delay <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(delay)
		defer ticker.Stop()
		for i := 0; i < len(steps); i++ {
			select {
			case <-done:
				return
			case <-ticker.C:
				fmt.Fprintf(cb.out, "  ... %s\n", steps[i])
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}

// handleCommand handles slash commands
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}
	arg := strings.TrimSpace(strings.TrimPrefix(cmd, parts[0]))

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new":
		id := cb.NewChat()
		fmt.Fprintln(cb.out, "Started new session:", id)

	case "/sessions":
		cb.printSessions()

	case "/switch":
		if arg == "" {
			return false, errors.New("usage: /switch <number|id>")
		}
		id, err := cb.resolveSession(arg)
		if err != nil {
			return false, err
		}
		if err := cb.SelectSession(id); err != nil {
			return false, err
		}
		cs, _ := cb.CurrentSession()
		fmt.Fprintf(cb.out, "Switched to %s (%s mode)\n", session.DisplayTitle(cs.Title), cs.Mode)

	case "/rename":
		if arg == "" {
			return false, errors.New("usage: /rename <title>")
		}
		if err := cb.RenameSession(cb.sessions.CurrentID(), arg); err != nil {
			return false, err
		}
		fmt.Fprintln(cb.out, "Session renamed")

	case "/clear":
		id := cb.ClearChat()
		fmt.Fprintln(cb.out, "Chat cleared, new session:", id)

	case "/mode":
		var (
			id  persona.ID
			err error
		)
		if arg == "" {
			id, err = cb.CycleMode()
		} else {
			if id, err = persona.Parse(arg); err == nil {
				err = cb.SwitchMode(id)
			}
		}
		if err != nil {
			return false, err
		}
		m := persona.Get(id)
		fmt.Fprintf(cb.out, "Mode set to %s: %s\n", m.Title, m.Hints.Description)

	case "/modes":
		current := cb.sessions.CurrentMode()
		for _, m := range persona.All() {
			marker := " "
			if m.ID == current {
				marker = "*"
			}
			fmt.Fprintf(cb.out, "%s %-10s %s\n", marker, m.ID, m.Hints.Description)
		}

	case "/backup":
		b := cb.Backup()
		fmt.Fprintf(cb.out, "Backup created (%d chats)\n", len(b.Chats))

	case "/backups":
		headers := cb.Backups()
		if len(headers) == 0 {
			fmt.Fprintln(cb.out, "No backups yet.")
			break
		}
		for _, h := range headers {
			if h.Malformed {
				fmt.Fprintf(cb.out, "%d. (unreadable)\n", h.Index)
				continue
			}
			fmt.Fprintf(cb.out, "%d. %s - %d chats\n", h.Index, h.Timestamp.Format(time.DateTime), h.Chats)
		}

	case "/restore":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return false, errors.New("usage: /restore <number from /backups>")
		}
		if !cb.Restore(n) {
			return false, fmt.Errorf("backup %d could not be restored", n)
		}
		fmt.Fprintln(cb.out, "Backup restored")

	case "/export":
		if arg == "" {
			return false, errors.New("usage: /export <file.json|file.md>")
		}
		if err := cb.exportTo(arg); err != nil {
			return false, err
		}
		fmt.Fprintln(cb.out, "Exported to", arg)

	case "/import":
		if arg == "" {
			return false, errors.New("usage: /import <file.json>")
		}
		data, err := os.ReadFile(arg)
		if err != nil {
			return false, fmt.Errorf("failed to read %s: %w", arg, err)
		}
		if err := cb.Import(bytes.NewReader(data)); err != nil {
			return false, err
		}
		fmt.Fprintf(cb.out, "Imported %d chats\n", cb.sessions.Len())

	case "/theme":
		fmt.Fprintln(cb.out, "Theme:", cb.ToggleTheme())

	case "/set":
		if len(parts) < 3 {
			return false, errors.New("usage: /set <key> <value>")
		}
		value := strings.TrimSpace(strings.TrimPrefix(arg, parts[1]))
		cb.SetSetting(parts[1], value)
		fmt.Fprintf(cb.out, "%s = %s\n", parts[1], value)

	case "/ping":
		if err := cb.Ping(ctx); err != nil {
			return false, fmt.Errorf("connection test failed: %w", err)
		}
		fmt.Fprintln(cb.out, "Connection OK")

	case "/help":
		fmt.Fprintln(cb.out, "Available commands:")
		fmt.Fprintln(cb.out, "  /quit, /exit         - Exit the chatbot")
		fmt.Fprintln(cb.out, "  /new                 - Start a new chat session")
		fmt.Fprintln(cb.out, "  /sessions            - List chat sessions")
		fmt.Fprintln(cb.out, "  /switch <n|id>       - Switch to a session")
		fmt.Fprintln(cb.out, "  /rename <title>      - Rename the current session")
		fmt.Fprintln(cb.out, "  /clear               - Delete the current session and start over")
		fmt.Fprintln(cb.out, "  /mode [id]           - Switch mode, or cycle when no id is given")
		fmt.Fprintln(cb.out, "  /modes               - List modes")
		fmt.Fprintln(cb.out, "  /backup              - Take a backup now")
		fmt.Fprintln(cb.out, "  /backups             - List backups")
		fmt.Fprintln(cb.out, "  /restore <n>         - Restore a backup")
		fmt.Fprintln(cb.out, "  /export <file>       - Export all chats (.json) or this chat (.md)")
		fmt.Fprintln(cb.out, "  /import <file>       - Import chats from an export file")
		fmt.Fprintln(cb.out, "  /theme               - Toggle dark/light rendering")
		fmt.Fprintln(cb.out, "  /set <key> <value>   - Store a preference")
		fmt.Fprintln(cb.out, "  /ping                - Test the API connection")
		fmt.Fprintln(cb.out, "  /help                - Show this help message")

	default:
		return false, fmt.Errorf("unknown command: %s (try /help)", parts[0])
	}
	return false, nil
}

func (cb *ChatBot) printSessions() {
	current := cb.sessions.CurrentID()
	for i, cs := range cb.Sessions() {
		marker := " "
		if cs.ID == current {
			marker = "*"
		}
		fmt.Fprintf(cb.out, "%s %d. %-33s [%s] %d messages  %s\n",
			marker, i+1, session.DisplayTitle(cs.Title), cs.Mode, len(cs.Messages), cs.ID)
	}
}

// resolveSession accepts a 1-based position from /sessions or a session id
func (cb *ChatBot) resolveSession(arg string) (string, error) {
	if n, err := strconv.Atoi(arg); err == nil {
		list := cb.Sessions()
		if n < 1 || n > len(list) {
			return "", fmt.Errorf("no session number %d", n)
		}
		return list[n-1].ID, nil
	}
	return arg, nil
}

func (cb *ChatBot) exportTo(path string) error {
	var data []byte
	if strings.HasSuffix(strings.ToLower(path), ".md") {
		md, err := cb.ExportMarkdown(cb.sessions.CurrentID())
		if err != nil {
			return err
		}
		data = []byte(md)
	} else {
		var buf bytes.Buffer
		if err := cb.Export(&buf); err != nil {
			return err
		}
		data = buf.Bytes()
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
