package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/chozzz/vargos-sub004/internal/client"
	"github.com/chozzz/vargos-sub004/internal/config"
	"github.com/chozzz/vargos-sub004/internal/logging"
	"github.com/chozzz/vargos-sub004/internal/sessions"
	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

const chatRunTimeout = 10 * time.Minute

func chatCmd() *cobra.Command {
	var sessionKey string
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the agent from the terminal",
		Long:  "Chat opens an interactive conversation with the agent through the gateway. With a message argument it sends once, prints the reply, and exits.",
		Run: func(cmd *cobra.Command, args []string) {
			runChat(sessionKey, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&sessionKey, "session", "", "session key (default cli:<hostname>)")
	return cmd
}

// chatView renders agent events for one session and hands completed
// run IDs to the REPL loop. It runs on the client read loop, so it
// never blocks: completions go into a buffered channel.
type chatView struct {
	mu        sync.Mutex
	key       string
	completed chan string
}

func newChatView(key string) *chatView {
	return &chatView{key: key, completed: make(chan string, 8)}
}

func (v *chatView) sessionKey() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.key
}

func (v *chatView) setSessionKey(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.key = key
}

func (v *chatView) handle(source, event string, payload json.RawMessage, _ uint64) {
	if source != protocol.SourceAgent {
		return
	}
	var ev struct {
		RunID      string                 `json:"runId"`
		SessionKey string                 `json:"sessionKey"`
		Payload    map[string]interface{} `json:"payload"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil || ev.SessionKey != v.sessionKey() {
		return
	}
	switch event {
	case protocol.EventRunDelta:
		if text, _ := ev.Payload["content"].(string); text != "" {
			fmt.Print(text)
		}
	case protocol.EventToolCall:
		if name, _ := ev.Payload["name"].(string); name != "" {
			fmt.Fprintf(os.Stderr, "\n[%s]\n", name)
		}
	case protocol.EventRunCompleted:
		if status, _ := ev.Payload["status"].(string); status == "failed" {
			if info, ok := ev.Payload["error"].(map[string]interface{}); ok {
				fmt.Fprintf(os.Stderr, "\nrun failed: %v\n", info["message"])
			}
		}
		select {
		case v.completed <- ev.RunID:
		default:
		}
	}
}

func runChat(sessionKey, message string) {
	logging.Setup(verbose)

	cfg, err := config.Load(config.ResolvePath(cfgFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if sessionKey == "" {
		host, herr := os.Hostname()
		if herr != nil || host == "" {
			host = uuid.NewString()[:8]
		}
		sessionKey = sessions.BuildKey("cli", host)
	}

	view := newChatView(sessionKey)
	c := client.New(client.Config{
		URL:     gatewayURL(cfg),
		Service: "cli",
		Version: Version,
		Subscriptions: []string{
			protocol.Topic(protocol.SourceAgent, protocol.EventRunDelta),
			protocol.Topic(protocol.SourceAgent, protocol.EventToolCall),
			protocol.Topic(protocol.SourceAgent, protocol.EventRunCompleted),
		},
	})
	c.OnEvent(view.handle)

	ctx := context.Background()
	if err := c.EnsureConnected(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "cannot reach gateway: %v\n", err)
		fmt.Fprintln(os.Stderr, "is it running? start one with: vargos gateway")
		os.Exit(1)
	}
	defer c.Close()

	// Ctrl-C drops the client connection; the gateway keeps running.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr)
		c.Close()
		os.Exit(0)
	}()

	if message != "" {
		if err := sendAndWait(ctx, c, view, message); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	title := fmt.Sprintf("vargos chat (session %s)", view.sessionKey())
	fmt.Fprintln(os.Stderr, title)
	fmt.Fprintln(os.Stderr, strings.Repeat("-", runewidth.StringWidth(title)))
	fmt.Fprintln(os.Stderr, "Type a message and press enter. /stop aborts the run, /new starts a fresh session, /quit exits.")
	fmt.Fprintln(os.Stderr)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		switch input {
		case "/quit", "exit", "quit":
			return
		case "/new":
			view.setSessionKey(sessions.BuildKey("cli", uuid.NewString()[:8]))
			fmt.Fprintf(os.Stderr, "new session: %s\n\n", view.sessionKey())
			continue
		case "/stop":
			if err := c.EnsureConnected(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "connect: %v\n", err)
				continue
			}
			if _, err := c.Call(ctx, "", protocol.MethodChatAbort, map[string]string{"sessionKey": view.sessionKey()}); err != nil {
				fmt.Fprintf(os.Stderr, "abort: %v\n", err)
			}
			continue
		}

		if err := sendAndWait(ctx, c, view, input); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
			continue
		}
		fmt.Fprintln(os.Stderr)
	}
}

// sendAndWait submits one message and blocks until its run completes,
// deltas streaming to stdout in the meantime. Completions for other
// runs of the same session are drained and ignored.
func sendAndWait(ctx context.Context, c *client.Client, view *chatView, message string) error {
	if err := c.EnsureConnected(ctx); err != nil {
		return err
	}
	resp, err := c.Call(ctx, "", protocol.MethodChatSend, map[string]string{
		"sessionKey": view.sessionKey(),
		"message":    message,
		"channel":    "cli",
	})
	if err != nil {
		return err
	}
	var out struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return fmt.Errorf("bad chat.send response: %w", err)
	}

	timeout := time.NewTimer(chatRunTimeout)
	defer timeout.Stop()
	for {
		select {
		case id := <-view.completed:
			if id == out.RunID {
				fmt.Println()
				return nil
			}
		case <-timeout.C:
			return fmt.Errorf("run %s did not complete within %s", out.RunID, chatRunTimeout)
		}
	}
}
