package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	dchat "github.com/Prakash7895/d-dapp-fe-sub000"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <roomId>",
	Short: "Chat in a conversation",
	Long: "Open a conversation, print incoming messages, typing and presence changes, " +
		"and send every line read from stdin. Ctrl-D or Ctrl-C leaves.\n\n" +
		"  /typing  show the typing indicator until the next message or 5s of quiet\n" +
		"  /more    load older messages",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		chat, err := newChat(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		room := args[0]
		out := &syncWriter{w: cmd.OutOrStdout()}
		watchRoom(chat, room, out)

		if err := chat.Start(ctx); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = chat.Close(closeCtx)
		}()

		if err := chat.OpenRoom(ctx, room); err != nil {
			return fmt.Errorf("failed to open room: %w", err)
		}
		if err := chat.MarkVisibleRead(ctx); err != nil && !errors.Is(err, dchat.ErrNotConnected) {
			out.println("(could not mark messages read: " + err.Error() + ")")
		}

		input := newLineHandler(chat, out, typingIdle)
		defer input.close()

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				lines <- scanner.Text()
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
				input.handle(ctx, line)
			}
		}
	},
}

// watchRoom prints what happens in room while the command runs.
func watchRoom(chat *dchat.Chat, room string, out *syncWriter) {
	var (
		mu      sync.Mutex
		printed = make(map[string]bool)
		typing  []string
	)

	chat.On(dchat.ObserveMessagesChanged, func(_ string, v any) {
		msgs := v.([]dchat.ChatMessage)
		self := chat.SelfID()
		var fresh []dchat.ChatMessage
		mu.Lock()
		for _, m := range msgs {
			if m.Pending || printed[m.ID] {
				continue
			}
			printed[m.ID] = true
			fresh = append(fresh, m)
		}
		mu.Unlock()
		for _, m := range fresh {
			out.println(messageLine(m, self))
			if m.SenderID == self || m.Read {
				continue
			}
			go func(id string) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = chat.MarkRead(ctx, id)
			}(m.ID)
		}
	})

	chat.On(dchat.ObserveMessageFailed, func(_ string, v any) {
		f := v.(dchat.MessageFailure)
		out.println(fmt.Sprintf("(message %s not delivered: %v)", f.LocalID, f.Err))
	})

	chat.On(dchat.ObservePresenceChanged, func(_ string, v any) {
		p := v.(dchat.PresenceState)
		now := p.Typing[room]
		mu.Lock()
		changed := strings.Join(now, ",") != strings.Join(typing, ",")
		typing = now
		mu.Unlock()
		if changed && len(now) > 0 {
			out.println("(" + strings.Join(now, ", ") + " typing…)")
		}
	})

	chat.On(dchat.ObserveStateChanged, func(_ string, v any) {
		if s := v.(dchat.ConnState); s != dchat.StateConnected {
			out.println("(" + string(s) + ")")
		}
	})

	chat.On(dchat.ObserveNewMatch, func(_ string, v any) {
		m := v.(dchat.MatchPayload)
		out.println("(new match: " + valueOrDefault(m.Participant.Name, m.Participant.UserID) + ")")
	})
}

const typingIdle = 5 * time.Second

// roomActions is what the input loop needs from a Chat.
type roomActions interface {
	Send(ctx context.Context, content string) (dchat.ChatMessage, error)
	StartTyping(ctx context.Context) error
	StopTyping(ctx context.Context) error
	LoadMore(ctx context.Context) error
}

// lineHandler turns stdin lines into chat actions. A line-buffered terminal
// reports no keystrokes, so typing is announced explicitly with /typing and
// cleared by the next message or after idle.
type lineHandler struct {
	chat roomActions
	out  *syncWriter
	idle time.Duration

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
}

func newLineHandler(chat roomActions, out *syncWriter, idle time.Duration) *lineHandler {
	return &lineHandler{chat: chat, out: out, idle: idle}
}

func (h *lineHandler) handle(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return
	case "/typing":
		if err := h.chat.StartTyping(ctx); err != nil {
			h.out.println("(typing not sent: " + err.Error() + ")")
			return
		}
		h.mu.Lock()
		h.typing = true
		if h.timer != nil {
			h.timer.Stop()
		}
		h.timer = time.AfterFunc(h.idle, func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			h.stopTyping(stopCtx)
		})
		h.mu.Unlock()
		return
	case "/more":
		if err := h.chat.LoadMore(ctx); err != nil {
			h.out.println("(could not load more: " + err.Error() + ")")
		}
		return
	}

	h.stopTyping(ctx)
	if _, err := h.chat.Send(ctx, line); err != nil {
		h.out.println("(not sent: " + err.Error() + ")")
	}
}

// stopTyping clears the indicator if it is on.
func (h *lineHandler) stopTyping(ctx context.Context) {
	h.mu.Lock()
	was := h.typing
	h.typing = false
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.mu.Unlock()
	if was {
		_ = h.chat.StopTyping(ctx)
	}
}

func (h *lineHandler) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.stopTyping(ctx)
}
