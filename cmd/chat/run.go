package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/devaloi/chatsync/internal/domain"
	"github.com/devaloi/chatsync/internal/engine"
)

var errQuit = errors.New("quit")

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect and chat interactively from the terminal",
		Long: `Connect to the chat server and read lines from stdin.

Commands: /quit exits, /clear empties the local cache,
/invalidate trims the cache to its capacity, /history reprints it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			eng, s, err := openEngine(cfg, log)
			if err != nil {
				return err
			}
			defer s.Close()
			defer eng.Shutdown()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			events := eng.Events(ctx)
			if err := eng.Start(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connecting to %s as %s\n", cfg.URL, cfg.SenderID)

			lines := make(chan string)
			go scanLines(cmd.InOrStdin(), lines)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				for ev := range events {
					render(cmd.OutOrStdout(), ev)
				}
				return nil
			})
			g.Go(func() error {
				defer eng.Shutdown()
				return handleInput(ctx, eng, lines)
			})

			if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
				return err
			}
			return nil
		},
	}
}

// scanLines feeds stdin to lines and closes it on EOF. It is not tied to a
// context because a blocked read cannot be interrupted.
func scanLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines <- sc.Text()
	}
}

func handleInput(ctx context.Context, eng *engine.Engine, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := dispatch(ctx, eng, strings.TrimSpace(line)); err != nil {
				return err
			}
		}
	}
}

func dispatch(ctx context.Context, eng *engine.Engine, line string) error {
	switch line {
	case "":
		return nil
	case "/quit", "/exit":
		return errQuit
	case "/clear":
		return eng.ClearCache(ctx)
	case "/invalidate":
		_, err := eng.InvalidateCache(ctx)
		return err
	case "/history":
		return eng.LoadHistory(ctx)
	}
	// Send errors are already published as events; a cache error is logged.
	eng.Send(ctx, line)
	return nil
}

func render(w io.Writer, ev engine.Event) {
	switch ev.Kind {
	case engine.EventLoading:
		fmt.Fprintln(w, "* loading...")
	case engine.EventConnected:
		fmt.Fprintln(w, "* connected")
	case engine.EventDisconnected:
		fmt.Fprintln(w, "* disconnected")
	case engine.EventNoHistory:
		fmt.Fprintln(w, "* there are no messages yet")
	case engine.EventHistoryLoaded:
		for i := len(ev.Messages) - 1; i >= 0; i-- {
			fmt.Fprintln(w, formatMessage(ev.Messages[i]))
		}
	case engine.EventMessageSent, engine.EventMessageReceived:
		fmt.Fprintln(w, formatMessage(ev.Message))
	case engine.EventError:
		fmt.Fprintln(w, "! "+ev.UserMessage())
	}
}

func formatMessage(m domain.Message) string {
	who := "them"
	if m.IsMine() {
		who = "you"
	}
	return fmt.Sprintf("[%s] %s: %s", humanize.Time(m.Time()), who, m.Text)
}
