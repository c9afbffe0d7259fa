package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/murmur/pkg/events"
	"github.com/go-go-golems/murmur/pkg/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const chatHelp = `Commands:
  /stop            stop the running answer
  /new             start a new conversation
  /list            list stored conversations
  /switch <id>     switch to a stored conversation
  /rename <title>  rename the current conversation
  /delete [id]     delete a conversation (default: the current one)
  /quit            leave
`

// newRouter builds the event router shared by chat and ask: streamed text is
// printed to w, catalogue changes are logged.
func newRouter(name string, w io.Writer) (*events.EventRouter, error) {
	router, err := events.NewEventRouter(events.WithVerbose(viper.GetBool("verbose")))
	if err != nil {
		return nil, err
	}
	router.AddHandler("chat-printer", events.TopicChat, events.PrinterFunc(name, w))
	router.AddHandler("catalogue-logger", events.TopicCatalogue, func(msg *message.Message) error {
		defer msg.Ack()
		if msg.Metadata.Get(events.MetadataEventType) != string(events.EventTypeCatalogueChanged) {
			return nil
		}
		e, err := events.NewEventFromJson(msg.Payload)
		if err != nil {
			return err
		}
		if c, ok := e.(*events.EventCatalogueChanged); ok {
			log.Debug().
				Str("change", c.Change).
				Str("conversation_id", msg.Metadata.Get(events.MetadataConversationID)).
				Msg("Catalogue changed")
		}
		return nil
	})
	return router, nil
}

func newChatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively in the current conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			router, err := newRouter("assistant", out)
			if err != nil {
				return err
			}
			defer func() {
				_ = router.Close()
			}()

			unsubscribe := a.repo.Subscribe(events.CatalogueNotifier(router.Sink(events.TopicCatalogue)))
			defer unsubscribe()

			c := a.newController(ctx, session.WithEventSinks(router.Sink(events.TopicChat)))

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				defer cancel()
				return router.Run(ctx)
			})
			eg.Go(func() error {
				return a.serveMetrics(ctx)
			})
			eg.Go(func() error {
				defer cancel()
				// the controller publishes while closing, so it has to go before the router
				defer func() {
					_ = c.Close(context.Background())
				}()
				<-router.Running()
				r := &repl{c: c, in: cmd.InOrStdin(), out: out}
				return r.run(ctx)
			})

			return eg.Wait()
		},
	}
}

type repl struct {
	c   *session.Controller
	in  io.Reader
	out io.Writer
}

func (r *repl) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func (r *repl) run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("Failed to read input")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	cur := r.c.Conversation()
	r.printf("%s (%s), /help for commands\n", cur.Title, cur.ID)
	for _, m := range cur.VisibleMessages() {
		r.printf("%s\n", m.View())
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			// the first interrupt stops the answer, the second one leaves
			if r.c.State() == session.StateStreaming {
				_ = r.c.Stop(ctx)
				continue
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := r.handle(ctx, line)
			if err != nil {
				r.printf("error: %s\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		err := r.c.Submit(ctx, line)
		if errors.Is(err, session.ErrBusy) {
			return false, errors.New("still answering, /stop first")
		}
		return false, err
	}

	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch command {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		r.printf("%s", chatHelp)

	case "/stop":
		if err := r.c.Stop(ctx); err != nil {
			if errors.Is(err, session.ErrNotStreaming) {
				return false, nil
			}
			return false, err
		}

	case "/new":
		c := r.c.NewConversation(ctx)
		r.printf("new conversation %s\n", c.ID)

	case "/list":
		return false, printSummaries(r.out, r.c.Catalogue(ctx).Summaries(), r.c.Conversation().ID)

	case "/switch":
		id, err := resolveID(r.c.Catalogue(ctx), arg)
		if err != nil {
			return false, err
		}
		if err := r.c.Select(ctx, id); err != nil {
			return false, err
		}
		cur := r.c.Conversation()
		r.printf("%s (%s)\n", cur.Title, cur.ID)
		for _, m := range cur.VisibleMessages() {
			r.printf("%s\n", m.View())
		}

	case "/rename":
		return false, r.c.Rename(ctx, r.c.Conversation().ID, arg)

	case "/delete":
		id := r.c.Conversation().ID
		if arg != "" {
			var err error
			id, err = resolveID(r.c.Catalogue(ctx), arg)
			if err != nil {
				return false, err
			}
		}
		if err := r.c.Delete(ctx, id); err != nil {
			return false, err
		}
		cur := r.c.Conversation()
		r.printf("deleted %s, now in %s (%s)\n", id, cur.Title, cur.ID)

	default:
		return false, errors.Errorf("unknown command %s, try /help", command)
	}

	return false, nil
}
