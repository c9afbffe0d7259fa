package main

import (
	"context"
	"os"
	"os/signal"
	"strings"

	"github.com/go-go-golems/murmur/pkg/events"
	"github.com/go-go-golems/murmur/pkg/session"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newAskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Ask a single question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			router, err := newRouter("", cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer func() {
				_ = router.Close()
			}()

			c := a.newController(ctx, session.WithEventSinks(router.Sink(events.TopicChat)))
			if newConversation, _ := cmd.Flags().GetBool("new"); newConversation {
				c.NewConversation(ctx)
			}

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				defer cancel()
				return router.Run(ctx)
			})
			eg.Go(func() error {
				defer cancel()
				<-router.Running()
				return ask(ctx, c, prompt)
			})

			return eg.Wait()
		},
	}
	cmd.Flags().Bool("new", false, "Ask in a new conversation")
	return cmd
}

// ask submits prompt and waits for the answer and its title. An interrupt
// stops the answer.
func ask(ctx context.Context, c *session.Controller, prompt string) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	if err := c.Submit(ctx, prompt); err != nil {
		return err
	}

	done := make(chan struct{})
	h := c.Active()
	go func() {
		defer close(done)
		h.Wait()
	}()

	select {
	case <-done:
	case <-sigCtx.Done():
		_ = c.Stop(context.WithoutCancel(ctx))
		<-done
	}
	c.Wait()

	msgs := c.VisibleMessages()
	if len(msgs) > 0 && strings.HasSuffix(msgs[len(msgs)-1].Content, session.DefaultErrorMarker) {
		return errors.New("the chat service could not be reached")
	}
	return nil
}
