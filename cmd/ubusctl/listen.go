package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/ubus-go/pkg/message"
	"github.com/rmacdonaldsmith/ubus-go/pkg/ubus"
)

func newListenCommand() *cobra.Command {
	var (
		entity            string
		topics            []string
		suppressAutoFetch bool
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Register an entity and print the messages it receives",
		Long: `Register --entity with the bus and enable dispatching for each --topic
(topics or methods). Messages are printed as they arrive.
Press Ctrl+C to stop listening.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(cmd.OutOrStdout(), entity, topics, suppressAutoFetch)
		},
	}

	cmd.Flags().StringVar(&entity, "entity", "", "Entity URI to register as (required)")
	cmd.Flags().StringSliceVar(&topics, "topic", nil, "Topic or method URI to dispatch (repeatable)")
	cmd.Flags().BoolVar(&suppressAutoFetch, "suppress-autofetch", false, "Do not push the cached value on enable")
	markRequired(cmd, "entity")

	return cmd
}

func runListen(out io.Writer, entity string, topics []string, suppressAutoFetch bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	uris, err := parseURIs(topics)
	if err != nil {
		return fmt.Errorf("invalid topic: %w", err)
	}

	stream, err := connect(ctx, entity)
	if err != nil {
		return err
	}
	defer stream.Close()

	flags := dispatchFlags(suppressAutoFetch)
	for _, u := range uris {
		if err := client.EnableDispatching(ctx, stream.Token(), u, flags); err != nil {
			return fmt.Errorf("failed to enable dispatching for %s: %w", u, err)
		}
	}

	fmt.Fprintf(out, "🎧 Listening as %s (token %s)\n", stream.Entity(), ubus.ShortToken(stream.Token()))
	fmt.Fprintln(out, "Press Ctrl+C to stop listening")

	count := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "\n✅ Stopped. Received %d messages.\n", count)
			return nil

		case msg, ok := <-stream.Messages():
			if !ok {
				fmt.Fprintf(out, "\n🔌 Stream closed. Received %d messages.\n", count)
				return nil
			}
			count++
			printMessage(out, msg, count)

		case err, ok := <-stream.Errors():
			if !ok {
				continue
			}
			fmt.Fprintf(out, "❌ Stream error: %v\n", err)

		case <-stream.Done():
			fmt.Fprintf(out, "\n🔌 Stream finished. Received %d messages.\n", count)
			return nil
		}
	}
}

func printMessage(out io.Writer, msg *message.Message, count int) {
	fmt.Fprintf(out, "📨 Message #%d:\n", count)
	fmt.Fprintf(out, "   ID: %s\n", msg.ID())
	fmt.Fprintf(out, "   Type: %s\n", msg.Type())
	fmt.Fprintf(out, "   Source: %s\n", msg.Source())
	if !msg.Sink().IsEmpty() {
		fmt.Fprintf(out, "   Sink: %s\n", msg.Sink())
	}
	fmt.Fprintf(out, "   Created: %s\n", msg.CreatedAt().Format("2006-01-02 15:04:05.000"))
	if msg.Type() == message.TypeResponse {
		fmt.Fprintf(out, "   Request: %s (%s)\n", msg.ReqID(), msg.CommStatus())
	}

	payload := msg.Payload()
	switch {
	case len(payload) == 0:
		fmt.Fprintf(out, "   Payload: none\n")
	case utf8.Valid(payload):
		fmt.Fprintf(out, "   Payload (%s): %s\n", msg.PayloadFormat(), payload)
	default:
		fmt.Fprintf(out, "   Payload (%s): %d bytes\n", msg.PayloadFormat(), len(payload))
	}
	fmt.Fprintln(out)
}
