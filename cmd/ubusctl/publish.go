package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/ubus-go/pkg/message"
	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

type sendOptions struct {
	entity   string
	payload  string
	format   string
	priority string
	ttl      time.Duration
}

func (o *sendOptions) bind(cmd *cobra.Command, defaultTTL time.Duration) {
	cmd.Flags().StringVar(&o.entity, "entity", "", "Entity URI to send as (required)")
	cmd.Flags().StringVar(&o.payload, "payload", "", "Message payload")
	cmd.Flags().StringVar(&o.format, "format", "application/json", "Payload format")
	cmd.Flags().StringVar(&o.priority, "priority", "", "Priority, CS0 to CS6")
	cmd.Flags().DurationVar(&o.ttl, "ttl", defaultTTL, "Message time to live")
	markRequired(cmd, "entity")
}

func (o *sendOptions) options() ([]message.Option, error) {
	var opts []message.Option
	if o.payload != "" {
		opts = append(opts, message.WithPayload(o.format, []byte(o.payload)))
	}
	if o.priority != "" {
		var p message.Priority
		if err := p.UnmarshalText([]byte(o.priority)); err != nil {
			return nil, err
		}
		opts = append(opts, message.WithPriority(p))
	}
	return opts, nil
}

func newPublishCommand() *cobra.Command {
	var (
		opts  sendOptions
		topic string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a message to a topic",
		Long: `Register --entity, publish one message to --topic and unregister.
The entity must be the publisher of the topic.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd.OutOrStdout(), &opts, topic)
		},
	}

	opts.bind(cmd, 0)
	cmd.Flags().StringVar(&topic, "topic", "", "Topic to publish to (required)")
	markRequired(cmd, "topic")

	return cmd
}

func runPublish(out io.Writer, opts *sendOptions, topic string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	t, err := uri.Parse(topic)
	if err != nil {
		return fmt.Errorf("invalid topic: %w", err)
	}
	msgOpts, err := opts.options()
	if err != nil {
		return err
	}
	if opts.ttl > 0 {
		msgOpts = append(msgOpts, message.WithTTL(opts.ttl))
	}

	stream, err := connect(ctx, opts.entity)
	if err != nil {
		return err
	}
	defer stream.Close()

	id, err := client.Send(ctx, stream.Token(), message.NewPublish(t, msgOpts...))
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	fmt.Fprintf(out, "✅ Published to %s\n", t)
	fmt.Fprintf(out, "Message ID: %s\n", id)
	return nil
}

func newRequestCommand() *cobra.Command {
	var (
		opts   sendOptions
		method string
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Call a method and wait for the response",
		Long: `Register --entity, send a request to --method and print the response.
The request expires after --ttl, in which case the bus answers with
DEADLINE_EXCEEDED.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd.OutOrStdout(), &opts, method)
		},
	}

	opts.bind(cmd, 5*time.Second)
	cmd.Flags().StringVar(&method, "method", "", "Method URI to call (required)")
	markRequired(cmd, "method")

	return cmd
}

func runRequest(out io.Writer, opts *sendOptions, method string) error {
	m, err := uri.Parse(method)
	if err != nil {
		return fmt.Errorf("invalid method: %w", err)
	}
	if opts.ttl <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}
	msgOpts, err := opts.options()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout+opts.ttl)
	defer cancel()

	stream, err := connect(ctx, opts.entity)
	if err != nil {
		return err
	}
	defer stream.Close()

	entity, err := uri.Parse(stream.Entity())
	if err != nil {
		return err
	}
	req := message.NewRequest(entity.ResponseAddress(), m, opts.ttl, msgOpts...)
	if _, err := client.Send(ctx, stream.Token(), req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	fmt.Fprintf(out, "📤 Request %s sent to %s\n", req.ID(), m)

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("no response: %w", ctx.Err())
		case <-stream.Done():
			return fmt.Errorf("stream closed before the response arrived")
		case resp, ok := <-stream.Messages():
			if !ok {
				return fmt.Errorf("stream closed before the response arrived")
			}
			if resp.Type() != message.TypeResponse || resp.ReqID() != req.ID() {
				continue
			}
			printMessage(out, resp, 1)
			return nil
		}
	}
}
