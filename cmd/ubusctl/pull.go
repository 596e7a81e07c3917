package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/ubus-go/pkg/ubus"
	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

func newPullCommand() *cobra.Command {
	var (
		entity string
		topic  string
		count  int
	)

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Fetch the cached value of a topic",
		Long: `Register --entity and fetch the last value cached for --topic.
Nothing is returned unless the entity is subscribed to the topic.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(cmd.OutOrStdout(), entity, topic, count)
		},
	}

	cmd.Flags().StringVar(&entity, "entity", "", "Entity URI to pull as (required)")
	cmd.Flags().StringVar(&topic, "topic", "", "Topic to pull (required)")
	cmd.Flags().IntVar(&count, "count", 1, "Maximum number of messages")
	markRequired(cmd, "entity", "topic")

	return cmd
}

func runPull(out io.Writer, entity, topic string, count int) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	t, err := uri.Parse(topic)
	if err != nil {
		return fmt.Errorf("invalid topic: %w", err)
	}

	stream, err := connect(ctx, entity)
	if err != nil {
		return err
	}
	defer stream.Close()

	msgs, err := client.Pull(ctx, stream.Token(), t, count)
	if err != nil {
		return fmt.Errorf("failed to pull: %w", err)
	}
	if len(msgs) == 0 {
		fmt.Fprintf(out, "📭 Nothing cached for %s\n", t)
		return nil
	}
	for i, msg := range msgs {
		printMessage(out, msg, i+1)
	}
	return nil
}

func newTopicCreatedCommand() *cobra.Command {
	var entity, topic string

	cmd := &cobra.Command{
		Use:   "created",
		Short: "Check whether an entity publishes a topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := requireAuthentication(ctx); err != nil {
				return err
			}
			uris, err := parseURIs([]string{topic, entity})
			if err != nil {
				return err
			}
			created, err := client.IsTopicCreated(ctx, uris[0], uris[1])
			if err != nil {
				return fmt.Errorf("failed to check topic: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s created by %s: %t\n", uris[0], uris[1], created)
			return nil
		},
	}

	cmd.Flags().StringVar(&entity, "entity", "", "Publisher entity URI (required)")
	cmd.Flags().StringVar(&topic, "topic", "", "Topic URI (required)")
	markRequired(cmd, "entity", "topic")

	return cmd
}

// dispatchFlags is shared by commands that toggle auto-fetch.
func dispatchFlags(suppress bool) ubus.DispatchFlags {
	if suppress {
		return ubus.FlagSuppressAutoFetch
	}
	return 0
}
