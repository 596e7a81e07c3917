package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/ubus-go/pkg/ubus"
	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

func newTopicsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage topics (admin)",
		Long:  `Commands for listing, creating and deprecating topics in the subscription authority.`,
	}

	cmd.AddCommand(newTopicsListCommand())
	cmd.AddCommand(newTopicsCreateCommand())
	cmd.AddCommand(newTopicsDeprecateCommand())
	cmd.AddCommand(newTopicCreatedCommand())

	return cmd
}

func newTopicsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := requireAuthentication(ctx); err != nil {
				return err
			}

			topics, err := client.Topics(ctx)
			if err != nil {
				return fmt.Errorf("failed to list topics: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOPIC\tPUBLISHER\tSUBSCRIBERS")
			for _, t := range topics {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Topic, t.Publisher, strings.Join(t.Subscribers, ","))
			}
			return tw.Flush()
		},
	}
}

func newTopicsCreateCommand() *cobra.Command {
	var topic, publisher string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a topic owned by a publisher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := requireAuthentication(ctx); err != nil {
				return err
			}
			uris, err := parseURIs([]string{topic, publisher})
			if err != nil {
				return err
			}
			if err := client.CreateTopic(ctx, uris[0], uris[1]); err != nil {
				return fmt.Errorf("failed to create topic: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Topic %s created for %s\n", uris[0], uris[1])
			return nil
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "", "Topic URI (required)")
	cmd.Flags().StringVar(&publisher, "publisher", "", "Publisher entity URI (required)")
	markRequired(cmd, "topic", "publisher")

	return cmd
}

func newTopicsDeprecateCommand() *cobra.Command {
	var topic string

	cmd := &cobra.Command{
		Use:   "deprecate",
		Short: "Deprecate a topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := requireAuthentication(ctx); err != nil {
				return err
			}
			t, err := uri.Parse(topic)
			if err != nil {
				return err
			}
			if err := client.DeprecateTopic(ctx, t); err != nil {
				return fmt.Errorf("failed to deprecate topic: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Topic %s deprecated\n", t)
			return nil
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "", "Topic URI (required)")
	markRequired(cmd, "topic")

	return cmd
}

func newSubscriptionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "Manage subscriptions (admin)",
	}
	cmd.AddCommand(newSubscriptionsSetCommand())
	return cmd
}

func newSubscriptionsSetCommand() *cobra.Command {
	var topic, subscriber, state string

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set the subscription state of a subscriber",
		Long: `Set the state of --subscriber on --topic. The bus is notified of the
change and updates its routing immediately.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := requireAuthentication(ctx); err != nil {
				return err
			}
			uris, err := parseURIs([]string{topic, subscriber})
			if err != nil {
				return err
			}
			st, err := ubus.ParseSubscriptionState(state)
			if err != nil {
				return err
			}
			if err := client.SetSubscription(ctx, uris[0], uris[1], st); err != nil {
				return fmt.Errorf("failed to set subscription: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ %s is %s on %s\n", uris[1], st, uris[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "", "Topic URI (required)")
	cmd.Flags().StringVar(&subscriber, "subscriber", "", "Subscriber entity URI (required)")
	cmd.Flags().StringVar(&state, "state", ubus.StateSubscribed.String(), "Subscription state")
	markRequired(cmd, "topic", "subscriber")

	return cmd
}

func newDumpCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the bus state (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := requireAuthentication(ctx); err != nil {
				return err
			}

			if !asJSON {
				text, err := client.Dump(ctx)
				if err != nil {
					return fmt.Errorf("failed to dump: %w", err)
				}
				fmt.Fprint(cmd.OutOrStdout(), text)
				return nil
			}

			snapshot, err := client.Snapshot(ctx)
			if err != nil {
				return fmt.Errorf("failed to dump: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snapshot)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the snapshot as JSON")
	return cmd
}
