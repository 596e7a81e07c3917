package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/ubus-go/pkg/httpclient"
	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

var (
	// Global flags
	serverURL   string
	packageName string
	uid         int
	admin       bool
	token       string
	timeout     time.Duration

	// Global client instance
	client *httpclient.Client
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ubusctl",
		Short: "uBus HTTP API command line interface",
		Long: `ubusctl is a command line interface for the uBus HTTP API.
It registers short-lived clients to publish, listen, pull and call methods,
and drives the admin endpoints that manage topics and subscriptions.`,
		PersistentPreRunE: initializeClient,
		SilenceUsage:      true,
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "uBus server URL")
	rootCmd.PersistentFlags().StringVar(&packageName, "package", "", "Package name to log in as (required)")
	rootCmd.PersistentFlags().IntVar(&uid, "uid", os.Getuid(), "User id to log in as")
	rootCmd.PersistentFlags().BoolVar(&admin, "admin", false, "Request an admin token")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("UBUS_TOKEN"), "JWT token (if already logged in)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(newLoginCommand())
	rootCmd.AddCommand(newListenCommand())
	rootCmd.AddCommand(newPublishCommand())
	rootCmd.AddCommand(newRequestCommand())
	rootCmd.AddCommand(newPullCommand())
	rootCmd.AddCommand(newTopicsCommand())
	rootCmd.AddCommand(newSubscriptionsCommand())
	rootCmd.AddCommand(newDumpCommand())
	rootCmd.AddCommand(newHealthCommand())

	return rootCmd
}

// initializeClient sets up the HTTP client with global configuration
func initializeClient(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Parent() == nil {
		return nil
	}

	// health needs no identity
	effectivePackage := packageName
	if effectivePackage == "" {
		if cmd.Name() != "health" {
			return fmt.Errorf("--package is required")
		}
		effectivePackage = "ubusctl"
	}

	var err error
	client, err = httpclient.NewClient(httpclient.Config{
		ServerURL:   serverURL,
		PackageName: effectivePackage,
		UID:         uid,
		Admin:       admin,
		Timeout:     timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	if token != "" {
		client.SetToken(token)
	}
	return nil
}

// requireAuthentication logs in unless a token was provided
func requireAuthentication(ctx context.Context) error {
	if client == nil {
		return fmt.Errorf("client not initialized")
	}
	if client.Token() != "" {
		return nil
	}
	if _, err := client.Login(ctx); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	return nil
}

// connect logs in if needed and registers entity with the bus for the
// lifetime of the returned stream.
func connect(ctx context.Context, entity string) (*httpclient.Stream, error) {
	if err := requireAuthentication(ctx); err != nil {
		return nil, err
	}
	u, err := uri.Parse(entity)
	if err != nil {
		return nil, fmt.Errorf("invalid entity: %w", err)
	}
	stream, err := client.Connect(ctx, u, httpclient.StreamConfig{})
	if err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", entity, err)
	}
	return stream, nil
}

func parseURIs(values []string) ([]uri.URI, error) {
	out := make([]uri.URI, 0, len(values))
	for _, v := range values {
		u, err := uri.Parse(v)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func markRequired(cmd *cobra.Command, names ...string) {
	for _, name := range names {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(fmt.Sprintf("Failed to mark %s as required: %v", name, err))
		}
	}
}
