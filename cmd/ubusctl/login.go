package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newLoginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in to the uBus server",
		Long: `Log in to the uBus server as --package. This prints a JWT token
that can be reused with --token or the UBUS_TOKEN environment variable.`,
		RunE: runLogin,
	}
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	resp, err := client.Login(ctx)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	fmt.Fprintf(out, "✅ Logged in as %s (uid %d, pid %d)\n", resp.PackageName, resp.UID, resp.PID)
	fmt.Fprintf(out, "Token: %s\n", resp.Token)
	fmt.Fprintf(out, "Expires: %s\n", resp.ExpiresAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "\n  export UBUS_TOKEN=%q\n", resp.Token)
	return nil
}
