package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"OpenLLM-Relay/sdk/go/relay"
)

const defaultServer = "http://127.0.0.1:8080"

type commandContext struct {
	server string
	token  string
	asJSON bool
}

func (c *commandContext) client() (*relay.Client, error) {
	server := strings.TrimSpace(c.server)
	if server == "" {
		server = defaultServer
	}
	client, err := relay.NewClient(server, nil)
	if err != nil {
		return nil, err
	}
	token := strings.TrimSpace(c.token)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("RELAY_TOKEN"))
	}
	if token != "" {
		client.SetToken(token)
	}
	return client, nil
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "relayctl",
		Short:         "Command line client for the LLM relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.server, "server", envOr("RELAY_SERVER", defaultServer), "Relay base URL")
	flags.StringVar(&ctx.token, "token", "", "Bearer token (defaults to $RELAY_TOKEN)")
	flags.BoolVar(&ctx.asJSON, "json", false, "Print raw JSON responses")

	rootCmd.AddCommand(newCompleteCommand(ctx))
	rootCmd.AddCommand(newExtractCommand(ctx))
	rootCmd.AddCommand(newStatsCommand(ctx))
	rootCmd.AddCommand(newKeyCommand())

	return rootCmd
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
