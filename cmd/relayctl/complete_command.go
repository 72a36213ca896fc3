package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"OpenLLM-Relay/sdk/go/relay"
)

func newCompleteCommand(ctx *commandContext) *cobra.Command {
	var system, message, file string

	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Send a cached completion request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := readInput(cmd, message, file)
			if err != nil {
				return err
			}
			if err := requireText("message", user); err != nil {
				return err
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			res, err := client.Complete(cmd.Context(), relay.CompletionRequest{SystemPrompt: system, UserMessage: user})
			if err != nil {
				return err
			}
			if ctx.asJSON {
				return writeJSON(cmd, res)
			}
			if res.Cached {
				fmt.Fprintf(cmd.ErrOrStderr(), "(cached, request %s)\n", res.RequestID)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Text)
			return nil
		},
	}

	cmd.Flags().StringVarP(&system, "system", "s", "", "System prompt")
	cmd.Flags().StringVarP(&message, "message", "m", "", "User message")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the user message from a file (- for stdin)")
	return cmd
}
