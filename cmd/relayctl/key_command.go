package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"OpenLLM-Relay/internal/cache"
)

func newKeyCommand() *cobra.Command {
	var prefix, system, message string

	cmd := &cobra.Command{
		Use:   "key",
		Short: "Print the cache key for a system prompt and user message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), cache.Key(prefix, system, message))
			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", cache.DefaultPrefix, "Cache key prefix")
	cmd.Flags().StringVarP(&system, "system", "s", "", "System prompt")
	cmd.Flags().StringVarP(&message, "message", "m", "", "User message")
	return cmd
}
