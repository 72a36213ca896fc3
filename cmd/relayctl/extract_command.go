package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"OpenLLM-Relay/sdk/go/relay"
)

func newExtractCommand(ctx *commandContext) *cobra.Command {
	var instructions, file, schema, schemaFile string

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract structured JSON from a document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = "-"
			}
			document, err := readInput(cmd, "", file)
			if err != nil {
				return err
			}
			if err := requireText("document", document); err != nil {
				return err
			}
			if err := requireText("instructions", instructions); err != nil {
				return err
			}
			schema, err = readInput(cmd, schema, schemaFile)
			if err != nil {
				return err
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			res, err := client.Extract(cmd.Context(), relay.ExtractionRequest{
				Document:     document,
				Instructions: instructions,
				Schema:       schema,
			})
			if err != nil {
				return err
			}
			if ctx.asJSON {
				return writeJSON(cmd, res)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(res.Data))
			return nil
		},
	}

	cmd.Flags().StringVarP(&instructions, "instructions", "i", "", "What to extract")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Document path (default stdin)")
	cmd.Flags().StringVar(&schema, "schema", "", "Example JSON shape")
	cmd.Flags().StringVar(&schemaFile, "schema-file", "", "Read the example JSON shape from a file")
	return cmd
}
