package main

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

// RootOptions holds the flags every command shares
type RootOptions struct {
	Format string
}

func (opts *RootOptions) print(cmd *cobra.Command, value interface{}, text func() string) error {
	if opts.Format == "json" {
		data, err := json.MarshalIndent(value, "", "  ")

		if err != nil {
			return err
		}

		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))

		return err
	}

	_, err := fmt.Fprintln(cmd.OutOrStdout(), text())

	return err
}

// NewRootCommand creates the grouse command
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "grouse",
		Short:         "A partitioned, replicated workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewBrokerCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewClientCommands(opts)...)

	return cmd
}
