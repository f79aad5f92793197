package main

import (
	"fmt"

	"github.com/jrife/grouse/config"
	"github.com/spf13/cobra"
)

// NewConfigCommand creates the config command
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration a broker started with the same flags would use.
Without --config the defaults are printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := config.Default()

			if path != "" {
				loaded, err := config.Load(path)

				if err != nil {
					return err
				}

				c = loaded
			}

			data, err := c.Marshal()

			if err != nil {
				return fmt.Errorf("could not encode configuration: %w", err)
			}

			return rootOpts.print(cmd, c, func() string { return string(data) })
		},
	}

	cmd.Flags().StringVarP(&path, "config", "c", "", "configuration file")

	return cmd
}
