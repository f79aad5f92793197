package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jrife/grouse/broker"
	"github.com/jrife/grouse/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// BrokerOptions holds the flags of the broker command
type BrokerOptions struct {
	Config    string
	NodeID    uint64
	Directory string
	Nodes     int
}

// NewBrokerCommand creates the broker command
func NewBrokerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BrokerOptions{}

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run a broker",
		Long: `Run a broker hosting the partition replicas its configuration assigns
to it. With --nodes a whole cluster runs in this process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := brokerConfig(cmd, opts)

			if err != nil {
				return err
			}

			logger, err := c.Logger()

			if err != nil {
				return fmt.Errorf("could not create logger: %w", err)
			}

			defer logger.Sync()

			b, err := broker.New(c, logger)

			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("starting", zap.Uint64("node", c.NodeID), zap.String("directory", c.Directory))

			return b.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "configuration file")
	cmd.Flags().Uint64Var(&opts.NodeID, "node-id", 0, "overrides nodeId")
	cmd.Flags().StringVar(&opts.Directory, "directory", "", "overrides directory")
	cmd.Flags().IntVar(&opts.Nodes, "nodes", 0, "overrides cluster.inProcessNodes")

	return cmd
}

func brokerConfig(cmd *cobra.Command, opts *BrokerOptions) (config.Config, error) {
	c := config.Default()

	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)

		if err != nil {
			return config.Config{}, err
		}

		c = loaded
	}

	if cmd.Flags().Changed("node-id") {
		c.NodeID = opts.NodeID
	}

	if cmd.Flags().Changed("directory") {
		c.Directory = opts.Directory
	}

	if cmd.Flags().Changed("nodes") {
		c.Cluster.InProcessNodes = opts.Nodes
	}

	if err := c.Validate(); err != nil {
		return config.Config{}, err
	}

	return c, nil
}
