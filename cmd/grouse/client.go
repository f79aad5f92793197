package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jrife/grouse/protocol"
	"github.com/jrife/grouse/transport"
	"github.com/jrife/grouse/transport/clients"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

// ClientOptions holds the flags of commands that call a gateway
type ClientOptions struct {
	Address string
	Timeout time.Duration
}

func (opts *ClientOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&opts.Address, "address", "localhost:26500", "gateway address")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "request timeout")
}

// call runs fn with a gateway client
func (opts *ClientOptions) call(fn func(ctx context.Context, gateway transport.Gateway) error) error {
	conn, err := grpc.Dial(opts.Address, clients.DialOptions()...)

	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", opts.Address, err)
	}

	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	return fn(ctx, clients.NewGatewayClient(conn))
}

func parseVariables(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, nil
	}

	var variables map[string]interface{}

	if err := json.Unmarshal([]byte(raw), &variables); err != nil {
		return nil, fmt.Errorf("variables must be a JSON object: %w", err)
	}

	return variables, nil
}

func parseKey(raw string) (int64, error) {
	key, err := strconv.ParseInt(raw, 10, 64)

	if err != nil {
		return 0, fmt.Errorf("%q is not a key", raw)
	}

	return key, nil
}

// NewClientCommands creates the commands that call a gateway
func NewClientCommands(rootOpts *RootOptions) []*cobra.Command {
	return []*cobra.Command{
		newDeployCommand(rootOpts),
		newCreateCommand(rootOpts),
		newCancelCommand(rootOpts),
		newJobsCommand(rootOpts),
		newCompleteCommand(rootOpts),
		newThrowErrorCommand(rootOpts),
		newResolveCommand(rootOpts),
		newTopologyCommand(rootOpts),
	}
}

func newDeployCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{}

	cmd := &cobra.Command{
		Use:   "deploy <resource>...",
		Short: "Deploy processes and decisions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request := &transport.DeployRequest{}

			for _, path := range args {
				content, err := os.ReadFile(path)

				if err != nil {
					return err
				}

				request.Resources = append(request.Resources, protocol.Resource{Name: filepath.Base(path), Content: content})
			}

			return opts.call(func(ctx context.Context, gateway transport.Gateway) error {
				response, err := gateway.Deploy(ctx, request)

				if err != nil {
					return err
				}

				return rootOpts.print(cmd, response, func() string {
					var text strings.Builder

					fmt.Fprintf(&text, "deployment %d", response.Key)

					for _, process := range response.Processes {
						fmt.Fprintf(&text, "\n  process %s version %d key %d", process.BpmnProcessID, process.Version, process.Key)
					}

					for _, requirements := range response.DecisionRequirements {
						fmt.Fprintf(&text, "\n  decisions %s version %d", requirements.ID, requirements.Version)
					}

					return text.String()
				})
			})
		},
	}

	opts.register(cmd)

	return cmd
}

func newCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{}
	var version int
	var variables string

	cmd := &cobra.Command{
		Use:   "create <bpmn-process-id>",
		Short: "Create a process instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseVariables(variables)

			if err != nil {
				return err
			}

			return opts.call(func(ctx context.Context, gateway transport.Gateway) error {
				response, err := gateway.CreateProcessInstance(ctx, &transport.CreateProcessInstanceRequest{
					BpmnProcessID: args[0],
					Version:       version,
					Variables:     parsed,
				})

				if err != nil {
					return err
				}

				return rootOpts.print(cmd, response, func() string {
					return fmt.Sprintf("process instance %d of %s version %d", response.ProcessInstanceKey, response.BpmnProcessID, response.Version)
				})
			})
		},
	}

	opts.register(cmd)
	cmd.Flags().IntVar(&version, "version", 0, "process version, the latest if 0")
	cmd.Flags().StringVar(&variables, "variables", "", "variables as a JSON object")

	return cmd
}

func newCancelCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{}

	cmd := &cobra.Command{
		Use:   "cancel <process-instance-key>",
		Short: "Cancel a process instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])

			if err != nil {
				return err
			}

			return opts.call(func(ctx context.Context, gateway transport.Gateway) error {
				_, err := gateway.CancelProcessInstance(ctx, &transport.CancelProcessInstanceRequest{ProcessInstanceKey: key})

				return err
			})
		},
	}

	opts.register(cmd)

	return cmd
}

func newJobsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{}
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs <type>",
		Short: "List activatable jobs of a type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(func(ctx context.Context, gateway transport.Gateway) error {
				response, err := gateway.ListJobs(ctx, &transport.ListJobsRequest{Type: args[0], Limit: limit})

				if err != nil {
					return err
				}

				return rootOpts.print(cmd, response, func() string {
					lines := make([]string, 0, len(response.Jobs))

					for _, job := range response.Jobs {
						lines = append(lines, fmt.Sprintf("%d %s %s/%s", job.Key, job.Type, job.BpmnProcessID, job.ElementID))
					}

					return strings.Join(lines, "\n")
				})
			})
		},
	}

	opts.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of jobs, all if 0")

	return cmd
}

func newCompleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{}
	var variables string

	cmd := &cobra.Command{
		Use:   "complete <job-key>",
		Short: "Complete a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])

			if err != nil {
				return err
			}

			parsed, err := parseVariables(variables)

			if err != nil {
				return err
			}

			return opts.call(func(ctx context.Context, gateway transport.Gateway) error {
				_, err := gateway.CompleteJob(ctx, &transport.CompleteJobRequest{JobKey: key, Variables: parsed})

				return err
			})
		},
	}

	opts.register(cmd)
	cmd.Flags().StringVar(&variables, "variables", "", "variables as a JSON object")

	return cmd
}

func newThrowErrorCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{}
	var message string

	cmd := &cobra.Command{
		Use:   "throw-error <job-key> <error-code>",
		Short: "Throw a business error from a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])

			if err != nil {
				return err
			}

			return opts.call(func(ctx context.Context, gateway transport.Gateway) error {
				_, err := gateway.ThrowError(ctx, &transport.ThrowErrorRequest{JobKey: key, ErrorCode: args[1], ErrorMessage: message})

				return err
			})
		},
	}

	opts.register(cmd)
	cmd.Flags().StringVar(&message, "message", "", "error message")

	return cmd
}

func newResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{}

	cmd := &cobra.Command{
		Use:   "resolve <incident-key>",
		Short: "Resolve an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])

			if err != nil {
				return err
			}

			return opts.call(func(ctx context.Context, gateway transport.Gateway) error {
				_, err := gateway.ResolveIncident(ctx, &transport.ResolveIncidentRequest{IncidentKey: key})

				return err
			})
		},
	}

	opts.register(cmd)

	return cmd
}

func newTopologyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{}

	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Show the brokers and partitions of the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(func(ctx context.Context, gateway transport.Gateway) error {
				response, err := gateway.Topology(ctx, &transport.TopologyRequest{})

				if err != nil {
					return err
				}

				return rootOpts.print(cmd, response, func() string {
					var text strings.Builder

					fmt.Fprintf(&text, "partitions %d, replication factor %d", response.PartitionCount, response.ReplicationFactor)

					for _, info := range response.Brokers {
						fmt.Fprintf(&text, "\nbroker %d %s", info.NodeID, info.Address)

						for _, p := range info.Partitions {
							fmt.Fprintf(&text, "\n  partition %d %s term %d healthy %t", p.PartitionID, p.Role, p.Term, p.Healthy)
						}
					}

					return text.String()
				})
			})
		},
	}

	opts.register(cmd)

	return cmd
}
