package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jrife/grouse/dmn"
	"github.com/jrife/grouse/model"
	"github.com/spf13/cobra"
)

// ValidationResult describes one validated resource
type ValidationResult struct {
	Resource string   `json:"resource"`
	Valid    bool     `json:"valid"`
	Defines  []string `json:"defines,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <resource>...",
		Short: "Validate process and decision resources without deploying them",
		Long: `Validate process definitions (YAML) and decision requirements (.dmn)
the way a deployment would. The command fails if any resource is invalid.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results := make([]ValidationResult, 0, len(args))
			invalid := 0

			for _, path := range args {
				result := validateResource(path)

				if !result.Valid {
					invalid++
				}

				results = append(results, result)
			}

			err := rootOpts.print(cmd, results, func() string {
				var text strings.Builder

				for _, result := range results {
					if result.Valid {
						fmt.Fprintf(&text, "%s: ok (%s)\n", result.Resource, strings.Join(result.Defines, ", "))
					} else {
						fmt.Fprintf(&text, "%s: %s\n", result.Resource, result.Error)
					}
				}

				return strings.TrimSuffix(text.String(), "\n")
			})

			if err != nil {
				return err
			}

			if invalid > 0 {
				return fmt.Errorf("%d of %d resources are invalid", invalid, len(args))
			}

			return nil
		},
	}

	return cmd
}

func validateResource(path string) ValidationResult {
	result := ValidationResult{Resource: path}
	data, err := os.ReadFile(path)

	if err != nil {
		result.Error = err.Error()

		return result
	}

	if strings.EqualFold(filepath.Ext(path), ".dmn") {
		parsed, err := dmn.Parse(bytes.NewReader(data))

		if err != nil {
			result.Error = err.Error()

			return result
		}

		for _, decision := range parsed.Decisions {
			result.Defines = append(result.Defines, decision.ID)
		}
	} else {
		process, err := model.Load(data)

		if err != nil {
			result.Error = err.Error()

			return result
		}

		result.Defines = []string{process.ID}
	}

	result.Valid = true

	return result
}
