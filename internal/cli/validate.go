package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harborview/ledgersync/internal/config"
	"github.com/harborview/ledgersync/internal/identity"
)

// ValidationResult holds config validation results.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Listen string   `json:"listen,omitempty"`
	Actors []string `json:"actors,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a config file without starting the service",
		Long: `Validate a ledgersync YAML config file.

Checks syntax, required fields, and that no two provisioned actors
collapse to the same identity after normalization. Does not open the
database or bind the listen address.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		_ = formatter.Error("CONFIG_READ", err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read config", err)
	}
	formatter.VerboseLog("Read %d bytes from %s", len(raw), path)

	cfg, err := config.Parse(raw)
	if err != nil {
		if formatter.Format == "json" {
			resp := CLIResponse{
				Status: "error",
				Data: ValidationResult{
					Valid:  false,
					Errors: []string{err.Error()},
				},
				Error: &CLIError{Code: "CONFIG_INVALID", Message: err.Error()},
			}
			_ = json.NewEncoder(formatter.Writer).Encode(resp)
		} else {
			fmt.Fprintln(formatter.Writer, "✗ Config invalid")
			fmt.Fprintf(formatter.Writer, "  %s\n", err)
		}
		return WrapExitError(ExitFailure, "config validation failed", err)
	}

	names := make([]string, len(cfg.Actors))
	for i, a := range cfg.Actors {
		names[i] = a.Name
		formatter.VerboseLog("Actor %q normalizes to %q", a.Name, identity.Normalize(a.Name))
	}

	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{
			Valid:  true,
			Listen: cfg.Listen,
			Actors: names,
		})
	}

	fmt.Fprintln(formatter.Writer, "✓ Config valid")
	fmt.Fprintf(formatter.Writer, "  listen:         %s\n", cfg.Listen)
	if cfg.Database != "" {
		fmt.Fprintf(formatter.Writer, "  database:       %s\n", cfg.Database)
	} else {
		fmt.Fprintln(formatter.Writer, "  database:       (in-memory)")
	}
	fmt.Fprintf(formatter.Writer, "  intent expiry:  %s\n", cfg.IntentExpiry)
	fmt.Fprintf(formatter.Writer, "  sweep interval: %s\n", cfg.SweepInterval)
	fmt.Fprintf(formatter.Writer, "  actors:         %d provisioned\n", len(names))
	return nil
}
