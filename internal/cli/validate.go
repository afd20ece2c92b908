package cli

import (
	"github.com/spf13/cobra"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate a repository configuration",
		Long: `Load a repository configuration, fill in defaults and check it against
the configuration schema. Prints the effective configuration.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := *rootOpts
			if len(args) == 1 {
				opts.Config = args[0]
			}
			return runValidate(&opts, cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	cfg, err := loadConfig(opts)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeConfig, err.Error(), nil)
	}
	if f.Format == "json" {
		return f.Success(cfg, "")
	}
	out, err := cfg.Marshal()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}
	return f.Success(cfg, "✓ configuration valid\n"+string(out))
}

