package app

import (
	"fmt"
	"os"

	"healbot/internal/config"
	"healbot/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is set by build flags.
var Version = "dev"

// Main runs the healbot CLI and exits non-zero on failure.
func Main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	cfg        config.Config
	logger     *logrus.Logger
}

// NewRootCommand builds the command tree. Every subcommand loads the
// configuration in PersistentPreRunE.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "healbot",
		Short:         "Triage user bug reports and apply guarded fixes",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.Path(opts.configPath))
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: $CONFIG_PATH or config.yaml)")

	root.AddCommand(
		newServeCommand(opts),
		newRollbackCommand(opts),
		newSweepCommand(opts),
		newAuditCommand(opts),
	)
	return root
}
