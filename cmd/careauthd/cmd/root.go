package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/MrEthical07/careAuth/internal/config"
	"github.com/MrEthical07/careAuth/internal/logging"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X .../cmd.version=...".
var version = "dev"

var (
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "careauthd",
	Short: "Identity and access service for care-home records",
	Long: `careauthd authenticates care-home staff with a password and a passkey,
manages invitations and recovery, and answers access decisions for the
records application.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logger = logging.New(cfg.Logging, version)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "careauthd.yaml", "Path to the YAML configuration file")
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
