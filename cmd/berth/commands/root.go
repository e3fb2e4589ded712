package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/dyluth/berth/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	configPath string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "berth",
	Short: "berth - build the indexing daemon and provision its socket volumes",
	Long: `berth automates the release build of the indexing daemon and the
host bootstrap of the service families it talks to.

Build: a layered, cache-keyed image build (base → builder → compile → runner)
producing one executable per linkage mode (dynamic or static-musl).

Provision: per service family, a ZFS socket volume mounted at <home>/socket
with an NFSv4 ACL for the owner and every consumer, then ownership.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Errors are printed by main or already by the printer package
	rootCmd.SilenceErrors = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "berth.yml", "Path to berth.yml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging and full build output")
}

// setup loads .env into the environment and installs the logger.
// Variables already set in the environment win over .env.
func setup(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	logging.Setup(os.Stderr, verbose)
	return nil
}
