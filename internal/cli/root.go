package cli

import (
	"errors"

	"github.com/ralt/syzygia/internal/config"
	"github.com/ralt/syzygia/internal/manager"
	"github.com/ralt/syzygia/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "syzygia",
		Short: "Binary package manager for pacman-style repositories",
		Long: `Syzygia installs, removes and upgrades binary packages from
prioritized repositories served by local or HTTP mirrors.

Repository databases are downloaded with "update"; install, remove and
upgrade then work from the synchronized copy. Every change to the set of
installed packages is applied as a single transaction.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Setup logging
			verbose, _ := cmd.Flags().GetBool("verbose")
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.InfoLevel)
			}
		},
	}

	// Global flags
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file (default $"+config.EnvConfig+" or "+config.DefaultPath+")")

	// Add subcommands
	rootCmd.AddCommand(NewInstallCmd())
	rootCmd.AddCommand(NewRemoveCmd())
	rootCmd.AddCommand(NewUpgradeCmd())
	rootCmd.AddCommand(NewUpdateCmd())
	rootCmd.AddCommand(NewSearchCmd())
	rootCmd.AddCommand(NewListCmd())
	rootCmd.AddCommand(NewInfoCmd())
	rootCmd.AddCommand(NewRepoCmd())
	rootCmd.AddCommand(NewMirrorCmd())

	return rootCmd
}

// newManager loads the configuration named by --config
func newManager(cmd *cobra.Command) (*manager.Manager, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.Source() != "" {
		logrus.Debugf("Using configuration %s", cfg.Source())
	}
	return manager.New(cfg)
}

// editConfig applies edit to the configuration file named by --config and
// saves it. The file is created when missing.
func editConfig(cmd *cobra.Command, edit func(*config.Editor) error) error {
	flagPath, _ := cmd.Flags().GetString("config")
	path := config.Path(flagPath)
	e, err := config.OpenEditor(path)
	if err != nil {
		return err
	}
	if err := edit(e); err != nil {
		return err
	}
	if err := e.Save(); err != nil {
		return err
	}
	logrus.Debugf("Updated %s", path)
	return nil
}

// Exit codes by error category
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitConfig      = 2
	ExitResolution  = 3
	ExitDownload    = 4
	ExitTransaction = 5
	ExitLocked      = 6
)

// ExitCode maps an error returned by a command to the process exit status
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, models.ErrDatabaseLocked) {
		return ExitLocked
	}
	typ, ok := models.TypeOf(err)
	if !ok {
		return ExitFailure
	}
	switch typ {
	case models.ErrConfig:
		return ExitConfig
	case models.ErrResolution:
		return ExitResolution
	case models.ErrDownload, models.ErrIntegrity:
		return ExitDownload
	case models.ErrTransaction, models.ErrDatabase:
		return ExitTransaction
	}
	return ExitFailure
}
