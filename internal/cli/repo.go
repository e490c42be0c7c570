package cli

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/ralt/syzygia/internal/config"
	"github.com/ralt/syzygia/internal/models"
	"github.com/ralt/syzygia/internal/repodb"
	"github.com/ralt/syzygia/internal/scanner"
	"github.com/ralt/syzygia/internal/signer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewRepoCmd creates the repo command
func NewRepoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage and build repositories",
	}
	cmd.AddCommand(newRepoListCmd())
	cmd.AddCommand(newRepoAddCmd())
	cmd.AddCommand(newRepoRemoveCmd())
	cmd.AddCommand(newRepoBuildCmd())
	return cmd
}

func newRepoListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured repositories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd)
			if err != nil {
				return err
			}
			idx, failures := m.Index()
			synced := make(map[string]bool)
			for _, repo := range idx.Repositories() {
				synced[repo.Name] = true
			}
			logrus.Debugf("%d repositories missing from the sync cache", len(failures))

			out := cmd.OutOrStdout()
			for _, repo := range m.Repositories() {
				state := "not synchronized"
				if synced[repo.Name] {
					state = "synchronized"
				}
				fmt.Fprintf(out, "%s (priority %d, signatures %s, %d mirrors, %s)\n",
					repo.Name, repo.Priority, repo.SigLevel, len(repo.Mirrors), state)
			}
			return nil
		},
	}
}

func newRepoAddCmd() *cobra.Command {
	var (
		rc       config.RepositoryConfig
		priority int
	)

	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Add a repository to the configuration",
		Long: `Appends a repository to the configuration file. It needs at least one
--mirror, or a --mirrorlist file. With --servers, "mirror update" keeps the
mirrorlist file in sync with a published list.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc.Name = args[0]
			if cmd.Flags().Changed("priority") {
				rc.Priority = &priority
			}
			if err := editConfig(cmd, func(e *config.Editor) error { return e.AddRepository(rc) }); err != nil {
				return err
			}
			logrus.Infof("Added repository %s, run update to synchronize it", rc.Name)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&rc.Mirrors, "mirror", nil, "Mirror URL, may be repeated ($repo and $arch are expanded)")
	cmd.Flags().StringVar(&rc.Mirrorlist, "mirrorlist", "", "Mirrorlist file")
	cmd.Flags().StringVar(&rc.Servers, "servers", "", "URL of a published mirrorlist (requires --mirrorlist)")
	cmd.Flags().IntVar(&priority, "priority", 0, "Priority, lower wins (defaults to the position in the list)")
	cmd.Flags().StringVar(&rc.SigLevel, "sig-level", "", "Signature level: Required, Optional or None")
	return cmd
}

func newRepoRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Remove a repository from the configuration",
		Long: `Removes a repository from the configuration file. Installed packages
and the repository's mirrorlist file are left alone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := editConfig(cmd, func(e *config.Editor) error { return e.RemoveRepository(args[0]) }); err != nil {
				return err
			}
			logrus.Infof("Removed repository %s", args[0])
			return nil
		},
	}
}

type buildConfig struct {
	InputDir      string
	OutputDir     string
	RepoName      string
	Algorithm     string
	GPGKeyPath    string
	GPGPassphrase string
}

func newRepoBuildCmd() *cobra.Command {
	var config buildConfig

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a repository from package archives",
		Long: `Scans the input directory for package archives and writes a repository
directory with the packages, a database and, when a key is given,
detached signatures. The output can be served as a file:// or HTTP mirror.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Validate configuration
			if err := validateBuildConfig(&config); err != nil {
				return err
			}

			logrus.Info("Starting repository build...")
			logrus.Debugf("Configuration: %+v", config)

			return runBuild(cmd.Context(), &config)
		},
	}

	// Input/Output flags
	cmd.Flags().StringVarP(&config.InputDir, "input-dir", "i", ".", "Input directory to scan")
	cmd.Flags().StringVarP(&config.OutputDir, "output-dir", "o", "./repo", "Output directory")
	cmd.Flags().StringVar(&config.RepoName, "repo-name", "", "Repository name (defaults to the output directory name)")
	cmd.Flags().StringVar(&config.Algorithm, "checksum", string(models.HashSHA256), "Package checksum algorithm (md5, sha256, sha512, blake3)")

	// GPG signing flags
	cmd.Flags().StringVarP(&config.GPGKeyPath, "gpg-key", "k", "", "Path to GPG private key")
	cmd.Flags().StringVarP(&config.GPGPassphrase, "gpg-passphrase", "p", "", "GPG key passphrase")

	return cmd
}

func validateBuildConfig(config *buildConfig) error {
	if config.InputDir == "" {
		return &models.ConfigError{Field: "input-dir", Err: fmt.Errorf("input-dir is required")}
	}
	if config.OutputDir == "" {
		return &models.ConfigError{Field: "output-dir", Err: fmt.Errorf("output-dir is required")}
	}
	if !knownAlgorithm(config.Algorithm) {
		return &models.ConfigError{Field: "checksum", Err: fmt.Errorf("unsupported checksum algorithm %q", config.Algorithm)}
	}
	return nil
}

func knownAlgorithm(alg string) bool {
	switch models.HashAlgorithm(alg) {
	case models.HashMD5, models.HashSHA256, models.HashSHA512, models.HashBLAKE3:
		return true
	}
	return false
}

func runBuild(ctx context.Context, config *buildConfig) error {
	var s signer.Signer
	if config.GPGKeyPath != "" {
		gpg, err := signer.NewGPGSigner(config.GPGKeyPath, config.GPGPassphrase)
		if err != nil {
			return &models.ConfigError{Field: "gpg-key", Err: fmt.Errorf("failed to initialize GPG signer: %w", err)}
		}
		s = gpg
		logrus.Info("GPG signer initialized")
	}

	builder := repodb.NewBuilder(scanner.NewFileSystemScanner(), s)
	pkgs, err := builder.Build(ctx, repodb.BuildOptions{
		InputDir:  config.InputDir,
		OutputDir: config.OutputDir,
		RepoName:  config.RepoName,
		Algorithm: models.HashAlgorithm(config.Algorithm),
	})
	if err != nil {
		return err
	}

	var total int64
	for _, pkg := range pkgs {
		total += pkg.Size
	}
	logrus.Infof("Repository build completed with %d packages (%s)", len(pkgs), humanize.IBytes(uint64(total)))
	logrus.Infof("Output directory: %s", config.OutputDir)
	return nil
}
