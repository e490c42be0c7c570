package cli

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/ralt/syzygia/internal/resolver"
	"github.com/ralt/syzygia/internal/transaction"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type transactionFlags struct {
	noDeps bool
	dryRun bool
}

func (f *transactionFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.noDeps, "nodeps", false, "Skip dependency and conflict checks")
	cmd.Flags().BoolVarP(&f.dryRun, "print", "n", false, "Only print the planned operations")
}

// NewInstallCmd creates the install command
func NewInstallCmd() *cobra.Command {
	var flags transactionFlags
	cmd := &cobra.Command{
		Use:   "install PACKAGE...",
		Short: "Install packages and their dependencies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransaction(cmd, resolver.Install, args, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

// NewRemoveCmd creates the remove command
func NewRemoveCmd() *cobra.Command {
	var flags transactionFlags
	cmd := &cobra.Command{
		Use:   "remove PACKAGE...",
		Short: "Remove installed packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransaction(cmd, resolver.Remove, args, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

// NewUpgradeCmd creates the upgrade command
func NewUpgradeCmd() *cobra.Command {
	var flags transactionFlags
	cmd := &cobra.Command{
		Use:   "upgrade [PACKAGE...]",
		Short: "Upgrade installed packages",
		Long: `Upgrades the named packages, or every installed package when none is
given. A full upgrade also applies package replacements.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransaction(cmd, resolver.Upgrade, args, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func runTransaction(cmd *cobra.Command, kind resolver.RequestKind, names []string, flags transactionFlags) error {
	m, err := newManager(cmd)
	if err != nil {
		return err
	}

	logrus.Info("Resolving dependencies...")
	tx, err := m.Resolve(kind, names, flags.noDeps)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if tx.Empty() {
		fmt.Fprintln(out, "There is nothing to do.")
		return nil
	}

	db, err := m.Installed()
	if err != nil {
		return err
	}
	printPlan(out, tx, tx.InstalledSizeDelta(db.Get))

	if flags.dryRun {
		return nil
	}
	if _, err := m.Execute(cmd.Context(), tx); err != nil {
		return err
	}
	return nil
}

func printPlan(out io.Writer, tx *transaction.Transaction, delta int64) {
	for _, c := range tx.Conflicts {
		fmt.Fprintf(out, "warning: %s\n", c)
	}

	fmt.Fprintf(out, "Transaction %s (%d operations):\n", tx.ID, len(tx.Operations))
	for _, op := range tx.Operations {
		repo := ""
		if op.NeedsPayload() && op.Package.OriginRepo != "" {
			repo = op.Package.OriginRepo + "/"
		}
		switch op.Kind {
		case transaction.OpInstall:
			fmt.Fprintf(out, "  install  %s%s %s\n", repo, op.Name(), op.To)
		case transaction.OpUpgrade:
			fmt.Fprintf(out, "  upgrade  %s%s %s -> %s\n", repo, op.Name(), op.From, op.To)
		case transaction.OpRemove:
			fmt.Fprintf(out, "  remove   %s %s\n", op.Name(), op.From)
		}
	}

	if size := tx.DownloadSize(); size > 0 {
		fmt.Fprintf(out, "Total Download Size:  %s\n", humanize.IBytes(uint64(size)))
	}
	fmt.Fprintf(out, "Net Upgrade Size:     %s\n", signedBytes(delta))
}

func signedBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}
