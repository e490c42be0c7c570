package cli

import (
	"fmt"
	"time"

	"github.com/ralt/syzygia/internal/config"
	"github.com/ralt/syzygia/internal/manager"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewMirrorCmd creates the mirror command
func NewMirrorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Manage repository mirrors",
	}
	cmd.AddCommand(newMirrorListCmd())
	cmd.AddCommand(newMirrorAddCmd())
	cmd.AddCommand(newMirrorRemoveCmd())
	cmd.AddCommand(newMirrorUpdateCmd())
	return cmd
}

func newMirrorAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add REPO URL",
		Short: "Add a mirror to a repository",
		Long: `Adds a mirror to a repository. Repositories with a mirrorlist file get
a Server line appended to it; others get the URL in their mirrors list.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := editConfig(cmd, func(e *config.Editor) error { return e.AddMirror(args[0], args[1]) }); err != nil {
				return err
			}
			logrus.Infof("Added mirror %s to %s", args[1], args[0])
			return nil
		},
	}
}

func newMirrorRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove REPO URL",
		Short: "Remove a mirror from a repository",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := editConfig(cmd, func(e *config.Editor) error { return e.RemoveMirror(args[0], args[1]) }); err != nil {
				return err
			}
			logrus.Infof("Removed mirror %s from %s", args[1], args[0])
			return nil
		},
	}
}

func newMirrorUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Download mirrorlists from their servers URL",
		Long: `Downloads the published mirrorlist of every repository configured with
a servers URL and replaces its mirrorlist file. A list that fails keeps the
previous file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd)
			if err != nil {
				return err
			}
			return updateMirrorlists(cmd, m)
		},
	}
}

// updateMirrorlists reports every update and returns the first failure
func updateMirrorlists(cmd *cobra.Command, m *manager.Manager) error {
	updates := m.UpdateMirrorlists(cmd.Context())
	if len(updates) == 0 {
		logrus.Info("No repository has a servers URL")
		return nil
	}

	var failed []manager.MirrorlistUpdate
	for _, u := range updates {
		if u.Err != nil {
			logrus.Errorf("Failed to update the mirrorlist of %s: %v", u.Repo, u.Err)
			failed = append(failed, u)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d servers written to %s\n", u.Repo, u.Servers, u.Path)
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to update %d of %d mirrorlists: %w", len(failed), len(updates), failed[0].Err)
	}
	return nil
}

func newMirrorListCmd() *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List mirrors of every repository",
		Long: `Lists the mirrors of every configured repository in configured order.
With --probe, each mirror is asked for its repository database once and
mirrors are listed by rank with their latency.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if !probe {
				for _, repo := range m.Repositories() {
					fmt.Fprintf(out, "%s:\n", repo.Name)
					for _, mi := range repo.Mirrors {
						fmt.Fprintf(out, "  %-6s %s\n", mi.Scheme, mi.URL)
					}
				}
				return nil
			}

			reports, err := m.ProbeMirrors(cmd.Context())
			if err != nil {
				return err
			}
			repo := ""
			for _, r := range reports {
				if r.Repo != repo {
					repo = r.Repo
					fmt.Fprintf(out, "%s:\n", repo)
				}
				if r.Err != nil {
					fmt.Fprintf(out, "  %-6s %s  failed: %v\n", r.Mirror.Scheme, r.Mirror.URL, r.Err)
					continue
				}
				fmt.Fprintf(out, "  %-6s %s  %s\n", r.Mirror.Scheme, r.Mirror.URL, r.Stats.AvgLatency.Round(time.Millisecond))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", false, "Download from every mirror and rank them")
	return cmd
}
