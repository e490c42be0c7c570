package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewUpdateCmd creates the update command
func NewUpdateCmd() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Synchronize repository databases",
		Long: `Downloads the database of every configured repository from its mirrors,
verifies it and stores it in the sync cache. Repositories that fail are
reported and keep their previous cached copy.

With --refresh, mirrorlists with a servers URL are downloaded first, as
"mirror update" does. A mirrorlist that fails keeps its previous file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd)
			if err != nil {
				return err
			}
			if refresh {
				if err := updateMirrorlists(cmd, m); err != nil {
					logrus.Warnf("Continuing with the previous mirrorlists: %v", err)
				}
				// reload so the new mirrorlists are used
				if m, err = newManager(cmd); err != nil {
					return err
				}
			}
			repos := m.Repositories()
			if len(repos) == 0 {
				logrus.Warn("No repositories configured")
				return nil
			}

			logrus.Infof("Synchronizing %d repositories...", len(repos))
			merged, failures := m.RefreshAll(cmd.Context())
			for _, repo := range merged.Repositories() {
				logrus.Infof("%s is up to date", repo.Name)
			}
			for _, f := range failures {
				logrus.Errorf("Failed to synchronize %s: %v", f.Repo, f.Err)
			}
			if len(failures) > 0 {
				return fmt.Errorf("failed to synchronize %d of %d repositories: %w", len(failures), len(repos), failures[0].Err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "Download mirrorlists from their servers URL first")
	return cmd
}
