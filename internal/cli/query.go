package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ralt/syzygia/internal/models"
	"github.com/spf13/cobra"
)

// NewSearchCmd creates the search command
func NewSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search QUERY",
		Short: "Search package names and descriptions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd)
			if err != nil {
				return err
			}
			db, err := m.Installed()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, pkg := range m.Search(args[0]) {
				marker := ""
				if inst, ok := db.Get(pkg.Name); ok {
					if inst.Version == pkg.Version {
						marker = " [installed]"
					} else {
						marker = fmt.Sprintf(" [installed: %s]", inst.Version)
					}
				}
				fmt.Fprintf(out, "%s/%s %s%s\n", pkg.OriginRepo, pkg.Name, pkg.Version, marker)
				if pkg.Description != "" {
					fmt.Fprintf(out, "    %s\n", pkg.Description)
				}
			}
			return nil
		},
	}
}

// NewListCmd creates the list command
func NewListCmd() *cobra.Command {
	var upgradable bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if upgradable {
				ups, err := m.Upgradable()
				if err != nil {
					return err
				}
				for _, u := range ups {
					fmt.Fprintf(out, "%s %s -> %s\n", u.Installed.Name, u.Installed.Version, u.Available.Version)
				}
				return nil
			}

			pkgs, err := m.ListInstalled()
			if err != nil {
				return err
			}
			for _, pkg := range pkgs {
				fmt.Fprintf(out, "%s %s\n", pkg.Name, pkg.Version)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&upgradable, "upgradable", "u", false, "Only list packages with a newer version available")
	return cmd
}

// NewInfoCmd creates the info command
func NewInfoCmd() *cobra.Command {
	var installed bool

	cmd := &cobra.Command{
		Use:   "info PACKAGE",
		Short: "Show package details",
		Long: `Shows the details of a package from the synchronized repositories, or
from the local database with --installed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd)
			if err != nil {
				return err
			}

			db, err := m.Installed()
			if err != nil {
				return err
			}
			local, isInstalled := db.Get(args[0])

			var pkg *models.Package
			if installed {
				pkg = local
			} else if p, ok := m.FindPackage(args[0]); ok {
				pkg = p
			}
			if pkg == nil {
				return fmt.Errorf("package %q was not found", args[0])
			}

			printInfo(cmd.OutOrStdout(), pkg, installed)
			if !installed {
				status := "no"
				if isInstalled {
					status = "yes (" + local.Version + ")"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s: %s\n", "Installed", status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&installed, "installed", "i", false, "Read the package from the local database")
	return cmd
}

func printInfo(out io.Writer, pkg *models.Package, local bool) {
	field := func(name, value string) {
		if value == "" {
			value = "None"
		}
		fmt.Fprintf(out, "%-16s: %s\n", name, value)
	}
	list := func(name string, values []string) {
		field(name, strings.Join(values, "  "))
	}
	deps := func(name string, values []models.Dependency) {
		strs := make([]string, 0, len(values))
		for _, d := range values {
			strs = append(strs, d.String())
		}
		list(name, strs)
	}

	if !local {
		field("Repository", pkg.OriginRepo)
	}
	field("Name", pkg.Name)
	field("Version", pkg.Version)
	field("Description", pkg.Description)
	field("Architecture", string(pkg.Architecture))
	field("URL", pkg.URL)
	list("Licenses", pkg.License)
	list("Groups", pkg.Groups)
	deps("Provides", pkg.Provides)
	deps("Depends On", pkg.Depends)
	list("Optional Deps", pkg.OptDepends)
	deps("Conflicts With", pkg.Conflicts)
	deps("Replaces", pkg.Replaces)
	if !local {
		field("Download Size", humanize.IBytes(uint64(pkg.Size)))
	}
	field("Installed Size", humanize.IBytes(uint64(pkg.InstalledSize)))
	field("Packager", pkg.Packager)
	if pkg.BuildDate > 0 {
		built := time.Unix(pkg.BuildDate, 0)
		field("Build Date", fmt.Sprintf("%s (%s)", built.Format(time.RFC1123), humanize.Time(built)))
	}
	if !local {
		field("Checksum", pkg.Checksum.String())
		sig := "No"
		if len(pkg.Signature) > 0 {
			sig = "Yes"
		}
		field("Signed", sig)
	} else {
		field("Files", fmt.Sprintf("%d", len(pkg.Files)))
	}
}
