package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lupppig/backup/internal/backup"
	apperrors "github.com/lupppig/backup/internal/errors"
	"github.com/lupppig/backup/internal/finder"
	"github.com/lupppig/backup/internal/manifest"
)

var backupsTrigger string

// packageLister is implemented by destinations that can read back their
// manifests.
type packageLister interface {
	Packages(ctx context.Context, trigger string) ([]*manifest.Manifest, error)
}

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List the packages each destination holds for a trigger",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		if backupsTrigger == "" {
			return fatal(apperrors.New(apperrors.TypeConfig, "no trigger given", "Pass --trigger."))
		}

		models, results := backup.NewCoordinator(a.cfg, finder.New(), a.log).Load(cmd.Context(), []string{backupsTrigger})
		m := models[0]
		if m == nil {
			return fatal(results[0].Err)
		}
		defer m.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "\n%-12s %-22s %-45s %-10s %s\n", "STORAGE", "CREATED AT", "PACKAGE", "SIZE", "CHUNKS")
		fmt.Fprintln(out, strings.Repeat("-", 100))

		for _, s := range m.Storages() {
			lister, ok := s.(packageLister)
			if !ok {
				fmt.Fprintf(out, "%-12s (listing not supported)\n", s.Name())
				continue
			}
			pkgs, err := lister.Packages(cmd.Context(), m.Trigger())
			if err != nil {
				a.log.Error("failed to list packages", "storage", s.Name(), "error", err)
				continue
			}
			for _, p := range pkgs {
				fmt.Fprintf(out, "%-12s %-22s %-45s %-10s %d\n",
					s.Name(),
					p.CreatedAt.Format("2006-01-02 15:04:05"),
					p.Package,
					humanize.IBytes(uint64(p.Size)),
					len(p.Chunks),
				)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(backupsCmd)

	backupsCmd.Flags().StringVarP(&backupsTrigger, "trigger", "t", "", "trigger whose packages to list")
}
