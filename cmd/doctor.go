package cmd

import (
	"fmt"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lupppig/backup/internal/finder"
	"github.com/lupppig/backup/internal/storage"
)

// tools maps component types to the binaries they shell out to.
var tools = map[string][]string{
	"postgresql": {"pg_dump"},
	"postgres":   {"pg_dump"},
	"mysql":      {"mysqldump"},
	"mongodb":    {"mongodump"},
	"mongo":      {"mongodump"},
	"redis":      {"redis-cli"},
	"docker":     {"docker"},
	"rsync":      {"rsync"},
}

const doctorMarker = ".backup-doctor"

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check dump tools and destination access",
	Long: `Verify that the native dump tools needed by the configured databases are
in PATH, that every configured destination accepts a write and a delete,
and that the audit log of audited destinations is intact.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		a.log.Info("backup doctor", "os", runtime.GOOS, "arch", runtime.GOARCH)

		needed := map[string]bool{}
		for _, t := range a.cfg.Triggers {
			for _, d := range t.Databases {
				for _, bin := range tools[strings.ToLower(d.Type)] {
					needed[bin] = true
				}
			}
			for _, s := range t.Storages {
				for _, bin := range tools[strings.ToLower(s.Type)] {
					needed[bin] = true
				}
			}
		}
		bins := make([]string, 0, len(needed))
		for bin := range needed {
			bins = append(bins, bin)
		}
		sort.Strings(bins)

		allOk := true
		fmt.Fprintln(out, "[Tools]")
		for _, bin := range bins {
			path, err := exec.LookPath(bin)
			if err != nil {
				fmt.Fprintf(out, "  [ ] %-12s: NOT FOUND\n", bin)
				allOk = false
			} else {
				fmt.Fprintf(out, "  [x] %-12s: %s\n", bin, path)
			}
		}

		fmt.Fprintln(out, "\n[Destinations]")
		f := finder.New()
		for _, t := range a.cfg.Triggers {
			for _, sc := range t.Storages {
				label := fmt.Sprintf("%s/%s", t.Name, sc.Type)
				s, err := f.Storage(cmd.Context(), finder.Spec{Type: sc.Type, Options: sc.Options, Keep: sc.Keep})
				if err != nil {
					fmt.Fprintf(out, "  [ ] %-24s: %v\n", label, err)
					allOk = false
					continue
				}
				d, ok := s.(*storage.Destination)
				if !ok {
					fmt.Fprintf(out, "  [-] %-24s: write check not supported\n", label)
					continue
				}

				start := time.Now()
				_, err = d.Backend().Save(cmd.Context(), doctorMarker, strings.NewReader("ok"))
				if err == nil {
					err = d.Backend().Delete(cmd.Context(), doctorMarker)
				}
				if err != nil {
					fmt.Fprintf(out, "  [ ] %-24s: READ/WRITE FAILED (%v)\n", label, err)
					allOk = false
				} else {
					fmt.Fprintf(out, "  [x] %-24s: %s (%s)\n", label, d.Backend().Location(), time.Since(start).Truncate(time.Millisecond))
				}
				if audit, ok := d.Backend().(*storage.AuditBackend); ok {
					n, err := audit.Verify(cmd.Context())
					if err != nil {
						fmt.Fprintf(out, "  [ ] %-24s: AUDIT LOG FAILED after %d entries (%v)\n", label, n, err)
						allOk = false
					} else {
						fmt.Fprintf(out, "  [x] %-24s: audit log intact, %d entries\n", label, n)
					}
				}
				d.Close()
			}
		}

		if !allOk {
			return fatal(fmt.Errorf("some checks failed"))
		}
		fmt.Fprintln(out, "\nAll checks passed.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
