package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lupppig/backup/internal/backup"
	"github.com/lupppig/backup/internal/finder"
)

var listComponents bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration without running anything",
	Long: `Load every configured trigger and build its components. Nothing is
dumped, uploaded or notified. Any invalid trigger makes the command fail.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		f := finder.New()
		out := cmd.OutOrStdout()

		if listComponents {
			for _, c := range []finder.Category{finder.Database, finder.Compressor, finder.Encryptor, finder.Storage, finder.Notifier} {
				fmt.Fprintf(out, "%-11s %s\n", c, strings.Join(f.Names(c), ", "))
			}
			fmt.Fprintln(out)
		}

		names := a.cfg.TriggerNames()
		models, results := backup.NewCoordinator(a.cfg, f, a.log).Load(cmd.Context(), names)

		failed := 0
		for i, name := range names {
			if models[i] == nil {
				failed++
				fmt.Fprintf(out, "[ ] %-20s %v\n", name, results[i].Err)
				continue
			}
			models[i].Close()
			fmt.Fprintf(out, "[x] %-20s ok\n", name)
		}

		if failed > 0 {
			return fatal(fmt.Errorf("%d of %d trigger(s) are invalid", failed, len(names)))
		}
		fmt.Fprintf(out, "\n%d trigger(s) valid\n", len(names))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().BoolVar(&listComponents, "components", false, "also list every registered component type")
}
