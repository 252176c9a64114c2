package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lupppig/backup/internal/backup"
	apperrors "github.com/lupppig/backup/internal/errors"
	"github.com/lupppig/backup/internal/finder"
	"github.com/lupppig/backup/internal/storage"
)

var (
	performTriggers []string
	showProgress    bool
)

var performCmd = &cobra.Command{
	Use:   "perform",
	Short: "Run one or more triggers",
	Long: `Run the given triggers and wait for all of them to finish.

Triggers run independently: one failing never stops another. The exit code
is 0 when every trigger succeeded, 1 when some finished with warnings and 2
when at least one failed.`,
	Example: `  backup perform --trigger nightly
  backup perform --trigger nightly,files --progress`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		if len(performTriggers) == 0 {
			return fatal(apperrors.New(apperrors.TypeConfig, "no trigger given", "Pass --trigger with one or more trigger names."))
		}

		ctx := cmd.Context()
		if showProgress {
			p := storage.NewProgressContainer(cmd.ErrOrStderr())
			ctx = storage.WithProgress(ctx, p)
			defer p.Wait()
		}

		report := backup.NewCoordinator(a.cfg, finder.New(), a.log).Run(ctx, performTriggers)

		out := cmd.OutOrStdout()
		for _, res := range report.Results {
			detail := ""
			switch {
			case res.Err != nil:
				detail = res.Err.Error()
			case res.Package != nil:
				detail = res.Package.Name
			}
			fmt.Fprintf(out, "%-20s %-8s %s\n", res.Trigger, res.Status, detail)
			for _, w := range res.Warnings {
				fmt.Fprintf(out, "%-20s %-8s %s\n", "", "", w)
			}
		}

		if code := report.ExitCode(); code != backup.ExitSuccess {
			return &ExitError{Code: code, Err: fmt.Errorf("backup finished with status %s", report.Status())}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(performCmd)

	performCmd.Flags().StringSliceVarP(&performTriggers, "trigger", "t", nil, "triggers to run (comma separated)")
	performCmd.Flags().BoolVar(&showProgress, "progress", false, "show upload progress bars")
}
