package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lupppig/backup/internal/config"
)

var triggersCmd = &cobra.Command{
	Use:   "triggers",
	Short: "List the configured triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		fmt.Fprintf(out, "%-20s %-30s %-25s %-25s %s\n", "TRIGGER", "LABEL", "DATABASES", "STORAGES", "NOTIFIERS")
		fmt.Fprintln(out, strings.Repeat("-", 115))
		for _, t := range a.cfg.Triggers {
			fmt.Fprintf(out, "%-20s %-30s %-25s %-25s %s\n",
				t.Name, t.Label, types(t.Databases), storageTypes(t.Storages), types(t.Notifiers))
		}
		return nil
	},
}

func types(cs []config.Component) string {
	if len(cs) == 0 {
		return "-"
	}
	names := make([]string, 0, len(cs))
	for _, c := range cs {
		names = append(names, c.Type)
	}
	return strings.Join(names, ",")
}

func storageTypes(ss []config.StorageComponent) string {
	if len(ss) == 0 {
		return "-"
	}
	names := make([]string, 0, len(ss))
	for _, s := range ss {
		names = append(names, fmt.Sprintf("%s(keep %d)", s.Type, s.Keep))
	}
	return strings.Join(names, ",")
}

func init() {
	rootCmd.AddCommand(triggersCmd)
}
