package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lupppig/backup/internal/backup"
	"github.com/lupppig/backup/internal/config"
	"github.com/lupppig/backup/internal/logger"
)

var (
	configPath string
	rootPath   string
	logJSON    bool
	noColor    bool
	logLevel   string
)

// ExitError carries the process exit code of a finished command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func fatal(err error) error {
	return &ExitError{Code: backup.ExitFatal, Err: err}
}

var rootCmd = &cobra.Command{
	Use:   "backup",
	Short: "backup runs declarative backup triggers",
	Long: `backup runs declarative backup jobs ("triggers") described in a YAML file.

Each trigger dumps its databases, archives its paths, optionally compresses
and encrypts the result, splits it into chunks and stores it at every
configured destination. Old packages are pruned per destination and the
outcome is reported through the configured notifiers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l := logger.New(logger.Config{
			Writer:  cmd.ErrOrStderr(),
			JSON:    logJSON,
			NoColor: noColor,
			Level:   logger.ParseLevel(logLevel),
		})
		cmd.SetContext(logger.WithContext(cmd.Context(), l))
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "path to the configuration file (default ./backup.yaml)")
	pf.StringVar(&rootPath, "root", "", "base directory for tmp_path and log_path (default $HOME/Backup)")
	pf.BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
	pf.BoolVar(&noColor, "no-color", false, "disable colored log output")
	pf.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

// app is the loaded configuration plus the logger built from it.
type app struct {
	cfg *config.Config
	log *logger.Logger
}

// setup loads the configuration. Flags given on the command line win over
// the file. The returned logger also writes to a rotated file below
// log_path.
func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fatal(err)
	}

	root := rootPath
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fatal(fmt.Errorf("cannot determine home directory, pass --root: %w", err))
		}
		root = filepath.Join(home, "Backup")
	}
	cfg.ResolvePaths(root)

	flags := cmd.Flags()
	if flags.Changed("log-json") {
		cfg.LogJSON = logJSON
	}
	if flags.Changed("no-color") {
		cfg.NoColor = noColor
	}
	if flags.Changed("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel = logLevel
	}

	l := logger.New(logger.Config{
		Writer:  cmd.ErrOrStderr(),
		JSON:    cfg.LogJSON,
		NoColor: cfg.NoColor,
		Level:   logger.ParseLevel(cfg.LogLevel),
		File:    filepath.Join(cfg.LogPath, "backup.log"),
	})
	cmd.SetContext(logger.WithContext(cmd.Context(), l))
	return &app{cfg: cfg, log: l}, nil
}

func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
