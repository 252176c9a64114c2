package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lupppig/backup/internal/backup"
)

func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	configPath, rootPath, logLevel = "", "", "info"
	logJSON, noColor = false, false
	performTriggers, showProgress = nil, false
	backupsTrigger, listComponents = "", false

	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)

	err = root.ExecuteContext(context.Background())
	return buf.String(), err
}

type env struct {
	config string
	root   string
	src    string
	dest   string
}

func writeConfig(t *testing.T, body string) env {
	t.Helper()
	dir := t.TempDir()
	e := env{
		config: filepath.Join(dir, "backup.yaml"),
		root:   filepath.Join(dir, "root"),
		src:    filepath.Join(dir, "src"),
		dest:   filepath.Join(dir, "dest"),
	}
	require.NoError(t, os.MkdirAll(e.src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(e.src, "app.conf"), []byte("listen 80\n"), 0o644))

	body = strings.NewReplacer("SRC", e.src, "DEST", e.dest).Replace(body)
	require.NoError(t, os.WriteFile(e.config, []byte(body), 0o644))
	return e
}

const validConfig = `
parallelism: 2
triggers:
  - trigger: files
    label: Config files
    archive:
      paths: [SRC]
    compressor: {type: gzip}
    storages:
      - type: Local
        keep: 2
        options: {path: DEST}
`

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exit *ExitError
	require.True(t, errors.As(err, &exit), "expected ExitError, got %v", err)
	return exit.Code
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand(rootCmd, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "backup dev")
}

func TestCheckCommand(t *testing.T) {
	e := writeConfig(t, validConfig)

	out, err := executeCommand(rootCmd, "check", "--config", e.config, "--root", e.root, "--no-color", "--components")
	require.NoError(t, err)
	assert.Contains(t, out, "[x] files")
	assert.Contains(t, out, "1 trigger(s) valid")
	assert.Contains(t, out, "postgresql")
}

func TestCheckCommand_InvalidTrigger(t *testing.T) {
	e := writeConfig(t, `
triggers:
  - trigger: broken
    archive: {paths: [SRC]}
    storages:
      - type: Tape
`)

	out, err := executeCommand(rootCmd, "check", "--config", e.config, "--root", e.root, "--no-color")
	require.Error(t, err)
	assert.Equal(t, backup.ExitFatal, exitCode(t, err))
	assert.Contains(t, out, "[ ] broken")
}

func TestCheckCommand_MissingConfig(t *testing.T) {
	_, err := executeCommand(rootCmd, "check", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, backup.ExitFatal, exitCode(t, err))
}

func TestTriggersCommand(t *testing.T) {
	e := writeConfig(t, validConfig)

	out, err := executeCommand(rootCmd, "triggers", "--config", e.config, "--root", e.root, "--no-color")
	require.NoError(t, err)
	assert.Contains(t, out, "files")
	assert.Contains(t, out, "Config files")
	assert.Contains(t, out, "Local(keep 2)")
}

func TestPerformAndBackupsCommands(t *testing.T) {
	e := writeConfig(t, validConfig)
	args := []string{"--config", e.config, "--root", e.root, "--no-color"}

	out, err := executeCommand(rootCmd, append([]string{"perform", "--trigger", "files"}, args...)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "success")

	entries, err := os.ReadDir(filepath.Join(e.dest, "files"))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "one chunk plus the manifest")

	tmp, err := os.ReadDir(filepath.Join(e.root, ".tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmp)
	assert.FileExists(t, filepath.Join(e.root, "log", "backup.log"))

	out, err = executeCommand(rootCmd, append([]string{"backups", "--trigger", "files"}, args...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "local")
	assert.Contains(t, out, ".tar.gz")
}

func TestPerformCommand_ExitCodes(t *testing.T) {
	e := writeConfig(t, validConfig)
	args := []string{"--config", e.config, "--root", e.root, "--no-color"}

	_, err := executeCommand(rootCmd, append([]string{"perform"}, args...)...)
	require.Error(t, err)
	assert.Equal(t, backup.ExitFatal, exitCode(t, err))

	// unknown triggers fail without stopping the known one
	out, err := executeCommand(rootCmd, append([]string{"perform", "--trigger", "files,ghost"}, args...)...)
	require.Error(t, err)
	assert.Equal(t, backup.ExitFailure, exitCode(t, err))
	assert.Contains(t, out, "ghost")
	assert.Contains(t, out, "success")
}

func TestPerformCommand_Warning(t *testing.T) {
	e := writeConfig(t, `
triggers:
  - trigger: partial
    archive:
      paths: [SRC, SRC/missing]
    storages:
      - type: Local
        options: {path: DEST}
`)

	out, err := executeCommand(rootCmd, "perform", "--trigger", "partial", "--config", e.config, "--root", e.root, "--no-color")
	require.Error(t, err)
	assert.Equal(t, backup.ExitWarning, exitCode(t, err))
	assert.Contains(t, out, "does not exist")
}

const auditedConfig = `
triggers:
  - trigger: files
    archive:
      paths: [SRC]
    storages:
      - type: Local
        options: {path: DEST, audit: true}
`

func TestDoctorCommand_AuditLog(t *testing.T) {
	e := writeConfig(t, auditedConfig)
	args := []string{"--config", e.config, "--root", e.root, "--no-color"}

	out, err := executeCommand(rootCmd, append([]string{"perform", "--trigger", "files"}, args...)...)
	require.NoError(t, err, out)

	out, err = executeCommand(rootCmd, append([]string{"doctor"}, args...)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "audit log intact")

	logPath := filepath.Join(e.dest, "audit.jsonl")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"SAVE"`, `"DELETE"`, 1)
	require.NoError(t, os.WriteFile(logPath, []byte(tampered), 0o644))

	out, err = executeCommand(rootCmd, append([]string{"doctor"}, args...)...)
	require.Error(t, err)
	assert.Equal(t, backup.ExitFatal, exitCode(t, err))
	assert.Contains(t, out, "AUDIT LOG FAILED")
}
