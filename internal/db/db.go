package db

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	apperrors "github.com/lupppig/backup/internal/errors"
	"github.com/lupppig/backup/internal/logger"
)

// Database produces one or more dump files inside dir and returns their
// paths. A failure carries the tool's diagnostic output.
type Database interface {
	Name() string
	Perform(ctx context.Context, dir string) ([]string, error)
}

// Command is one invocation of an external dump tool.
type Command struct {
	Name string
	Args []string
	Env  []string
}

func (c Command) String() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

type Runner interface {
	Run(ctx context.Context, cmd Command, stdout io.Writer) error
}

// LocalRunner executes tools on this host.
type LocalRunner struct{}

const maxStderr = 64 * 1024

func (LocalRunner) Run(ctx context.Context, cmd Command, stdout io.Writer) error {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Env = append(os.Environ(), cmd.Env...)
	if stdout == nil {
		stdout = io.Discard
	}
	c.Stdout = stdout
	stderr := &tailBuffer{max: maxStderr}
	c.Stderr = stderr

	if err := c.Run(); err != nil {
		return &ToolError{Tool: cmd.Name, Err: err, Stderr: stderr.String()}
	}
	return nil
}

// ToolError is a failed external command with the tail of its stderr.
type ToolError struct {
	Tool   string
	Err    error
	Stderr string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// NotFound reports a missing binary, either from lookup or a shell's 127.
func (e *ToolError) NotFound() bool {
	if errors.Is(e.Err, exec.ErrNotFound) || errors.Is(e.Err, os.ErrNotExist) {
		return true
	}
	var exit *exec.ExitError
	return errors.As(e.Err, &exit) && exit.ExitCode() == 127
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }

// TLSOptions is shared by the network databases.
type TLSOptions struct {
	Mode       string `mapstructure:"mode"` // disable | require | verify-ca | verify-full | skip-verify
	CACert     string `mapstructure:"ca_cert"`
	ClientCert string `mapstructure:"client_cert"`
	ClientKey  string `mapstructure:"client_key"`
}

func (t TLSOptions) Enabled() bool {
	return t.Mode != "" && t.Mode != "disable"
}

func (t TLSOptions) validate() error {
	if (t.ClientCert == "") != (t.ClientKey == "") {
		return apperrors.New(apperrors.TypeConfig, "both client_cert and client_key must be provided for mTLS", "")
	}
	return nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// dumpName builds the directory name for a database inside the workspace.
func dumpName(kind, name string) string {
	n := kind
	if name != "" {
		n += "-" + unsafeChars.ReplaceAllString(name, "_")
	}
	return n
}

// runDump runs cmd with stdout redirected into path and turns any failure
// into a dump error.
func runDump(ctx context.Context, r Runner, dbName string, cmd Command, path string) error {
	log := logger.FromContext(ctx)
	log.Debug("running dump tool", "database", dbName, "tool", cmd.Name)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return apperrors.Wrap(err, apperrors.TypeDump, fmt.Sprintf("%s: failed to prepare dump directory", dbName), "")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeDump, fmt.Sprintf("%s: failed to create dump file", dbName), "")
	}
	runErr := r.Run(ctx, cmd, f)
	closeErr := f.Close()

	if runErr != nil {
		return toolFailure(dbName, cmd.Name, runErr)
	}
	if closeErr != nil {
		return apperrors.Wrap(closeErr, apperrors.TypeDump, fmt.Sprintf("%s: failed to write dump", dbName), "")
	}
	return ensureOutput(dbName, path)
}

func toolFailure(dbName, tool string, err error) error {
	var te *ToolError
	if errors.As(err, &te) {
		cause := te.Err
		if te.NotFound() {
			cause = apperrors.Wrap(te.Err, apperrors.TypeDependency, tool+" not found",
				fmt.Sprintf("Install %s or set its utility path option.", tool))
		}
		return apperrors.Wrap(cause, apperrors.TypeDump, fmt.Sprintf("%s: %s failed", dbName, tool), "").
			WithOutput(te.Stderr)
	}
	return apperrors.Wrap(err, apperrors.TypeDump, fmt.Sprintf("%s: %s failed", dbName, tool), "")
}

func ensureOutput(dbName, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeDump, fmt.Sprintf("%s: dump file missing", dbName), "")
	}
	if info.Size() == 0 {
		return apperrors.New(apperrors.TypeDump, fmt.Sprintf("%s: dump produced no output", dbName),
			"Check the database name and the tool's permissions.")
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
