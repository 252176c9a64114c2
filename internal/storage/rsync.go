package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"

	apperrors "github.com/lupppig/backup/internal/errors"
)

type RSyncOptions struct {
	// Host is reached over ssh. Without it rsync copies into a local
	// directory, such as a mounted share.
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Path     string `mapstructure:"path"`
	Compress bool   `mapstructure:"compress"`
}

// RSyncStorage pushes packages with the rsync binary. Listing and deletes
// run through a shell on the receiving side.
type RSyncStorage struct {
	opts  RSyncOptions
	rsync string
	ssh   string
}

func NewRSyncStorage(opts RSyncOptions) (*RSyncStorage, error) {
	if opts.Path == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "rsync storage: path is required", "")
	}
	if opts.Host != "" && opts.Port == 0 {
		opts.Port = 22
	}
	return &RSyncStorage{opts: opts, rsync: "rsync", ssh: "ssh"}, nil
}

func (s *RSyncStorage) remote(name string) string {
	return path.Join(s.opts.Path, name)
}

func (s *RSyncStorage) login() string {
	if s.opts.Username == "" {
		return s.opts.Host
	}
	return s.opts.Username + "@" + s.opts.Host
}

func (s *RSyncStorage) sshArgs() []string {
	return []string{"-o", "BatchMode=yes", "-p", strconv.Itoa(s.opts.Port)}
}

// target is the rsync destination for a remote path.
func (s *RSyncStorage) target(p string) string {
	if s.opts.Host == "" {
		return p
	}
	return s.login() + ":" + p
}

func (s *RSyncStorage) rsyncArgs(src, dst string) []string {
	args := []string{"--times", "--protect-args"}
	if s.opts.Compress {
		args = append(args, "--compress")
	}
	if s.opts.Host != "" {
		args = append(args, "--rsh", s.ssh+" "+strings.Join(s.sshArgs(), " "))
	}
	return append(args, src, s.target(dst))
}

// shellCommand runs script with args as positional parameters, locally or
// on the host.
func (s *RSyncStorage) shellCommand(script string, args ...string) (string, []string) {
	if s.opts.Host == "" {
		return "sh", append([]string{"-c", script, "sh"}, args...)
	}
	words := []string{"sh", "-c", shellQuote(script), "sh"}
	for _, a := range args {
		words = append(words, shellQuote(a))
	}
	full := append(s.sshArgs(), s.login(), strings.Join(words, " "))
	return s.ssh, full
}

// ssh joins its arguments into one command line for the remote shell.
func shellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}

func run(ctx context.Context, stdout io.Writer, bin string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", bin, err, msg)
		}
		return fmt.Errorf("%s: %w", bin, err)
	}
	return nil
}

func (s *RSyncStorage) shell(ctx context.Context, stdout io.Writer, script string, args ...string) error {
	bin, full := s.shellCommand(script, args...)
	return run(ctx, stdout, bin, full...)
}

func (s *RSyncStorage) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	tmp, err := os.CreateTemp("", "backup-rsync-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	dst := s.remote(name)
	if err := s.shell(ctx, nil, `mkdir -p "$(dirname "$1")"`, dst); err != nil {
		return "", err
	}
	// rsync writes to a hidden temp file and renames it into place.
	if err := run(ctx, nil, s.rsync, s.rsyncArgs(tmp.Name(), dst)...); err != nil {
		return "", err
	}
	return s.target(dst), nil
}

func (s *RSyncStorage) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if err := s.shell(ctx, &buf, `cat "$1"`, s.remote(name)); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func (s *RSyncStorage) Delete(ctx context.Context, name string) error {
	return s.shell(ctx, nil, `rm -f "$1"`, s.remote(name))
}

func (s *RSyncStorage) List(ctx context.Context, dir string) ([]string, error) {
	var out bytes.Buffer
	script := `[ -d "$1" ] || exit 0; find "$1" -maxdepth 1 -type f ! -name '.*' -exec basename {} \;`
	if err := s.shell(ctx, &out, script, s.remote(dir)); err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, path.Join(dir, line))
		}
	}
	return files, nil
}

func (s *RSyncStorage) Location() string {
	return s.target(s.opts.Path)
}

func (s *RSyncStorage) Close() error { return nil }
