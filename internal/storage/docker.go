package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path"
	"strings"

	apperrors "github.com/lupppig/backup/internal/errors"
)

type DockerOptions struct {
	Container string `mapstructure:"container"`
	Path      string `mapstructure:"path"`
}

// DockerStorage writes packages into a directory inside a running
// container through `docker exec`.
type DockerStorage struct {
	container string
	base      string
	docker    string
}

func NewDockerStorage(opts DockerOptions) (*DockerStorage, error) {
	if opts.Container == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "docker storage: container is required", "")
	}
	if opts.Path == "" {
		opts.Path = "/backups"
	}
	return &DockerStorage{container: opts.Container, base: opts.Path, docker: "docker"}, nil
}

func (s *DockerStorage) remote(name string) string {
	return path.Join(s.base, name)
}

func (s *DockerStorage) exec(ctx context.Context, stdin io.Reader, stdout io.Writer, args ...string) error {
	full := []string{"exec"}
	if stdin != nil {
		full = append(full, "-i")
	}
	full = append(full, s.container)
	full = append(full, args...)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.docker, full...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("docker exec %s: %w: %s", args[0], err, msg)
		}
		return fmt.Errorf("docker exec %s: %w", args[0], err)
	}
	return nil
}

func (s *DockerStorage) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	p := s.remote(name)
	// Paths are passed as positional parameters so they never hit the shell parser.
	script := `mkdir -p "$(dirname "$1")" && cat > "$1.tmp" && mv "$1.tmp" "$1"`
	if err := s.exec(ctx, &ctxReader{ctx: ctx, r: r}, nil, "sh", "-c", script, "sh", p); err != nil {
		return "", err
	}
	return "docker://" + s.container + p, nil
}

func (s *DockerStorage) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if err := s.exec(ctx, nil, &buf, "cat", s.remote(name)); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func (s *DockerStorage) Delete(ctx context.Context, name string) error {
	return s.exec(ctx, nil, nil, "rm", "-f", s.remote(name))
}

func (s *DockerStorage) List(ctx context.Context, dir string) ([]string, error) {
	var out bytes.Buffer
	script := `[ -d "$1" ] || exit 0; find "$1" -maxdepth 1 -type f ! -name '*.tmp' -exec basename {} \;`
	if err := s.exec(ctx, nil, &out, "sh", "-c", script, "sh", s.remote(dir)); err != nil {
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

func (s *DockerStorage) Location() string {
	return "docker://" + s.container + s.base
}

func (s *DockerStorage) Close() error { return nil }
