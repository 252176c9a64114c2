package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	apperrors "github.com/lupppig/backup/internal/errors"
)

type LocalOptions struct {
	Path string `mapstructure:"path"`
}

type LocalStorage struct {
	baseDir string
}

func NewLocalStorage(opts LocalOptions) (*LocalStorage, error) {
	if opts.Path == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "local storage: path is required", "")
	}
	return &LocalStorage{baseDir: opts.Path}, nil
}

func (s *LocalStorage) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	p := filepath.Join(s.baseDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := p + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpPath)

	if _, err := io.Copy(f, &ctxReader{ctx: ctx, r: r}); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write data: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write data: %w", err)
	}

	if err := os.Rename(tmpPath, p); err != nil {
		return "", fmt.Errorf("failed to finalize file (rename): %w", err)
	}
	return p, nil
}

func (s *LocalStorage) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.baseDir, filepath.FromSlash(name)))
}

func (s *LocalStorage) Delete(ctx context.Context, name string) error {
	return os.Remove(filepath.Join(s.baseDir, filepath.FromSlash(name)))
}

func (s *LocalStorage) List(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, filepath.FromSlash(dir)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".tmp" {
			continue
		}
		files = append(files, path.Join(dir, e.Name()))
	}
	return files, nil
}

func (s *LocalStorage) Location() string {
	return s.baseDir
}

func (s *LocalStorage) Close() error { return nil }

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
