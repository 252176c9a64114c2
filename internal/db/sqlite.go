package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/lupppig/backup/internal/errors"
	"github.com/lupppig/backup/internal/logger"
)

type SQLiteOptions struct {
	Path string `mapstructure:"path"`
	Name string `mapstructure:"name"`
}

// SQLite takes an online, consistent snapshot with VACUUM INTO, so the
// source may stay open for writes.
type SQLite struct {
	opts SQLiteOptions
}

func NewSQLite(opts SQLiteOptions) (*SQLite, error) {
	if opts.Path == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "sqlite: path is required", "Provide the database file path via options.path.")
	}
	if opts.Name == "" {
		opts.Name = strings.TrimSuffix(filepath.Base(opts.Path), filepath.Ext(opts.Path))
	}
	return &SQLite{opts: opts}, nil
}

func (s *SQLite) Name() string { return dumpName("SQLite", s.opts.Name) }

func (s *SQLite) Perform(ctx context.Context, dir string) ([]string, error) {
	logger.FromContext(ctx).Debug("snapshotting sqlite database", "path", s.opts.Path)

	if _, err := os.Stat(s.opts.Path); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeDump, s.Name()+": database file not accessible", "Verify the file path and permissions.")
	}

	out := filepath.Join(dir, s.Name(), s.opts.Name+".sqlite3")
	if err := os.MkdirAll(filepath.Dir(out), 0700); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeDump, s.Name()+": failed to prepare dump directory", "")
	}

	db, err := sql.Open("sqlite3", s.opts.Path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeDump, s.Name()+": failed to open database", "")
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", out); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeDump, s.Name()+": snapshot failed", "Ensure the file is a valid SQLite database.")
	}
	if err := ensureOutput(s.Name(), out); err != nil {
		return nil, err
	}
	return []string{out}, nil
}
