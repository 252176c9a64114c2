package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	apperrors "github.com/lupppig/backup/internal/errors"
	"github.com/lupppig/backup/internal/manifest"
)

// Input is everything that goes into one package.
type Input struct {
	Trigger string
	Time    time.Time
	// Dir is the job workspace. The tar is written at its root and dump
	// entries are named relative to it.
	Dir string
	// Dumps are files produced by the database stage, in configuration order.
	Dumps []string
	// Paths are host files or directories archived under archive/.
	Paths    []string
	Excludes []string
}

// Packager bundles dumps and archive paths into one tar. Two runs over
// unchanged inputs produce byte-identical output.
type Packager struct{}

func NewPackager() *Packager {
	return &Packager{}
}

// Package writes <trigger>.<timestamp>.tar into in.Dir and returns its
// path. Archive paths that do not exist are skipped and reported as
// warnings.
func (p *Packager) Package(ctx context.Context, in Input) (string, []string, error) {
	out := filepath.Join(in.Dir, manifest.BaseName(in.Trigger, in.Time)+".tar")
	f, err := os.Create(out)
	if err != nil {
		return "", nil, apperrors.Wrap(err, apperrors.TypePackaging, "failed to create package", "")
	}

	w := &tarWriter{tw: tar.NewWriter(f), excludes: in.Excludes}
	if w.workspace, err = filepath.Abs(in.Dir); err != nil {
		f.Close()
		os.Remove(out)
		return "", nil, apperrors.Wrap(err, apperrors.TypePackaging, "failed to resolve workspace", "")
	}
	warnings, err := w.writeAll(ctx, in)
	if err == nil {
		err = w.tw.Close()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out)
		return "", nil, apperrors.Wrap(err, apperrors.TypePackaging, "failed to write package", "")
	}
	return out, warnings, nil
}

type tarWriter struct {
	tw       *tar.Writer
	excludes []string
	// workspace is never archived, whatever the paths name.
	workspace string
}

func (w *tarWriter) writeAll(ctx context.Context, in Input) ([]string, error) {
	for _, dump := range in.Dumps {
		rel, err := filepath.Rel(in.Dir, dump)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil, fmt.Errorf("dump %s is outside the workspace", dump)
		}
		info, err := os.Lstat(dump)
		if err != nil {
			return nil, err
		}
		if err := w.writeEntry(ctx, dump, filepath.ToSlash(rel), info); err != nil {
			return nil, err
		}
	}

	var warnings []string
	for _, p := range in.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		info, err := os.Lstat(abs)
		if os.IsNotExist(err) {
			warnings = append(warnings, fmt.Sprintf("archive path %s does not exist, skipped", p))
			continue
		}
		if err != nil {
			return nil, err
		}
		if w.excluded(abs) {
			continue
		}
		if err := w.walk(ctx, abs, info); err != nil {
			return nil, err
		}
	}
	return warnings, nil
}

// walk writes path and, for directories, its children in lexical order.
func (w *tarWriter) walk(ctx context.Context, path string, info os.FileInfo) error {
	if err := w.writeEntry(ctx, path, archiveName(path), info); err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		full := filepath.Join(path, e.Name())
		if w.excluded(full) {
			continue
		}
		child, err := e.Info()
		if err != nil {
			return err
		}
		if err := w.walk(ctx, full, child); err != nil {
			return err
		}
	}
	return nil
}

// archiveName maps /etc/nginx/nginx.conf to archive/etc/nginx/nginx.conf.
func archiveName(abs string) string {
	return "archive/" + strings.TrimLeft(filepath.ToSlash(abs), "/")
}

func (w *tarWriter) writeEntry(ctx context.Context, path, name string, info os.FileInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		var err error
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	} else if !info.IsDir() && !info.Mode().IsRegular() {
		// sockets, devices and pipes
		return nil
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	hdr.Uname, hdr.Gname = "", ""
	hdr.AccessTime, hdr.ChangeTime = time.Time{}, time.Time{}
	hdr.ModTime = hdr.ModTime.Truncate(time.Second)
	if err := w.tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	// A file that grows while it is read must not overrun its header size.
	_, err = io.CopyN(w.tw, f, hdr.Size)
	return err
}

// excluded matches abs against each exclude as a path prefix or as a glob
// over the full path or the base name.
func (w *tarWriter) excluded(abs string) bool {
	if within(abs, w.workspace) {
		return true
	}
	for _, ex := range w.excludes {
		if ex == "" {
			continue
		}
		if filepath.IsAbs(ex) {
			if within(abs, filepath.Clean(ex)) {
				return true
			}
		}
		if ok, _ := filepath.Match(ex, abs); ok {
			return true
		}
		if ok, _ := filepath.Match(ex, filepath.Base(abs)); ok {
			return true
		}
	}
	return false
}

func within(path, dir string) bool {
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}
