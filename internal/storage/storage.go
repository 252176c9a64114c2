package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/lupppig/backup/internal/archive"
	apperrors "github.com/lupppig/backup/internal/errors"
	"github.com/lupppig/backup/internal/logger"
	"github.com/lupppig/backup/internal/manifest"
)

// Backend is a remote file store. Names are slash separated and relative
// to the backend's base path.
type Backend interface {
	Save(ctx context.Context, name string, r io.Reader) (string, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, name string) error
	// List returns the files directly below dir as base-relative names. A
	// missing dir is not an error.
	List(ctx context.Context, dir string) ([]string, error)
	Location() string
	Close() error
}

// Storage is a backup destination: it receives packages and prunes old
// ones for a trigger.
type Storage interface {
	Name() string
	Keep() int
	Transfer(ctx context.Context, pkg *archive.Package) error
	Retain(ctx context.Context, trigger string, keep int) error
}

// Destination adapts a Backend to Storage. Packages are laid out as
// <trigger>/<chunk>... followed by <trigger>/<trigger>.<timestamp>.manifest.
type Destination struct {
	name    string
	keep    int
	backend Backend
}

func NewDestination(name string, keep int, b Backend) *Destination {
	return &Destination{name: name, keep: keep, backend: b}
}

func (d *Destination) Name() string     { return d.name }
func (d *Destination) Keep() int        { return d.keep }
func (d *Destination) Backend() Backend { return d.backend }

func (d *Destination) String() string {
	return d.name + " (" + d.backend.Location() + ")"
}

func (d *Destination) Transfer(ctx context.Context, pkg *archive.Package) error {
	log := logger.FromContext(ctx).With("storage", d.name)

	for _, c := range pkg.Chunks {
		name := path.Join(pkg.Trigger, c.Name)
		if err := d.upload(ctx, name, c); err != nil {
			return apperrors.Wrap(err, apperrors.TypeStorage,
				fmt.Sprintf("%s: failed to store %s", d.name, c.Name), "Check destination reachability and credentials.")
		}
		log.Debug("chunk stored", "chunk", c.Name, "size", c.Size)
	}

	data, err := pkg.Manifest.Serialize()
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeStorage, d.name+": failed to encode manifest", "")
	}
	loc, err := d.backend.Save(ctx, path.Join(pkg.Trigger, pkg.Manifest.FileName()), bytes.NewReader(data))
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeStorage, d.name+": failed to store manifest", "")
	}
	log.Info("package stored", "location", loc, "chunks", len(pkg.Chunks))
	return nil
}

func (d *Destination) upload(ctx context.Context, name string, c archive.Chunk) error {
	f, err := os.Open(c.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if bar := addTransferBar(ctx, d.name+" "+c.Name, c.Size); bar != nil {
		r = NewProgressReader(f, bar)
		defer bar.Abort(false)
	}
	_, err = d.backend.Save(ctx, name, r)
	return err
}

// Packages returns the manifests stored for trigger, oldest first.
func (d *Destination) Packages(ctx context.Context, trigger string) ([]*manifest.Manifest, error) {
	stored, err := d.listPackages(ctx, trigger)
	if err != nil {
		return nil, err
	}
	out := make([]*manifest.Manifest, 0, len(stored))
	for _, p := range stored {
		m, err := d.readManifest(ctx, p.manifest)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypeIntegrity, "unreadable manifest "+p.manifest, "")
		}
		out = append(out, m)
	}
	return out, nil
}

func (d *Destination) readManifest(ctx context.Context, name string) (*manifest.Manifest, error) {
	rc, err := d.backend.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return manifest.Deserialize(data)
}

// storedPackage groups every file that belongs to one package.
type storedPackage struct {
	stem     string // <trigger>.<timestamp>
	manifest string
	files    []string
	sortKey  string
}

// listPackages scans <trigger>/ and groups files by package stem. Only
// packages with a manifest are returned, sorted oldest first.
func (d *Destination) listPackages(ctx context.Context, trigger string) ([]*storedPackage, error) {
	names, err := d.backend.List(ctx, trigger)
	if err != nil {
		return nil, err
	}

	byStem := map[string]*storedPackage{}
	for _, n := range names {
		base := path.Base(n)
		t, at, ok := manifest.ParseFileName(base)
		if !ok || t != trigger {
			continue
		}
		stem := manifest.BaseName(trigger, at)
		byStem[stem] = &storedPackage{stem: stem, manifest: n, sortKey: manifest.Stamp(at)}
	}
	for _, n := range names {
		base := path.Base(n)
		if strings.HasSuffix(base, manifest.Ext) {
			continue
		}
		for stem, p := range byStem {
			if strings.HasPrefix(base, stem+".") {
				p.files = append(p.files, n)
			}
		}
	}

	out := make([]*storedPackage, 0, len(byStem))
	for _, p := range byStem {
		sort.Strings(p.files)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].sortKey < out[j].sortKey })
	return out, nil
}

func (d *Destination) Close() error {
	return d.backend.Close()
}
