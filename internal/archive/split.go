package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/lupppig/backup/internal/errors"
	"github.com/lupppig/backup/internal/manifest"
)

// Chunk is one file of a package ready for upload.
type Chunk struct {
	Name     string
	Path     string
	Size     int64
	Checksum string
}

// Package is the final artifact of a run: the chunks to upload and the
// manifest that describes them.
type Package struct {
	Trigger  string
	Time     time.Time
	Name     string
	Dir      string
	Chunks   []Chunk
	Manifest *manifest.Manifest
}

// Size is the size of the whole package before splitting.
func (p *Package) Size() int64 {
	if p.Manifest == nil {
		return 0
	}
	return p.Manifest.Size
}

// SealInput describes the processed package file handed to Seal.
type SealInput struct {
	Trigger     string
	Label       string
	Time        time.Time
	Path        string
	SplitSize   int64
	Compression string
	Encryption  string
}

// Seal checksums the processed package, splits it and builds its manifest.
func Seal(ctx context.Context, in SealInput) (*Package, error) {
	sum, size, err := digestFile(ctx, in.Path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypePackaging, "failed to checksum package", "")
	}
	name := filepath.Base(in.Path)
	dir := filepath.Dir(in.Path)

	chunks, err := Split(ctx, in.Path, in.SplitSize)
	if err != nil {
		return nil, err
	}

	m := manifest.New(in.Trigger, in.Time)
	m.Label = in.Label
	m.Package = name
	m.Checksum = sum
	m.Size = size
	m.Compression = in.Compression
	m.Encryption = in.Encryption
	for _, c := range chunks {
		m.Chunks = append(m.Chunks, manifest.Chunk{Name: c.Name, Size: c.Size, Checksum: c.Checksum})
	}

	return &Package{
		Trigger:  in.Trigger,
		Time:     in.Time,
		Name:     name,
		Dir:      dir,
		Chunks:   chunks,
		Manifest: m,
	}, nil
}

// Split cuts path into chunks of at most size bytes named <name>-001,
// <name>-002 and so on, then removes path. With size 0, or a file that
// already fits, the file itself is the only chunk.
func Split(ctx context.Context, path string, size int64) ([]Chunk, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypePackaging, "failed to stat package", "")
	}
	name := filepath.Base(path)

	if size <= 0 || info.Size() <= size {
		sum, n, err := digestFile(ctx, path)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypePackaging, "failed to checksum package", "")
		}
		return []Chunk{{Name: name, Path: path, Size: n, Checksum: sum}}, nil
	}

	total := int((info.Size() + size - 1) / size)
	src, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypePackaging, "failed to open package", "")
	}
	defer src.Close()

	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		c, err := writeChunk(ctx, src, filepath.Dir(path), manifest.ChunkName(name, i, total), size)
		if err != nil {
			for _, done := range chunks {
				os.Remove(done.Path)
			}
			return nil, apperrors.Wrap(err, apperrors.TypePackaging, fmt.Sprintf("failed to write chunk %d of %d", i+1, total), "")
		}
		chunks = append(chunks, c)
	}

	src.Close()
	if err := os.Remove(path); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypePackaging, "failed to remove split package", "")
	}
	return chunks, nil
}

func writeChunk(ctx context.Context, src io.Reader, dir, name string, size int64) (Chunk, error) {
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	if err != nil {
		return Chunk{}, err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), &ctxReader{ctx: ctx, r: io.LimitReader(src, size)})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(p)
		return Chunk{}, err
	}
	return Chunk{Name: name, Path: p, Size: n, Checksum: hex.EncodeToString(h.Sum(nil))}, nil
}

func digestFile(ctx context.Context, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, &ctxReader{ctx: ctx, r: f})
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

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
