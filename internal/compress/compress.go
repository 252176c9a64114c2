package compress

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	apperrors "github.com/lupppig/backup/internal/errors"
)

type Algorithm string

const (
	Gzip Algorithm = "gzip"
	Lz4  Algorithm = "lz4"
	Zstd Algorithm = "zstd"
)

// Compressor turns the package file at in into a compressed sibling and
// returns its path. The input is consumed.
type Compressor interface {
	Name() string
	Extension() string
	Wrap(ctx context.Context, in string) (string, error)
}

type Options struct {
	Level int `mapstructure:"level"`
}

// FileCompressor is the Compressor for every supported algorithm. Output
// depends only on the input bytes and the level.
type FileCompressor struct {
	algo  Algorithm
	level int
}

func New(algo Algorithm, opts Options) (*FileCompressor, error) {
	switch algo {
	case Gzip:
		if opts.Level == 0 {
			opts.Level = gzip.DefaultCompression
		}
		if opts.Level < gzip.HuffmanOnly || opts.Level > gzip.BestCompression {
			return nil, badLevel(algo, opts.Level)
		}
	case Zstd:
		if opts.Level == 0 {
			opts.Level = 3
		}
		if opts.Level < 1 || opts.Level > 22 {
			return nil, badLevel(algo, opts.Level)
		}
	case Lz4:
		if opts.Level < 0 || opts.Level >= len(lz4Levels) {
			return nil, badLevel(algo, opts.Level)
		}
	default:
		return nil, ErrUnsupportedAlgo(algo)
	}
	return &FileCompressor{algo: algo, level: opts.Level}, nil
}

func badLevel(algo Algorithm, level int) error {
	return apperrors.New(apperrors.TypeConfig,
		fmt.Sprintf("invalid %s level %d", algo, level), "")
}

var lz4Levels = []lz4.CompressionLevel{
	lz4.Fast, lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
	lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

func (c *FileCompressor) Name() string { return string(c.algo) }

func (c *FileCompressor) Extension() string {
	switch c.algo {
	case Gzip:
		return ".gz"
	case Zstd:
		return ".zst"
	default:
		return ".lz4"
	}
}

// NewWriter wraps w. Closing the returned writer flushes the stream but does
// not close w.
func (c *FileCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	switch c.algo {
	case Gzip:
		// Zero header: no name, no mtime.
		return gzip.NewWriterLevel(w, c.level)
	case Zstd:
		return zstd.NewWriter(w,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)),
			zstd.WithEncoderConcurrency(1))
	case Lz4:
		lw := lz4.NewWriter(w)
		if err := lw.Apply(lz4.CompressionLevelOption(lz4Levels[c.level]), lz4.ConcurrencyOption(1)); err != nil {
			return nil, err
		}
		return lw, nil
	}
	return nil, ErrUnsupportedAlgo(c.algo)
}

func (c *FileCompressor) Wrap(ctx context.Context, in string) (string, error) {
	out := in + c.Extension()
	if err := c.wrap(ctx, in, out); err != nil {
		os.Remove(out)
		return "", apperrors.Wrap(err, apperrors.TypeCompression,
			fmt.Sprintf("%s compression of %s failed", c.algo, filepath.Base(in)), "")
	}
	if err := os.Remove(in); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to remove uncompressed package", "")
	}
	return out, nil
}

func (c *FileCompressor) wrap(ctx context.Context, in, out string) error {
	src, err := os.Open(in)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer dst.Close()

	zw, err := c.NewWriter(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(zw, &ctxReader{ctx: ctx, r: src}); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return dst.Sync()
}

// NewReader returns a decompressing reader for algo.
func NewReader(algo Algorithm, r io.Reader) (io.ReadCloser, error) {
	switch algo {
	case Gzip:
		return gzip.NewReader(r)
	case Zstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	case Lz4:
		return io.NopCloser(lz4.NewReader(r)), nil
	}
	return nil, ErrUnsupportedAlgo(algo)
}

// DetectAlgorithm guesses the algorithm from a file extension.
func DetectAlgorithm(name string) (Algorithm, bool) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		return Gzip, true
	case strings.HasSuffix(name, ".zst"):
		return Zstd, true
	case strings.HasSuffix(name, ".lz4"):
		return Lz4, true
	}
	return "", false
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

type ErrUnsupportedAlgo Algorithm

func (e ErrUnsupportedAlgo) Error() string {
	return "unsupported compression algorithm: " + string(e)
}
