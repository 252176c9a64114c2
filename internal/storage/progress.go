package storage

import (
	"context"
	"io"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// ProgressReader tracks bytes read and updates an mpb.Bar.
type ProgressReader struct {
	r   io.Reader
	bar *mpb.Bar
}

func NewProgressReader(r io.Reader, bar *mpb.Bar) *ProgressReader {
	return &ProgressReader{r: r, bar: bar}
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.bar.IncrBy(n)
	}
	return n, err
}

func NewProgressContainer(w io.Writer) *mpb.Progress {
	return mpb.New(mpb.WithWidth(64), mpb.WithOutput(w))
}

type progressKey struct{}

// WithProgress makes uploads started with ctx draw bars on p.
func WithProgress(ctx context.Context, p *mpb.Progress) context.Context {
	return context.WithValue(ctx, progressKey{}, p)
}

func addTransferBar(ctx context.Context, name string, total int64) *mpb.Bar {
	p, _ := ctx.Value(progressKey{}).(*mpb.Progress)
	if p == nil {
		return nil
	}
	return p.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1}),
			decor.Percentage(),
		),
		mpb.AppendDecorators(
			decor.OnComplete(
				decor.CountersKibiByte("% .2f / % .2f"),
				"DONE",
			),
		),
	)
}
