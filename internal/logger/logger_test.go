package logger

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{
		Writer: &buf,
		JSON:   true,
		Level:  slog.LevelInfo,
	})

	l.Info("test message", "key", "value")

	output := buf.String()
	assert.Contains(t, output, `"level":"INFO"`)
	assert.Contains(t, output, `"msg":"test message"`)
	assert.Contains(t, output, `"key":"value"`)
}

func TestLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{
		Writer:  &buf,
		JSON:    false,
		NoColor: true,
		Level:   slog.LevelDebug,
	})

	l.Debug("debug msg", "foo", "bar")
	l.Warn("warn msg")

	output := buf.String()
	lines := strings.Split(strings.TrimSpace(output), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[DEBUG]")
	assert.Contains(t, lines[0], "debug msg")
	assert.Contains(t, lines[0], "foo=bar")

	assert.Contains(t, lines[1], "[WARN]")
	assert.Contains(t, lines[1], "warn msg")
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{
		Writer:  &buf,
		JSON:    false,
		NoColor: true,
		Level:   slog.LevelWarn,
	})

	l.Debug("debug")
	l.Info("info")
	l.Warn("warn")
	l.Error("error")

	output := buf.String()
	assert.NotContains(t, output, "debug")
	assert.NotContains(t, output, "info")
	assert.Contains(t, output, "warn")
	assert.Contains(t, output, "error")
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{
		Writer: &buf,
		JSON:   true,
		Level:  slog.LevelInfo,
	})

	l2 := l.With("context", "request123")
	l2.Info("processing")

	output := buf.String()
	assert.Contains(t, output, `"context":"request123"`)
}

func TestLogger_TextWithKeepsAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Writer: &buf, NoColor: true})

	l.With("trigger", "nightly").Info("stored", "storage", "s3")

	assert.Contains(t, buf.String(), "stored trigger=nightly storage=s3")
}

func TestLogger_ConcurrentLinesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Writer: &buf, NoColor: true})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.With("job", i).Info("transfer finished")
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 20)
	for _, line := range lines {
		assert.Contains(t, line, "[INFO] transfer finished job=")
	}
}

func TestLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.log")
	var buf bytes.Buffer
	l := New(Config{Writer: &buf, NoColor: true, File: path})

	l.Info("written twice")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written twice")
	assert.Contains(t, buf.String(), "written twice")
}

func TestContext(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Writer: &buf, NoColor: true})

	ctx := WithContext(context.Background(), l)
	FromContext(ctx).Info("from ctx")
	FromContext(context.Background()).Info("dropped")

	assert.Contains(t, buf.String(), "from ctx")
	assert.NotContains(t, buf.String(), "dropped")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo,
	} {
		assert.Equal(t, want, ParseLevel(in), fmt.Sprintf("level %q", in))
	}
}
