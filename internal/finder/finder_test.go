package finder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/lupppig/backup/internal/errors"
	"github.com/lupppig/backup/internal/notify"
	"github.com/lupppig/backup/internal/storage"
)

func TestFinder_ResolvesBuiltins(t *testing.T) {
	f := New()
	ctx := context.Background()

	d, err := f.Database(ctx, Spec{Type: "PostgreSQL", Options: map[string]any{"name": "app", "port": "5433"}})
	require.NoError(t, err)
	assert.Equal(t, "PostgreSQL-app", d.Name())

	_, err = f.Database(ctx, Spec{Type: "mongo", Options: map[string]any{"name": "app"}})
	require.NoError(t, err)

	c, err := f.Compressor(ctx, Spec{Type: "Gzip", Options: map[string]any{"level": 6}})
	require.NoError(t, err)
	assert.Equal(t, ".gz", c.Extension())

	e, err := f.Encryptor(ctx, Spec{Type: "OpenSSL", Options: map[string]any{"password": "secret"}})
	require.NoError(t, err)
	assert.Equal(t, ".enc", e.Extension())

	s, err := f.Storage(ctx, Spec{Type: "Local", Keep: 3, Options: map[string]any{"path": t.TempDir()}})
	require.NoError(t, err)
	assert.Equal(t, "local", s.Name())
	assert.Equal(t, 3, s.Keep())

	n, err := f.Notifier(ctx, Spec{Type: "Slack", Options: map[string]any{"webhook_url": "http://example.invalid", "on_success": false}})
	require.NoError(t, err)
	assert.Equal(t, "slack", n.Name())
}

func TestFinder_UnknownType(t *testing.T) {
	_, err := New().Database(context.Background(), Spec{Type: "Oracle"})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeConfig))
	assert.Contains(t, err.Error(), `unknown database type "Oracle"`)
}

func TestFinder_RejectsUnknownOption(t *testing.T) {
	_, err := New().Compressor(context.Background(), Spec{Type: "zstd", Options: map[string]any{"levle": 3}})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeConfig))
	assert.Contains(t, err.Error(), "compressor zstd")
}

func TestFinder_RejectsTypeMismatch(t *testing.T) {
	_, err := New().Storage(context.Background(), Spec{Type: "SFTP", Options: map[string]any{
		"host": "h", "username": "u", "port": map[string]any{"nested": true},
	}})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeConfig))
}

func TestFinder_ConstructorErrorsAreConfig(t *testing.T) {
	// FTP without the opt-in is a security error at construction
	_, err := New().Storage(context.Background(), Spec{Type: "FTP", Options: map[string]any{"host": "h"}})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeConfig))
}

func TestFinder_AuditOption(t *testing.T) {
	f := New()
	s, err := f.Storage(context.Background(), Spec{Type: "local", Options: map[string]any{"path": t.TempDir(), "audit": true}})
	require.NoError(t, err)
	d, ok := s.(*storage.Destination)
	require.True(t, ok)
	assert.IsType(t, &storage.AuditBackend{}, d.Backend())

	_, err = f.Storage(context.Background(), Spec{Type: "local", Options: map[string]any{"path": "x", "audit": "yes"}})
	assert.Error(t, err)
}

type stubNotifier struct{}

func (stubNotifier) Name() string                               { return "stub" }
func (stubNotifier) Notify(context.Context, notify.Stats) error { return nil }

func TestFinder_WithFactory(t *testing.T) {
	var seen Spec
	f := New(WithFactory(Notifier, "Stub", func(ctx context.Context, s Spec) (any, error) {
		seen = s
		return stubNotifier{}, nil
	}))

	n, err := f.Notifier(context.Background(), Spec{Type: "STUB", Options: map[string]any{"x": 1}})
	require.NoError(t, err)
	assert.Equal(t, "stub", n.Name())
	assert.Equal(t, "stub", seen.Name)
	assert.Contains(t, f.Names(Notifier), "stub")

	// wrong capability
	f = New(WithFactory(Database, "odd", func(ctx context.Context, s Spec) (any, error) {
		return stubNotifier{}, nil
	}))
	_, err = f.Database(context.Background(), Spec{Type: "odd"})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeConfig))
}

func TestFinder_RejectsNilComponent(t *testing.T) {
	f := New(
		WithFactory(Notifier, "untyped", func(ctx context.Context, s Spec) (any, error) {
			return nil, nil
		}),
		WithFactory(Notifier, "typed", func(ctx context.Context, s Spec) (any, error) {
			var n *stubNotifier
			return n, nil
		}),
	)
	for _, typ := range []string{"untyped", "typed"} {
		_, err := f.Notifier(context.Background(), Spec{Type: typ})
		require.Error(t, err, typ)
		assert.True(t, apperrors.IsType(err, apperrors.TypeConfig))
		assert.Contains(t, err.Error(), "factory returned nil")
	}
}

func TestFinder_Names(t *testing.T) {
	f := New()
	assert.Equal(t, []string{"gzip", "lz4", "zstd"}, f.Names(Compressor))
	assert.Equal(t, []string{"aes", "gpg", "openssl"}, f.Names(Encryptor))
	assert.Contains(t, f.Names(Storage), "scp")
	assert.Contains(t, f.Names(Storage), "rsync")
	assert.Contains(t, f.Names(Database), "postgresql")
}
