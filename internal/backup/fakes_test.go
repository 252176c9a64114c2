package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lupppig/backup/internal/archive"
	"github.com/lupppig/backup/internal/config"
	"github.com/lupppig/backup/internal/finder"
	"github.com/lupppig/backup/internal/notify"
)

type fakeDB struct {
	name  string
	data  []byte
	err   error
	panic bool
	block bool // wait for ctx to end
	calls int32
}

func (f *fakeDB) Name() string { return f.name }

func (f *fakeDB) Perform(ctx context.Context, dir string) ([]string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.panic {
		panic("dump exploded")
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	p := filepath.Join(dir, f.name, "dump.sql")
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}
	return []string{p}, os.WriteFile(p, f.data, 0o600)
}

type fakeTransform struct {
	name  string
	ext   string
	err   error
	panic bool
}

func (f *fakeTransform) Name() string      { return f.name }
func (f *fakeTransform) Extension() string { return f.ext }

func (f *fakeTransform) Wrap(ctx context.Context, in string) (string, error) {
	if f.panic {
		panic(f.name + " exploded")
	}
	if f.err != nil {
		return "", f.err
	}
	out := in + f.ext
	return out, os.Rename(in, out)
}

type fakeStorage struct {
	name        string
	keep        int
	transferErr error
	retainErr   error
	panic       bool

	mu        sync.Mutex
	transfers [][]archive.Chunk
	retains   []int
}

func (f *fakeStorage) Name() string { return f.name }
func (f *fakeStorage) Keep() int    { return f.keep }

func (f *fakeStorage) Transfer(ctx context.Context, pkg *archive.Package) error {
	if f.panic {
		panic("upload exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	// chunks must still be on disk while a transfer runs
	for _, c := range pkg.Chunks {
		if _, err := os.Stat(c.Path); err != nil {
			return err
		}
	}
	f.transfers = append(f.transfers, append([]archive.Chunk(nil), pkg.Chunks...))
	return f.transferErr
}

func (f *fakeStorage) Retain(ctx context.Context, trigger string, keep int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retains = append(f.retains, keep)
	return f.retainErr
}

type fakeNotifier struct {
	name  string
	mu    sync.Mutex
	stats []notify.Stats
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Notify(ctx context.Context, s notify.Stats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = append(f.stats, s)
	return errors.New("notifier errors never change the outcome")
}

func (f *fakeNotifier) calls() []notify.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Stats(nil), f.stats...)
}

// fixture resolves "fake" components by their id option.
type fixture struct {
	t          *testing.T
	tmp        string
	dbs        map[string]*fakeDB
	storages   map[string]*fakeStorage
	transforms map[string]*fakeTransform
	notifiers  map[string]*fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		t:          t,
		tmp:        filepath.Join(t.TempDir(), "tmp"),
		dbs:        map[string]*fakeDB{},
		storages:   map[string]*fakeStorage{},
		transforms: map[string]*fakeTransform{},
		notifiers:  map[string]*fakeNotifier{},
	}
}

func id(s finder.Spec) string {
	v, _ := s.Options["id"].(string)
	return v
}

func (fx *fixture) finder(extra ...finder.Option) *finder.Finder {
	opts := []finder.Option{
		finder.WithFactory(finder.Database, "fake", func(ctx context.Context, s finder.Spec) (any, error) {
			return fx.dbs[id(s)], nil
		}),
		finder.WithFactory(finder.Storage, "fake", func(ctx context.Context, s finder.Spec) (any, error) {
			st := fx.storages[id(s)]
			st.keep = s.Keep
			return st, nil
		}),
		finder.WithFactory(finder.Compressor, "fake", func(ctx context.Context, s finder.Spec) (any, error) {
			return fx.transforms[id(s)], nil
		}),
		finder.WithFactory(finder.Encryptor, "fake", func(ctx context.Context, s finder.Spec) (any, error) {
			return fx.transforms[id(s)], nil
		}),
		finder.WithFactory(finder.Notifier, "fake", func(ctx context.Context, s finder.Spec) (any, error) {
			return fx.notifiers[id(s)], nil
		}),
	}
	return finder.New(append(opts, extra...)...)
}

func (fx *fixture) db(name string) *fakeDB {
	d := &fakeDB{name: name, data: []byte("CREATE TABLE " + name + " ();\n")}
	fx.dbs[name] = d
	return d
}

func (fx *fixture) storage(name string) *fakeStorage {
	s := &fakeStorage{name: name}
	fx.storages[name] = s
	return s
}

func (fx *fixture) transform(name, ext string) *fakeTransform {
	c := &fakeTransform{name: name, ext: ext}
	fx.transforms[name] = c
	return c
}

func (fx *fixture) notifier(name string) *fakeNotifier {
	n := &fakeNotifier{name: name}
	fx.notifiers[name] = n
	return n
}

func fake(id string) config.Component {
	return config.Component{Type: "fake", Options: map[string]any{"id": id}}
}

func fakeStore(id string, keep int) config.StorageComponent {
	return config.StorageComponent{Component: fake(id), Keep: keep}
}

func (fx *fixture) model(def config.Trigger) *Model {
	fx.t.Helper()
	m, err := NewModel(context.Background(), def, fx.finder(), fx.env())
	require.NoError(fx.t, err)
	return m
}

func (fx *fixture) env() Env {
	return Env{
		TmpPath: fx.tmp,
		Now:     func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	}
}

// workspaces lists what is left below the tmp path.
func (fx *fixture) workspaces() []string {
	entries, err := os.ReadDir(fx.tmp)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(fx.t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
