package finder

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/lupppig/backup/internal/compress"
	"github.com/lupppig/backup/internal/crypto"
	"github.com/lupppig/backup/internal/db"
	apperrors "github.com/lupppig/backup/internal/errors"
	"github.com/lupppig/backup/internal/notify"
	"github.com/lupppig/backup/internal/storage"
)

type Category string

const (
	Database   Category = "database"
	Storage    Category = "storage"
	Compressor Category = "compressor"
	Encryptor  Category = "encryptor"
	Notifier   Category = "notifier"
)

// Spec is one component declaration as handed to a factory.
type Spec struct {
	// Name identifies the instance in logs and reports. It defaults to the
	// lower-cased type.
	Name    string
	Type    string
	Options map[string]any
	Keep    int
}

// Factory builds a configured component. Storage factories may return a
// storage.Backend, which the finder wraps in a Destination, or a complete
// storage.Storage.
type Factory func(ctx context.Context, spec Spec) (any, error)

// Finder maps symbolic component names to factories. It is read-only after
// New and safe for concurrent use.
type Finder struct {
	tables map[Category]map[string]Factory
	runner db.Runner
}

type Option func(*Finder)

// WithFactory registers name in category, replacing any builtin.
func WithFactory(c Category, name string, f Factory) Option {
	return func(fd *Finder) {
		fd.table(c)[strings.ToLower(name)] = f
	}
}

// WithRunner sets the runner used by database dumps.
func WithRunner(r db.Runner) Option {
	return func(fd *Finder) { fd.runner = r }
}

func New(opts ...Option) *Finder {
	f := &Finder{
		tables: map[Category]map[string]Factory{},
		runner: db.LocalRunner{},
	}
	f.registerBuiltins()
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Finder) table(c Category) map[string]Factory {
	t, ok := f.tables[c]
	if !ok {
		t = map[string]Factory{}
		f.tables[c] = t
	}
	return t
}

func (f *Finder) register(c Category, fac Factory, names ...string) {
	for _, n := range names {
		f.table(c)[strings.ToLower(n)] = fac
	}
}

// Names lists the registered names of category, sorted.
func (f *Finder) Names(c Category) []string {
	names := make([]string, 0, len(f.tables[c]))
	for n := range f.tables[c] {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (f *Finder) build(ctx context.Context, c Category, spec Spec) (any, error) {
	if spec.Type == "" {
		return nil, apperrors.New(apperrors.TypeConfig, fmt.Sprintf("%s: type is required", c), "")
	}
	fac, ok := f.tables[c][strings.ToLower(spec.Type)]
	if !ok {
		return nil, apperrors.New(apperrors.TypeConfig,
			fmt.Sprintf("unknown %s type %q", c, spec.Type),
			"Available: "+strings.Join(f.Names(c), ", "))
	}
	if spec.Name == "" {
		spec.Name = strings.ToLower(spec.Type)
	}
	v, err := fac(ctx, spec)
	if err != nil {
		if apperrors.IsType(err, apperrors.TypeConfig) {
			return nil, err
		}
		return nil, apperrors.Wrap(err, apperrors.TypeConfig, fmt.Sprintf("%s %s: invalid configuration", c, spec.Type), "")
	}
	if isNil(v) {
		return nil, apperrors.New(apperrors.TypeConfig, fmt.Sprintf("%s %s: factory returned nil", c, spec.Type), "")
	}
	return v, nil
}

// isNil also catches typed nil pointers stored in an interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func mismatch(c Category, spec Spec, v any) error {
	return apperrors.New(apperrors.TypeConfig,
		fmt.Sprintf("%s %s: factory returned %T", c, spec.Type, v), "")
}

func (f *Finder) Database(ctx context.Context, spec Spec) (db.Database, error) {
	v, err := f.build(ctx, Database, spec)
	if err != nil {
		return nil, err
	}
	d, ok := v.(db.Database)
	if !ok {
		return nil, mismatch(Database, spec, v)
	}
	return d, nil
}

func (f *Finder) Compressor(ctx context.Context, spec Spec) (compress.Compressor, error) {
	v, err := f.build(ctx, Compressor, spec)
	if err != nil {
		return nil, err
	}
	c, ok := v.(compress.Compressor)
	if !ok {
		return nil, mismatch(Compressor, spec, v)
	}
	return c, nil
}

func (f *Finder) Encryptor(ctx context.Context, spec Spec) (crypto.Encryptor, error) {
	v, err := f.build(ctx, Encryptor, spec)
	if err != nil {
		return nil, err
	}
	e, ok := v.(crypto.Encryptor)
	if !ok {
		return nil, mismatch(Encryptor, spec, v)
	}
	return e, nil
}

// Storage resolves a destination. The shared option audit: true wraps the
// backend in a hash chained audit log.
func (f *Finder) Storage(ctx context.Context, spec Spec) (storage.Storage, error) {
	if spec.Keep < 0 {
		return nil, apperrors.New(apperrors.TypeConfig, fmt.Sprintf("storage %s: keep must not be negative", spec.Type), "")
	}
	audit := false
	if raw, ok := spec.Options["audit"]; ok {
		b, isBool := raw.(bool)
		if !isBool {
			return nil, apperrors.New(apperrors.TypeConfig, fmt.Sprintf("storage %s: audit must be a boolean", spec.Type), "")
		}
		audit = b
		spec.Options = without(spec.Options, "audit")
	}

	v, err := f.build(ctx, Storage, spec)
	if err != nil {
		return nil, err
	}
	if spec.Name == "" {
		spec.Name = strings.ToLower(spec.Type)
	}
	switch s := v.(type) {
	case storage.Backend:
		var b storage.Backend = s
		if audit {
			b = storage.NewAuditBackend(b)
		}
		return storage.NewDestination(spec.Name, spec.Keep, b), nil
	case storage.Storage:
		return s, nil
	default:
		return nil, mismatch(Storage, spec, v)
	}
}

func (f *Finder) Notifier(ctx context.Context, spec Spec) (notify.Notifier, error) {
	v, err := f.build(ctx, Notifier, spec)
	if err != nil {
		return nil, err
	}
	n, ok := v.(notify.Notifier)
	if !ok {
		return nil, mismatch(Notifier, spec, v)
	}
	return n, nil
}

func without(m map[string]any, key string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k != key {
			out[k] = v
		}
	}
	return out
}

// Decode binds raw options onto out. Unknown keys are rejected.
func Decode(c Category, spec Spec, out any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	if err := d.Decode(spec.Options); err != nil {
		return apperrors.Wrap(err, apperrors.TypeConfig,
			fmt.Sprintf("%s %s: invalid options", c, spec.Type),
			"Check option names and value types for this component.")
	}
	return nil
}
