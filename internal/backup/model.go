package backup

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/lupppig/backup/internal/archive"
	"github.com/lupppig/backup/internal/compress"
	"github.com/lupppig/backup/internal/config"
	"github.com/lupppig/backup/internal/crypto"
	"github.com/lupppig/backup/internal/db"
	apperrors "github.com/lupppig/backup/internal/errors"
	"github.com/lupppig/backup/internal/finder"
	"github.com/lupppig/backup/internal/logger"
	"github.com/lupppig/backup/internal/notify"
	"github.com/lupppig/backup/internal/storage"
)

// Env is the runtime environment a job executes in.
type Env struct {
	// TmpPath is the parent of every job workspace.
	TmpPath string
	Logger  *logger.Logger
	Now     func() time.Time
}

// Model is one fully resolved trigger. Every component is built through
// the finder when the model is created and never changes afterwards.
type Model struct {
	trigger      string
	label        string
	splitSize    int64
	stageTimeout time.Duration

	databases  []db.Database
	storages   []storage.Storage
	compressor compress.Compressor
	encryptor  crypto.Encryptor
	notifiers  []notify.Notifier

	archivePaths    []string
	archiveExcludes []string

	packager *archive.Packager
	env      Env
}

// NewModel validates def and resolves each of its components. Any problem
// is a configuration error and nothing has run yet.
func NewModel(ctx context.Context, def config.Trigger, f *finder.Finder, env Env) (_ *Model, err error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	split, err := def.SplitSize()
	if err != nil {
		return nil, err
	}
	if env.Logger == nil {
		env.Logger = logger.Nop()
	}
	if env.Now == nil {
		env.Now = time.Now
	}

	m := &Model{
		trigger:         def.Name,
		label:           def.Label,
		splitSize:       split,
		stageTimeout:    def.StageTimeout,
		archivePaths:    append([]string(nil), def.Archive.Paths...),
		archiveExcludes: append([]string(nil), def.Archive.Excludes...),
		packager:        archive.NewPackager(),
		env:             env,
	}
	defer func() {
		if p := recover(); p != nil {
			m.Close()
			panic(p)
		}
		if err != nil {
			m.Close()
		}
	}()

	seen := map[string]bool{}
	for _, c := range def.Databases {
		d, err := f.Database(ctx, spec(c))
		if err != nil {
			return nil, m.configError(err)
		}
		if seen[d.Name()] {
			return nil, m.configError(apperrors.New(apperrors.TypeConfig,
				fmt.Sprintf("database %s is declared twice", d.Name()), "Give each database a distinct name."))
		}
		seen[d.Name()] = true
		m.databases = append(m.databases, d)
	}

	if def.Compressor != nil {
		if m.compressor, err = f.Compressor(ctx, spec(*def.Compressor)); err != nil {
			return nil, m.configError(err)
		}
	}
	if def.Encryptor != nil {
		if m.encryptor, err = f.Encryptor(ctx, spec(*def.Encryptor)); err != nil {
			return nil, m.configError(err)
		}
	}

	names := map[string]int{}
	for _, c := range def.Storages {
		s := spec(c.Component)
		s.Keep = c.Keep
		s.Name = strings.ToLower(c.Type)
		if n := names[s.Name]; n > 0 {
			s.Name = fmt.Sprintf("%s-%d", s.Name, n+1)
		}
		names[strings.ToLower(c.Type)]++

		st, err := f.Storage(ctx, s)
		if err != nil {
			return nil, m.configError(err)
		}
		m.storages = append(m.storages, st)
	}

	for _, c := range def.Notifiers {
		n, err := f.Notifier(ctx, spec(c))
		if err != nil {
			return nil, m.configError(err)
		}
		m.notifiers = append(m.notifiers, n)
	}
	return m, nil
}

// Close releases the connections held by the model's destinations.
func (m *Model) Close() error {
	var merr *multierror.Error
	for _, s := range m.storages {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("%s: %w", s.Name(), err))
			}
		}
	}
	return merr.ErrorOrNil()
}

func spec(c config.Component) finder.Spec {
	return finder.Spec{Type: c.Type, Options: c.Options}
}

func (m *Model) configError(err error) error {
	return apperrors.Wrap(err, apperrors.TypeConfig, "trigger "+m.trigger, "")
}

func (m *Model) Trigger() string                 { return m.trigger }
func (m *Model) Label() string                   { return m.label }
func (m *Model) SplitSize() int64                { return m.splitSize }
func (m *Model) StageTimeout() time.Duration     { return m.stageTimeout }
func (m *Model) Compressor() compress.Compressor { return m.compressor }
func (m *Model) Encryptor() crypto.Encryptor     { return m.encryptor }

func (m *Model) Databases() []db.Database {
	return append([]db.Database(nil), m.databases...)
}

func (m *Model) Storages() []storage.Storage {
	return append([]storage.Storage(nil), m.storages...)
}

func (m *Model) Notifiers() []notify.Notifier {
	return append([]notify.Notifier(nil), m.notifiers...)
}

func (m *Model) ArchivePaths() []string {
	return append([]string(nil), m.archivePaths...)
}

func (m *Model) ArchiveExcludes() []string {
	return append([]string(nil), m.archiveExcludes...)
}
