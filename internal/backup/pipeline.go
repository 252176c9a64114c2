package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sourcegraph/conc"

	"github.com/lupppig/backup/internal/archive"
	apperrors "github.com/lupppig/backup/internal/errors"
	"github.com/lupppig/backup/internal/logger"
	"github.com/lupppig/backup/internal/notify"
	"github.com/lupppig/backup/internal/storage"
)

// Stage names as they appear in errors, logs and notifications.
const (
	StageWorkspace = "workspace"
	StageDump      = "dump"
	StagePackage   = "package"
	StageCompress  = "compress"
	StageEncrypt   = "encrypt"
	StageSplit     = "split"
	StageStore     = "store"
	StageRetain    = "retain"
)

const notifyTimeout = time.Minute

// Result is the outcome of one Execute call.
type Result struct {
	Trigger  string
	Status   notify.Status
	Err      error
	Warnings []string
	Package  *archive.Package
	Duration time.Duration
	// Notified is set once the notify pass has run.
	Notified bool
}

type run struct {
	m         *Model
	log       *logger.Logger
	started   time.Time
	workspace string
	warnings  []string
	pkg       *archive.Package
	stored    []string
}

// Execute runs the pipeline once. It never panics; the workspace is gone
// by the time it returns.
func (m *Model) Execute(ctx context.Context) (res Result) {
	r := &run{m: m, log: m.env.Logger, started: m.env.Now().UTC()}
	res.Trigger = m.trigger

	defer func() {
		if p := recover(); p != nil {
			res.Status = notify.StatusFailure
			res.Err = apperrors.New(apperrors.TypeFault, fmt.Sprintf("unhandled fault: %v", p), "")
			res.Warnings = r.warnings
			res.Duration = time.Since(r.started)
			r.log.Error("job aborted by fault", "error", res.Err)
		}
	}()

	ctx = logger.WithContext(ctx, r.log)
	r.log.Info("backup started", "label", m.label)

	err := r.createWorkspace()
	if err == nil {
		defer r.cleanup()
		err = r.stages(ctx)
	}

	res.Status = r.outcome(err)
	res.Err = err
	res.Warnings = r.warnings
	res.Package = r.pkg
	res.Duration = time.Since(r.started)

	r.notify(ctx, res)
	res.Notified = true

	switch res.Status {
	case notify.StatusSuccess:
		r.log.Info("backup finished", "duration", res.Duration)
	case notify.StatusWarning:
		r.log.Warn("backup finished with warnings", "warnings", len(res.Warnings), "duration", res.Duration)
	default:
		r.log.Error("backup failed", "stage", apperrors.StageOf(err), "error", err)
	}
	return res
}

func (r *run) createWorkspace() error {
	if err := os.MkdirAll(r.m.env.TmpPath, 0o700); err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to create tmp_path", "").InStage(StageWorkspace)
	}
	ws, err := os.MkdirTemp(r.m.env.TmpPath, r.m.trigger+"-"+r.started.Format("20060102150405")+"-")
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to create workspace", "").InStage(StageWorkspace)
	}
	r.workspace = ws
	return nil
}

func (r *run) cleanup() {
	if err := os.RemoveAll(r.workspace); err != nil {
		r.log.Warn("failed to remove workspace", "path", r.workspace, "error", err)
	}
}

func (r *run) outcome(err error) notify.Status {
	switch {
	case err != nil:
		return notify.StatusFailure
	case len(r.warnings) > 0:
		return notify.StatusWarning
	default:
		return notify.StatusSuccess
	}
}

func (r *run) stages(ctx context.Context) error {
	m := r.m

	dumps, err := runStage(ctx, r, StageDump, apperrors.TypeDump, r.dump)
	if err != nil {
		return err
	}

	path, err := runStage(ctx, r, StagePackage, apperrors.TypePackaging, func(ctx context.Context) (string, error) {
		out, warnings, err := m.packager.Package(ctx, archive.Input{
			Trigger:  m.trigger,
			Time:     r.started,
			Dir:      r.workspace,
			Dumps:    dumps,
			Paths:    m.archivePaths,
			Excludes: m.archiveExcludes,
		})
		for _, w := range warnings {
			r.warn(w)
		}
		return out, err
	})
	if err != nil {
		return err
	}
	dumpDir := filepath.Join(r.workspace, "databases")
	if err := removeAll(dumpDir); err != nil {
		r.log.Warn("failed to remove dumps", "path", dumpDir, "error", err)
	}

	var compression, encryption string
	if c := m.compressor; c != nil {
		if path, err = runStage(ctx, r, StageCompress, apperrors.TypeCompression, func(ctx context.Context) (string, error) {
			return c.Wrap(ctx, path)
		}); err != nil {
			return err
		}
		compression = c.Name()
	}
	if e := m.encryptor; e != nil {
		if path, err = runStage(ctx, r, StageEncrypt, apperrors.TypeEncryption, func(ctx context.Context) (string, error) {
			return e.Wrap(ctx, path)
		}); err != nil {
			return err
		}
		encryption = e.Name()
	}

	r.pkg, err = runStage(ctx, r, StageSplit, apperrors.TypePackaging, func(ctx context.Context) (*archive.Package, error) {
		return archive.Seal(ctx, archive.SealInput{
			Trigger:     m.trigger,
			Label:       m.label,
			Time:        r.started,
			Path:        path,
			SplitSize:   m.splitSize,
			Compression: compression,
			Encryption:  encryption,
		})
	})
	if err != nil {
		return err
	}
	r.log.Info("package ready", "package", r.pkg.Name, "size", r.pkg.Size(), "chunks", len(r.pkg.Chunks))

	stored, err := runStage(ctx, r, StageStore, apperrors.TypeStorage, r.storeAll)
	r.stored = destinationNames(stored)

	// Retention still runs for the destinations that took the package.
	if _, rerr := runStage(ctx, r, StageRetain, apperrors.TypeRetention, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.retainAll(ctx, stored)
	}); rerr != nil {
		r.warn(apperrors.Diagnostic(rerr))
	}
	return err
}

func (r *run) warn(msg string) {
	r.log.Warn(msg)
	r.warnings = append(r.warnings, msg)
}

// runStage runs fn under the stage timeout. Errors are attributed to the
// stage and typed as kind; a panic becomes an unhandled fault.
func runStage[T any](ctx context.Context, r *run, name string, kind apperrors.ErrorType, fn func(context.Context) (T, error)) (out T, err error) {
	if r.m.stageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.m.stageTimeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = apperrors.New(apperrors.TypeFault, fmt.Sprintf("panic: %v", p), "").InStage(name)
		}
	}()

	r.log.Debug("stage started", "stage", name)
	out, err = fn(ctx)
	if err != nil {
		return out, stageError(ctx, name, kind, err)
	}
	r.log.Debug("stage finished", "stage", name, "duration", time.Since(start))
	return out, nil
}

func stageError(ctx context.Context, name string, kind apperrors.ErrorType, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.Wrap(err, kind, "timed out", "Raise stage_timeout or check the slow component.").InStage(name)
	}
	var app *apperrors.AppError
	if errors.As(err, &app) && app.Type == kind {
		return app.InStage(name)
	}
	return apperrors.Wrap(err, kind, name+" failed", "").InStage(name)
}

// dump runs every database in order. Each writes below
// <workspace>/databases; stray outputs are moved there.
func (r *run) dump(ctx context.Context) ([]string, error) {
	dir := filepath.Join(r.workspace, "databases")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	var files []string
	for _, d := range r.m.databases {
		r.log.Info("dumping database", "database", d.Name())
		out, err := d.Perform(ctx, dir)
		if err != nil {
			return nil, err
		}
		if len(out) == 0 {
			return nil, apperrors.New(apperrors.TypeDump, d.Name()+" produced no output", "")
		}
		for _, f := range out {
			p, err := adopt(dir, d.Name(), f)
			if err != nil {
				return nil, apperrors.Wrap(err, apperrors.TypeDump, d.Name()+": failed to collect dump", "")
			}
			files = append(files, p)
		}
	}
	return files, nil
}

// adopt returns f if it already lives under dir, otherwise moves it to
// dir/<name>/.
func adopt(dir, name, f string) (string, error) {
	abs, err := filepath.Abs(f)
	if err != nil {
		return "", err
	}
	if rel, err := filepath.Rel(dir, abs); err == nil && !strings.HasPrefix(rel, "..") {
		return abs, nil
	}
	target := filepath.Join(dir, name, filepath.Base(abs))
	if _, err := os.Lstat(target); err == nil {
		return "", fmt.Errorf("duplicate dump file name %s", filepath.Base(abs))
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return "", err
	}
	if err := rename(abs, target); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return "", err
		}
		// dumps written to another filesystem cannot be renamed into the workspace
		if err := copyFile(abs, target); err != nil {
			os.Remove(target)
			return "", err
		}
		if err := os.Remove(abs); err != nil {
			return "", err
		}
	}
	return target, nil
}

var (
	rename    = os.Rename
	removeAll = os.RemoveAll
)

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// storeAll uploads the package to every destination at once. One
// destination failing or panicking never stops the others. It returns the
// destinations that succeeded, in configuration order.
func (r *run) storeAll(ctx context.Context) ([]storage.Storage, error) {
	storages := r.m.storages
	errs := make([]error, len(storages))

	var wg conc.WaitGroup
	for i, s := range storages {
		wg.Go(func() {
			errs[i] = r.transfer(ctx, s)
		})
	}
	wg.Wait()

	var (
		ok   []storage.Storage
		merr *multierror.Error
	)
	for i, s := range storages {
		if errs[i] != nil {
			merr = multierror.Append(merr, errs[i])
			continue
		}
		ok = append(ok, s)
	}
	if err := merr.ErrorOrNil(); err != nil {
		return ok, apperrors.Wrap(err, apperrors.TypeStorage,
			fmt.Sprintf("%d of %d destination(s) failed", len(merr.Errors), len(storages)), "")
	}
	return ok, nil
}

func (r *run) transfer(ctx context.Context, s storage.Storage) (err error) {
	log := r.log.With("storage", s.Name())
	defer func() {
		if p := recover(); p != nil {
			err = apperrors.New(apperrors.TypeFault, fmt.Sprintf("%s: panic: %v", s.Name(), p), "")
		}
		if err != nil {
			log.Error("transfer failed", "error", err)
		}
	}()
	log.Info("transferring package", "chunks", len(r.pkg.Chunks))
	if err := s.Transfer(ctx, r.pkg); err != nil {
		return err
	}
	log.Info("transfer complete")
	return nil
}

// retainAll prunes each destination that took the package and keeps a
// positive number of packages.
func (r *run) retainAll(ctx context.Context, stored []storage.Storage) error {
	var merr *multierror.Error
	for _, s := range stored {
		if s.Keep() <= 0 {
			continue
		}
		if err := r.retain(ctx, s); err != nil {
			r.log.Warn("retention failed", "storage", s.Name(), "error", err)
			merr = multierror.Append(merr, err)
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return apperrors.Wrap(err, apperrors.TypeRetention, "retention failed", "")
	}
	return nil
}

func (r *run) retain(ctx context.Context, s storage.Storage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = apperrors.New(apperrors.TypeFault, fmt.Sprintf("%s: panic: %v", s.Name(), p), "")
		}
	}()
	return s.Retain(ctx, r.m.trigger, s.Keep())
}

func destinationNames(ss []storage.Storage) []string {
	names := make([]string, 0, len(ss))
	for _, s := range ss {
		names = append(names, s.Name())
	}
	return names
}

// notify sends the one report of this run. It runs even when ctx is
// already cancelled.
func (r *run) notify(ctx context.Context, res Result) {
	if len(r.m.notifiers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	m := &notify.MultiNotifier{Notifiers: r.m.notifiers, Logger: r.log}
	m.Notify(ctx, r.stats(res))
}

func (r *run) stats(res Result) notify.Stats {
	s := notify.Stats{
		Status:       res.Status,
		Trigger:      r.m.trigger,
		Label:        r.m.label,
		Warnings:     res.Warnings,
		Destinations: r.stored,
		Duration:     res.Duration,
		StartedAt:    r.started,
	}
	if res.Err != nil {
		s.Stage = apperrors.StageOf(res.Err)
		s.Message = res.Err.Error()
		s.Error = apperrors.Diagnostic(res.Err)
	}
	if r.pkg != nil {
		s.Package = r.pkg.Name
		s.Size = r.pkg.Size()
		s.Chunks = len(r.pkg.Chunks)
	}
	switch res.Status {
	case notify.StatusSuccess:
		s.Message = fmt.Sprintf("package stored at %d destination(s)", len(r.stored))
	case notify.StatusWarning:
		s.Message = fmt.Sprintf("package stored at %d destination(s) with %d warning(s)", len(r.stored), len(res.Warnings))
	}
	return s
}

// notifyResult reports a result that never reached the notify pass.
func (m *Model) notifyResult(ctx context.Context, res Result) {
	r := &run{m: m, log: m.env.Logger, started: m.env.Now().UTC().Add(-res.Duration)}
	r.notify(ctx, res)
}
