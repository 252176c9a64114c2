package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/lupppig/backup/internal/config"
	apperrors "github.com/lupppig/backup/internal/errors"
	"github.com/lupppig/backup/internal/finder"
	"github.com/lupppig/backup/internal/logger"
	"github.com/lupppig/backup/internal/notify"
)

// Exit codes of a coordinated run.
const (
	ExitSuccess = 0
	ExitWarning = 1
	ExitFailure = 2
	// ExitFatal is used by the CLI when nothing could be coordinated.
	ExitFatal = 3
)

// Report holds one result per requested trigger, in request order.
type Report struct {
	Results []Result
}

// Status is the worst outcome in the report.
func (r Report) Status() notify.Status {
	status := notify.StatusSuccess
	for _, res := range r.Results {
		switch res.Status {
		case notify.StatusFailure:
			return notify.StatusFailure
		case notify.StatusWarning:
			status = notify.StatusWarning
		}
	}
	return status
}

func (r Report) ExitCode() int {
	switch r.Status() {
	case notify.StatusFailure:
		return ExitFailure
	case notify.StatusWarning:
		return ExitWarning
	default:
		return ExitSuccess
	}
}

// Coordinator loads the requested triggers and runs each in isolation: a
// job that fails, even by panicking, never affects its siblings.
// Isolation is in-process (goroutine plus recover); a crash of the process
// itself still ends every job.
type Coordinator struct {
	cfg    *config.Config
	finder *finder.Finder
	log    *logger.Logger
	now    func() time.Time

	// execute runs one loaded job. Tests replace it to inject faults.
	execute func(context.Context, *Model) Result
}

func NewCoordinator(cfg *config.Config, f *finder.Finder, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Nop()
	}
	return &Coordinator{
		cfg:     cfg,
		finder:  f,
		log:     log,
		now:     time.Now,
		execute: func(ctx context.Context, m *Model) Result { return m.Execute(ctx) },
	}
}

// Load builds the model of every requested trigger. Failed loads are
// returned as Failure results at the same index; nothing is notified for
// them.
func (c *Coordinator) Load(ctx context.Context, triggers []string) ([]*Model, []Result) {
	models := make([]*Model, len(triggers))
	results := make([]Result, len(triggers))
	requested := map[string]bool{}

	for i, name := range triggers {
		fail := func(err error) {
			results[i] = Result{Trigger: name, Status: notify.StatusFailure, Err: err}
			c.log.Error("trigger not loaded", "trigger", name, "error", err)
		}
		if requested[name] {
			fail(apperrors.New(apperrors.TypeConfig, fmt.Sprintf("trigger %s requested twice", name), ""))
			continue
		}
		requested[name] = true

		def, ok := c.cfg.Trigger(name)
		if !ok {
			fail(apperrors.New(apperrors.TypeConfig, fmt.Sprintf("unknown trigger %q", name),
				"Run 'backup triggers' to list the configured triggers."))
			continue
		}
		env := Env{
			TmpPath: c.cfg.TmpPath,
			Logger:  c.log.With("trigger", name, "run_id", uuid.NewString()),
			Now:     c.now,
		}
		m, err := c.load(ctx, def, env)
		if err != nil {
			fail(err)
			continue
		}
		models[i] = m
	}
	return models, results
}

// load builds one model. A component that panics while being built fails
// only its own trigger.
func (c *Coordinator) load(ctx context.Context, def config.Trigger, env Env) (m *Model, err error) {
	defer func() {
		if p := recover(); p != nil {
			m = nil
			err = apperrors.New(apperrors.TypeFault, fmt.Sprintf("trigger %s: fault while loading: %v", def.Name, p), "")
		}
	}()
	return NewModel(ctx, def, c.finder, env)
}

// Run loads and executes the triggers. Up to cfg.Parallelism jobs run at
// once.
func (c *Coordinator) Run(ctx context.Context, triggers []string) Report {
	models, results := c.Load(ctx, triggers)

	limit := c.cfg.Parallelism
	if limit < 1 {
		limit = 1
	}
	p := pool.New().WithMaxGoroutines(limit)
	for i, m := range models {
		if m == nil {
			continue
		}
		p.Go(func() {
			results[i] = c.runJob(ctx, m)
		})
	}
	p.Wait()

	return Report{Results: results}
}

func (c *Coordinator) runJob(ctx context.Context, m *Model) (res Result) {
	start := time.Now()
	defer func() {
		if err := m.Close(); err != nil {
			c.log.Warn("failed to close destinations", "trigger", m.trigger, "error", err)
		}
	}()
	defer func() {
		if p := recover(); p != nil {
			res = Result{
				Trigger:  m.trigger,
				Status:   notify.StatusFailure,
				Err:      apperrors.New(apperrors.TypeFault, fmt.Sprintf("unhandled fault: %v", p), ""),
				Duration: time.Since(start),
			}
			c.log.Error("job aborted by fault", "trigger", m.trigger, "error", res.Err)
		}
		if res.Status == notify.StatusFailure && !res.Notified {
			m.notifyResult(ctx, res)
			res.Notified = true
		}
	}()
	return c.execute(ctx, m)
}
