package backup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lupppig/backup/internal/config"
	apperrors "github.com/lupppig/backup/internal/errors"
	"github.com/lupppig/backup/internal/finder"
	"github.com/lupppig/backup/internal/notify"
)

func (fx *fixture) coordinator(triggers ...config.Trigger) *Coordinator {
	return fx.coordinatorWith(nil, triggers...)
}

func (fx *fixture) coordinatorWith(extra []finder.Option, triggers ...config.Trigger) *Coordinator {
	cfg := &config.Config{TmpPath: fx.tmp, Parallelism: 2, Triggers: triggers}
	c := NewCoordinator(cfg, fx.finder(extra...), nil)
	c.now = fx.env().Now
	return c
}

func simpleTrigger(name string) config.Trigger {
	return config.Trigger{
		Name:      name,
		Databases: []config.Component{fake(name)},
		Storages:  []config.StorageComponent{fakeStore(name, 1)},
		Notifiers: []config.Component{fake(name)},
	}
}

func TestCoordinator_RunsEveryTrigger(t *testing.T) {
	fx := newFixture(t)
	for _, name := range []string{"a", "b", "c"} {
		fx.db(name)
		fx.storage(name)
		fx.notifier(name)
	}
	c := fx.coordinator(simpleTrigger("a"), simpleTrigger("b"), simpleTrigger("c"))

	report := c.Run(context.Background(), []string{"c", "a", "b"})
	require.Len(t, report.Results, 3)
	assert.Equal(t, "c", report.Results[0].Trigger)
	assert.Equal(t, "a", report.Results[1].Trigger)
	assert.Equal(t, "b", report.Results[2].Trigger)
	for _, res := range report.Results {
		assert.Equal(t, notify.StatusSuccess, res.Status)
	}
	assert.Equal(t, ExitSuccess, report.ExitCode())
	for _, name := range []string{"a", "b", "c"} {
		assert.Len(t, fx.notifiers[name].calls(), 1)
	}
	assert.Empty(t, fx.workspaces())
}

func TestCoordinator_LoadFailureIsolated(t *testing.T) {
	fx := newFixture(t)
	fx.db("good")
	fx.storage("good")
	fx.notifier("good")
	bad := fx.db("bad")
	badNotifier := fx.notifier("bad")

	broken := simpleTrigger("bad")
	broken.Storages = []config.StorageComponent{{Component: config.Component{Type: "Tape"}}}
	c := fx.coordinator(simpleTrigger("good"), broken)

	report := c.Run(context.Background(), []string{"bad", "good"})
	require.Len(t, report.Results, 2)

	assert.Equal(t, notify.StatusFailure, report.Results[0].Status)
	assert.True(t, apperrors.IsType(report.Results[0].Err, apperrors.TypeConfig))
	assert.Zero(t, atomic.LoadInt32(&bad.calls), "nothing runs for a trigger that failed to load")
	assert.Empty(t, badNotifier.calls())

	assert.Equal(t, notify.StatusSuccess, report.Results[1].Status)
	assert.Len(t, fx.notifiers["good"].calls(), 1)
	assert.Equal(t, ExitFailure, report.ExitCode())
}

func TestCoordinator_LoadPanicIsolated(t *testing.T) {
	fx := newFixture(t)
	fx.db("good")
	fx.storage("good")
	fx.notifier("good")
	bad := fx.db("bad")

	exploding := finder.WithFactory(finder.Storage, "boom", func(ctx context.Context, s finder.Spec) (any, error) {
		panic("factory exploded")
	})
	broken := simpleTrigger("bad")
	broken.Storages = []config.StorageComponent{{Component: config.Component{Type: "boom"}}}
	c := fx.coordinatorWith([]finder.Option{exploding}, broken, simpleTrigger("good"))

	var report Report
	require.NotPanics(t, func() {
		report = c.Run(context.Background(), []string{"bad", "good"})
	})
	require.Len(t, report.Results, 2)

	assert.Equal(t, notify.StatusFailure, report.Results[0].Status)
	assert.True(t, apperrors.IsType(report.Results[0].Err, apperrors.TypeFault))
	assert.Contains(t, report.Results[0].Err.Error(), "factory exploded")
	assert.Zero(t, atomic.LoadInt32(&bad.calls))

	assert.Equal(t, notify.StatusSuccess, report.Results[1].Status)
	assert.Len(t, fx.notifiers["good"].calls(), 1)
}

func TestCoordinator_NilComponentIsConfigError(t *testing.T) {
	fx := newFixture(t)
	fx.db("good")
	fx.storage("good")
	fx.notifier("good")

	// no fake database registered under "ghost": the factory yields a typed nil
	broken := simpleTrigger("ghost")
	c := fx.coordinator(broken, simpleTrigger("good"))

	var report Report
	require.NotPanics(t, func() {
		report = c.Run(context.Background(), []string{"ghost", "good"})
	})
	assert.True(t, apperrors.IsType(report.Results[0].Err, apperrors.TypeConfig))
	assert.Contains(t, report.Results[0].Err.Error(), "factory returned nil")
	assert.Equal(t, notify.StatusSuccess, report.Results[1].Status)
}

func TestCoordinator_UnknownAndDuplicateTriggers(t *testing.T) {
	fx := newFixture(t)
	fx.db("a")
	fx.storage("a")
	n := fx.notifier("a")
	c := fx.coordinator(simpleTrigger("a"))

	report := c.Run(context.Background(), []string{"a", "missing", "a"})
	require.Len(t, report.Results, 3)
	assert.Equal(t, notify.StatusSuccess, report.Results[0].Status)
	assert.Contains(t, report.Results[1].Err.Error(), `unknown trigger "missing"`)
	assert.Contains(t, report.Results[2].Err.Error(), "requested twice")
	assert.Len(t, n.calls(), 1)
}

func TestCoordinator_FaultIsolation(t *testing.T) {
	fx := newFixture(t)
	for _, name := range []string{"a", "b"} {
		fx.db(name)
		fx.storage(name)
		fx.notifier(name)
	}
	c := fx.coordinator(simpleTrigger("a"), simpleTrigger("b"))
	c.execute = func(ctx context.Context, m *Model) Result {
		if m.Trigger() == "a" {
			panic("worker crashed")
		}
		return m.Execute(ctx)
	}

	report := c.Run(context.Background(), []string{"a", "b"})
	require.Len(t, report.Results, 2)

	crashed := report.Results[0]
	assert.Equal(t, notify.StatusFailure, crashed.Status)
	assert.True(t, apperrors.IsType(crashed.Err, apperrors.TypeFault))
	assert.True(t, crashed.Notified)
	calls := fx.notifiers["a"].calls()
	require.Len(t, calls, 1, "a crashed job still reports once")
	assert.Equal(t, notify.StatusFailure, calls[0].Status)
	assert.Contains(t, calls[0].Error, "worker crashed")

	assert.Equal(t, notify.StatusSuccess, report.Results[1].Status)
	assert.Len(t, fx.notifiers["b"].calls(), 1)
}

func TestCoordinator_NoDoubleNotify(t *testing.T) {
	fx := newFixture(t)
	d := fx.db("a")
	d.err = errors.New("dump failed")
	fx.storage("a")
	n := fx.notifier("a")
	c := fx.coordinator(simpleTrigger("a"))

	report := c.Run(context.Background(), []string{"a"})
	assert.Equal(t, notify.StatusFailure, report.Results[0].Status)
	assert.Len(t, n.calls(), 1)
}

func TestCoordinator_Parallelism(t *testing.T) {
	fx := newFixture(t)
	names := []string{"a", "b", "c", "d"}
	var defs []config.Trigger
	for _, name := range names {
		fx.db(name)
		fx.storage(name)
		fx.notifier(name)
		defs = append(defs, simpleTrigger(name))
	}
	c := fx.coordinator(defs...)

	var running, peak int32
	c.execute = func(ctx context.Context, m *Model) Result {
		now := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if now <= old || atomic.CompareAndSwapInt32(&peak, old, now) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return Result{Trigger: m.Trigger(), Status: notify.StatusSuccess, Notified: true}
	}

	report := c.Run(context.Background(), names)
	require.Len(t, report.Results, 4)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestReport_ExitCode(t *testing.T) {
	tests := []struct {
		statuses []notify.Status
		want     int
	}{
		{nil, ExitSuccess},
		{[]notify.Status{notify.StatusSuccess, notify.StatusSuccess}, ExitSuccess},
		{[]notify.Status{notify.StatusSuccess, notify.StatusWarning}, ExitWarning},
		{[]notify.Status{notify.StatusWarning, notify.StatusFailure, notify.StatusSuccess}, ExitFailure},
	}
	for _, tt := range tests {
		var r Report
		for _, s := range tt.statuses {
			r.Results = append(r.Results, Result{Status: s})
		}
		assert.Equal(t, tt.want, r.ExitCode(), "%v", tt.statuses)
	}
}
