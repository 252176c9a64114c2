package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/lupppig/backup/internal/logger"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusFailure Status = "failure"
)

// Stats is the outcome of one job as reported to notifiers.
type Stats struct {
	Status       Status        `json:"status"`
	Trigger      string        `json:"trigger"`
	Label        string        `json:"label,omitempty"`
	Stage        string        `json:"stage,omitempty"` // failing stage
	Message      string        `json:"message,omitempty"`
	Error        string        `json:"error,omitempty"`
	Warnings     []string      `json:"warnings,omitempty"`
	Package      string        `json:"package,omitempty"`
	Size         int64         `json:"size,omitempty"`
	Chunks       int           `json:"chunks,omitempty"`
	Destinations []string      `json:"destinations,omitempty"`
	Duration     time.Duration `json:"duration"`
	StartedAt    time.Time     `json:"started_at"`
}

type Notifier interface {
	Name() string
	Notify(ctx context.Context, stats Stats) error
}

// MultiNotifier fans a report out to every notifier. A notifier that fails
// or panics is logged and skipped; Notify never returns an error.
type MultiNotifier struct {
	Notifiers []Notifier
	Logger    *logger.Logger
}

func (m *MultiNotifier) Name() string { return "multi" }

func (m *MultiNotifier) Notify(ctx context.Context, stats Stats) error {
	log := m.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}
	for _, n := range m.Notifiers {
		if err := safeNotify(ctx, n, stats); err != nil {
			log.Warn("notifier failed", "notifier", n.Name(), "error", err)
			continue
		}
		log.Debug("notification sent", "notifier", n.Name())
	}
	return nil
}

func safeNotify(ctx context.Context, n Notifier, stats Stats) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return n.Notify(ctx, stats)
}

// Events selects which outcomes a notifier reports. Unset means yes.
type Events struct {
	OnSuccess *bool `mapstructure:"on_success"`
	OnWarning *bool `mapstructure:"on_warning"`
	OnFailure *bool `mapstructure:"on_failure"`
}

func (e Events) allows(s Status) bool {
	var v *bool
	switch s {
	case StatusSuccess:
		v = e.OnSuccess
	case StatusWarning:
		v = e.OnWarning
	case StatusFailure:
		v = e.OnFailure
	}
	return v == nil || *v
}

// Filter drops reports whose status is switched off in events.
func Filter(n Notifier, events Events) Notifier {
	if events == (Events{}) {
		return n
	}
	return &filtered{Notifier: n, events: events}
}

type filtered struct {
	Notifier
	events Events
}

func (f *filtered) Notify(ctx context.Context, stats Stats) error {
	if !f.events.allows(stats.Status) {
		return nil
	}
	return f.Notifier.Notify(ctx, stats)
}
