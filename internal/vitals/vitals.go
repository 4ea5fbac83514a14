// Package vitals assembles the polling subsystem: one breaker-wrapped source
// per vital, the scheduler driving them, the settings subscriptions that
// retune it and the guard that tears all of it down.
package vitals

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/vitalsd/internal/breaker"
	"codeberg.org/mutker/vitalsd/internal/config"
	"codeberg.org/mutker/vitalsd/internal/errors"
	"codeberg.org/mutker/vitalsd/internal/lifecycle"
	"codeberg.org/mutker/vitalsd/internal/logger"
	"codeberg.org/mutker/vitalsd/internal/scheduler"
	"codeberg.org/mutker/vitalsd/internal/sensor"
	"codeberg.org/mutker/vitalsd/internal/vital"
	"k8s.io/utils/clock"
)

// Options tunes a Subsystem. The zero value uses the real clock and the
// default breaker thresholds.
type Options struct {
	Clock      clock.WithTicker
	Logger     logger.Logger
	Thresholds map[vital.Type]uint32
	OnFailure  func(v vital.Type, err error)
	OnTrip     func(v vital.Type)
}

// Diagnostic is a point-in-time report for one vital.
type Diagnostic struct {
	Vital         vital.Type
	Interval      time.Duration
	Visible       bool
	Running       bool
	Breaker       breaker.State
	Stats         scheduler.Stats
	LastRequested time.Time
	Detail        string
}

type Subsystem struct {
	store    config.Live
	sink     scheduler.Sink
	log      logger.Logger
	guard    *lifecycle.Guard
	sched    *scheduler.Scheduler
	breakers map[vital.Type]*breaker.Breaker
	started  atomic.Bool
}

// New wraps every source in a breaker, running discovery, and registers the
// release hooks. Polling begins with Start.
func New(ctx context.Context, store config.Live, sink scheduler.Sink, sources sensor.Set, opts Options) (*Subsystem, error) {
	errFactory := errors.New()
	if store == nil || sink == nil {
		return nil, errFactory.WithData(errors.ErrInvalidArgument, "store and sink are required")
	}
	for _, v := range vital.All() {
		if sources[v] == nil {
			return nil, errFactory.WithData(ErrMissingSource, v.String())
		}
	}

	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	guard := lifecycle.NewGuard(ctx, log)
	s := &Subsystem{
		store:    store,
		sink:     sink,
		log:      log,
		guard:    guard,
		sched:    scheduler.New(opts.Clock, guard.Token(), log),
		breakers: make(map[vital.Type]*breaker.Breaker, len(sources)),
	}
	guard.OnStop(s.sched.StopAll)

	for _, v := range vital.All() {
		b := breaker.New(guard.Token().Context(), sources[v], breaker.Options{
			Threshold: opts.Thresholds[v],
			Logger:    log,
			OnFailure: opts.OnFailure,
			OnTrip:    opts.OnTrip,
		})
		s.breakers[v] = b
		guard.OnRelease(b.Release)
	}

	return s, nil
}

// Start begins polling every vital and subscribes to its settings.
func (s *Subsystem) Start() error {
	errFactory := errors.New()
	if !s.Alive() {
		return errFactory.New(errors.ErrTornDown)
	}
	if !s.started.CompareAndSwap(false, true) {
		return errFactory.New(ErrAlreadyStarted)
	}

	for _, v := range vital.All() {
		s.sched.SetVisible(v, s.store.Visible(v))
		if err := s.sched.Start(v, s.store.Interval(v), s.breakers[v].Value, s.sink); err != nil {
			return err
		}

		s.guard.Track(s.store.Subscribe(v.IntervalKey(), s.onInterval(v)))
		s.guard.Track(s.store.Subscribe(v.VisibleKey(), s.onVisible(v)))
	}

	s.log.Info().Msg("Polling started")
	return nil
}

func (s *Subsystem) onInterval(v vital.Type) config.Handler {
	apply := s.guard.Wrap(func() {
		d := s.store.Interval(v)
		if err := s.sched.SetInterval(v, d); err != nil && !errors.HasCode(err, errors.ErrTornDown) {
			s.log.Warn().Err(err).Str("vital", v.String()).Msg("Failed to apply interval")
			return
		}
		s.log.Info().Str("vital", v.String()).Dur("interval", d).Msg("Interval changed")
	})
	return func(string) { apply() }
}

func (s *Subsystem) onVisible(v vital.Type) config.Handler {
	apply := s.guard.Wrap(func() {
		s.sched.SetVisible(v, s.store.Visible(v))
	})
	return func(string) { apply() }
}

// Teardown stops every timer, drops the settings subscriptions and releases
// the sources. No sink update happens once it returns.
func (s *Subsystem) Teardown() bool {
	if !s.guard.Teardown() {
		return false
	}
	s.log.Info().Msg("Polling stopped")
	return true
}

func (s *Subsystem) Alive() bool {
	return s.guard.Token().Alive()
}

func (s *Subsystem) breaker(v vital.Type) (*breaker.Breaker, error) {
	errFactory := errors.New()
	if !s.Alive() {
		return nil, errFactory.New(errors.ErrTornDown)
	}
	b, ok := s.breakers[v]
	if !ok {
		return nil, errFactory.WithData(errors.ErrUnknownVital, v.String())
	}
	return b, nil
}

// Reset re-enables the breaker of v and re-runs its discovery.
func (s *Subsystem) Reset(v vital.Type) error {
	b, err := s.breaker(v)
	if err != nil {
		return err
	}
	b.Reset(s.guard.Token().Context())
	return nil
}

// ResetAll resets every breaker.
func (s *Subsystem) ResetAll() {
	for _, v := range vital.All() {
		if err := s.Reset(v); err != nil {
			return
		}
	}
}

// Value probes v once through its breaker, outside the schedule.
func (s *Subsystem) Value(v vital.Type) (float64, error) {
	b, err := s.breaker(v)
	if err != nil {
		return 0, err
	}
	return b.Probe(s.guard.Token().Context())
}

// Handle returns the active timer of v.
func (s *Subsystem) Handle(v vital.Type) *scheduler.Handle {
	return s.sched.Handle(v)
}

func (s *Subsystem) Diagnostics() []Diagnostic {
	out := make([]Diagnostic, 0, len(s.breakers))
	for _, v := range vital.All() {
		b := s.breakers[v]
		d := Diagnostic{
			Vital:         v,
			Interval:      s.store.Interval(v),
			Visible:       s.store.Visible(v),
			Running:       s.sched.Running(v),
			Breaker:       b.State(),
			Stats:         s.sched.Stats(v),
			LastRequested: s.sched.LastRequested(v),
			Detail:        detail(b.Source()),
		}
		if h := s.sched.Handle(v); h != nil {
			d.Interval = h.Interval()
		}
		out = append(out, d)
	}
	return out
}

func detail(src sensor.Source) string {
	switch src := src.(type) {
	case *sensor.Graphics:
		return src.Diagnostics().String()
	case *sensor.Thermal:
		zones := src.Zones()
		if len(zones) == 0 {
			return "Zones: none"
		}
		return fmt.Sprintf("Zones: %s", strings.Join(zones, ", "))
	default:
		return ""
	}
}
