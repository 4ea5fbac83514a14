// Package scheduler drives one independent recurring timer per vital. Each
// tick probes asynchronously; a tick that fires while the previous probe of
// the same vital is still running is dropped.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/vitalsd/internal/errors"
	"codeberg.org/mutker/vitalsd/internal/lifecycle"
	"codeberg.org/mutker/vitalsd/internal/logger"
	"codeberg.org/mutker/vitalsd/internal/vital"
	"k8s.io/utils/clock"
)

// Handle identifies one running timer. Changing the interval of a vital
// replaces its Handle; other vitals keep theirs.
type Handle struct {
	vital    vital.Type
	interval time.Duration
	ticker   clock.Ticker
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func (h *Handle) Vital() vital.Type { return h.vital }

func (h *Handle) Interval() time.Duration { return h.interval }

func (h *Handle) cancel() {
	h.once.Do(func() { close(h.stop) })
}

// Stats counts what happened to the ticks of one vital.
type Stats struct {
	Ticks     uint64
	Dropped   uint64
	Delivered uint64
}

// entry is the per-vital state that survives timer replacement.
type entry struct {
	probe ProbeFunc
	sink  Sink

	inFlight      atomic.Bool
	visible       atomic.Bool
	ticks         atomic.Uint64
	dropped       atomic.Uint64
	delivered     atomic.Uint64
	lastRequested atomic.Int64

	handle *Handle
}

type Scheduler struct {
	clock clock.WithTicker
	token *lifecycle.Token
	log   logger.Logger

	mu      sync.Mutex
	entries map[vital.Type]*entry
}

func New(clk clock.WithTicker, token *lifecycle.Token, log logger.Logger) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		clock:   clk,
		token:   token,
		log:     log,
		entries: make(map[vital.Type]*entry),
	}
}

// entryLocked returns the entry for v, creating a visible one if needed.
func (s *Scheduler) entryLocked(v vital.Type) *entry {
	e, ok := s.entries[v]
	if !ok {
		e = &entry{}
		e.visible.Store(true)
		s.entries[v] = e
	}
	return e
}

// Start begins polling v every interval, delivering results to sink.
func (s *Scheduler) Start(v vital.Type, interval time.Duration, probe ProbeFunc, sink Sink) error {
	errFactory := errors.New()
	if !v.Valid() {
		return errFactory.WithData(errors.ErrUnknownVital, int(v))
	}
	if interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, interval.String())
	}
	if !s.token.Alive() {
		return errFactory.New(errors.ErrTornDown)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entryLocked(v)
	if e.handle != nil {
		return errFactory.WithData(ErrAlreadyPolling, v.String())
	}
	e.probe, e.sink = probe, sink
	e.handle = s.spawn(v, interval, e)

	s.log.Debug().Str("vital", v.String()).Dur("interval", interval).Msg("Polling started")
	return nil
}

// SetInterval replaces the timer of v right away. Other vitals are untouched.
func (s *Scheduler) SetInterval(v vital.Type, interval time.Duration) error {
	errFactory := errors.New()
	if interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, interval.String())
	}
	if !s.token.Alive() {
		return errFactory.New(errors.ErrTornDown)
	}

	s.mu.Lock()
	e, ok := s.entries[v]
	if !ok || e.handle == nil {
		s.mu.Unlock()
		return errFactory.WithData(ErrNotRunning, v.String())
	}
	old := e.handle
	e.handle = s.spawn(v, interval, e)
	s.mu.Unlock()

	old.cancel()
	<-old.done

	s.log.Debug().Str("vital", v.String()).Dur("interval", interval).Msg("Polling interval changed")
	return nil
}

// SetVisible controls whether results of v reach the sink. Ticks continue either way.
func (s *Scheduler) SetVisible(v vital.Type, visible bool) {
	s.mu.Lock()
	e := s.entryLocked(v)
	s.mu.Unlock()

	e.visible.Store(visible)
}

// StopAll cancels every timer and waits for the timer goroutines to exit.
// Probes already running are not waited for; their results are dropped.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.entries))
	for _, e := range s.entries {
		if e.handle != nil {
			handles = append(handles, e.handle)
			e.handle = nil
		}
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}
}

// Running reports whether v has an active timer.
func (s *Scheduler) Running(v vital.Type) bool {
	return s.Handle(v) != nil
}

// Handle returns the active timer of v, or nil when stopped.
func (s *Scheduler) Handle(v vital.Type) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[v]; ok {
		return e.handle
	}
	return nil
}

func (s *Scheduler) Stats(v vital.Type) Stats {
	s.mu.Lock()
	e, ok := s.entries[v]
	s.mu.Unlock()
	if !ok {
		return Stats{}
	}

	return Stats{
		Ticks:     e.ticks.Load(),
		Dropped:   e.dropped.Load(),
		Delivered: e.delivered.Load(),
	}
}

// LastRequested returns when v last dispatched a probe, or the zero time.
func (s *Scheduler) LastRequested(v vital.Type) time.Time {
	s.mu.Lock()
	e, ok := s.entries[v]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}

	ns := e.lastRequested.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// spawn must be called with s.mu held.
func (s *Scheduler) spawn(v vital.Type, interval time.Duration, e *entry) *Handle {
	h := &Handle{
		vital:    v,
		interval: interval,
		ticker:   s.clock.NewTicker(interval),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.loop(h, e)
	return h
}

func (s *Scheduler) loop(h *Handle, e *entry) {
	defer close(h.done)
	defer h.ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-s.token.Done():
			s.selfCancel(h, e)
			return
		case <-h.ticker.C():
			if !s.token.Alive() {
				s.selfCancel(h, e)
				return
			}
			s.tick(h.vital, e)
		}
	}
}

func (s *Scheduler) selfCancel(h *Handle, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.handle == h {
		e.handle = nil
	}
}

func (s *Scheduler) tick(v vital.Type, e *entry) {
	e.ticks.Add(1)

	if !e.inFlight.CompareAndSwap(false, true) {
		e.dropped.Add(1)
		s.log.Debug().Str("vital", v.String()).Msg("Tick dropped, previous probe still running")
		return
	}
	e.lastRequested.Store(s.clock.Now().UnixNano())

	s.mu.Lock()
	probe, sink := e.probe, e.sink
	s.mu.Unlock()

	go func() {
		defer e.inFlight.Store(false)

		value := probe(s.token.Context())
		s.deliver(v, e, sink, value)
	}()
}

// deliver re-checks liveness after the probe returned; teardown may have
// happened while it was running.
func (s *Scheduler) deliver(v vital.Type, e *entry, sink Sink, value float64) {
	if !s.token.Alive() || !e.visible.Load() || sink == nil {
		return
	}
	if a, ok := sink.(Attacher); ok && !a.Attached(v) {
		return
	}

	s.token.Do(func() {
		sink.Update(v, vital.Clamp(value))
		e.delivered.Add(1)
	})
}
