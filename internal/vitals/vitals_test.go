package vitals_test

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/vitalsd/internal/config"
	"codeberg.org/mutker/vitalsd/internal/errors"
	"codeberg.org/mutker/vitalsd/internal/logger"
	"codeberg.org/mutker/vitalsd/internal/sensor"
	"codeberg.org/mutker/vitalsd/internal/vital"
	"codeberg.org/mutker/vitalsd/internal/vitals"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

const (
	waitFor = time.Second
	poll    = time.Millisecond
)

var errUnavailable = stderrors.New("unavailable")

type fakeSource struct {
	v        vital.Type
	mu       sync.Mutex
	value    float64
	err      error
	gate     chan struct{}
	started  chan struct{}
	calls    atomic.Int32
	released atomic.Bool
}

func newSource(v vital.Type, value float64) *fakeSource {
	return &fakeSource{v: v, value: value}
}

func (f *fakeSource) Vital() vital.Type { return f.v }

func (f *fakeSource) Probe(context.Context) (float64, error) {
	f.calls.Add(1)

	f.mu.Lock()
	gate, started := f.gate, f.started
	f.started = nil
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if gate != nil {
		// Deliberately ignores ctx: the result arrives whenever the gate opens.
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

func (f *fakeSource) Release() { f.released.Store(true) }

func (f *fakeSource) set(value float64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value, f.err = value, err
}

type update struct {
	vital vital.Type
	value float64
}

type recordingSink struct {
	mu      sync.Mutex
	updates []update
}

func (r *recordingSink) Update(v vital.Type, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update{v, value})
}

func (r *recordingSink) last(v vital.Type) (float64, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var value float64
	n := 0
	for _, u := range r.updates {
		if u.vital == v {
			value = u.value
			n++
		}
	}
	return value, n
}

func (r *recordingSink) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

type fixture struct {
	clock   *testingclock.FakeClock
	store   *config.Store
	sink    *recordingSink
	sources map[vital.Type]*fakeSource
	sys     *vitals.Subsystem
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		clock:   testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		store:   config.NewStore(nil, logger.Nop()),
		sink:    &recordingSink{},
		sources: make(map[vital.Type]*fakeSource),
	}

	set := sensor.Set{}
	for i, v := range vital.All() {
		src := newSource(v, float64(10*(i+1)))
		f.sources[v] = src
		set[v] = src
	}

	sys, err := vitals.New(context.Background(), f.store, f.sink, set, vitals.Options{
		Clock:  f.clock,
		Logger: logger.Nop(),
	})
	require.NoError(t, err)
	f.sys = sys
	t.Cleanup(func() { sys.Teardown() })

	return f
}

func (f *fixture) diagnostic(v vital.Type) vitals.Diagnostic {
	for _, d := range f.sys.Diagnostics() {
		if d.Vital == v {
			return d
		}
	}
	return vitals.Diagnostic{}
}

// step advances the clock and waits for v to tick.
func (f *fixture) step(t *testing.T, d time.Duration, v vital.Type) {
	t.Helper()
	before := f.diagnostic(v).Stats.Ticks
	f.clock.Step(d)
	require.Eventually(t, func() bool { return f.diagnostic(v).Stats.Ticks > before }, waitFor, poll)
}

func TestStartPollsEveryVital(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sys.Start())

	for _, v := range vital.All() {
		d := f.diagnostic(v)
		assert.True(t, d.Running, v.String())
		assert.Equal(t, config.DefaultIntervals[v], d.Interval, v.String())
	}

	f.step(t, time.Second, vital.Processor)
	require.Eventually(t, func() bool {
		_, n := f.sink.last(vital.Processor)
		return n == 1
	}, waitFor, poll)

	value, _ := f.sink.last(vital.Processor)
	assert.InDelta(t, 10.0, value, 1e-9)
	_, n := f.sink.last(vital.Storage)
	assert.Zero(t, n, "storage polls every 10s")
}

func TestStartTwiceFails(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sys.Start())

	err := f.sys.Start()
	assert.True(t, errors.HasCode(err, vitals.ErrAlreadyStarted))
}

func TestIntervalChangeRestartsOnlyThatTimer(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sys.Start())

	before := make(map[vital.Type]any)
	for _, v := range vital.All() {
		before[v] = f.sys.Handle(v)
	}

	require.NoError(t, f.store.Set(vital.Thermal.IntervalKey(), 300))

	for _, v := range vital.All() {
		if v == vital.Thermal {
			assert.NotSame(t, before[v], f.sys.Handle(v))
			assert.Equal(t, 300*time.Millisecond, f.sys.Handle(v).Interval())
			continue
		}
		assert.Same(t, before[v], f.sys.Handle(v), v.String())
	}
}

func TestInvalidIntervalKeepsTimer(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sys.Start())
	h := f.sys.Handle(vital.Memory)

	require.Error(t, f.store.Set(vital.Memory.IntervalKey(), 0))
	assert.Same(t, h, f.sys.Handle(vital.Memory))
}

func TestHiddenVitalIsNotDelivered(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set(vital.Processor.VisibleKey(), false))
	require.NoError(t, f.sys.Start())

	f.step(t, time.Second, vital.Processor)
	require.Eventually(t, func() bool { return f.sources[vital.Processor].calls.Load() == 1 }, waitFor, poll)
	assert.Never(t, func() bool {
		_, n := f.sink.last(vital.Processor)
		return n > 0
	}, 50*time.Millisecond, poll)

	require.NoError(t, f.store.Set(vital.Processor.VisibleKey(), true))
	f.step(t, time.Second, vital.Processor)
	require.Eventually(t, func() bool {
		_, n := f.sink.last(vital.Processor)
		return n == 1
	}, waitFor, poll)
}

func TestLateProbeAfterTeardownIsDiscarded(t *testing.T) {
	f := newFixture(t)
	for _, v := range vital.All() {
		if v != vital.Graphics {
			require.NoError(t, f.store.Set(v.VisibleKey(), false))
		}
	}

	gpu := f.sources[vital.Graphics]
	gpu.gate = make(chan struct{})
	gpu.started = make(chan struct{})
	require.NoError(t, f.sys.Start())

	f.step(t, 2*time.Second, vital.Graphics)
	<-gpu.started

	require.True(t, f.sys.Teardown())
	assert.False(t, f.sys.Teardown())

	time.AfterFunc(50*time.Millisecond, func() { close(gpu.gate) })
	assert.Never(t, func() bool { return f.sink.total() > 0 }, 150*time.Millisecond, 5*time.Millisecond)

	for _, v := range vital.All() {
		assert.True(t, f.sources[v].released.Load(), v.String())
		assert.False(t, f.diagnostic(v).Running, v.String())
	}
}

func TestSettingsIgnoredAfterTeardown(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sys.Start())
	f.sys.Teardown()

	require.NoError(t, f.store.Set(vital.Processor.IntervalKey(), 100))
	assert.Nil(t, f.sys.Handle(vital.Processor))

	assert.True(t, errors.HasCode(f.sys.Start(), errors.ErrTornDown))
	assert.True(t, errors.HasCode(f.sys.Reset(vital.Processor), errors.ErrTornDown))
}

func TestBreakerDisablesAndResets(t *testing.T) {
	f := newFixture(t)
	gpu := f.sources[vital.Graphics]
	gpu.set(0, errUnavailable)

	for i := 0; i < 3; i++ {
		_, err := f.sys.Value(vital.Graphics)
		require.Error(t, err)
	}
	d := f.diagnostic(vital.Graphics)
	assert.True(t, d.Breaker.Disabled)
	assert.Equal(t, int32(3), gpu.calls.Load())

	_, err := f.sys.Value(vital.Graphics)
	require.Error(t, err)
	assert.Equal(t, int32(3), gpu.calls.Load())

	gpu.set(64, nil)
	require.NoError(t, f.sys.Reset(vital.Graphics))
	value, err := f.sys.Value(vital.Graphics)
	require.NoError(t, err)
	assert.InDelta(t, 64.0, value, 1e-9)
}

func TestFailuresDeliverZero(t *testing.T) {
	f := newFixture(t)
	f.sources[vital.Processor].set(0, errUnavailable)
	require.NoError(t, f.sys.Start())

	f.step(t, time.Second, vital.Processor)
	require.Eventually(t, func() bool {
		_, n := f.sink.last(vital.Processor)
		return n == 1
	}, waitFor, poll)

	value, _ := f.sink.last(vital.Processor)
	assert.Zero(t, value)
	assert.Equal(t, uint32(1), f.diagnostic(vital.Processor).Breaker.ConsecutiveFailures)
}

func TestNewRequiresEverySource(t *testing.T) {
	set := sensor.Set{vital.Processor: newSource(vital.Processor, 1)}
	_, err := vitals.New(context.Background(), config.NewStore(nil, nil), &recordingSink{}, set, vitals.Options{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, vitals.ErrMissingSource))
}

func TestResetAll(t *testing.T) {
	f := newFixture(t)
	for _, src := range f.sources {
		src.set(0, errUnavailable)
	}
	for range 5 {
		for _, v := range vital.All() {
			_, _ = f.sys.Value(v)
		}
	}
	for _, d := range f.sys.Diagnostics() {
		require.True(t, d.Breaker.Disabled, d.Vital.String())
	}

	f.sys.ResetAll()
	for _, d := range f.sys.Diagnostics() {
		assert.False(t, d.Breaker.Disabled, d.Vital.String())
	}
}
