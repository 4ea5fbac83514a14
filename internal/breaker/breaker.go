// Package breaker gates a metric source behind a circuit breaker. After a
// threshold of consecutive probe failures the source is no longer called and
// reports 0 until Reset.
package breaker

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/vitalsd/internal/errors"
	"codeberg.org/mutker/vitalsd/internal/logger"
	"codeberg.org/mutker/vitalsd/internal/sensor"
	"codeberg.org/mutker/vitalsd/internal/vital"
	"github.com/sony/gobreaker"
)

const (
	DefaultThreshold         uint32 = 5
	DefaultGraphicsThreshold uint32 = 3

	// Open breakers stay open until Reset.
	openTimeout = 100 * 365 * 24 * time.Hour
)

// DefaultThresholdFor returns the failure threshold used for a vital.
func DefaultThresholdFor(v vital.Type) uint32 {
	if v == vital.Graphics {
		return DefaultGraphicsThreshold
	}
	return DefaultThreshold
}

// Options configures a Breaker.
type Options struct {
	Threshold uint32
	Logger    logger.Logger
	// OnFailure is called for every counted probe failure.
	OnFailure func(v vital.Type, err error)
	// OnTrip is called once each time the breaker disables its source.
	OnTrip func(v vital.Type)
}

// State is a snapshot of the failure bookkeeping.
type State struct {
	ConsecutiveFailures uint32
	Disabled            bool
}

// Breaker wraps exactly one source. Value never fails outward.
type Breaker struct {
	src  sensor.Source
	opts Options

	mu sync.RWMutex
	cb *gobreaker.CircuitBreaker
}

// New wraps src and runs its discovery if it has any.
func New(ctx context.Context, src sensor.Source, opts Options) *Breaker {
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThresholdFor(src.Vital())
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	b := &Breaker{src: src, opts: opts}
	b.cb = b.newCircuit()
	b.discover(ctx)

	return b
}

func (b *Breaker) newCircuit() *gobreaker.CircuitBreaker {
	v := b.src.Vital()
	threshold := b.opts.Threshold

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    v.String(),
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Teardown cancellation says nothing about the source.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			if to != gobreaker.StateOpen {
				return
			}
			b.opts.Logger.Warn().
				Str("vital", v.String()).
				Uint32("threshold", threshold).
				Msg("Source disabled after repeated failures")
			if b.opts.OnTrip != nil {
				b.opts.OnTrip(v)
			}
		},
	})
}

func (b *Breaker) circuit() *gobreaker.CircuitBreaker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cb
}

func (b *Breaker) discover(ctx context.Context) {
	if d, ok := b.src.(sensor.Discoverer); ok {
		d.Discover(ctx)
	}
}

// Vital returns the vital of the wrapped source.
func (b *Breaker) Vital() vital.Type {
	return b.src.Vital()
}

// Source returns the wrapped source.
func (b *Breaker) Source() sensor.Source {
	return b.src
}

// Value probes the source unless the breaker is open. Failures and an open
// breaker both yield 0.
func (b *Breaker) Value(ctx context.Context) float64 {
	v, _ := b.Probe(ctx)
	return v
}

// Probe is Value with the failure reason kept for callers that report it.
// An open breaker returns gobreaker.ErrOpenState without calling the source.
func (b *Breaker) Probe(ctx context.Context) (float64, error) {
	out, err := b.circuit().Execute(func() (interface{}, error) {
		v, err := b.src.Probe(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		return vital.Clamp(v), nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, err
		}
		if ctx.Err() == nil {
			event := b.opts.Logger.Debug()
			event.Err(err).Str("vital", b.src.Vital().String())
			if code, ok := errors.CodeOf(err); ok {
				event.Str("error_code", string(code))
			}
			event.Msg("Probe failed")
			if b.opts.OnFailure != nil {
				b.opts.OnFailure(b.src.Vital(), err)
			}
		}
		return 0, err
	}

	value, ok := out.(float64)
	if !ok {
		return 0, nil
	}
	return value, nil
}

// State reports the consecutive failure count and whether the source is disabled.
func (b *Breaker) State() State {
	cb := b.circuit()
	if cb.State() == gobreaker.StateOpen {
		return State{ConsecutiveFailures: b.opts.Threshold, Disabled: true}
	}
	return State{ConsecutiveFailures: cb.Counts().ConsecutiveFailures}
}

// Reset clears the failure state and re-runs discovery.
func (b *Breaker) Reset(ctx context.Context) {
	b.mu.Lock()
	b.cb = b.newCircuit()
	b.mu.Unlock()

	b.discover(ctx)
	b.opts.Logger.Info().Str("vital", b.src.Vital().String()).Msg("Source reset")
}

// Release forwards to the wrapped source.
func (b *Breaker) Release() {
	b.src.Release()
}
