package sink

import (
	"sync"
	"time"

	"codeberg.org/mutker/vitalsd/internal/errors"
	"codeberg.org/mutker/vitalsd/internal/logger"
	"codeberg.org/mutker/vitalsd/internal/vital"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Textfile exports the latest values and the failure counters in the
// Prometheus text format for the node_exporter textfile collector.
type Textfile struct {
	path     string
	log      logger.Logger
	registry *prometheus.Registry
	limiter  *rate.Limiter

	percent  *prometheus.GaugeVec
	failures *prometheus.CounterVec
	trips    *prometheus.CounterVec

	mu sync.Mutex
}

// NewTextfile writes to path at most once per interval.
func NewTextfile(path string, interval time.Duration, log logger.Logger) *Textfile {
	if interval <= 0 {
		interval = time.Second
	}

	t := &Textfile{
		path:     path,
		log:      log,
		registry: prometheus.NewRegistry(),
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		percent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vitalsd",
			Name:      "vital_percent",
			Help:      "Latest value of each vital in percent.",
		}, []string{"vital"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vitalsd",
			Name:      "probe_failures_total",
			Help:      "Failed probes per vital.",
		}, []string{"vital"}),
		trips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vitalsd",
			Name:      "breaker_trips_total",
			Help:      "Times a vital was disabled after repeated failures.",
		}, []string{"vital"}),
	}
	t.registry.MustRegister(t.percent, t.failures, t.trips)

	// Export every series from the first write on.
	for _, v := range vital.All() {
		t.failures.WithLabelValues(v.String())
		t.trips.WithLabelValues(v.String())
	}

	return t
}

func (t *Textfile) Update(v vital.Type, value float64) {
	t.percent.WithLabelValues(v.String()).Set(value)
	if !t.limiter.Allow() {
		return
	}
	if err := t.Flush(); err != nil {
		t.log.Debug().Err(err).Str("path", t.path).Msg("Failed to write textfile")
	}
}

// ProbeFailed counts a failed probe of v.
func (t *Textfile) ProbeFailed(v vital.Type, _ error) {
	t.failures.WithLabelValues(v.String()).Inc()
}

// Tripped counts a breaker trip of v.
func (t *Textfile) Tripped(v vital.Type) {
	t.trips.WithLabelValues(v.String()).Inc()
}

// Flush writes the file now, ignoring the rate limit.
func (t *Textfile) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := prometheus.WriteToTextfile(t.path, t.registry); err != nil {
		return errors.New().Wrap(ErrTextfileWrite, err)
	}
	return nil
}
