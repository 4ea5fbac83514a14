package sink

import (
	"context"

	"codeberg.org/mutker/vitalsd/internal/history"
	"codeberg.org/mutker/vitalsd/internal/logger"
	"codeberg.org/mutker/vitalsd/internal/vital"
	"k8s.io/utils/clock"
)

// History records every update through a history.Recorder.
type History struct {
	rec   history.Recorder
	clock clock.PassiveClock
	log   logger.Logger
}

func NewHistory(rec history.Recorder, clk clock.PassiveClock, log logger.Logger) *History {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &History{rec: rec, clock: clk, log: log}
}

func (h *History) Update(v vital.Type, value float64) {
	sample := vital.Sample{Vital: v, Value: value, Timestamp: h.clock.Now()}
	if err := h.rec.Record(context.Background(), sample); err != nil {
		h.log.Debug().Err(err).Str("vital", v.String()).Msg("Failed to record sample")
	}
}
