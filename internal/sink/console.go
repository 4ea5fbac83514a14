package sink

import (
	"codeberg.org/mutker/vitalsd/internal/logger"
	"codeberg.org/mutker/vitalsd/internal/vital"
)

// Console logs every update at Info.
type Console struct {
	log logger.Logger
}

func NewConsole(log logger.Logger) *Console {
	return &Console{log: log}
}

func (c *Console) Update(v vital.Type, value float64) {
	c.log.Info().Str("vital", v.String()).Float64("percent", value).Msg("Sample")
}
