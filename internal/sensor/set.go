package sensor

import (
	"codeberg.org/mutker/vitalsd/internal/logger"
	"codeberg.org/mutker/vitalsd/internal/sysfs"
	"codeberg.org/mutker/vitalsd/internal/vital"
)

// Options collects the per-source settings used by NewSet.
type Options struct {
	Mount    string
	Thermal  ThermalOptions
	Graphics GraphicsOptions
}

// Set holds exactly one source per vital.
type Set map[vital.Type]Source

// NewSet builds the host sources on top of the given OS capabilities.
// Discovery is not run here; the breaker runs it when it is created.
func NewSet(fs sysfs.Reader, runner sysfs.Runner, opts Options, log logger.Logger) Set {
	return Set{
		vital.Processor: NewProcessor(fs),
		vital.Memory:    NewMemory(fs),
		vital.Storage:   NewStorage(runner, opts.Mount),
		vital.Thermal:   NewThermal(fs, opts.Thermal, log),
		vital.Graphics:  NewGraphics(fs, runner, opts.Graphics, log),
	}
}

// Release releases every source in the set.
func (s Set) Release() {
	for _, src := range s {
		src.Release()
	}
}
