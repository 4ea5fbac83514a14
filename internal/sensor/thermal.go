package sensor

import (
	"context"
	"path"
	"strconv"
	"strings"
	"sync"

	"codeberg.org/mutker/vitalsd/internal/logger"
	"codeberg.org/mutker/vitalsd/internal/sysfs"
	"codeberg.org/mutker/vitalsd/internal/vital"
	"golang.org/x/sync/errgroup"
)

const (
	thermalBaseDir = "/sys/class/thermal"

	DefaultMinTemp = 30.0
	DefaultMaxTemp = 90.0

	// Readings outside (saneMinTemp, saneMaxTemp) are treated as broken sensors.
	saneMinTemp = 5.0
	saneMaxTemp = 150.0

	// maxZoneReaders bounds concurrent zone reads per probe.
	maxZoneReaders = 4
)

// cpuZoneTypes are substrings of a thermal zone's type that mark it as CPU related.
var cpuZoneTypes = []string{"cpu", "processor", "x86_pkg_temp", "k10temp", "tctl", "tdie", "core"}

// fallbackZones are probed when no zone type matched.
var fallbackZones = []string{
	"/sys/class/thermal/thermal_zone0/temp",
	"/sys/class/hwmon/hwmon0/temp1_input",
	"/sys/class/hwmon/hwmon1/temp1_input",
	"/sys/class/hwmon/hwmon2/temp1_input",
	"/sys/class/hwmon/hwmon0/device/temp1_input",
}

// ThermalOptions configures the temperature to percentage mapping.
type ThermalOptions struct {
	MinTemp float64
	MaxTemp float64
}

// Thermal averages the CPU thermal zones and maps [MinTemp, MaxTemp] onto [0, 100].
type Thermal struct {
	released
	fs       sysfs.Reader
	log      logger.Logger
	baseDir  string
	fallback []string
	minTemp  float64
	maxTemp  float64

	mu    sync.RWMutex
	zones []string
}

func NewThermal(fs sysfs.Reader, opts ThermalOptions, log logger.Logger) *Thermal {
	if opts.MinTemp == 0 && opts.MaxTemp == 0 {
		opts.MinTemp, opts.MaxTemp = DefaultMinTemp, DefaultMaxTemp
	}
	return &Thermal{
		fs:       fs,
		log:      log,
		baseDir:  thermalBaseDir,
		fallback: fallbackZones,
		minTemp:  opts.MinTemp,
		maxTemp:  opts.MaxTemp,
	}
}

func (*Thermal) Vital() vital.Type { return vital.Thermal }

// Zones returns the temperature files found by the last discovery.
func (t *Thermal) Zones() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.zones...)
}

// Discover enumerates thermal zones whose type looks CPU related, falling
// back to conventional paths when none match.
func (t *Thermal) Discover(ctx context.Context) {
	var zones []string

	names, err := t.fs.ReadDir(ctx, t.baseDir)
	if err != nil {
		t.log.Warn().Err(err).Str("dir", t.baseDir).Msg("Thermal directory not readable")
	}

	for _, name := range names {
		if !strings.HasPrefix(name, "thermal_zone") {
			continue
		}

		zoneDir := path.Join(t.baseDir, name)
		data, err := t.fs.ReadFile(ctx, path.Join(zoneDir, "type"))
		if err != nil {
			continue
		}

		if isCPUZone(string(data)) {
			zones = append(zones, path.Join(zoneDir, "temp"))
		}
	}

	if len(zones) == 0 {
		for _, p := range t.fallback {
			if t.fs.Exists(p) {
				zones = append(zones, p)
			}
		}
	}

	t.mu.Lock()
	t.zones = zones
	t.mu.Unlock()

	t.log.Info().Strs("zones", zones).Msgf("Found %d thermal zones", len(zones))
}

func isCPUZone(zoneType string) bool {
	zoneType = strings.ToLower(strings.TrimSpace(zoneType))
	for _, s := range cpuZoneTypes {
		if strings.Contains(zoneType, s) {
			return true
		}
	}
	return false
}

// Probe reads every zone concurrently. Unreadable or implausible zones are
// skipped; no valid zone at all yields 0 without a failure. Cancellation of
// ctx stops the remaining reads and is returned.
func (t *Thermal) Probe(ctx context.Context) (float64, error) {
	if t.isReleased() {
		return 0, releasedError(vital.Thermal)
	}

	zones := t.Zones()
	if len(zones) == 0 {
		return 0, nil
	}

	readings := make([]float64, len(zones))
	valid := make([]bool, len(zones))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxZoneReaders)
	for i, zone := range zones {
		g.Go(func() error {
			data, err := t.fs.ReadFile(gctx, zone)
			if err != nil {
				// Only cancellation aborts the probe; a broken zone is skipped.
				return gctx.Err()
			}
			milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
			if err != nil {
				return nil
			}
			if c := milli / 1000; c > saneMinTemp && c < saneMaxTemp {
				readings[i] = c
				valid[i] = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var sum float64
	var count int
	for i, ok := range valid {
		if ok {
			sum += readings[i]
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}

	return MapTemperature(sum/float64(count), t.minTemp, t.maxTemp), nil
}

// MapTemperature linearly maps celsius from [minTemp, maxTemp] onto [0, 100].
func MapTemperature(celsius, minTemp, maxTemp float64) float64 {
	if maxTemp <= minTemp {
		return 0
	}
	return vital.Clamp((celsius - minTemp) / (maxTemp - minTemp) * 100)
}
