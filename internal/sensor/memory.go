package sensor

import (
	"bufio"
	"bytes"
	"context"
	"strconv"
	"strings"

	"codeberg.org/mutker/vitalsd/internal/errors"
	"codeberg.org/mutker/vitalsd/internal/sysfs"
	"codeberg.org/mutker/vitalsd/internal/vital"
)

const procMeminfoPath = "/proc/meminfo"

// Memory reports memory pressure from /proc/meminfo as
// (MemTotal - MemAvailable) / MemTotal.
type Memory struct {
	released
	fs   sysfs.Reader
	path string
}

func NewMemory(fs sysfs.Reader) *Memory {
	return &Memory{fs: fs, path: procMeminfoPath}
}

func (*Memory) Vital() vital.Type { return vital.Memory }

func (m *Memory) Probe(ctx context.Context) (float64, error) {
	if m.isReleased() {
		return 0, releasedError(vital.Memory)
	}

	data, err := m.fs.ReadFile(ctx, m.path)
	if err != nil {
		return 0, errors.New().Wrap(ErrReadFailed, err)
	}

	return parseMeminfo(data)
}

func parseMeminfo(data []byte) (float64, error) {
	errFactory := errors.New()
	fields := make(map[string]uint64, 5)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 {
			continue
		}

		key := strings.TrimSuffix(parts[0], ":")
		switch key {
		case "MemTotal", "MemAvailable", "MemFree", "Buffers", "Cached":
		default:
			continue
		}

		val, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return 0, errFactory.Wrap(ErrParseFailed, err)
		}
		fields[key] = val
	}

	total := fields["MemTotal"]
	if total == 0 {
		return 0, errFactory.WithData(ErrParseFailed, "MemTotal missing")
	}

	available, ok := fields["MemAvailable"]
	if !ok {
		// Kernels before 3.14 have no MemAvailable.
		free, hasFree := fields["MemFree"]
		if !hasFree {
			return 0, errFactory.WithData(ErrParseFailed, "MemAvailable missing")
		}
		available = free + fields["Buffers"] + fields["Cached"]
	}

	return utilization(total, available), nil
}
