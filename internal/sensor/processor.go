package sensor

import (
	"bufio"
	"bytes"
	"context"
	"strconv"
	"strings"
	"sync"

	"codeberg.org/mutker/vitalsd/internal/errors"
	"codeberg.org/mutker/vitalsd/internal/sysfs"
	"codeberg.org/mutker/vitalsd/internal/vital"
)

const procStatPath = "/proc/stat"

// cpuTimes holds aggregate jiffies from the "cpu" line of /proc/stat.
type cpuTimes struct {
	total     uint64
	available uint64
}

// Processor reports CPU utilization from /proc/stat. The first probe uses
// counters since boot; later probes use the delta since the previous one.
type Processor struct {
	released
	fs   sysfs.Reader
	path string

	mu       sync.Mutex
	prev     cpuTimes
	havePrev bool
}

func NewProcessor(fs sysfs.Reader) *Processor {
	return &Processor{fs: fs, path: procStatPath}
}

func (*Processor) Vital() vital.Type { return vital.Processor }

func (p *Processor) Probe(ctx context.Context) (float64, error) {
	errFactory := errors.New()
	if p.isReleased() {
		return 0, releasedError(vital.Processor)
	}

	data, err := p.fs.ReadFile(ctx, p.path)
	if err != nil {
		return 0, errFactory.Wrap(ErrReadFailed, err)
	}

	cur, err := parseProcStat(data)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	total, available := cur.total, cur.available
	if p.havePrev && cur.total > p.prev.total && cur.available >= p.prev.available {
		total = cur.total - p.prev.total
		available = cur.available - p.prev.available
	}
	p.prev = cur
	p.havePrev = true

	return utilization(total, available), nil
}

// parseProcStat extracts total and idle+iowait jiffies from the aggregate line.
func parseProcStat(data []byte) (cpuTimes, error) {
	errFactory := errors.New()

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}

		// cpu user nice system idle iowait irq softirq steal guest guest_nice
		fields := strings.Fields(line)
		if len(fields) < 5 {
			return cpuTimes{}, errFactory.WithData(ErrParseFailed, line)
		}

		var t cpuTimes
		// guest and guest_nice are already counted in user and nice.
		for i := 1; i < len(fields) && i <= 8; i++ {
			val, err := strconv.ParseUint(fields[i], 10, 64)
			if err != nil {
				return cpuTimes{}, errFactory.Wrap(ErrParseFailed, err)
			}
			t.total += val
			if i == 4 || i == 5 {
				t.available += val
			}
		}
		return t, nil
	}

	return cpuTimes{}, errFactory.WithData(ErrParseFailed, "no aggregate cpu line")
}

// utilization returns (total - available) / total as a clamped percentage.
func utilization(total, available uint64) float64 {
	if total == 0 {
		return 0
	}
	if available > total {
		available = total
	}
	return vital.Clamp(float64(total-available) / float64(total) * 100)
}
