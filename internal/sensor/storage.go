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

const (
	dfTool       = "df"
	defaultMount = "/"
)

// Storage reports the Use% column of df for a single mount point.
type Storage struct {
	released
	runner sysfs.Runner
	mount  string
}

func NewStorage(runner sysfs.Runner, mount string) *Storage {
	if mount == "" {
		mount = defaultMount
	}
	return &Storage{runner: runner, mount: mount}
}

func (*Storage) Vital() vital.Type { return vital.Storage }

func (s *Storage) Probe(ctx context.Context) (float64, error) {
	errFactory := errors.New()
	if s.isReleased() {
		return 0, releasedError(vital.Storage)
	}

	// -P keeps each filesystem on one line even with long device names.
	res, err := s.runner.Run(ctx, dfTool, "-P", s.mount)
	if err != nil {
		return 0, errFactory.Wrap(ErrCommandFailed, err)
	}
	if !res.Success {
		return 0, errFactory.WithData(ErrCommandFailed, strings.TrimSpace(string(res.Stderr)))
	}

	return parseDF(res.Stdout)
}

// parseDF returns the percentage column of the first data row.
func parseDF(out []byte) (float64, error) {
	errFactory := errors.New()

	var rows []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			rows = append(rows, line)
		}
	}
	if len(rows) < 2 {
		return 0, errFactory.WithData(ErrParseFailed, "df output has no data row")
	}

	for _, col := range strings.Fields(rows[1]) {
		if !strings.HasSuffix(col, "%") {
			continue
		}
		pct, err := strconv.ParseFloat(strings.TrimSuffix(col, "%"), 64)
		if err != nil {
			return 0, errFactory.Wrap(ErrParseFailed, err)
		}
		return vital.Clamp(pct), nil
	}

	return 0, errFactory.WithData(ErrParseFailed, rows[1])
}
