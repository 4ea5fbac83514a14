package sensor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"codeberg.org/mutker/vitalsd/internal/errors"
	"codeberg.org/mutker/vitalsd/internal/logger"
	"codeberg.org/mutker/vitalsd/internal/sysfs"
	"codeberg.org/mutker/vitalsd/internal/vital"
)

// Backend identifies how graphics utilization is read.
type Backend int

const (
	BackendNone Backend = iota
	BackendNVML
	BackendNvidiaSMI
	BackendAMDGPU
	BackendRadeontop
)

func (b Backend) String() string {
	switch b {
	case BackendNVML:
		return "nvml"
	case BackendNvidiaSMI:
		return "nvidia-smi"
	case BackendAMDGPU:
		return "amdgpu"
	case BackendRadeontop:
		return "radeontop"
	default:
		return "none"
	}
}

const (
	drmDir          = "/sys/class/drm"
	defaultCardScan = 8
)

var (
	radeontopCandidates = []string{"radeontop", "/usr/sbin/radeontop", "/usr/local/bin/radeontop"}

	// "1234567890.123: bus 03, gpu 14.17%, ee 0.00%, ..."
	radeontopGPU = regexp.MustCompile(`gpu\s+(\d+(?:\.\d+)?)%`)
)

// GraphicsOptions configures backend detection.
type GraphicsOptions struct {
	// NVML tries the NVIDIA management library before any CLI tool.
	NVML bool
	// CardScan bounds how many /sys/class/drm/cardN devices are checked.
	CardScan int
}

// GraphicsInfo describes the detected backend.
type GraphicsInfo struct {
	Backend Backend
	Tool    string
}

func (i GraphicsInfo) String() string {
	switch i.Backend {
	case BackendNone:
		return "GPU Type: none"
	case BackendRadeontop:
		return fmt.Sprintf("GPU Type: %s\nTool: %s (requires root)", i.Backend, i.Tool)
	default:
		return fmt.Sprintf("GPU Type: %s\nTool: %s", i.Backend, i.Tool)
	}
}

// Graphics reports GPU utilization through exactly one backend chosen at
// discovery time. Without a backend every probe returns 0 and does no I/O.
type Graphics struct {
	released
	fs       sysfs.Reader
	runner   sysfs.Runner
	log      logger.Logger
	opts     GraphicsOptions
	drmDir   string
	openNVML func() (nvmlDevice, error)

	mu      sync.RWMutex
	backend Backend
	tool    string
	nvml    nvmlDevice
}

func NewGraphics(fs sysfs.Reader, runner sysfs.Runner, opts GraphicsOptions, log logger.Logger) *Graphics {
	if opts.CardScan <= 0 {
		opts.CardScan = defaultCardScan
	}
	return &Graphics{
		fs:       fs,
		runner:   runner,
		log:      log,
		opts:     opts,
		drmDir:   drmDir,
		openNVML: openNVMLDevice,
	}
}

func (*Graphics) Vital() vital.Type { return vital.Graphics }

// Diagnostics returns the detected backend and the tool or file it uses.
func (g *Graphics) Diagnostics() GraphicsInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return GraphicsInfo{Backend: g.backend, Tool: g.tool}
}

// Discover selects the first available backend: NVML (when enabled),
// nvidia-smi, an amdgpu gpu_busy_percent file, then radeontop.
func (g *Graphics) Discover(ctx context.Context) {
	backend, tool, dev := g.detect(ctx)

	g.mu.Lock()
	old := g.nvml
	g.backend, g.tool, g.nvml = backend, tool, dev
	// NVML probes hold the read lock, so old is idle here.
	g.shutdownNVML(old)
	g.mu.Unlock()

	if backend == BackendNone {
		g.log.Info().Msg("No GPU monitoring backend detected")
		return
	}
	g.log.Info().Str("backend", backend.String()).Str("tool", tool).Msg("GPU backend detected")
}

func (g *Graphics) detect(ctx context.Context) (Backend, string, nvmlDevice) {
	if g.opts.NVML {
		dev, err := g.openNVML()
		if err == nil {
			return BackendNVML, "libnvidia-ml", dev
		}
		g.log.Debug().Err(err).Msg("NVML unavailable")
	}

	if p, ok := g.runner.LookPath("nvidia-smi"); ok {
		return BackendNvidiaSMI, p, nil
	}

	for i := 0; i < g.opts.CardScan; i++ {
		if ctx.Err() != nil {
			break
		}
		p := fmt.Sprintf("%s/card%d/device/gpu_busy_percent", g.drmDir, i)
		if g.fs.Exists(p) {
			return BackendAMDGPU, p, nil
		}
	}

	for _, candidate := range radeontopCandidates {
		if p, ok := g.runner.LookPath(candidate); ok {
			return BackendRadeontop, p, nil
		}
	}

	return BackendNone, "", nil
}

func (g *Graphics) Probe(ctx context.Context) (float64, error) {
	if g.isReleased() {
		return 0, releasedError(vital.Graphics)
	}

	g.mu.RLock()
	if g.backend == BackendNVML {
		defer g.mu.RUnlock()
		return probeNVML(g.nvml)
	}
	backend, tool := g.backend, g.tool
	g.mu.RUnlock()

	switch backend {
	case BackendNvidiaSMI:
		return g.probeNvidiaSMI(ctx, tool)
	case BackendAMDGPU:
		return g.probeBusyPercent(ctx, tool)
	case BackendRadeontop:
		return g.probeRadeontop(ctx, tool)
	default:
		return 0, nil
	}
}

func (g *Graphics) probeNvidiaSMI(ctx context.Context, tool string) (float64, error) {
	errFactory := errors.New()

	res, err := g.runner.Run(ctx, tool,
		"--query-gpu=utilization.gpu", "--format=csv,noheader,nounits", "-i", "0")
	if err != nil {
		return 0, errFactory.Wrap(ErrCommandFailed, err)
	}
	if !res.Success {
		return 0, errFactory.WithData(ErrCommandFailed, "nvidia-smi: "+strings.TrimSpace(string(res.Stderr)))
	}

	return parseNvidiaSMI(res.Stdout)
}

func parseNvidiaSMI(out []byte) (float64, error) {
	errFactory := errors.New()

	output := strings.TrimSpace(string(out))
	if output == "" {
		return 0, errFactory.WithData(ErrParseFailed, "nvidia-smi returned empty output")
	}

	line := strings.TrimSpace(strings.SplitN(output, "\n", 2)[0])
	usage, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return 0, errFactory.WithData(ErrParseFailed, fmt.Sprintf("nvidia-smi returned invalid number: %q", line))
	}

	return vital.Clamp(usage), nil
}

func (g *Graphics) probeBusyPercent(ctx context.Context, file string) (float64, error) {
	errFactory := errors.New()

	data, err := g.fs.ReadFile(ctx, file)
	if err != nil {
		return 0, errFactory.Wrap(ErrReadFailed, err)
	}

	busy, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errFactory.Wrap(ErrParseFailed, err)
	}

	return vital.Clamp(float64(busy)), nil
}

func (g *Graphics) probeRadeontop(ctx context.Context, tool string) (float64, error) {
	errFactory := errors.New()

	// -d - dumps to stdout, -l 1 stops after one sample.
	res, err := g.runner.Run(ctx, tool, "-d", "-", "-l", "1")
	if err != nil {
		return 0, errFactory.Wrap(ErrCommandFailed, err)
	}
	if !res.Success {
		stderr := strings.TrimSpace(string(res.Stderr))
		lower := strings.ToLower(stderr)
		if strings.Contains(lower, "permission") || strings.Contains(lower, "root") {
			return 0, errFactory.WithData(ErrPermission, "radeontop requires root permissions")
		}
		return 0, errFactory.WithData(ErrCommandFailed, "radeontop: "+stderr)
	}

	return parseRadeontop(res.Stdout)
}

func parseRadeontop(out []byte) (float64, error) {
	m := radeontopGPU.FindSubmatch(out)
	if m == nil {
		output := string(out)
		if len(output) > 100 {
			output = output[:100]
		}
		return 0, errors.New().WithData(ErrParseFailed, fmt.Sprintf("radeontop output has no gpu usage: %q", output))
	}

	usage, err := strconv.ParseFloat(string(m[1]), 64)
	if err != nil {
		return 0, errors.New().Wrap(ErrParseFailed, err)
	}

	return vital.Clamp(usage), nil
}

// Release forgets the backend and shuts down NVML if it was in use.
func (g *Graphics) Release() {
	g.released.Release()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.shutdownNVML(g.nvml)
	g.backend, g.tool, g.nvml = BackendNone, "", nil
}

// shutdownNVML must be called with g.mu held for writing.
func (g *Graphics) shutdownNVML(dev nvmlDevice) {
	if dev == nil {
		return
	}
	if err := dev.Shutdown(); err != nil {
		g.log.Debug().Err(err).Msg("Failed to shut down NVML session")
	}
}
