package sensor_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/vitalsd/internal/errors"
	"codeberg.org/mutker/vitalsd/internal/logger"
	"codeberg.org/mutker/vitalsd/internal/sensor"
	"codeberg.org/mutker/vitalsd/internal/sysfs"
	"codeberg.org/mutker/vitalsd/internal/sysfs/sysfstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const busyFile = "/sys/class/drm/card2/device/gpu_busy_percent"

type fakeNVML struct {
	util     uint32
	err      error
	shutdown int
}

func (f *fakeNVML) Utilization() (uint32, error) { return f.util, f.err }

func (f *fakeNVML) Shutdown() error {
	f.shutdown++
	return nil
}

func TestGraphicsDetectionOrder(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		files   map[string]string
		install map[string]string
		want    sensor.Backend
		tool    string
	}{
		{
			name:    "nvidia-smi wins over everything",
			files:   map[string]string{busyFile: "10\n"},
			install: map[string]string{"nvidia-smi": "/usr/bin/nvidia-smi", "radeontop": "/usr/bin/radeontop"},
			want:    sensor.BackendNvidiaSMI,
			tool:    "/usr/bin/nvidia-smi",
		},
		{
			name:    "busy percent file before radeontop",
			files:   map[string]string{busyFile: "10\n"},
			install: map[string]string{"radeontop": "/usr/bin/radeontop"},
			want:    sensor.BackendAMDGPU,
			tool:    busyFile,
		},
		{
			name:    "radeontop in sbin",
			install: map[string]string{"/usr/sbin/radeontop": "/usr/sbin/radeontop"},
			want:    sensor.BackendRadeontop,
			tool:    "/usr/sbin/radeontop",
		},
		{
			name: "nothing found",
			want: sensor.BackendNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := sysfstest.NewRunner()
			for name, at := range tt.install {
				runner.Install(name, at)
			}
			g := sensor.NewGraphics(sysfstest.NewFS(tt.files), runner, sensor.GraphicsOptions{}, logger.Nop())
			g.Discover(ctx)

			info := g.Diagnostics()
			assert.Equal(t, tt.want, info.Backend)
			assert.Equal(t, tt.tool, info.Tool)
		})
	}
}

func TestGraphicsCardScanIsBounded(t *testing.T) {
	fs := sysfstest.NewFS(map[string]string{busyFile: "10\n"})
	g := sensor.NewGraphics(fs, sysfstest.NewRunner(), sensor.GraphicsOptions{CardScan: 2}, logger.Nop())
	g.Discover(context.Background())

	assert.Equal(t, sensor.BackendNone, g.Diagnostics().Backend)
}

func TestGraphicsWithoutBackendDoesNoIO(t *testing.T) {
	fs := sysfstest.NewFS(nil)
	runner := sysfstest.NewRunner()
	g := sensor.NewGraphics(fs, runner, sensor.GraphicsOptions{}, logger.Nop())
	g.Discover(context.Background())

	before := fs.TotalReads()
	for range 3 {
		v, err := g.Probe(context.Background())
		require.NoError(t, err)
		assert.Zero(t, v)
	}
	assert.Equal(t, before, fs.TotalReads())
}

func TestGraphicsNvidiaSMI(t *testing.T) {
	runner := sysfstest.NewRunner().
		Install("nvidia-smi", "/usr/bin/nvidia-smi").
		Respond("/usr/bin/nvidia-smi", sysfs.Result{Stdout: []byte("37\n12\n"), Success: true})
	g := sensor.NewGraphics(sysfstest.NewFS(nil), runner, sensor.GraphicsOptions{}, logger.Nop())
	g.Discover(context.Background())

	v, err := g.Probe(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 37.0, v, 1e-9)
	assert.Equal(t,
		[]string{"--query-gpu=utilization.gpu", "--format=csv,noheader,nounits", "-i", "0"},
		runner.LastArgs("/usr/bin/nvidia-smi"))

	runner.Respond("/usr/bin/nvidia-smi", sysfs.Result{Stderr: []byte("NVIDIA-SMI has failed")})
	_, err = g.Probe(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, sensor.ErrCommandFailed))
}

func TestParseNvidiaSMI(t *testing.T) {
	_, err := sensor.ParseNvidiaSMI([]byte("  \n"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, sensor.ErrParseFailed))

	_, err = sensor.ParseNvidiaSMI([]byte("[N/A]\n"))
	require.Error(t, err)

	v, err := sensor.ParseNvidiaSMI([]byte("140\n"))
	require.NoError(t, err)
	assert.InDelta(t, 100.0, v, 1e-9)
}

func TestGraphicsBusyPercent(t *testing.T) {
	fs := sysfstest.NewFS(map[string]string{busyFile: "64\n"})
	g := sensor.NewGraphics(fs, sysfstest.NewRunner(), sensor.GraphicsOptions{}, logger.Nop())
	g.Discover(context.Background())

	v, err := g.Probe(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 64.0, v, 1e-9)

	fs.Set(busyFile, "busy\n")
	_, err = g.Probe(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, sensor.ErrParseFailed))
}

func TestGraphicsRadeontop(t *testing.T) {
	runner := sysfstest.NewRunner().
		Install("radeontop", "/usr/bin/radeontop").
		Respond("/usr/bin/radeontop", sysfs.Result{
			Stdout:  []byte("Dumping to -, line limit 1.\n1700000000.123456: bus 03, gpu 14.17%, ee 0.00%, vgt 3.33%\n"),
			Success: true,
		})
	g := sensor.NewGraphics(sysfstest.NewFS(nil), runner, sensor.GraphicsOptions{}, logger.Nop())
	g.Discover(context.Background())

	v, err := g.Probe(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 14.17, v, 1e-9)
	assert.Contains(t, g.Diagnostics().String(), "requires root")

	runner.Respond("/usr/bin/radeontop", sysfs.Result{Stderr: []byte("Failed to open DRM node, no VGA card? Permission denied")})
	_, err = g.Probe(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, sensor.ErrPermission))

	runner.Respond("/usr/bin/radeontop", sysfs.Result{Stderr: []byte("segfault")})
	_, err = g.Probe(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, sensor.ErrCommandFailed))
}

func TestParseRadeontopWithoutGPUField(t *testing.T) {
	_, err := sensor.ParseRadeontop([]byte("Dumping to -, line limit 1.\n"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, sensor.ErrParseFailed))
}

func TestGraphicsNVML(t *testing.T) {
	dev := &fakeNVML{util: 81}
	runner := sysfstest.NewRunner().Install("nvidia-smi", "/usr/bin/nvidia-smi")
	g := sensor.NewGraphics(sysfstest.NewFS(nil), runner, sensor.GraphicsOptions{NVML: true}, logger.Nop())
	sensor.SetNVMLOpener(g, func() (sensor.NVMLDevice, error) { return dev, nil })
	g.Discover(context.Background())

	require.Equal(t, sensor.BackendNVML, g.Diagnostics().Backend)
	v, err := g.Probe(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 81.0, v, 1e-9)
	assert.Zero(t, runner.Calls("/usr/bin/nvidia-smi"))

	// Rediscovery closes the previous session.
	g.Discover(context.Background())
	assert.Equal(t, 1, dev.shutdown)

	g.Release()
	assert.Equal(t, 2, dev.shutdown)
	assert.Equal(t, sensor.BackendNone, g.Diagnostics().Backend)
}

// slowNVML blocks in Utilization until released and records calls made
// after Shutdown.
type slowNVML struct {
	entered chan struct{}
	release chan struct{}

	mu        sync.Mutex
	shutdown  bool
	usedAfter bool
}

func (f *slowNVML) Utilization() (uint32, error) {
	f.entered <- struct{}{}
	<-f.release
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shutdown {
		f.usedAfter = true
	}
	return 50, nil
}

func (f *slowNVML) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	return nil
}

func (f *slowNVML) state() (shutdown, usedAfter bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdown, f.usedAfter
}

func TestGraphicsRediscoveryWaitsForNVMLProbe(t *testing.T) {
	first := &slowNVML{entered: make(chan struct{}, 1), release: make(chan struct{})}
	devs := []sensor.NVMLDevice{first, &fakeNVML{util: 10}}
	g := sensor.NewGraphics(sysfstest.NewFS(nil), sysfstest.NewRunner(), sensor.GraphicsOptions{NVML: true}, logger.Nop())
	sensor.SetNVMLOpener(g, func() (sensor.NVMLDevice, error) {
		dev := devs[0]
		devs = devs[1:]
		return dev, nil
	})
	g.Discover(context.Background())

	probed := make(chan float64, 1)
	go func() {
		v, _ := g.Probe(context.Background())
		probed <- v
	}()
	<-first.entered

	rediscovered := make(chan struct{})
	go func() {
		g.Discover(context.Background())
		close(rediscovered)
	}()

	assert.Never(t, func() bool {
		shutdown, _ := first.state()
		return shutdown
	}, 50*time.Millisecond, 5*time.Millisecond, "session stays open while a probe uses it")

	close(first.release)
	assert.InDelta(t, 50.0, <-probed, 1e-9)
	<-rediscovered

	shutdown, usedAfter := first.state()
	assert.True(t, shutdown)
	assert.False(t, usedAfter)

	v, err := g.Probe(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 10.0, v, 1e-9)
}

func TestGraphicsNVMLFallsBackToCLI(t *testing.T) {
	runner := sysfstest.NewRunner().Install("nvidia-smi", "/usr/bin/nvidia-smi")
	g := sensor.NewGraphics(sysfstest.NewFS(nil), runner, sensor.GraphicsOptions{NVML: true}, logger.Nop())
	sensor.SetNVMLOpener(g, func() (sensor.NVMLDevice, error) {
		return nil, stderrors.New("libnvidia-ml.so.1 not found")
	})
	g.Discover(context.Background())

	assert.Equal(t, sensor.BackendNvidiaSMI, g.Diagnostics().Backend)
}
