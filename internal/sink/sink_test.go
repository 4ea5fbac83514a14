package sink_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/vitalsd/internal/config"
	"codeberg.org/mutker/vitalsd/internal/logger"
	"codeberg.org/mutker/vitalsd/internal/sink"
	"codeberg.org/mutker/vitalsd/internal/vital"
	"github.com/stretchr/testify/assert"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

type update struct {
	vital vital.Type
	value float64
}

type recordingSink struct {
	updates []update
}

func (r *recordingSink) Update(v vital.Type, value float64) {
	r.updates = append(r.updates, update{v, value})
}

func TestMultiSkipsDetachedMembers(t *testing.T) {
	var rec recordingSink
	term := sink.NewTerminal(&bytes.Buffer{})
	term.Detach(vital.Storage)
	multi := sink.Multi{&rec, term}

	multi.Update(vital.Storage, 40)
	multi.Update(vital.Memory, 75)

	assert.Equal(t, []update{{vital.Storage, 40}, {vital.Memory, 75}}, rec.updates)
	assert.NotContains(t, term.Line(), "Storage")
	assert.Contains(t, term.Line(), "RAM")
	assert.True(t, multi.Attached(vital.Storage), "plain members accept every vital")
	assert.False(t, sink.Multi{term}.Attached(vital.Storage))
}

func TestTerminalLine(t *testing.T) {
	var out bytes.Buffer
	term := sink.NewTerminal(&out)

	term.Update(vital.Memory, 75)
	term.Update(vital.Processor, 12.6)

	line := term.Line()
	assert.Less(t, strings.Index(line, "CPU"), strings.Index(line, "RAM"), "vitals keep display order")
	assert.Contains(t, line, " 13%")
	assert.Contains(t, line, " 75%")
	assert.True(t, strings.HasPrefix(out.String(), "\r"))

	term.Detach(vital.Memory)
	term.Update(vital.Memory, 80)
	assert.NotContains(t, term.Line(), "RAM")

	term.Attach(vital.Memory)
	assert.True(t, term.Attached(vital.Memory))
}

func TestTerminalFollowsVisibility(t *testing.T) {
	v := viper.New()
	v.Set(vital.Storage.VisibleKey(), false)
	store := config.NewStore(v, logger.Nop())

	var out bytes.Buffer
	term := sink.NewTerminal(&out)
	stop := term.Follow(store)

	assert.False(t, term.Attached(vital.Storage))
	term.Update(vital.Memory, 75)
	term.Update(vital.Graphics, 20)
	require.Contains(t, term.Line(), "GPU")

	require.NoError(t, store.Set(vital.Graphics.VisibleKey(), false))
	assert.NotContains(t, term.Line(), "GPU", "hidden vitals leave the line")
	assert.Contains(t, term.Line(), "RAM")

	require.NoError(t, store.Set(vital.Storage.VisibleKey(), true))
	assert.True(t, term.Attached(vital.Storage))

	stop()
	require.NoError(t, store.Set(vital.Memory.VisibleKey(), false))
	assert.True(t, term.Attached(vital.Memory), "stopped terminals ignore settings")
}

func TestConsoleLogsSamples(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter(&buf, false, true, true)
	t.Cleanup(func() { logger.InitWithWriter(&bytes.Buffer{}, false, false, true) })

	sink.NewConsole(logger.New("sink")).Update(vital.Thermal, 33.5)

	assert.Contains(t, buf.String(), "vital=temp")
	assert.Contains(t, buf.String(), "percent=33.5")
}

type fakeRecorder struct {
	mu      sync.Mutex
	samples []vital.Sample
}

func (f *fakeRecorder) Record(_ context.Context, s vital.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
	return nil
}

func (f *fakeRecorder) Recent(context.Context, vital.Type, int) ([]vital.Sample, error) {
	return nil, nil
}

func (f *fakeRecorder) Close() error { return nil }

func (f *fakeRecorder) IsNoop() bool { return false }

func TestHistoryStampsSamples(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := &fakeRecorder{}
	h := sink.NewHistory(rec, testingclock.NewFakePassiveClock(now), logger.Nop())

	h.Update(vital.Graphics, 64)

	require.Len(t, rec.samples, 1)
	assert.Equal(t, vital.Sample{Vital: vital.Graphics, Value: 64, Timestamp: now}, rec.samples[0])
}

func TestTextfileExport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vitalsd.prom")
	tf := sink.NewTextfile(path, time.Hour, logger.Nop())

	tf.ProbeFailed(vital.Graphics, nil)
	tf.Tripped(vital.Graphics)
	tf.Update(vital.Processor, 42)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `vitalsd_vital_percent{vital="cpu"} 42`)
	assert.Contains(t, text, `vitalsd_probe_failures_total{vital="gpu"} 1`)
	assert.Contains(t, text, `vitalsd_breaker_trips_total{vital="gpu"} 1`)
	assert.Contains(t, text, `vitalsd_probe_failures_total{vital="ram"} 0`)

	// Rate limited: the file keeps the previous value until Flush.
	tf.Update(vital.Processor, 50)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `vitalsd_vital_percent{vital="cpu"} 42`)

	require.NoError(t, tf.Flush())
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `vitalsd_vital_percent{vital="cpu"} 50`)
}

func TestTextfileWriteError(t *testing.T) {
	tf := sink.NewTextfile(filepath.Join(t.TempDir(), "missing", "vitalsd.prom"), time.Second, logger.Nop())
	assert.Error(t, tf.Flush())
}
