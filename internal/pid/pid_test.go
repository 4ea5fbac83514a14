package pid_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"codeberg.org/mutker/vitalsd/internal/errors"
	"codeberg.org/mutker/vitalsd/internal/pid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "vitalsd.pid")
	f := pid.New(path)

	require.NoError(t, f.Write())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	require.NoError(t, f.Remove())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, f.Remove(), "removing a missing file is fine")
}

func TestWriteRefusesLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vitalsd.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600))

	err := pid.New(path).Write()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrAlreadyRunning))
}

func TestWriteReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vitalsd.pid")
	require.NoError(t, os.WriteFile(path, []byte("not a pid\n"), 0o600))

	require.NoError(t, pid.New(path).Write())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}

func TestDefaultPath(t *testing.T) {
	assert.Equal(t, filepath.Join(os.TempDir(), "vitalsd.pid"), pid.New("").Path())
}
