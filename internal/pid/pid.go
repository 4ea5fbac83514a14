// Package pid keeps a single running daemon per PID file.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/vitalsd/internal/errors"
)

// File is a PID file at a fixed path.
type File struct {
	path string
}

// New returns a File at path, or in the temp dir when path is empty.
func New(path string) *File {
	if path == "" {
		path = filepath.Join(os.TempDir(), "vitalsd.pid")
	}
	return &File{path: path}
}

func (f *File) Path() string {
	return f.path
}

// Write records the current process ID. It fails with ErrAlreadyRunning
// when the file names a live process; a stale file is replaced.
func (f *File) Write() error {
	errFactory := errors.New()

	if data, err := os.ReadFile(f.path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && alive(pid) {
			return errFactory.WithData(errors.ErrAlreadyRunning, pid)
		}
	} else if !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	if err := os.WriteFile(f.path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove deletes the PID file. A missing file is not an error.
func (f *File) Remove() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}

	return nil
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
