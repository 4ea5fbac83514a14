// Package sysfs abstracts the two OS capabilities the sensors need: reading
// pseudo-files and running external tools.
package sysfs

import "context"

// Reader reads pseudo-files under /proc and /sys.
type Reader interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// ReadDir returns the entry names of a directory.
	ReadDir(ctx context.Context, path string) ([]string, error)
	Exists(path string) bool
}

// Runner invokes external programs.
type Runner interface {
	// Run returns an error only when the program could not be started.
	// A non-zero exit is reported through Result.Success.
	Run(ctx context.Context, name string, args ...string) (Result, error)
	LookPath(name string) (string, bool)
}

// Result is the captured outcome of a finished program.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Success  bool
}
