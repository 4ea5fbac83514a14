// Package sysfstest provides in-memory sysfs fakes for tests.
package sysfstest

import (
	"context"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"codeberg.org/mutker/vitalsd/internal/sysfs"
)

// FS is an in-memory sysfs.Reader. Directories are implied by file paths.
type FS struct {
	mu    sync.Mutex
	files map[string]string
	reads map[string]int
}

// NewFS returns an FS holding the given path -> content pairs.
func NewFS(files map[string]string) *FS {
	f := &FS{files: make(map[string]string), reads: make(map[string]int)}
	for p, c := range files {
		f.files[p] = c
	}
	return f
}

// Set replaces or adds a file.
func (f *FS) Set(p, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[p] = content
}

// Remove deletes a file.
func (f *FS) Remove(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, p)
}

// Reads returns how many times p was read.
func (f *FS) Reads(p string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[p]
}

// TotalReads returns the number of reads across all files.
func (f *FS) TotalReads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.reads {
		n += c
	}
	return n
}

func (f *FS) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads[p]++
	c, ok := f.files[p]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
	}
	return []byte(c), nil
}

func (f *FS) ReadDir(_ context.Context, dir string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := strings.TrimSuffix(dir, "/") + "/"
	seen := make(map[string]bool)
	for p := range f.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		seen[strings.SplitN(rest, "/", 2)[0]] = true
	}
	if len(seen) == 0 {
		return nil, &fs.PathError{Op: "open", Path: dir, Err: fs.ErrNotExist}
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (f *FS) Exists(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	if _, ok := f.files[p]; ok {
		return true
	}
	for k := range f.files {
		if strings.HasPrefix(k, p+"/") {
			return true
		}
	}
	return false
}

// Runner is a scripted sysfs.Runner keyed by program name.
type Runner struct {
	mu      sync.Mutex
	paths   map[string]string
	results map[string]sysfs.Result
	errs    map[string]error
	calls   map[string]int
	args    map[string][]string
	block   chan struct{}
}

// NewRunner returns an empty Runner; no programs are found on PATH.
func NewRunner() *Runner {
	return &Runner{
		paths:   make(map[string]string),
		results: make(map[string]sysfs.Result),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
		args:    make(map[string][]string),
	}
}

// Install makes name resolvable through LookPath at the given path.
func (r *Runner) Install(name, at string) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths[name] = at
	return r
}

// Respond scripts the result returned when the program at path runs.
func (r *Runner) Respond(p string, res sysfs.Result) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[p] = res
	delete(r.errs, p)
	return r
}

// Fail scripts a start failure for the program at path.
func (r *Runner) Fail(p string, err error) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[p] = err
	return r
}

// Block makes every Run wait until the returned function is called or ctx ends.
func (r *Runner) Block() (release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	r.block = ch
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Calls returns how many times the program at path ran.
func (r *Runner) Calls(p string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[p]
}

// LastArgs returns the arguments of the most recent run of p.
func (r *Runner) LastArgs(p string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.args[p]
}

func (r *Runner) Run(ctx context.Context, name string, args ...string) (sysfs.Result, error) {
	r.mu.Lock()
	r.calls[name]++
	r.args[name] = args
	block := r.block
	res, hasRes := r.results[name]
	err := r.errs[name]
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return sysfs.Result{}, ctx.Err()
		}
	}

	if err != nil {
		return sysfs.Result{}, err
	}
	if !hasRes {
		return sysfs.Result{}, &fs.PathError{Op: "exec", Path: name, Err: fs.ErrNotExist}
	}
	return res, nil
}

func (r *Runner) LookPath(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.paths[name]
	return p, ok
}
