// Package lifecycle ties every callback of a subsystem instance to a single
// alive flag that flips exactly once at teardown.
package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
)

// Token is the shared alive flag. Its context is cancelled when it dies so
// blocking probes can stop early.
type Token struct {
	alive  atomic.Bool
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	t := &Token{ctx: ctx, cancel: cancel}
	t.alive.Store(true)
	return t
}

// Alive reports whether teardown has not happened yet.
func (t *Token) Alive() bool {
	return t.alive.Load()
}

// Context is cancelled when the token dies.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Done is closed when the token dies.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Do runs fn only while the token is alive and holds off teardown until fn
// returns. fn must not tear down the owning guard.
func (t *Token) Do(fn func()) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.alive.Load() {
		return false
	}
	fn()
	return true
}

// kill flips the flag once, waiting for running Do calls to finish.
// It reports whether this call performed the transition.
func (t *Token) kill() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.alive.CompareAndSwap(true, false) {
		return false
	}
	t.cancel()
	return true
}
