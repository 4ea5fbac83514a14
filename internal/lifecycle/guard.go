package lifecycle

import (
	"context"
	"sync"

	"codeberg.org/mutker/vitalsd/internal/logger"
)

// Subscription is a registered observer that can be cancelled.
type Subscription interface {
	Unsubscribe()
}

// Guard owns the Token and the teardown steps of one subsystem instance.
type Guard struct {
	token *Token
	log   logger.Logger

	mu       sync.Mutex
	stops    []func()
	subs     []Subscription
	releases []func()
}

func NewGuard(parent context.Context, log logger.Logger) *Guard {
	if log == nil {
		log = logger.Nop()
	}
	return &Guard{token: NewToken(parent), log: log}
}

func (g *Guard) Token() *Token {
	return g.token
}

// OnStop registers a step that cancels timers. Stop steps run first.
func (g *Guard) OnStop(fn func()) {
	if !g.add(func() { g.stops = append(g.stops, fn) }) {
		fn()
	}
}

// Track registers an observer to unsubscribe at teardown. After teardown it
// is unsubscribed immediately.
func (g *Guard) Track(sub Subscription) {
	if !g.add(func() { g.subs = append(g.subs, sub) }) {
		sub.Unsubscribe()
	}
}

// OnRelease registers a source release hook. Release hooks run last.
func (g *Guard) OnRelease(fn func()) {
	if !g.add(func() { g.releases = append(g.releases, fn) }) {
		fn()
	}
}

func (g *Guard) add(register func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.token.Alive() {
		return false
	}
	register()
	return true
}

// Wrap returns fn guarded by the alive check.
func (g *Guard) Wrap(fn func()) func() {
	return func() {
		if !g.token.Alive() {
			return
		}
		fn()
	}
}

// Teardown kills the token, then stops timers, unsubscribes observers and
// releases sources, in that order. Later calls do nothing and return false.
func (g *Guard) Teardown() bool {
	g.mu.Lock()
	if !g.token.kill() {
		g.mu.Unlock()
		return false
	}
	stops, subs, releases := g.stops, g.subs, g.releases
	g.stops, g.subs, g.releases = nil, nil, nil
	g.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	for _, release := range releases {
		release()
	}

	g.log.Debug().
		Int("timers", len(stops)).
		Int("subscriptions", len(subs)).
		Int("sources", len(releases)).
		Msg("Torn down")
	return true
}
