package config

import (
	"time"

	"codeberg.org/mutker/vitalsd/internal/vital"
)

// Handler is called with the key whose value changed.
type Handler func(key string)

// Subscription cancels a registered Handler. A cancelled Handler never
// runs again once Unsubscribe has returned.
type Subscription interface {
	Unsubscribe()
}

// Live is the view of the settings store used by the polling subsystem.
type Live interface {
	// Interval returns the update interval of v. It is always positive.
	Interval(v vital.Type) time.Duration

	// Visible reports whether v is shown.
	Visible(v vital.Type) bool

	// Subscribe registers fn for changes of key.
	Subscribe(key string, fn Handler) Subscription
}

// Keys returns every per-vital key known to the store.
func Keys() []string {
	keys := make([]string, 0, 2*len(vital.All()))
	for _, v := range vital.All() {
		keys = append(keys, v.IntervalKey(), v.VisibleKey())
	}
	return keys
}
