// Package sink contains the consumers of polled values.
package sink

import (
	"codeberg.org/mutker/vitalsd/internal/scheduler"
	"codeberg.org/mutker/vitalsd/internal/vital"
)

// Multi fans every update out to its members. A member that reports a slot
// as detached is skipped for that slot.
type Multi []scheduler.Sink

func (m Multi) Update(v vital.Type, value float64) {
	for _, s := range m {
		if a, ok := s.(scheduler.Attacher); ok && !a.Attached(v) {
			continue
		}
		s.Update(v, value)
	}
}

// Attached reports whether any member still wants v.
func (m Multi) Attached(v vital.Type) bool {
	for _, s := range m {
		a, ok := s.(scheduler.Attacher)
		if !ok || a.Attached(v) {
			return true
		}
	}
	return false
}
