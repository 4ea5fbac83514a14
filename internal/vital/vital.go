// Package vital defines the fixed set of monitored host vitals and the
// percentage samples produced for them.
package vital

import (
	"math"
	"strings"
	"time"

	"codeberg.org/mutker/vitalsd/internal/errors"
)

// Type identifies one monitored vital.
type Type int

const (
	Processor Type = iota
	Memory
	Storage
	Thermal
	Graphics
)

var (
	names = [...]string{"cpu", "ram", "storage", "temp", "gpu"}

	displayNames = [...]string{"CPU", "RAM", "Storage", "Temperature", "GPU"}
)

// All returns every vital in display order.
func All() []Type {
	return []Type{Processor, Memory, Storage, Thermal, Graphics}
}

// Valid reports whether t is one of the known vitals.
func (t Type) Valid() bool {
	return t >= Processor && t <= Graphics
}

// String returns the setting name of the vital ("cpu", "ram", ...).
func (t Type) String() string {
	if !t.Valid() {
		return "unknown"
	}
	return names[t]
}

// DisplayName returns a human readable label.
func (t Type) DisplayName() string {
	if !t.Valid() {
		return "Unknown"
	}
	return displayNames[t]
}

// IntervalKey is the settings key holding the update interval in milliseconds.
func (t Type) IntervalKey() string {
	return t.String() + "-update-interval"
}

// VisibleKey is the settings key holding the visibility flag.
func (t Type) VisibleKey() string {
	return "show-" + t.String()
}

// Parse resolves a setting name or display name to a Type.
func Parse(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range names {
		if s == n || s == strings.ToLower(displayNames[i]) {
			return Type(i), nil
		}
	}

	return 0, errors.New().WithData(errors.ErrUnknownVital, s)
}

// Sample is a single successful reading.
type Sample struct {
	Vital     Type
	Value     float64
	Timestamp time.Time
}

// Clamp bounds v to [0, 100]. NaN maps to 0.
func Clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}

	return v
}
