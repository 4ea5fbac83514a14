package sink

import (
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"codeberg.org/mutker/vitalsd/internal/config"
	"codeberg.org/mutker/vitalsd/internal/vital"
	"github.com/charmbracelet/lipgloss"
)

var (
	vitalColors = map[vital.Type]lipgloss.Color{
		vital.Processor: "6", // Cyan
		vital.Memory:    "2", // Green
		vital.Storage:   "4", // Blue
		vital.Thermal:   "3", // Yellow
		vital.Graphics:  "5", // Magenta
	}

	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	separatorStyle = mutedStyle
)

// Terminal redraws a single status line holding the latest value of every
// attached vital.
type Terminal struct {
	out io.Writer

	mu       sync.Mutex
	values   map[vital.Type]float64
	detached map[vital.Type]bool
}

func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{
		out:      out,
		values:   make(map[vital.Type]float64),
		detached: make(map[vital.Type]bool),
	}
}

// Follow keeps the line in step with the show-<name> settings of live until
// the returned function is called.
func (t *Terminal) Follow(live config.Live) (stop func()) {
	subs := make([]config.Subscription, 0, len(vital.All()))
	for _, v := range vital.All() {
		t.setVisible(v, live.Visible(v))
		subs = append(subs, live.Subscribe(v.VisibleKey(), func(string) {
			t.setVisible(v, live.Visible(v))
		}))
	}

	return func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
}

func (t *Terminal) setVisible(v vital.Type, visible bool) {
	if visible {
		t.Attach(v)
	} else {
		t.Detach(v)
	}
}

// Detach hides v from the line and stops accepting its updates.
func (t *Terminal) Detach(v vital.Type) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detached[v] {
		return
	}
	t.detached[v] = true
	if _, shown := t.values[v]; shown {
		delete(t.values, v)
		t.redraw()
	}
}

// Attach shows v again.
func (t *Terminal) Attach(v vital.Type) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.detached, v)
}

func (t *Terminal) Attached(v vital.Type) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.detached[v]
}

func (t *Terminal) Update(v vital.Type, value float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.detached[v] {
		return
	}
	t.values[v] = value
	t.redraw()
}

// redraw clears the current line so a shorter render leaves no residue.
func (t *Terminal) redraw() {
	fmt.Fprintf(t.out, "\r\x1b[K%s", t.render())
}

// Line returns the current status line.
func (t *Terminal) Line() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.render()
}

func (t *Terminal) render() string {
	parts := make([]string, 0, len(t.values))
	for _, v := range vital.All() {
		value, ok := t.values[v]
		if !ok {
			continue
		}
		label := mutedStyle.Render(v.DisplayName())
		pct := lipgloss.NewStyle().Foreground(vitalColors[v]).Bold(true).
			Render(fmt.Sprintf("%3d%%", int(math.Round(value))))
		parts = append(parts, label+" "+pct)
	}
	return strings.Join(parts, separatorStyle.Render(" │ "))
}
