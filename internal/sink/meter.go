package sink

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"aecd/internal/frame"
)

// meterWidth is the number of cells in a full-scale bar.
const meterWidth = 50

// Meter prints a one-line amplitude bar for the output signal.
type Meter struct {
	mu       sync.Mutex
	w        io.Writer
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

// NewMeter writes at most one bar per interval to w.
func NewMeter(w io.Writer, interval time.Duration) *Meter {
	return &Meter{w: w, interval: interval, now: time.Now}
}

func (m *Meter) Name() string { return "meter" }

func (m *Meter) Consume(f frame.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !m.last.IsZero() && now.Sub(m.last) < m.interval {
		return nil
	}
	m.last = now

	_, err := io.WriteString(m.w, Bar(frame.MeanAbs(f.Samples)))
	return err
}

func (m *Meter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last.IsZero() {
		return nil
	}
	_, err := io.WriteString(m.w, "\n")
	return err
}

// Bar renders amplitude as a carriage-return prefixed meter line.
func Bar(amplitude float32) string {
	n := min(max(int(amplitude*meterWidth), 0), meterWidth)
	bar := strings.Repeat("█", n) + strings.Repeat(" ", meterWidth-n)
	return fmt.Sprintf("\rAmplitude: %s %.4f", bar, amplitude)
}
