package aec

import "aecd/internal/frame"

// Gate defaults.
const (
	DefaultGateThreshold  = float32(0.01) // about -40 dBFS
	DefaultGateHoldFrames = 10
)

// Gate is a hard gate on the canceller output. Frames whose residual RMS is
// below the threshold are zeroed once the hold period has run out, which
// removes low-level residual echo the linear filter leaves behind.
type Gate struct {
	threshold float32
	hold      int
	remaining int
	open      bool
}

// NewGate returns a Gate. A non-positive threshold selects
// DefaultGateThreshold; a negative hold selects DefaultGateHoldFrames.
func NewGate(threshold float32, holdFrames int) *Gate {
	if threshold <= 0 {
		threshold = DefaultGateThreshold
	}
	if holdFrames < 0 {
		holdFrames = DefaultGateHoldFrames
	}
	return &Gate{threshold: threshold, hold: holdFrames}
}

// IsOpen reports whether the last frame was passed.
func (g *Gate) IsOpen() bool { return g.open }

// Process gates samples in place and reports whether they were zeroed.
func (g *Gate) Process(samples []float32) (gated bool) {
	if frame.RMS(samples) >= g.threshold {
		g.remaining = g.hold
		g.open = true
		return false
	}
	if g.remaining > 0 {
		g.remaining--
		g.open = true
		return false
	}
	clear(samples)
	g.open = false
	return true
}

// Reset closes the gate and clears the hold counter.
func (g *Gate) Reset() {
	g.remaining = 0
	g.open = false
}
