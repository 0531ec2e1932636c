// Package aec provides the adaptive filter that removes a loudspeaker's echo
// from a captured microphone signal.
//
// The engine models the echo path as a tapped delay line over the most recent
// reference (far-end) samples. For every captured sample it estimates the
// echo as the dot product of the filter coefficients with that history,
// subtracts it, and moves the coefficients along the gradient of the squared
// residual (LMS), optionally normalized by the reference energy (NLMS).
//
// Usage:
//
//	eng, err := aec.New(aec.Options{FilterLength: 1024, Step: 0.1})
//	out, err := eng.Process(captured, reference) // both len == frame size
//
// An Engine is not safe for concurrent use. The pipeline's processing
// goroutine is its only caller.
package aec

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"aecd/internal/frame"
)

const (
	// DefaultStep is the default learning rate. For plain LMS the filter is
	// stable only while Step * referenceEnergy < 2, where referenceEnergy is
	// the sum of squares over the tap window; keep it small for long filters
	// or loud references. For NLMS Step is mu and must lie in (0, 2).
	DefaultStep = 0.1

	// MaxCoefficient bounds every filter coefficient after each update.
	MaxCoefficient = 64.0

	// DefaultGeigelThreshold is the near/far amplitude ratio above which the
	// double-talk detector freezes adaptation (about 6 dB of echo return loss).
	DefaultGeigelThreshold = 0.5

	// DefaultHangover is how many samples adaptation stays frozen after the
	// last double-talk detection (50 ms at 48 kHz).
	DefaultHangover = 2400

	// nlmsEpsilon regularizes the NLMS normalization.
	nlmsEpsilon = 1e-6

	// minPower skips NLMS updates on an effectively silent reference window.
	minPower = 1e-10

	// erleSmoothing is the exponential smoothing factor for the ERLE estimate.
	erleSmoothing = 0.1
)

// ErrFrameSizeMismatch is returned by Process when the captured and reference
// frames differ in length. The filter state is left untouched.
var ErrFrameSizeMismatch = errors.New("frame size mismatch")

// Variant selects the coefficient update rule.
type Variant int

const (
	// VariantLMS uses a constant step size.
	VariantLMS Variant = iota

	// VariantNLMS divides the step by the energy of the reference window.
	VariantNLMS
)

// String returns the configuration name of the variant.
func (v Variant) String() string {
	switch v {
	case VariantLMS:
		return "lms"
	case VariantNLMS:
		return "nlms"
	default:
		return "unknown"
	}
}

// ParseVariant maps a configuration name to a Variant. The empty string
// selects LMS.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lms":
		return VariantLMS, nil
	case "nlms":
		return VariantNLMS, nil
	default:
		return 0, fmt.Errorf("unknown filter variant %q (valid: lms, nlms)", s)
	}
}

// DoubleTalk configures the Geigel double-talk detector. While near-end
// speech is detected the filter keeps cancelling with its current
// coefficients but stops adapting, so the talker's voice does not corrupt the
// echo model.
type DoubleTalk struct {
	Enabled         bool
	Threshold       float64 // 0 selects DefaultGeigelThreshold
	HangoverSamples int     // 0 selects DefaultHangover
}

// Options configures an Engine.
type Options struct {
	FilterLength int
	Step         float64
	Variant      Variant
	DoubleTalk   DoubleTalk
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Frames        uint64
	Samples       uint64
	Instabilities uint64  // non-finite values replaced with zero
	FrozenSamples uint64  // samples processed without adaptation
	ERLE          float64 // smoothed echo return loss enhancement, dB
}

// Engine is an LMS/NLMS adaptive echo canceller.
type Engine struct {
	variant Variant
	step    float64
	tapLen  int

	// weights[k] multiplies window[k]; the window runs oldest to newest.
	weights []float64

	// hist stores the reference history twice so the tap window is always
	// the contiguous slice hist[pos+1 : pos+1+tapLen].
	hist []float64
	pos  int

	dt   DoubleTalk
	hold int

	stats    Stats
	erleInit bool
}

// New validates opts and returns an Engine with zeroed coefficients.
func New(opts Options) (*Engine, error) {
	if opts.FilterLength < 1 {
		return nil, fmt.Errorf("aec: filter length must be >= 1, got %d", opts.FilterLength)
	}
	if opts.Step <= 0 || math.IsNaN(opts.Step) || math.IsInf(opts.Step, 0) {
		return nil, fmt.Errorf("aec: step must be a positive finite number, got %v", opts.Step)
	}
	switch opts.Variant {
	case VariantLMS:
	case VariantNLMS:
		if opts.Step >= 2 {
			return nil, fmt.Errorf("aec: nlms step must be < 2, got %v", opts.Step)
		}
	default:
		return nil, fmt.Errorf("aec: unknown variant %d", opts.Variant)
	}

	dt := opts.DoubleTalk
	if dt.Threshold <= 0 {
		dt.Threshold = DefaultGeigelThreshold
	}
	if dt.HangoverSamples <= 0 {
		dt.HangoverSamples = DefaultHangover
	}

	return &Engine{
		variant: opts.Variant,
		step:    opts.Step,
		tapLen:  opts.FilterLength,
		weights: make([]float64, opts.FilterLength),
		hist:    make([]float64, 2*opts.FilterLength),
		pos:     opts.FilterLength - 1,
		dt:      dt,
	}, nil
}

// FilterLength returns the number of taps.
func (e *Engine) FilterLength() int { return e.tapLen }

// Variant returns the update rule in use.
func (e *Engine) Variant() Variant { return e.variant }

// Coefficients returns a copy of the current filter coefficients, oldest tap
// first.
func (e *Engine) Coefficients() []float64 {
	out := make([]float64, len(e.weights))
	copy(out, e.weights)
	return out
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats { return e.stats }

// Reset zeroes the coefficients, the reference history and the counters.
// It is meant for an explicit restart, never for mid-run use.
func (e *Engine) Reset() {
	clear(e.weights)
	clear(e.hist)
	e.pos = e.tapLen - 1
	e.hold = 0
	e.stats = Stats{}
	e.erleInit = false
}

// Process cancels the echo of reference from input and returns the residual
// as a new frame. Samples are processed in temporal order; each one updates
// the filter before the next is estimated. Output samples are always finite
// and within [-1, 1].
func (e *Engine) Process(input, reference []float32) ([]float32, error) {
	if len(input) != len(reference) {
		return nil, fmt.Errorf("aec: %w: input=%d reference=%d", ErrFrameSizeMismatch, len(input), len(reference))
	}

	out := make([]float32, len(input))
	var inEnergy, outEnergy float64

	for i := range input {
		x, bad := frame.Sanitize(float64(reference[i]))
		if bad {
			e.stats.Instabilities++
		}
		win := e.push(x)

		echo, power := e.estimate(win)
		if math.IsNaN(echo) || math.IsInf(echo, 0) {
			echo = 0
			e.stats.Instabilities++
		}

		near := float64(input[i])
		residual, bad := frame.Sanitize(near - echo)
		if bad {
			e.stats.Instabilities++
		}

		if e.doubleTalk(near, win) {
			e.stats.FrozenSamples++
		} else {
			e.adapt(residual, power, win)
		}

		out[i] = float32(residual)
		if n, nbad := frame.Sanitize(near); !nbad {
			inEnergy += n * n
		}
		outEnergy += residual * residual
	}

	e.stats.Frames++
	e.stats.Samples += uint64(len(input))
	e.updateERLE(inEnergy, outEnergy)
	return out, nil
}

// push inserts the newest reference sample and returns the tap window.
func (e *Engine) push(x float64) []float64 {
	e.pos++
	if e.pos == e.tapLen {
		e.pos = 0
	}
	e.hist[e.pos] = x
	e.hist[e.pos+e.tapLen] = x
	return e.hist[e.pos+1 : e.pos+1+e.tapLen]
}

// estimate returns the echo estimate and, for NLMS, the window energy.
func (e *Engine) estimate(win []float64) (echo, power float64) {
	w := e.weights[:len(win)]
	if e.variant == VariantNLMS {
		for k, x := range win {
			echo += w[k] * x
			power += x * x
		}
		return echo, power
	}
	for k, x := range win {
		echo += w[k] * x
	}
	return echo, 0
}

// adapt applies one gradient step and re-validates every coefficient.
func (e *Engine) adapt(residual, power float64, win []float64) {
	mu := e.step
	if e.variant == VariantNLMS {
		if power <= minPower {
			return
		}
		mu = e.step / (power + nlmsEpsilon)
	}
	g := mu * residual
	if g == 0 {
		return
	}

	w := e.weights[:len(win)]
	for k, x := range win {
		v := w[k] + g*x
		switch {
		case math.IsNaN(v) || math.IsInf(v, 0):
			v = 0
			e.stats.Instabilities++
		case v > MaxCoefficient:
			v = MaxCoefficient
		case v < -MaxCoefficient:
			v = -MaxCoefficient
		}
		w[k] = v
	}
}

// doubleTalk runs the Geigel detector and reports whether adaptation is
// frozen for this sample.
func (e *Engine) doubleTalk(near float64, win []float64) bool {
	if !e.dt.Enabled {
		return false
	}
	var peak float64
	for _, x := range win {
		if a := math.Abs(x); a > peak {
			peak = a
		}
	}
	if peak > 0 && math.Abs(near) >= e.dt.Threshold*peak {
		e.hold = e.dt.HangoverSamples
		return true
	}
	if e.hold > 0 {
		e.hold--
		return true
	}
	return false
}

func (e *Engine) updateERLE(in, out float64) {
	if in <= minPower {
		return
	}
	erle := 10 * math.Log10(in/math.Max(out, minPower))
	if !e.erleInit {
		e.stats.ERLE = erle
		e.erleInit = true
		return
	}
	e.stats.ERLE = (1-erleSmoothing)*e.stats.ERLE + erleSmoothing*erle
}
