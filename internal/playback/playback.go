// Package playback provides the sources played through the speaker while
// the canceller runs. The played signal doubles as the echo reference.
package playback

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultAmplitude is the peak level used by Tone when none is given.
const DefaultAmplitude = 0.3

// Source fills buf with the next block of playback samples.
type Source interface {
	Fill(buf []float32)
}

// Silence plays nothing.
type Silence struct{}

func (Silence) Fill(buf []float32) { clear(buf) }

// Tone is a phase-continuous sine generator.
type Tone struct {
	mu        sync.Mutex
	freq      float64
	amplitude float64
	rate      float64
	phase     float64
}

// NewTone returns a sine of freq Hz at the given peak amplitude. A
// non-positive amplitude selects DefaultAmplitude.
func NewTone(freq, amplitude float64, sampleRate int) (*Tone, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("playback: invalid sample rate %d", sampleRate)
	}
	if freq <= 0 || freq >= float64(sampleRate)/2 {
		return nil, fmt.Errorf("playback: tone frequency %.1f Hz outside (0, %d)", freq, sampleRate/2)
	}
	if amplitude <= 0 {
		amplitude = DefaultAmplitude
	}
	return &Tone{freq: freq, amplitude: min(amplitude, 1), rate: float64(sampleRate)}, nil
}

func (t *Tone) Fill(buf []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	step := 2 * math.Pi * t.freq / t.rate
	for i := range buf {
		buf[i] = float32(t.amplitude * math.Sin(t.phase))
		t.phase += step
		if t.phase >= 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
}

// Open loads a looping clip from path. Files ending in .wav are parsed as
// RIFF/WAVE; anything else is read as raw signed 16-bit little-endian mono.
func Open(path string, sampleRate int) (*Loop, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		return LoadWAV(path, sampleRate)
	}
	return LoadRaw(path)
}
