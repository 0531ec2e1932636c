// Package frame defines the unit of audio transfer between pipeline stages
// and the bounded queue that carries frames from one stage to the next.
//
// A Frame is a fixed-length block of mono samples, each a normalized
// amplitude in [-1.0, 1.0]. Frames are treated as immutable once produced:
// pushing a frame into a Buffer hands ownership to the consumer, and the
// producer must not touch the sample slice afterwards.
package frame

// DefaultSize is the default number of samples per frame.
const DefaultSize = 1024

// Frame is a block of consecutive audio samples.
type Frame struct {
	// Seq is the producer-assigned sequence number. Frame k of a stream
	// covers stream sample indices [k*len(Samples), (k+1)*len(Samples)).
	Seq uint64

	// Samples holds normalized amplitudes.
	Samples []float32
}

// New returns a Frame that takes ownership of samples.
func New(seq uint64, samples []float32) Frame {
	return Frame{Seq: seq, Samples: samples}
}

// Silence returns an all-zero frame of n samples.
func Silence(seq uint64, n int) Frame {
	return Frame{Seq: seq, Samples: make([]float32, n)}
}

// Len returns the number of samples in f.
func (f Frame) Len() int { return len(f.Samples) }

// Clone returns a deep copy of f. Sinks that fan a frame out to several
// consumers hand each one its own copy.
func (f Frame) Clone() Frame {
	s := make([]float32, len(f.Samples))
	copy(s, f.Samples)
	return Frame{Seq: f.Seq, Samples: s}
}
