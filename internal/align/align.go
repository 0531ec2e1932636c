// Package align pairs each captured frame with the slice of the reference
// stream that was played AlignmentOffset samples earlier.
//
// The reference stream is addressed by absolute sample position: frame Seq
// covers positions [Seq*N, Seq*N+N). Capture frame k needs reference
// positions [k*N-offset, k*N-offset+N). Positions before the stream start,
// not yet written, or already overwritten are read as silence so the capture
// path never waits on the reference path.
package align

import "aecd/internal/frame"

// DefaultHistoryFrames is the slack, in frames, kept beyond offset+frameSize
// so a reference producer running ahead of capture does not overwrite
// samples that are still needed.
const DefaultHistoryFrames = 8

// PushResult describes what Push did with a reference frame.
type PushResult struct {
	Accepted bool
	Late     bool // sequence already passed; frame dropped
	Gap      int  // silence samples inserted for missing frames
	Resynced bool // gap exceeded the buffer; history cleared
}

// Report counts the silence substituted while building one aligned frame.
type Report struct {
	Warmup  int // positions before the stream start
	Stall   int // positions the reference producer has not written yet
	Overrun int // positions already overwritten by newer reference audio
}

// Silence returns the total number of substituted samples.
func (r Report) Silence() int { return r.Warmup + r.Stall + r.Overrun }

// Stats holds cumulative aligner counters.
type Stats struct {
	Frames     uint64
	Late       uint64
	GapSamples uint64
	Resyncs    uint64
}

// Aligner is a sample-position ring over the reference stream. It is not
// safe for concurrent use.
type Aligner struct {
	frameSize int
	offset    int
	ring      []float32

	written int64  // one past the highest written position
	next    uint64 // next expected reference Seq

	stats Stats
}

// New returns an Aligner for frames of frameSize samples delayed by offset
// samples. Negative arguments are treated as zero; frameSize must be >= 1.
func New(frameSize, offset, historyFrames int) *Aligner {
	if frameSize < 1 {
		frameSize = 1
	}
	if offset < 0 {
		offset = 0
	}
	if historyFrames < 0 {
		historyFrames = 0
	}
	return &Aligner{
		frameSize: frameSize,
		offset:    offset,
		ring:      make([]float32, offset+frameSize+historyFrames*frameSize),
	}
}

// Capacity returns the number of reference samples retained.
func (a *Aligner) Capacity() int { return len(a.ring) }

// Offset returns the configured alignment offset in samples.
func (a *Aligner) Offset() int { return a.offset }

// Stats returns cumulative counters.
func (a *Aligner) Stats() Stats { return a.stats }

// Push writes a reference frame at stream position Seq*N. Frames shorter than
// N are zero-padded and longer ones truncated.
func (a *Aligner) Push(ref frame.Frame) PushResult {
	if ref.Seq < a.next {
		a.stats.Late++
		return PushResult{Late: true}
	}

	n := int64(a.frameSize)
	start := int64(ref.Seq) * n
	res := PushResult{Accepted: true}

	if gap := start - a.written; gap > 0 {
		res.Gap = int(gap)
		a.stats.GapSamples += uint64(gap)
		if gap >= int64(len(a.ring)) {
			clear(a.ring)
			res.Resynced = true
			a.stats.Resyncs++
		} else {
			for p := a.written; p < start; p++ {
				a.ring[a.index(p)] = 0
			}
		}
	}

	for i := range a.frameSize {
		var v float32
		if i < len(ref.Samples) {
			v = ref.Samples[i]
		}
		a.ring[a.index(start+int64(i))] = v
	}

	a.written = start + n
	a.next = ref.Seq + 1
	a.stats.Frames++
	return res
}

// Ready reports whether every reference sample needed by capture frame seq
// has been written.
func (a *Aligner) Ready(seq uint64) bool {
	end := a.start(seq) + int64(a.frameSize)
	return end <= 0 || end <= a.written
}

// Reference returns a new frame-sized slice of the reference aligned with
// capture frame seq, and counts the silence substituted into it.
func (a *Aligner) Reference(seq uint64) ([]float32, Report) {
	out := make([]float32, a.frameSize)
	var rep Report

	start := a.start(seq)
	oldest := a.written - int64(len(a.ring))
	for i := range out {
		p := start + int64(i)
		switch {
		case p < 0:
			rep.Warmup++
		case p >= a.written:
			rep.Stall++
		case p < oldest:
			rep.Overrun++
		default:
			out[i] = a.ring[a.index(p)]
		}
	}
	return out, rep
}

// Reset empties the buffer and restarts sequence tracking at zero.
func (a *Aligner) Reset() {
	clear(a.ring)
	a.written = 0
	a.next = 0
	a.stats = Stats{}
}

func (a *Aligner) start(seq uint64) int64 {
	return int64(seq)*int64(a.frameSize) - int64(a.offset)
}

func (a *Aligner) index(p int64) int {
	return int(p % int64(len(a.ring)))
}
