package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"aecd/internal/aec"
	"aecd/internal/align"
	"aecd/internal/config"
	"aecd/internal/frame"
)

// processor is the state owned by the processing goroutine: the only writer
// of the filter and the aligner.
type processor struct {
	s   *Scheduler
	cfg config.Pipeline
	run *run

	engine  *aec.Engine // nil in passthrough mode
	gate    *aec.Gate   // nil unless the residual gate is enabled
	aligner *align.Aligner

	// episodes tracks which degradation kinds were raised by the previous
	// frame, so a persistent condition is logged loudly only once.
	episodes map[error]bool
	raised   map[error]bool

	// starved is set from the first capture timeout until the next frame.
	starved bool
}

func (s *Scheduler) newProcessor() (*processor, error) {
	p := &processor{
		s:        s,
		cfg:      s.cfg,
		aligner:  align.New(s.cfg.FrameSize, s.cfg.AlignmentOffset, s.cfg.HistoryFrames),
		episodes: make(map[error]bool),
		raised:   make(map[error]bool),
	}
	if s.cfg.Passthrough() {
		return p, nil
	}
	eng, err := aec.New(aec.Options{
		FilterLength: s.cfg.FilterLength,
		Step:         s.cfg.LearningRate,
		Variant:      s.variant,
		DoubleTalk: aec.DoubleTalk{
			Enabled:         s.cfg.DoubleTalk.Enabled,
			Threshold:       s.cfg.DoubleTalk.Threshold,
			HangoverSamples: s.cfg.DoubleTalk.HangoverSamples,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p.engine = eng
	if g := s.cfg.ResidualGate; g.Enabled {
		p.gate = aec.NewGate(float32(g.Threshold), g.HoldFrames)
	}
	return p, nil
}

func (p *processor) loop() {
	r := p.run
	timeout := p.cfg.CaptureTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-r.stop:
			p.drain()
			return
		default:
		}

		select {
		case <-r.stop:
			p.drain()
			return
		case ref := <-r.reference.Recv():
			p.acceptReference(ref)
		case f := <-r.capture.Recv():
			p.starved = false
			p.process(f)
			timer.Reset(timeout)
		case <-timer.C:
			p.s.degrade(Degradation{
				Kind:   ErrCaptureTimeout,
				Detail: fmt.Sprintf("no capture frame for %v", timeout),
				Count:  1,
			}, !p.starved)
			p.starved = true
			timer.Reset(timeout)
		}
	}
}

// drain processes the frames still queued when the run stops. Every capture
// frame PushCapture accepted gets its output; the output reserve holds them
// under the block policy.
func (p *processor) drain() {
	r := p.run
	r.output.Release()
	for _, ref := range r.reference.Drain() {
		p.acceptReference(ref)
	}
	pending := r.capture.Drain()
	if len(pending) > 0 {
		slog.Debug("processing queued capture frames", "component", "pipeline", "frames", len(pending))
	}
	for _, f := range pending {
		p.process(f)
	}
}

func (p *processor) acceptReference(ref frame.Frame) {
	res := p.aligner.Push(ref)
	switch {
	case res.Late:
		p.s.degrade(Degradation{Kind: ErrReferenceStall, Detail: "late reference frame dropped", Count: 1, Seq: ref.Seq}, false)
	case res.Resynced:
		p.s.degrade(Degradation{Kind: ErrReferenceStall, Detail: "reference gap exceeded history, resynchronized", Count: res.Gap, Seq: ref.Seq}, true)
	case res.Gap > 0:
		p.s.degrade(Degradation{Kind: ErrReferenceStall, Detail: "missing reference frames filled with silence", Count: res.Gap, Seq: ref.Seq}, false)
	}
}

// awaitReference waits, bounded by ReferenceTimeoutMS, until the aligner
// holds every reference sample capture frame seq needs.
func (p *processor) awaitReference(seq uint64) {
	if p.aligner.Ready(seq) {
		return
	}
	timer := time.NewTimer(p.cfg.ReferenceTimeout())
	defer timer.Stop()
	for !p.aligner.Ready(seq) {
		select {
		case ref := <-p.run.reference.Recv():
			p.acceptReference(ref)
		case <-timer.C:
			return
		case <-p.run.stop:
			return
		}
	}
}

func (p *processor) process(f frame.Frame) {
	start := time.Now()
	clear(p.raised)

	var out frame.Frame
	if p.engine == nil {
		out = passthrough(f)
	} else {
		out = p.cancel(f)
	}

	p.emit(out)

	for kind := range p.episodes {
		if !p.raised[kind] {
			delete(p.episodes, kind)
		}
	}

	ctx := context.Background()
	p.s.opts.Metrics.RecordFrame(ctx, p.cfg.Mode, time.Since(start))
	if p.engine != nil {
		p.s.opts.Metrics.SetERLE(ctx, p.engine.Stats().ERLE)
	}
}

func (p *processor) cancel(f frame.Frame) frame.Frame {
	p.awaitReference(f.Seq)
	ref, rep := p.aligner.Reference(f.Seq)
	if rep.Stall > 0 {
		p.report(Degradation{Kind: ErrReferenceStall, Detail: "reference not available, substituted silence", Count: rep.Stall, Seq: f.Seq})
	}
	if rep.Overrun > 0 {
		p.report(Degradation{Kind: ErrReferenceOverrun, Detail: "reference already overwritten, substituted silence", Count: rep.Overrun, Seq: f.Seq})
	}

	before := p.engine.Stats().Instabilities
	samples, err := p.engine.Process(f.Samples, ref)
	if err != nil {
		p.report(Degradation{Kind: ErrFrameSizeMismatch, Detail: err.Error(), Count: 1, Seq: f.Seq})
		return passthrough(f)
	}
	gated := p.gate != nil && p.gate.Process(samples)
	es := p.engine.Stats()
	if n := es.Instabilities - before; n > 0 {
		p.report(Degradation{Kind: ErrNumericInstability, Detail: "non-finite samples replaced with zero", Count: int(n), Seq: f.Seq})
	}

	as := p.aligner.Stats()
	p.s.statsMu.Lock()
	st := &p.s.stats
	st.SilenceSamples += uint64(rep.Silence())
	if gated {
		st.GatedFrames++
	}
	st.Instabilities = es.Instabilities
	st.FrozenSamples = es.FrozenSamples
	st.ERLE = es.ERLE
	st.LateReferences = as.Late
	st.GapSamples = as.GapSamples
	st.Resyncs = as.Resyncs
	p.s.statsMu.Unlock()

	return frame.New(f.Seq, samples)
}

// emit pushes an output frame according to OutputPolicy. Under the block
// policy it waits in QueueWaitMS slices; once stopped it moves the frame
// into the output reserve.
func (p *processor) emit(out frame.Frame) {
	r := p.run
	if p.cfg.OutputPolicy == config.PolicyDropOldest {
		p.pushDropOldest(out)
		return
	}

	blocked := false
	for {
		err := r.output.Push(out, p.cfg.QueueWait())
		switch {
		case err == nil:
			p.countOutput()
			return
		case errors.Is(err, frame.ErrTimeout):
			if !blocked {
				blocked = true
				p.s.degrade(Degradation{Kind: ErrQueueFull, Detail: "output queue full, waiting for consumer", Count: 1, Seq: out.Seq}, true)
			}
			select {
			case <-r.stop:
				r.output.Release()
				if r.output.TryPush(out) == nil {
					p.countOutput()
				} else {
					p.dropOutput(out)
				}
				return
			default:
			}
		default:
			p.dropOutput(out)
			return
		}
	}
}

// dropOutput counts and logs an output frame that could not be queued.
func (p *processor) dropOutput(out frame.Frame) {
	p.s.degrade(Degradation{Kind: ErrQueueFull, Detail: "output queue full at shutdown, frame dropped", Count: 1, Seq: out.Seq}, true)
	p.s.statsMu.Lock()
	p.s.stats.DroppedOutputs++
	p.s.statsMu.Unlock()
}

func (p *processor) pushDropOldest(out frame.Frame) {
	n, err := p.run.output.PushDropOldest(out)
	if err != nil {
		return
	}
	if n > 0 {
		p.report(Degradation{Kind: ErrQueueFull, Detail: "output queue full, dropped oldest", Count: n, Seq: out.Seq})
		p.s.statsMu.Lock()
		p.s.stats.DroppedOutputs += uint64(n)
		p.s.statsMu.Unlock()
	}
	p.countOutput()
}

func (p *processor) countOutput() {
	p.s.statsMu.Lock()
	p.s.stats.Outputs++
	p.s.statsMu.Unlock()
}

// report raises a per-frame degradation, loud only at the start of an
// episode.
func (p *processor) report(d Degradation) {
	p.raised[d.Kind] = true
	loud := !p.episodes[d.Kind]
	p.episodes[d.Kind] = true
	p.s.degrade(d, loud)
}

// passthrough returns a copy of f with samples sanitized to [-1, 1].
func passthrough(f frame.Frame) frame.Frame {
	out := f.Clone()
	for i, v := range out.Samples {
		s, _ := frame.Sanitize(float64(v))
		out.Samples[i] = float32(s)
	}
	return out
}
