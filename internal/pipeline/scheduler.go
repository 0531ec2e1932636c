// Package pipeline runs the echo canceller: it owns the bounded queues
// between capture, reference and output, and one processing goroutine that
// aligns every captured frame with its reference and filters it.
//
// Producers call PushCapture and PushReference from their own goroutines;
// consumers call PollOutput or NextOutput. Every wait in the pipeline is
// bounded and wakes up on Stop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"aecd/internal/aec"
	"aecd/internal/config"
	"aecd/internal/frame"
	"aecd/internal/observe"
)

// Resource is an external handle the pipeline opens at Start and closes at
// Stop, typically a device adapter that feeds PushCapture/PushReference.
type Resource interface {
	Name() string
	Open() error
	Close() error
}

// Options carries the collaborators injected at construction.
type Options struct {
	// Resources are opened in order at Start and closed in reverse order at
	// Stop.
	Resources []Resource

	// Metrics may be nil.
	Metrics *observe.Metrics

	// OnDegradation, when set, is called for every degradation event. It
	// runs on the reporting goroutine and must not block.
	OnDegradation func(Degradation)
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Running bool   `json:"running"`
	Mode    string `json:"mode"`
	Variant string `json:"variant"`

	Captured       uint64 `json:"captured"`
	References     uint64 `json:"references"`
	Outputs        uint64 `json:"outputs"`
	DroppedOutputs uint64 `json:"dropped_outputs"`

	LateReferences uint64 `json:"late_references"`
	GapSamples     uint64 `json:"gap_samples"`
	Resyncs        uint64 `json:"resyncs"`
	SilenceSamples uint64 `json:"silence_samples"`

	Instabilities uint64  `json:"instabilities"`
	FrozenSamples uint64  `json:"frozen_samples"`
	GatedFrames   uint64  `json:"gated_frames"`
	ERLE          float64 `json:"erle_db"`

	Degradations map[string]uint64 `json:"degradations"`
}

// run holds the state of one Start..Stop cycle.
type run struct {
	capture   *frame.Buffer
	reference *frame.Buffer
	output    *frame.Buffer

	stop chan struct{}
	done chan struct{}

	captureFull   atomic.Bool
	referenceFull atomic.Bool
}

// Scheduler drives the echo canceller.
type Scheduler struct {
	cfg     config.Pipeline
	variant aec.Variant
	opts    Options

	mu      sync.Mutex // serializes Start/Stop
	running atomic.Bool
	cur     atomic.Pointer[run]
	opened  []Resource
	wg      sync.WaitGroup

	errMu sync.Mutex
	err   error

	statsMu sync.Mutex
	stats   Stats
}

// New validates cfg and returns a stopped Scheduler.
func New(cfg config.Pipeline, opts Options) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	variant, err := aec.ParseVariant(cfg.Variant)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return &Scheduler{cfg: cfg, variant: variant, opts: opts}, nil
}

// Config returns the pipeline configuration.
func (s *Scheduler) Config() config.Pipeline { return s.cfg }

// AddResource appends res to the resources opened by the next Start. It
// fails while the pipeline is running.
func (s *Scheduler) AddResource(res Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return ErrAlreadyRunning
	}
	s.opts.Resources = append(s.opts.Resources, res)
	return nil
}

// Running reports whether the pipeline is started.
func (s *Scheduler) Running() bool { return s.running.Load() }

// Start builds fresh filter state and queues, starts the processing
// goroutine and opens every resource in order. If a resource fails to open,
// the ones already opened are closed in reverse order and the pipeline is
// left stopped.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return ErrAlreadyRunning
	}

	p, err := s.newProcessor()
	if err != nil {
		return err
	}
	r := &run{
		capture:   frame.NewBuffer("capture", s.cfg.CaptureQueue),
		reference: frame.NewBuffer("reference", s.cfg.ReferenceQueue),
		output:    frame.NewReservedBuffer("output", s.cfg.OutputQueue, s.cfg.CaptureQueue+1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	p.run = r

	s.errMu.Lock()
	s.err = nil
	s.errMu.Unlock()
	s.statsMu.Lock()
	s.stats = Stats{
		Running:      true,
		Mode:         s.cfg.Mode,
		Variant:      s.variant.String(),
		Degradations: make(map[string]uint64),
	}
	s.statsMu.Unlock()

	s.cur.Store(r)
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if v := recover(); v != nil {
				err := fmt.Errorf("pipeline: panic in processing loop: %v", v)
				slog.Error("processing loop panicked", "component", "pipeline", "err", err)
				s.setErr(err)
				go s.stop(r)
			}
		}()
		p.loop()
	}()

	s.opened = s.opened[:0]
	for _, res := range s.opts.Resources {
		if err := res.Open(); err != nil {
			closeErr := s.closeResources()
			s.teardown(r)
			return errors.Join(fmt.Errorf("pipeline: %w: open %s: %w", ErrDevice, res.Name(), err), closeErr)
		}
		s.opened = append(s.opened, res)
	}

	slog.Info("pipeline started", "component", "pipeline",
		"mode", s.cfg.Mode, "variant", s.variant,
		"frame_size", s.cfg.FrameSize, "filter_length", s.cfg.FilterLength,
		"alignment_offset", s.cfg.AlignmentOffset)
	return nil
}

// Stop closes every resource in reverse order, lets the processing
// goroutine finish its in-flight frame and every capture frame already
// accepted, and closes the output queue. Frames queued for output can still
// be drained. Stop is idempotent; it
// returns the errors from closing resources, if any.
func (s *Scheduler) Stop() error {
	return s.stop(s.cur.Load())
}

func (s *Scheduler) stop(r *run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r == nil || s.cur.Load() != r || !s.running.Load() {
		return nil
	}

	err := s.closeResources()
	s.teardown(r)
	if err != nil {
		slog.Warn("pipeline stopped with errors", "component", "pipeline", "err", err)
	} else {
		slog.Info("pipeline stopped", "component", "pipeline")
	}
	return err
}

// teardown stops the processing goroutine and closes the run's queues.
// s.mu must be held.
func (s *Scheduler) teardown(r *run) {
	s.running.Store(false)
	r.capture.Close()
	r.reference.Close()
	close(r.stop)
	s.wg.Wait()
	r.output.Close()

	s.statsMu.Lock()
	s.stats.Running = false
	s.statsMu.Unlock()
	close(r.done)
}

// closeResources closes opened resources in reverse order, each exactly
// once. s.mu must be held.
func (s *Scheduler) closeResources() error {
	var errs []error
	for i := len(s.opened) - 1; i >= 0; i-- {
		res := s.opened[i]
		if err := res.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", res.Name(), err))
		}
	}
	s.opened = s.opened[:0]
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("pipeline: %w", errors.Join(errs...))
}

// Fail records a device error and stops the pipeline asynchronously, so it
// may be called from a resource's own goroutines. Done is closed once the
// pipeline is down.
func (s *Scheduler) Fail(err error) {
	r := s.cur.Load()
	if r == nil || !s.running.Load() {
		return
	}
	wrapped := fmt.Errorf("%w: %w", ErrDevice, err)
	s.setErr(wrapped)
	s.degrade(Degradation{Kind: ErrDevice, Detail: err.Error(), Count: 1}, true)
	go s.stop(r)
}

// Err returns the error that brought the pipeline down, if any.
func (s *Scheduler) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Scheduler) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done returns a channel that is closed when the current run has fully
// stopped. Before the first Start it returns a closed channel.
func (s *Scheduler) Done() <-chan struct{} {
	if r := s.cur.Load(); r != nil {
		return r.done
	}
	return closedCh
}

// PushCapture queues a captured frame, waiting at most QueueWaitMS for a
// free slot.
func (s *Scheduler) PushCapture(f frame.Frame) error {
	if err := s.push(f, "capture"); err != nil {
		return err
	}
	s.statsMu.Lock()
	s.stats.Captured++
	s.statsMu.Unlock()
	return nil
}

// PushReference queues a frame of the signal sent to the loudspeaker,
// waiting at most QueueWaitMS for a free slot.
func (s *Scheduler) PushReference(f frame.Frame) error {
	if err := s.push(f, "reference"); err != nil {
		return err
	}
	s.statsMu.Lock()
	s.stats.References++
	s.statsMu.Unlock()
	return nil
}

func (s *Scheduler) push(f frame.Frame, queue string) error {
	if len(f.Samples) != s.cfg.FrameSize {
		return fmt.Errorf("pipeline: %s: %w: got %d samples, want %d", queue, ErrFrameSizeMismatch, len(f.Samples), s.cfg.FrameSize)
	}
	r := s.cur.Load()
	if r == nil || !s.running.Load() {
		return ErrNotRunning
	}
	buf, full := r.capture, &r.captureFull
	if queue == "reference" {
		buf, full = r.reference, &r.referenceFull
	}

	switch err := buf.Push(f, s.cfg.QueueWait()); {
	case err == nil:
		full.Store(false)
		return nil
	case errors.Is(err, frame.ErrTimeout):
		s.degrade(Degradation{Kind: ErrQueueFull, Detail: queue + " queue full, frame rejected", Count: 1, Seq: f.Seq},
			!full.Swap(true))
		return fmt.Errorf("pipeline: %s: %w", queue, ErrQueueFull)
	default:
		return ErrNotRunning
	}
}

// PollOutput returns the next processed frame without waiting.
func (s *Scheduler) PollOutput() (frame.Frame, bool) {
	r := s.cur.Load()
	if r == nil {
		return frame.Frame{}, false
	}
	return r.output.TryPop()
}

// NextOutput waits up to timeout for the next processed frame. After Stop it
// returns the remaining frames and then frame.ErrClosed.
func (s *Scheduler) NextOutput(timeout time.Duration) (frame.Frame, error) {
	r := s.cur.Load()
	if r == nil {
		return frame.Frame{}, ErrNotRunning
	}
	return r.output.Pop(timeout)
}

// Stats returns a snapshot of the pipeline counters.
func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	out := s.stats
	out.Degradations = make(map[string]uint64, len(s.stats.Degradations))
	for k, v := range s.stats.Degradations {
		out.Degradations[k] = v
	}
	if out.Mode == "" {
		out.Mode = s.cfg.Mode
		out.Variant = s.variant.String()
	}
	return out
}

// degrade counts a degradation, reports it to metrics and the callback, and
// logs it at warn level when loud is set (debug otherwise).
func (s *Scheduler) degrade(d Degradation, loud bool) {
	kind := KindName(d.Kind)

	s.statsMu.Lock()
	if s.stats.Degradations == nil {
		s.stats.Degradations = make(map[string]uint64)
	}
	s.stats.Degradations[kind]++
	s.statsMu.Unlock()

	s.opts.Metrics.RecordDegradation(context.Background(), kind)

	level := slog.LevelDebug
	if loud {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "pipeline degraded", "component", "pipeline",
		"kind", kind, "detail", d.Detail, "count", d.Count, "seq", d.Seq)

	if s.opts.OnDegradation != nil {
		s.opts.OnDegradation(d)
	}
}
