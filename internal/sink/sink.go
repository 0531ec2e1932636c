// Package sink delivers processed frames to their consumers.
package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"aecd/internal/frame"
)

const (
	// pollInterval bounds how long Run waits for a frame before rechecking ctx.
	pollInterval = 100 * time.Millisecond

	// DefaultDrainTimeout bounds how long Run keeps reading after ctx is
	// cancelled, waiting for the source to close.
	DefaultDrainTimeout = 2 * time.Second
)

// Sink consumes output frames. Consume is called from a single goroutine.
type Sink interface {
	Name() string
	Consume(frame.Frame) error
	Close() error
}

// Source yields output frames. It is satisfied by *pipeline.Scheduler.
type Source interface {
	NextOutput(timeout time.Duration) (frame.Frame, error)
}

// Fanout copies every output frame to a set of sinks. A sink that returns
// an error is detached and closed; the others keep receiving.
type Fanout struct {
	mu    sync.Mutex
	sinks []Sink

	drainTimeout time.Duration
}

// NewFanout returns a Fanout over sinks.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{
		sinks:        append([]Sink(nil), sinks...),
		drainTimeout: DefaultDrainTimeout,
	}
}

// Add attaches s.
func (f *Fanout) Add(s Sink) {
	f.mu.Lock()
	f.sinks = append(f.sinks, s)
	f.mu.Unlock()
}

// Len reports the number of attached sinks.
func (f *Fanout) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sinks)
}

// Run pulls frames from src until src closes, then closes every remaining
// sink. Once ctx is cancelled it keeps delivering until src closes, for at
// most the drain timeout, so frames left queued by a stopping source still
// reach the sinks. Timeouts from src are not errors.
func (f *Fanout) Run(ctx context.Context, src Source) error {
	defer f.Close()

	var deadline time.Time
	for {
		if deadline.IsZero() && ctx.Err() != nil {
			deadline = time.Now().Add(f.drainTimeout)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			slog.Warn("source still open after cancel, closing sinks", "drain_timeout", f.drainTimeout)
			return nil
		}

		fr, err := src.NextOutput(pollInterval)
		switch {
		case err == nil:
			f.Deliver(fr)
		case errors.Is(err, frame.ErrTimeout):
		case errors.Is(err, frame.ErrClosed):
			return nil
		default:
			return err
		}
	}
}

// Deliver hands a clone of fr to every attached sink.
func (f *Fanout) Deliver(fr frame.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()

	kept := f.sinks[:0]
	for _, s := range f.sinks {
		if err := s.Consume(fr.Clone()); err != nil {
			slog.Warn("sink detached", "sink", s.Name(), "seq", fr.Seq, "err", err)
			if cerr := s.Close(); cerr != nil {
				slog.Debug("sink close", "sink", s.Name(), "err", cerr)
			}
			continue
		}
		kept = append(kept, s)
	}
	clear(f.sinks[len(kept):])
	f.sinks = kept
}

// Close closes and detaches every sink.
func (f *Fanout) Close() error {
	f.mu.Lock()
	sinks := f.sinks
	f.sinks = nil
	f.mu.Unlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
