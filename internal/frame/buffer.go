package frame

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrClosed is returned by Buffer operations after Close. Pop keeps
	// returning queued frames until the buffer is drained.
	ErrClosed = errors.New("frame buffer closed")

	// ErrTimeout is returned when a bounded wait expires.
	ErrTimeout = errors.New("frame buffer wait timed out")

	// ErrFull is returned by TryPush when the buffer has no free slot.
	ErrFull = errors.New("frame buffer full")
)

// Buffer is a fixed-capacity FIFO of frames connecting one producer stage to
// one consumer stage. Every blocking call is bounded by a timeout and wakes
// up as soon as the buffer is closed, so a closed buffer acts as the
// shutdown sentinel for both sides.
type Buffer struct {
	name string
	ch   chan Frame
	done chan struct{}
	once sync.Once

	// Reserved buffers only. limit is the capacity until Release; space is
	// signalled on every pop.
	limit    int
	released atomic.Bool
	space    chan struct{}
}

// NewBuffer creates a Buffer holding at most capacity frames (minimum 1).
func NewBuffer(name string, capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		name: name,
		ch:   make(chan Frame, capacity),
		done: make(chan struct{}),
	}
}

// NewReservedBuffer creates a Buffer that holds at most capacity frames
// until Release and capacity+reserve frames after it. A reserved buffer
// supports one producer, and its consumers must use Pop or TryPop.
func NewReservedBuffer(name string, capacity, reserve int) *Buffer {
	b := NewBuffer(name, capacity)
	if reserve > 0 {
		b.limit = cap(b.ch)
		b.ch = make(chan Frame, b.limit+reserve)
		b.space = make(chan struct{}, 1)
	}
	return b
}

// Release lets a reserved buffer use its reserve slots.
func (b *Buffer) Release() {
	b.released.Store(true)
	b.signal()
}

func (b *Buffer) bounded() bool { return b.limit > 0 && !b.released.Load() }

func (b *Buffer) signal() {
	if b.space == nil {
		return
	}
	select {
	case b.space <- struct{}{}:
	default:
	}
}

// Name returns the label the buffer was created with.
func (b *Buffer) Name() string { return b.name }

// Cap returns the capacity in frames, not counting unreleased reserve.
func (b *Buffer) Cap() int {
	if b.bounded() {
		return b.limit
	}
	return cap(b.ch)
}

// Len returns the number of queued frames.
func (b *Buffer) Len() int { return len(b.ch) }

// Recv exposes the receive side for consumers that multiplex several
// buffers in one select. Pair it with Done.
func (b *Buffer) Recv() <-chan Frame { return b.ch }

// Done is closed when the buffer is closed.
func (b *Buffer) Done() <-chan struct{} { return b.done }

// Close marks the buffer closed and wakes every blocked caller. It is safe
// to call more than once.
func (b *Buffer) Close() {
	b.once.Do(func() { close(b.done) })
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// TryPush enqueues f without waiting.
func (b *Buffer) TryPush(f Frame) error {
	if b.Closed() {
		return ErrClosed
	}
	if b.bounded() && len(b.ch) >= b.limit {
		return ErrFull
	}
	select {
	case b.ch <- f:
		return nil
	default:
		return ErrFull
	}
}

// Push enqueues f, waiting up to timeout for a free slot.
func (b *Buffer) Push(f Frame, timeout time.Duration) error {
	if b.Closed() {
		return ErrClosed
	}
	if b.space != nil {
		return b.pushReserved(f, timeout)
	}
	select {
	case b.ch <- f:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b.ch <- f:
		return nil
	case <-b.done:
		return ErrClosed
	case <-timer.C:
		return ErrTimeout
	}
}

func (b *Buffer) pushReserved(f Frame, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if err := b.TryPush(f); !errors.Is(err, ErrFull) {
			return err
		}
		select {
		case <-b.space:
		case <-b.done:
			return ErrClosed
		case <-timer.C:
			return ErrTimeout
		}
	}
}

// PushDropOldest enqueues f, evicting the oldest queued frames until it
// fits. It returns the number of frames evicted.
func (b *Buffer) PushDropOldest(f Frame) (int, error) {
	if b.Closed() {
		return 0, ErrClosed
	}
	dropped := 0
	for b.bounded() && len(b.ch) >= b.limit {
		select {
		case <-b.ch:
			dropped++
		default:
		}
	}
	for {
		select {
		case b.ch <- f:
			return dropped, nil
		default:
		}
		select {
		case <-b.ch:
			dropped++
		default:
		}
	}
}

// TryPop dequeues a frame without waiting.
func (b *Buffer) TryPop() (Frame, bool) {
	select {
	case f := <-b.ch:
		b.signal()
		return f, true
	default:
		return Frame{}, false
	}
}

// Pop dequeues a frame, waiting up to timeout. After Close it returns the
// remaining frames and then ErrClosed.
func (b *Buffer) Pop(timeout time.Duration) (Frame, error) {
	if f, ok := b.TryPop(); ok {
		return f, nil
	}
	if b.Closed() {
		return Frame{}, ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-b.ch:
		b.signal()
		return f, nil
	case <-b.done:
		if f, ok := b.TryPop(); ok {
			return f, nil
		}
		return Frame{}, ErrClosed
	case <-timer.C:
		return Frame{}, ErrTimeout
	}
}

// Drain removes and returns every queued frame.
func (b *Buffer) Drain() []Frame {
	var out []Frame
	for {
		f, ok := b.TryPop()
		if !ok {
			return out
		}
		out = append(out, f)
	}
}
