package sink

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"aecd/internal/frame"
)

type recordingSink struct {
	name    string
	mu      sync.Mutex
	got     []frame.Frame
	failAt  int // fail on the Nth consume (1-based), 0 never
	closed  int
	calls   int
	mutates bool
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Consume(f frame.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failAt > 0 && r.calls == r.failAt {
		return errors.New("boom")
	}
	if r.mutates {
		for i := range f.Samples {
			f.Samples[i] = -1
		}
	}
	r.got = append(r.got, f)
	return nil
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *recordingSink) frames() []frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frame.Frame(nil), r.got...)
}

func TestFanoutDeliversClones(t *testing.T) {
	a := &recordingSink{name: "a", mutates: true}
	b := &recordingSink{name: "b"}
	f := NewFanout(a, b)

	f.Deliver(frame.New(0, []float32{0.25, 0.5}))

	got := b.frames()
	if len(got) != 1 {
		t.Fatalf("b received %d frames, want 1", len(got))
	}
	if got[0].Samples[0] != 0.25 || got[0].Samples[1] != 0.5 {
		t.Errorf("b saw mutation from a: %v", got[0].Samples)
	}
}

func TestFanoutDetachesFailingSink(t *testing.T) {
	bad := &recordingSink{name: "bad", failAt: 2}
	good := &recordingSink{name: "good"}
	f := NewFanout(bad, good)

	for seq := range uint64(4) {
		f.Deliver(frame.Silence(seq, 2))
	}

	if f.Len() != 1 {
		t.Fatalf("attached sinks = %d, want 1", f.Len())
	}
	if bad.closed != 1 {
		t.Errorf("failing sink closed %d times, want 1", bad.closed)
	}
	if n := len(bad.frames()); n != 1 {
		t.Errorf("failing sink kept %d frames, want 1", n)
	}
	if n := len(good.frames()); n != 4 {
		t.Errorf("good sink got %d frames, want 4", n)
	}
}

type queueSource struct {
	buf *frame.Buffer
}

func (q queueSource) NextOutput(timeout time.Duration) (frame.Frame, error) {
	return q.buf.Pop(timeout)
}

func TestFanoutRunUntilSourceCloses(t *testing.T) {
	buf := frame.NewBuffer("output", 8)
	for seq := range uint64(3) {
		if err := buf.TryPush(frame.Silence(seq, 2)); err != nil {
			t.Fatal(err)
		}
	}
	buf.Close()

	s := &recordingSink{name: "s"}
	f := NewFanout(s)
	if err := f.Run(context.Background(), queueSource{buf}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := s.frames()
	if len(got) != 3 {
		t.Fatalf("got %d frames, want 3", len(got))
	}
	for i, fr := range got {
		if fr.Seq != uint64(i) {
			t.Errorf("frame %d seq = %d", i, fr.Seq)
		}
	}
	if s.closed != 1 {
		t.Errorf("sink closed %d times, want 1", s.closed)
	}
}

func TestFanoutRunStopsOnCancel(t *testing.T) {
	buf := frame.NewBuffer("output", 1)
	ctx, cancel := context.WithCancel(context.Background())
	s := &recordingSink{name: "s"}
	f := NewFanout(s)
	f.drainTimeout = 50 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, queueSource{buf}) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if s.closed != 1 {
		t.Errorf("sink closed %d times, want 1", s.closed)
	}
}

// TestFanoutRunDrainsAfterCancel verifies frames the source still yields
// after cancellation are delivered before Run returns.
func TestFanoutRunDrainsAfterCancel(t *testing.T) {
	buf := frame.NewBuffer("output", 8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &recordingSink{name: "s"}
	f := NewFanout(s)
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, queueSource{buf}) }()

	time.Sleep(20 * time.Millisecond)
	for seq := range uint64(3) {
		if err := buf.TryPush(frame.Silence(seq, 2)); err != nil {
			t.Fatal(err)
		}
	}
	buf.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the source closed")
	}
	if n := len(s.frames()); n != 3 {
		t.Errorf("delivered %d frames after cancel, want 3", n)
	}
	if s.closed != 1 {
		t.Errorf("sink closed %d times, want 1", s.closed)
	}
}

type errSource struct{ err error }

func (e errSource) NextOutput(time.Duration) (frame.Frame, error) { return frame.Frame{}, e.err }

func TestFanoutRunReturnsSourceError(t *testing.T) {
	want := errors.New("not running")
	err := NewFanout().Run(context.Background(), errSource{want})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestBar(t *testing.T) {
	cases := []struct {
		amp   float32
		cells int
	}{
		{0, 0},
		{0.1, 5},
		{0.5, 25},
		{2, 50},
		{-1, 0},
	}
	for _, tc := range cases {
		bar := Bar(tc.amp)
		if n := strings.Count(bar, "█"); n != tc.cells {
			t.Errorf("Bar(%v) has %d cells, want %d", tc.amp, n, tc.cells)
		}
		if !strings.HasPrefix(bar, "\rAmplitude: ") {
			t.Errorf("Bar(%v) = %q, missing prefix", tc.amp, bar)
		}
	}
}

func TestMeterThrottles(t *testing.T) {
	var out bytes.Buffer
	m := NewMeter(&out, time.Second)
	now := time.Unix(100, 0)
	m.now = func() time.Time { return now }

	full := frame.New(0, []float32{0.5, -0.5})
	m.Consume(full)
	now = now.Add(500 * time.Millisecond)
	m.Consume(full)
	now = now.Add(600 * time.Millisecond)
	m.Consume(full)

	if n := strings.Count(out.String(), "\r"); n != 2 {
		t.Fatalf("meter wrote %d lines, want 2", n)
	}
	if !strings.Contains(out.String(), "0.5000") {
		t.Errorf("output %q missing amplitude", out.String())
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(out.String(), "\n") {
		t.Error("Close did not terminate the meter line")
	}
}
