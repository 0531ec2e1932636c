package device

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"aecd/internal/frame"
)

// paStream abstracts a PortAudio stream for testing.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
	Write() error
}

// Pipeline receives captured frames and the frames sent to the speaker.
type Pipeline interface {
	PushCapture(frame.Frame) error
	PushReference(frame.Frame) error
}

// Source produces the audio played through the speaker.
type Source interface {
	Fill(buf []float32)
}

// Config selects devices and stream geometry.
type Config struct {
	InputDeviceID  int // -1 selects the default input
	OutputDeviceID int // -1 selects the default output
	SampleRate     int
	FrameSize      int
	Volume         float64
}

// Stats counts frames moved by the device loops.
type Stats struct {
	Captured uint64 `json:"captured"`
	Played   uint64 `json:"played"`
	Rejected uint64 `json:"rejected"`
}

// Duplex owns one capture stream and one playback stream. Every captured
// buffer becomes a capture frame; every buffer written to the speaker is
// pushed as the reference frame with the same sequence numbering.
type Duplex struct {
	cfg  Config
	pipe Pipeline
	src  Source

	// OnError is called from a device goroutine when a stream fails while
	// running. Wire it to the scheduler's Fail.
	OnError func(error)

	mu             sync.Mutex
	running        atomic.Bool
	captureStream  paStream
	playbackStream paStream
	stopCh         chan struct{}
	wg             sync.WaitGroup

	// openStreams opens (but does not start) both streams over the given
	// buffers. Replaced in tests.
	openStreams func(captureBuf, playbackBuf []float32) (capture, playback paStream, err error)

	captured atomic.Uint64
	played   atomic.Uint64
	rejected atomic.Uint64
}

// NewDuplex returns a Duplex feeding pipe and playing src.
func NewDuplex(cfg Config, pipe Pipeline, src Source) *Duplex {
	d := &Duplex{cfg: cfg, pipe: pipe, src: src}
	d.openStreams = d.openPortAudio
	return d
}

// Name implements pipeline.Resource.
func (d *Duplex) Name() string { return "audio" }

// Stats returns frame counters.
func (d *Duplex) Stats() Stats {
	return Stats{
		Captured: d.captured.Load(),
		Played:   d.played.Load(),
		Rejected: d.rejected.Load(),
	}
}

// Open opens and starts both streams and the capture/playback loops.
func (d *Duplex) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running.Load() {
		return nil
	}

	captureBuf := make([]float32, d.cfg.FrameSize)
	playbackBuf := make([]float32, d.cfg.FrameSize)
	captureStream, playbackStream, err := d.openStreams(captureBuf, playbackBuf)
	if err != nil {
		return err
	}

	if err := captureStream.Start(); err != nil {
		captureStream.Close()
		playbackStream.Close()
		return fmt.Errorf("start capture: %w", err)
	}
	if err := playbackStream.Start(); err != nil {
		captureStream.Stop()
		captureStream.Close()
		playbackStream.Close()
		return fmt.Errorf("start playback: %w", err)
	}

	d.captureStream = captureStream
	d.playbackStream = playbackStream
	d.stopCh = make(chan struct{})
	d.running.Store(true)

	d.wg.Add(2)
	go func() { defer d.wg.Done(); d.captureLoop(captureBuf) }()
	go func() { defer d.wg.Done(); d.playbackLoop(playbackBuf) }()
	return nil
}

func (d *Duplex) openPortAudio(captureBuf, playbackBuf []float32) (paStream, paStream, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, nil, err
	}
	inputDev, err := resolveDevice(devices, d.cfg.InputDeviceID, portaudio.DefaultInputDevice)
	if err != nil {
		return nil, nil, fmt.Errorf("input device: %w", err)
	}
	outputDev, err := resolveDevice(devices, d.cfg.OutputDeviceID, portaudio.DefaultOutputDevice)
	if err != nil {
		return nil, nil, fmt.Errorf("output device: %w", err)
	}

	captureParams := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inputDev,
			Channels: 1,
			Latency:  inputDev.DefaultLowInputLatency,
		},
		SampleRate:      float64(d.cfg.SampleRate),
		FramesPerBuffer: d.cfg.FrameSize,
	}
	captureStream, err := portaudio.OpenStream(captureParams, captureBuf)
	if err != nil {
		return nil, nil, fmt.Errorf("open capture %q: %w", inputDev.Name, err)
	}

	playbackParams := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outputDev,
			Channels: 1,
			Latency:  outputDev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(d.cfg.SampleRate),
		FramesPerBuffer: d.cfg.FrameSize,
	}
	playbackStream, err := portaudio.OpenStream(playbackParams, playbackBuf)
	if err != nil {
		captureStream.Close()
		return nil, nil, fmt.Errorf("open playback %q: %w", outputDev.Name, err)
	}

	log.Printf("[audio] opened capture=%s playback=%s", inputDev.Name, outputDev.Name)
	return captureStream, playbackStream, nil
}

// Close stops both loops and releases the streams. It is safe to call more
// than once.
//
// Stopping a stream makes blocked Read/Write calls return, which lets the
// loops exit. Streams are closed only after the loops are gone, otherwise a
// loop could touch a freed native stream.
func (d *Duplex) Close() error {
	if !d.running.CompareAndSwap(true, false) {
		return nil
	}
	close(d.stopCh)

	d.mu.Lock()
	if d.captureStream != nil {
		d.captureStream.Stop()
	}
	if d.playbackStream != nil {
		d.playbackStream.Stop()
	}
	d.mu.Unlock()

	d.wg.Wait()

	var errs []error
	d.mu.Lock()
	if d.captureStream != nil {
		if err := d.captureStream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close capture: %w", err))
		}
		d.captureStream = nil
	}
	if d.playbackStream != nil {
		if err := d.playbackStream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close playback: %w", err))
		}
		d.playbackStream = nil
	}
	d.mu.Unlock()

	log.Println("[audio] stopped")
	return errors.Join(errs...)
}

func (d *Duplex) captureLoop(buf []float32) {
	var seq uint64
	for d.running.Load() {
		if err := d.captureStream.Read(); err != nil {
			d.streamError("capture read", err)
			return
		}

		samples := make([]float32, len(buf))
		copy(samples, buf)
		if err := d.pipe.PushCapture(frame.New(seq, samples)); err != nil {
			d.rejected.Add(1)
		} else {
			d.captured.Add(1)
		}
		seq++
	}
}

func (d *Duplex) playbackLoop(buf []float32) {
	var seq uint64
	vol := float32(d.cfg.Volume)

	for {
		// Check for stop before every write cycle.
		select {
		case <-d.stopCh:
			return
		default:
		}

		if d.src != nil {
			d.src.Fill(buf)
		} else {
			clear(buf)
		}
		for i, s := range buf {
			buf[i] = frame.Clamp(s * vol)
		}

		// The reference is exactly what the speaker is about to emit.
		ref := make([]float32, len(buf))
		copy(ref, buf)
		if err := d.pipe.PushReference(frame.New(seq, ref)); err != nil {
			d.rejected.Add(1)
		}
		seq++

		if err := d.playbackStream.Write(); err != nil {
			d.streamError("playback write", err)
			return
		}
		d.played.Add(1)
	}
}

// streamError reports a stream failure unless it was caused by Close.
func (d *Duplex) streamError(op string, err error) {
	if !d.running.Load() {
		return
	}
	log.Printf("[audio] %s: %v", op, err)
	if d.OnError != nil {
		d.OnError(fmt.Errorf("%s: %w", op, err))
	}
}
