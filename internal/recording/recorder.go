// Package recording writes the processed signal to rotating Ogg/Opus files
// and indexes every finished file.
package recording

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/hraban/opus.v2"

	"aecd/internal/frame"
	"aecd/internal/observe"
	"aecd/internal/store"
)

const (
	// packetDuration is the length of one Opus packet.
	packetDuration = 20 * time.Millisecond
	maxPacketBytes = 4000
	vendor         = "aecd"
)

// ErrClosed is returned by Consume after Close.
var ErrClosed = errors.New("recording: recorder closed")

// encoder abstracts Opus encoding for testing.
type encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// Index stores metadata about finished recordings. *store.Store satisfies it.
type Index interface {
	AddRecording(ctx context.Context, rec store.Recording) (int64, error)
}

// Config controls file layout and encoding.
type Config struct {
	Dir          string
	SampleRate   int
	ChunkSeconds int
	Bitrate      int
	SessionID    int64
}

// Recorder re-chunks output frames into 20 ms Opus packets and writes them
// to Ogg files that rotate every ChunkSeconds. It implements sink.Sink.
type Recorder struct {
	cfg     Config
	enc     encoder
	index   Index
	metrics *observe.Metrics
	now     func() time.Time

	packetSamples   int
	granulePerPack  uint64
	packetsPerChunk int

	mu      sync.Mutex
	pending []float32
	pcm     []int16
	buf     []byte
	closed  bool
	seq     int

	file      *os.File
	ogg       *oggWriter
	startedAt time.Time
	packets   int
}

// New creates the output directory and an Opus encoder for cfg.
func New(cfg Config, index Index, metrics *observe.Metrics) (*Recorder, error) {
	enc, err := opus.NewEncoder(cfg.SampleRate, 1, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	if cfg.Bitrate > 0 {
		if err := enc.SetBitrate(cfg.Bitrate); err != nil {
			return nil, fmt.Errorf("set opus bitrate: %w", err)
		}
	}
	return newRecorder(cfg, enc, index, metrics)
}

func newRecorder(cfg Config, enc encoder, index Index, metrics *observe.Metrics) (*Recorder, error) {
	if cfg.SampleRate <= 0 || cfg.SampleRate%50 != 0 {
		return nil, fmt.Errorf("recording: sample rate %d has no whole 20 ms packet", cfg.SampleRate)
	}
	if cfg.ChunkSeconds <= 0 {
		return nil, fmt.Errorf("recording: chunk length must be positive, got %d s", cfg.ChunkSeconds)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}

	packetSamples := cfg.SampleRate / 50
	return &Recorder{
		cfg:             cfg,
		enc:             enc,
		index:           index,
		metrics:         metrics,
		now:             time.Now,
		packetSamples:   packetSamples,
		granulePerPack:  opusGranuleRate / 50,
		packetsPerChunk: cfg.ChunkSeconds * int(time.Second/packetDuration),
		pcm:             make([]int16, packetSamples),
		buf:             make([]byte, maxPacketBytes),
	}, nil
}

func (r *Recorder) Name() string { return "recording" }

// Consume buffers f and writes every complete packet.
func (r *Recorder) Consume(f frame.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	r.pending = append(r.pending, f.Samples...)
	n := 0
	for len(r.pending)-n >= r.packetSamples {
		if err := r.writePacket(r.pending[n : n+r.packetSamples]); err != nil {
			return err
		}
		n += r.packetSamples
	}
	r.pending = append(r.pending[:0], r.pending[n:]...)
	return nil
}

// Close pads any partial packet with silence, finishes the open file and
// stops accepting frames.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if len(r.pending) > 0 {
		pad := make([]float32, r.packetSamples)
		copy(pad, r.pending)
		r.pending = r.pending[:0]
		if err := r.writePacket(pad); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.finish(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Recorder) writePacket(samples []float32) error {
	if r.file == nil {
		if err := r.open(); err != nil {
			return err
		}
	}

	frame.ToInt16(r.pcm, samples)
	n, err := r.enc.Encode(r.pcm, r.buf)
	if err != nil {
		return fmt.Errorf("opus encode: %w", err)
	}
	if err := r.ogg.writePacket(r.buf[:n], r.granulePerPack); err != nil {
		return fmt.Errorf("write ogg page: %w", err)
	}
	r.packets++

	if r.packets >= r.packetsPerChunk {
		return r.finish()
	}
	return nil
}

func (r *Recorder) open() error {
	r.startedAt = r.now()
	r.seq++
	name := fmt.Sprintf("aec_%s_%04d.ogg", r.startedAt.Format("20060102_150405"), r.seq)
	path := filepath.Join(r.cfg.Dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create recording file: %w", err)
	}
	h := fnv.New32a()
	h.Write([]byte(name))
	ogg := newOggWriter(f, h.Sum32())
	if err := ogg.writeHeaders(r.cfg.SampleRate, vendor); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write ogg headers: %w", err)
	}

	r.file = f
	r.ogg = ogg
	r.packets = 0
	log.Printf("[recording] started %s", name)
	return nil
}

// finish closes the current file, if any, and indexes it.
func (r *Recorder) finish() error {
	if r.file == nil {
		return nil
	}
	f := r.file
	r.file = nil

	var errs []error
	if err := r.ogg.close(); err != nil {
		errs = append(errs, fmt.Errorf("write ogg eos: %w", err))
	}
	if err := f.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	rec := store.Recording{
		SessionID: r.cfg.SessionID,
		Path:      f.Name(),
		StartedAt: r.startedAt,
		Duration:  time.Duration(r.packets) * packetDuration,
	}
	if fi, err := os.Stat(f.Name()); err == nil {
		rec.SizeBytes = fi.Size()
	}
	log.Printf("[recording] finished %s: %d packets, %s", filepath.Base(rec.Path), r.packets, rec.Duration)

	ctx := context.Background()
	r.metrics.RecordRecording(ctx)
	if r.index == nil {
		return nil
	}
	if _, err := r.index.AddRecording(ctx, rec); err != nil {
		return fmt.Errorf("index recording: %w", err)
	}
	return nil
}
