package playback

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"aecd/internal/frame"
)

// ErrEmptyClip is returned when a clip holds no samples.
var ErrEmptyClip = errors.New("playback: clip has no samples")

// Loop plays a PCM clip over and over.
type Loop struct {
	mu      sync.Mutex
	samples []float32
	pos     int
}

// NewLoop returns a Loop over a copy of samples.
func NewLoop(samples []int16) (*Loop, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyClip
	}
	out := make([]float32, len(samples))
	frame.FromInt16(out, samples)
	return &Loop{samples: out}, nil
}

// Len is the clip length in samples.
func (l *Loop) Len() int { return len(l.samples) }

func (l *Loop) Fill(buf []float32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := 0; i < len(buf); {
		n := copy(buf[i:], l.samples[l.pos:])
		i += n
		l.pos = (l.pos + n) % len(l.samples)
	}
}

// LoadRaw reads a headerless signed 16-bit little-endian mono clip.
func LoadRaw(path string) (*Loop, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return NewLoop(samples)
}

// LoadWAV reads a 16-bit PCM mono WAV file recorded at sampleRate.
func LoadWAV(path string, sampleRate int) (*Loop, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	samples, err := ReadWAV(f, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewLoop(samples)
}

type wavFormat struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// ReadWAV parses a RIFF/WAVE stream and returns its samples. Only 16-bit PCM
// mono at sampleRate is accepted.
func ReadWAV(r io.Reader, sampleRate int) ([]int16, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read RIFF header: %w", err)
	}
	if string(header[0:4]) != "RIFF" {
		return nil, errors.New("not a RIFF file")
	}
	if string(header[8:12]) != "WAVE" {
		return nil, errors.New("not a WAVE file")
	}

	var (
		format   wavFormat
		fmtFound bool
	)
	for {
		var id [4]byte
		if _, err := io.ReadFull(r, id[:]); err != nil {
			break
		}
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			break
		}

		switch string(id[:]) {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("fmt chunk too short (%d bytes)", size)
			}
			if err := binary.Read(r, binary.LittleEndian, &format); err != nil {
				return nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			// Extensible WAV carries extra fmt bytes.
			if err := skip(r, int64(size-16)+int64(size%2)); err != nil {
				return nil, err
			}
			fmtFound = true

		case "data":
			if !fmtFound {
				return nil, errors.New("data chunk before fmt chunk")
			}
			if err := format.check(sampleRate); err != nil {
				return nil, err
			}
			samples := make([]int16, size/2)
			if err := binary.Read(r, binary.LittleEndian, samples); err != nil {
				return nil, fmt.Errorf("read samples: %w", err)
			}
			return samples, nil

		default:
			if err := skip(r, int64(size)+int64(size%2)); err != nil {
				return nil, err
			}
		}
	}
	return nil, errors.New("no data chunk found")
}

func (f wavFormat) check(sampleRate int) error {
	switch {
	case f.AudioFormat != 1:
		return fmt.Errorf("WAV must be PCM (format 1, got %d)", f.AudioFormat)
	case f.Channels != 1:
		return fmt.Errorf("WAV must be mono (got %d channels)", f.Channels)
	case f.SampleRate != uint32(sampleRate):
		return fmt.Errorf("WAV must be %d Hz (got %d Hz)", sampleRate, f.SampleRate)
	case f.BitsPerSample != 16:
		return fmt.Errorf("WAV must be 16-bit (got %d-bit)", f.BitsPerSample)
	}
	return nil
}

func skip(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("skip chunk: %w", err)
	}
	return nil
}
