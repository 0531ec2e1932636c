package playback

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// wavBytes builds a minimal RIFF/WAVE file. extra is appended after the fmt
// chunk so tests can exercise chunk skipping.
func wavBytes(t *testing.T, format, channels uint16, rate uint32, bits uint16, samples []int16, extra []byte) []byte {
	t.Helper()
	var body bytes.Buffer
	body.WriteString("WAVE")
	body.WriteString("fmt ")
	binary.Write(&body, binary.LittleEndian, uint32(16))
	binary.Write(&body, binary.LittleEndian, wavFormat{
		AudioFormat:   format,
		Channels:      channels,
		SampleRate:    rate,
		ByteRate:      rate * uint32(channels) * uint32(bits/8),
		BlockAlign:    channels * bits / 8,
		BitsPerSample: bits,
	})
	body.Write(extra)
	body.WriteString("data")
	binary.Write(&body, binary.LittleEndian, uint32(len(samples)*2))
	binary.Write(&body, binary.LittleEndian, samples)

	var out bytes.Buffer
	out.WriteString("RIFF")
	binary.Write(&out, binary.LittleEndian, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func TestSilenceClearsBuffer(t *testing.T) {
	buf := []float32{1, 2, 3}
	Silence{}.Fill(buf)
	for i, s := range buf {
		if s != 0 {
			t.Fatalf("buf[%d] = %f, want 0", i, s)
		}
	}
}

func TestToneAmplitude(t *testing.T) {
	tone, err := NewTone(440, 0, 48000)
	if err != nil {
		t.Fatalf("NewTone: %v", err)
	}
	buf := make([]float32, 4800)
	tone.Fill(buf)
	var peak float64
	for _, s := range buf {
		peak = math.Max(peak, math.Abs(float64(s)))
	}
	if peak > DefaultAmplitude+1e-6 {
		t.Errorf("peak %f exceeds amplitude %f", peak, DefaultAmplitude)
	}
	if peak < DefaultAmplitude*0.99 {
		t.Errorf("peak %f too low, want ~%f", peak, DefaultAmplitude)
	}
}

func TestToneIsPhaseContinuous(t *testing.T) {
	a, _ := NewTone(1000, 0.5, 48000)
	b, _ := NewTone(1000, 0.5, 48000)

	whole := make([]float32, 96)
	b.Fill(whole)

	first := make([]float32, 37)
	second := make([]float32, 59)
	a.Fill(first)
	a.Fill(second)
	split := append(first, second...)

	for i := range whole {
		if math.Abs(float64(whole[i]-split[i])) > 1e-6 {
			t.Fatalf("sample %d: split %f, whole %f", i, split[i], whole[i])
		}
	}
}

func TestNewToneValidation(t *testing.T) {
	cases := []struct {
		name string
		freq float64
		rate int
	}{
		{"zero rate", 440, 0},
		{"zero freq", 0, 48000},
		{"above nyquist", 30000, 48000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewTone(tc.freq, 0.3, tc.rate); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoopWraps(t *testing.T) {
	l, err := NewLoop([]int16{0, 16384, -16384})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	buf := make([]float32, 7)
	l.Fill(buf)
	want := []float32{0, 0.5, -0.5, 0, 0.5, -0.5, 0}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("buf = %v, want %v", buf, want)
		}
	}
	// Next fill continues where the last one stopped.
	l.Fill(buf[:1])
	if buf[0] != 0.5 {
		t.Errorf("continuation sample = %f, want 0.5", buf[0])
	}
}

func TestNewLoopEmpty(t *testing.T) {
	if _, err := NewLoop(nil); err != ErrEmptyClip {
		t.Fatalf("err = %v, want ErrEmptyClip", err)
	}
}

func TestReadWAV(t *testing.T) {
	want := []int16{1, -2, 300, -32768, 32767}
	// An odd-sized LIST chunk must be skipped along with its pad byte.
	list := append([]byte("LIST"), 3, 0, 0, 0, 'a', 'b', 'c', 0)
	data := wavBytes(t, 1, 1, 48000, 16, want, list)

	got, err := ReadWAV(bytes.NewReader(data), 48000)
	if err != nil {
		t.Fatalf("ReadWAV: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestReadWAVRejects(t *testing.T) {
	samples := []int16{1, 2}
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"not riff", []byte("RIFX0000WAVE"), "not a RIFF"},
		{"not wave", []byte("RIFF0000AVI "), "not a WAVE"},
		{"float", wavBytes(t, 3, 1, 48000, 16, samples, nil), "PCM"},
		{"stereo", wavBytes(t, 1, 2, 48000, 16, samples, nil), "mono"},
		{"wrong rate", wavBytes(t, 1, 1, 44100, 16, samples, nil), "48000 Hz"},
		{"8 bit", wavBytes(t, 1, 1, 48000, 8, samples, nil), "16-bit"},
		{"no data", []byte("RIFF\x04\x00\x00\x00WAVE"), "no data"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadWAV(bytes.NewReader(tc.data), 48000)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestOpenByExtension(t *testing.T) {
	dir := t.TempDir()

	wavPath := filepath.Join(dir, "clip.WAV")
	if err := os.WriteFile(wavPath, wavBytes(t, 1, 1, 48000, 16, []int16{16384, 0}, nil), 0o600); err != nil {
		t.Fatal(err)
	}
	rawPath := filepath.Join(dir, "clip.raw")
	if err := os.WriteFile(rawPath, []byte{0x00, 0x40, 0x00, 0xc0, 0x01}, 0o600); err != nil {
		t.Fatal(err)
	}

	wav, err := Open(wavPath, 48000)
	if err != nil {
		t.Fatalf("Open wav: %v", err)
	}
	if wav.Len() != 2 {
		t.Errorf("wav len = %d, want 2", wav.Len())
	}

	raw, err := Open(rawPath, 48000)
	if err != nil {
		t.Fatalf("Open raw: %v", err)
	}
	// The trailing odd byte is ignored.
	if raw.Len() != 2 {
		t.Fatalf("raw len = %d, want 2", raw.Len())
	}
	buf := make([]float32, 2)
	raw.Fill(buf)
	if buf[0] != 0.5 || buf[1] != -0.5 {
		t.Errorf("raw samples = %v, want [0.5 -0.5]", buf)
	}

	if _, err := Open(filepath.Join(dir, "missing.wav"), 48000); err == nil {
		t.Error("expected error for missing file")
	}
}
