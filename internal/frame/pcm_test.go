package frame

import (
	"math"
	"testing"
)

func TestSanitize(t *testing.T) {
	cases := []struct {
		in       float64
		want     float64
		unstable bool
	}{
		{0.25, 0.25, false},
		{1.5, 1, false},
		{-3, -1, false},
		{math.NaN(), 0, true},
		{math.Inf(1), 0, true},
		{math.Inf(-1), 0, true},
	}
	for _, c := range cases {
		got, bad := Sanitize(c.in)
		if got != c.want || bad != c.unstable {
			t.Errorf("Sanitize(%v) = (%v, %v), want (%v, %v)", c.in, got, bad, c.want, c.unstable)
		}
	}
}

func TestInt16RoundTrip(t *testing.T) {
	src := []int16{0, 16384, -16384, 32767, -32768}
	f := make([]float32, len(src))
	FromInt16(f, src)
	if f[1] != 0.5 || f[2] != -0.5 || f[4] != -1 {
		t.Fatalf("unexpected normalized values: %v", f)
	}

	out := make([]int16, len(f))
	ToInt16(out, []float32{0, 0.5, -0.5, 2, float32(math.NaN())})
	want := []int16{0, 16383, -16383, 32767, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d: want %d, got %d", i, want[i], out[i])
		}
	}
}

func TestLevels(t *testing.T) {
	s := []float32{0.5, -0.5, 0.5, -0.5}
	if got := RMS(s); math.Abs(float64(got)-0.5) > 1e-6 {
		t.Errorf("RMS: want 0.5, got %v", got)
	}
	if got := MeanAbs(s); got != 0.5 {
		t.Errorf("MeanAbs: want 0.5, got %v", got)
	}
	if got := Energy(s); got != 1 {
		t.Errorf("Energy: want 1, got %v", got)
	}
	if RMS(nil) != 0 || MeanAbs(nil) != 0 {
		t.Error("empty frame levels should be zero")
	}
}
