package frame

import "math"

// Clamp limits v to [-1.0, 1.0].
func Clamp(v float32) float32 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}

// Sanitize replaces a non-finite sample with 0 and clamps the rest to
// [-1.0, 1.0]. It reports whether the input was non-finite.
func Sanitize(v float64) (float64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, true
	}
	if v > 1.0 {
		return 1.0, false
	}
	if v < -1.0 {
		return -1.0, false
	}
	return v, false
}

// FromInt16 converts signed 16-bit PCM into normalized float samples.
func FromInt16(dst []float32, src []int16) {
	for i, s := range src {
		dst[i] = float32(s) / 32768.0
	}
}

// ToInt16 converts normalized float samples into signed 16-bit PCM,
// clamping out-of-range input and mapping NaN to 0.
func ToInt16(dst []int16, src []float32) {
	for i, s := range src {
		if s != s {
			dst[i] = 0
			continue
		}
		dst[i] = int16(Clamp(s) * 32767)
	}
}

// RMS returns the root-mean-square of a frame.
func RMS(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}

// MeanAbs returns the mean absolute amplitude of a frame, the level shown by
// the console meter.
func MeanAbs(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	return float32(sum / float64(len(samples)))
}

// Energy returns the sum of squared samples.
func Energy(samples []float32) float64 {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return sum
}
