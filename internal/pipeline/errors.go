package pipeline

import (
	"errors"
	"fmt"

	"aecd/internal/aec"
)

var (
	// ErrFrameSizeMismatch is returned when a frame does not have FrameSize
	// samples.
	ErrFrameSizeMismatch = aec.ErrFrameSizeMismatch

	// ErrNumericInstability marks non-finite values replaced with zero by the
	// filter.
	ErrNumericInstability = errors.New("numeric instability")

	// ErrCaptureTimeout marks a capture source that produced nothing for
	// CaptureTimeoutMS.
	ErrCaptureTimeout = errors.New("capture timeout")

	// ErrReferenceStall marks reference samples that had not arrived in time
	// and were replaced with silence.
	ErrReferenceStall = errors.New("reference stall")

	// ErrReferenceOverrun marks reference samples that were overwritten by
	// newer reference audio before capture caught up.
	ErrReferenceOverrun = errors.New("reference overrun")

	// ErrQueueFull marks a queue that stayed full for a whole wait.
	ErrQueueFull = errors.New("queue full")

	// ErrDevice marks a failure reported by a device adapter.
	ErrDevice = errors.New("device error")

	// ErrNotRunning is returned by operations that need a started pipeline.
	ErrNotRunning = errors.New("pipeline not running")

	// ErrAlreadyRunning is returned by Start on a running pipeline.
	ErrAlreadyRunning = errors.New("pipeline already running")
)

// Degradation is a non-fatal event: the pipeline substituted silence,
// dropped a frame or repaired a sample and kept going.
type Degradation struct {
	Kind   error
	Detail string
	Count  int    // samples or frames affected
	Seq    uint64 // capture sequence number, when one applies
}

func (d Degradation) String() string {
	return fmt.Sprintf("%v: %s (count=%d seq=%d)", d.Kind, d.Detail, d.Count, d.Seq)
}

// KindName returns the metric/stats label for a degradation kind.
func KindName(kind error) string {
	switch {
	case errors.Is(kind, ErrNumericInstability):
		return "numeric_instability"
	case errors.Is(kind, ErrCaptureTimeout):
		return "capture_timeout"
	case errors.Is(kind, ErrReferenceStall):
		return "reference_stall"
	case errors.Is(kind, ErrReferenceOverrun):
		return "reference_overrun"
	case errors.Is(kind, ErrQueueFull):
		return "queue_full"
	case errors.Is(kind, ErrDevice):
		return "device_error"
	case errors.Is(kind, ErrFrameSizeMismatch):
		return "frame_size_mismatch"
	default:
		return "other"
	}
}
